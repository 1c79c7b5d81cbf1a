package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gen2brain/beeep"
)

const (
	LevelWarning = "warning"
	LevelError   = "error"
)

type Notice struct {
	Level string `json:"level"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Sender delivers a notice to the user. Implementations must be safe for
// concurrent use; callers treat delivery as best effort.
type Sender interface {
	Send(ctx context.Context, n Notice) error
}

// Desktop shows notices through the OS notification service.
type Desktop struct {
	AppName string
	Timeout time.Duration
}

func NewDesktop(appName string) *Desktop {
	return &Desktop{AppName: strings.TrimSpace(appName), Timeout: 5 * time.Second}
}

func (d *Desktop) Send(ctx context.Context, n Notice) error {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	title := strings.TrimSpace(n.Title)
	if title == "" {
		title = d.AppName
	}
	done := make(chan error, 1)
	go func() {
		if n.Level == LevelError {
			done <- beeep.Alert(title, n.Body, "")
			return
		}
		done <- beeep.Notify(title, n.Body, "")
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("desktop notification: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("desktop notification: %w", ctx.Err())
	}
}

// Func adapts a function to the Sender interface. Handy for tests and for
// log-only delivery.
type Func func(ctx context.Context, n Notice) error

func (f Func) Send(ctx context.Context, n Notice) error {
	return f(ctx, n)
}

// Logger writes notices to the process log. It is the fallback when
// desktop notifications are turned off or the platform has no
// notification service.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (l *Logger) Send(_ context.Context, n Notice) error {
	if n.Level == LevelError {
		log.Error(n.Title, "body", n.Body)
		return nil
	}
	log.Warn(n.Title, "body", n.Body)
	return nil
}

// Multi fans a notice out to every sender and returns the first failure.
type Multi []Sender

func (m Multi) Send(ctx context.Context, n Notice) error {
	var firstErr error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, n); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
