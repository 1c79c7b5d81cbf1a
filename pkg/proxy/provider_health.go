package proxy

import (
	"context"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/pkg/config"
	"github.com/modelrelay/modelrelay/pkg/provider"
)

const (
	providerHealthCheckInterval = 15 * time.Minute
	providerHealthRetryInterval = 30 * time.Second
)

// Health status values as shown in the admin provider list.
const (
	healthOnline      = "online"
	healthOffline     = "offline"
	healthBlocked     = "blocked"
	healthAuthProblem = "auth problem"
	healthRateLimited = "rate limited"
)

type ProviderHealth struct {
	Status     string
	ResponseMS int64
	ModelCount int
	CheckedAt  time.Time
}

// HealthChecker keeps a status map per provider, fed by periodic
// catalog probes and by passive results from proxied requests. Healthy
// providers are re-probed on the long interval, unhealthy ones on the short
// retry interval.
type HealthChecker struct {
	resolver *ProviderResolver
	interval time.Duration
	retry    time.Duration
	poll     time.Duration
	now      func() time.Time

	mu     sync.RWMutex
	health map[string]ProviderHealth
	wake   chan struct{}
}

func NewHealthChecker(resolver *ProviderResolver, interval time.Duration) *HealthChecker {
	if interval <= 0 {
		interval = providerHealthCheckInterval
	}
	return &HealthChecker{
		resolver: resolver,
		interval: interval,
		retry:    providerHealthRetryInterval,
		poll:     min(interval, providerHealthRetryInterval),
		now:      time.Now,
		health:   map[string]ProviderHealth{},
		wake:     make(chan struct{}, 1),
	}
}

// update runs fn with the status map held exclusively.
func (c *HealthChecker) update(fn func(health map[string]ProviderHealth)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.health)
}

func (c *HealthChecker) Run(ctx context.Context) {
	if c == nil || c.resolver == nil {
		return
	}
	c.checkOnce(ctx, false)
	tick := time.NewTicker(c.poll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			c.checkOnce(ctx, false)
		case <-c.wake:
			c.checkOnce(ctx, true)
		}
	}
}

// Trigger forces a full re-probe on the next loop iteration, typically after
// a provider was added or edited.
func (c *HealthChecker) Trigger() {
	if c == nil {
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *HealthChecker) Snapshot(name string) (ProviderHealth, bool) {
	if c == nil {
		return ProviderHealth{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.health[name]
	return h, ok
}

// proxyResultStatus classifies a proxied request's outcome the same way a
// probe would.
func proxyResultStatus(statusCode int, reqErr error) string {
	switch {
	case reqErr != nil:
		return healthOffline
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return healthAuthProblem
	case statusCode == http.StatusTooManyRequests:
		return healthRateLimited
	default:
		return healthOnline
	}
}

// RecordProxyResult updates the status map from a live proxy attempt without
// waiting for the next probe. The model count from the last probe is kept.
func (c *HealthChecker) RecordProxyResult(provider string, latency time.Duration, statusCode int, reqErr error) {
	if c == nil || provider == "" {
		return
	}
	snap := ProviderHealth{
		Status:     proxyResultStatus(statusCode, reqErr),
		ResponseMS: latency.Milliseconds(),
		CheckedAt:  c.now().UTC(),
	}
	c.update(func(health map[string]ProviderHealth) {
		if prev, ok := health[provider]; ok {
			snap.ModelCount = prev.ModelCount
		}
		health[provider] = snap
	})
}

func (c *HealthChecker) AvailabilitySummary(providers []string) (available int, online int) {
	available = len(providers)
	if c == nil {
		return available, 0
	}
	for _, name := range providers {
		if snap, ok := c.Snapshot(name); ok && snap.Status == healthOnline {
			online++
		}
	}
	return available, online
}

func (c *HealthChecker) shouldCheck(name string, now time.Time, force bool) bool {
	if force {
		return true
	}
	snap, ok := c.Snapshot(name)
	if !ok || snap.CheckedAt.IsZero() {
		return true
	}
	wait := c.retry
	if snap.Status == healthOnline {
		wait = c.interval
	}
	return now.Sub(snap.CheckedAt) >= wait
}

func (c *HealthChecker) checkOnce(parent context.Context, force bool) {
	providers := c.resolver.ListProviders()
	now := c.now()
	seen := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		seen[p.Name] = struct{}{}
		if !c.shouldCheck(p.Name, now, force) {
			continue
		}
		snap := c.probe(parent, p)
		c.update(func(health map[string]ProviderHealth) { health[p.Name] = snap })
	}
	// Drop providers that were removed from the config.
	c.update(func(health map[string]ProviderHealth) {
		maps.DeleteFunc(health, func(name string, _ ProviderHealth) bool {
			_, ok := seen[name]
			return !ok
		})
	})
}

// probe lists the provider's models once and classifies the outcome.
func (c *HealthChecker) probe(parent context.Context, p config.ProviderConfig) ProviderHealth {
	if parent == nil {
		parent = context.Background()
	}
	timeout := p.TimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}
	ctx, cancel := context.WithTimeout(parent, time.Duration(timeout)*time.Second)
	defer cancel()

	start := c.now()
	models, err := provider.NewClient(p).ListModels(ctx)
	return ProviderHealth{
		Status:     probeStatus(err),
		ResponseMS: c.now().Sub(start).Milliseconds(),
		ModelCount: len(models),
		CheckedAt:  c.now().UTC(),
	}
}

func probeStatus(err error) string {
	switch {
	case err == nil:
		return healthOnline
	case provider.IsBlocked(err):
		return healthBlocked
	case provider.IsAuthError(err):
		return healthAuthProblem
	case provider.IsRateLimited(err):
		return healthRateLimited
	default:
		return healthOffline
	}
}
