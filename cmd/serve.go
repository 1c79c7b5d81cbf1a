package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/modelrelay/modelrelay/pkg/config"
	"github.com/modelrelay/modelrelay/pkg/logstore"
	"github.com/modelrelay/modelrelay/pkg/logutil"
	"github.com/modelrelay/modelrelay/pkg/proxy"
	"github.com/modelrelay/modelrelay/pkg/wizard"
)

var (
	serveConfigPath           string
	serveListenAddrOverride   string
	serveAllowLocalhostNoAuth bool
	serveMonitorEnabled       bool
)

// ensureServerConfig loads the config at path, running the interactive
// wizard first when none exists yet.
func ensureServerConfig(out io.Writer, path string) (*config.ServerConfig, error) {
	cfg, found, err := loadOrInitServerConfig(path)
	if err != nil || found {
		return cfg, err
	}
	fmt.Fprintf(out, "No config at %s yet; starting the setup wizard.\n", path)
	if err := wizard.RunServerWizard(path, cfg); err != nil {
		return nil, fmt.Errorf("first-time setup: %w", err)
	}
	cfg, err = config.LoadServerConfig(path)
	if err != nil {
		return nil, fmt.Errorf("reload config after setup: %w", err)
	}
	return cfg, nil
}

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ensureServerConfig(cmd.OutOrStdout(), serveConfigPath)
			if err != nil {
				return err
			}
			for _, o := range []struct {
				flag  string
				apply func()
			}{
				{"listen-addr", func() { cfg.ListenAddr = serveListenAddrOverride }},
				{"allow-localhost-no-auth", func() { cfg.AllowLocalhostNoAuth = serveAllowLocalhostNoAuth }},
				{"monitor", func() { cfg.Monitor.Enabled = serveMonitorEnabled }},
			} {
				if cmd.Flags().Changed(o.flag) {
					o.apply()
				}
			}

			logs := logstore.NewStore(config.DefaultLogsPath(), logstore.Settings{MaxLines: cfg.Logs.MaxLines})
			logutil.SetOutputTee(logs.Writer())
			defer func() {
				logutil.SetOutputTee(nil)
				logs.Flush()
			}()

			srv, err := proxy.NewServer(serveConfigPath, cfg, logs)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go func() {
				err := config.Watch(ctx, srv.Store(), func(fresh config.ServerConfig) {
					log.Info("config reloaded from disk", "path", serveConfigPath)
					srv.ApplyConfig(fresh)
				}, func(err error) {
					log.Warn("config reload failed", "error", err)
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					log.Warn("config watcher stopped", "error", err)
				}
			}()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Path to the server config (TOML)")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Listen address override (host:port)")
	serveCmd.Flags().BoolVar(&serveAllowLocalhostNoAuth, "allow-localhost-no-auth", false, "Force allow_localhost_no_auth on or off")
	serveCmd.Flags().BoolVar(&serveMonitorEnabled, "monitor", true, "Force the cache anomaly monitor on or off")
	rootCmd.AddCommand(serveCmd)
}
