package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/modelrelay/modelrelay/pkg/config"
	"github.com/modelrelay/modelrelay/pkg/wizard"
)

var configServerPath string

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Run server configuration wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadOrInitServerConfig(configServerPath)
			if err != nil {
				return err
			}
			return wizard.RunServerWizard(configServerPath, cfg)
		},
	}
	configCmd.Flags().StringVar(&configServerPath, "server-config", config.DefaultServerConfigPath(), "Path to the server config (TOML)")
	rootCmd.AddCommand(configCmd)
}

// loadOrInitServerConfig loads the config at path, falling back to defaults
// when no file exists yet. found reports whether the file was present.
func loadOrInitServerConfig(path string) (cfg *config.ServerConfig, found bool, err error) {
	cfg, err = config.LoadServerConfig(path)
	switch {
	case err == nil:
		return cfg, true, nil
	case errors.Is(err, os.ErrNotExist):
		return config.NewDefaultServerConfig(), false, nil
	default:
		return nil, false, fmt.Errorf("load server config: %w", err)
	}
}
