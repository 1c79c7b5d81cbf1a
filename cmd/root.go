package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/modelrelay/modelrelay/pkg/logutil"
	"github.com/modelrelay/modelrelay/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "modelrelay",
	Short: "AI CLI gateway with cache anomaly monitoring",
	Long:  "ModelRelay routes OpenAI-compatible AI CLI traffic through configured providers and watches prompt cache hit rates for anomalies.",
}

var rootLogLevel string

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := logutil.Configure(rootLogLevel); err != nil {
			return err
		}
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return nil
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print modelrelay version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("modelrelay"))
		},
	})
}
