// Package cmd 命令行入口：serve / play / replay
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"arenasync/config"
	"arenasync/logging"
)

var (
	configPath string

	cfg *config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "arenasync",
	Short: "Authoritative arena server and predicting client",
	Long: `arenasync runs the authoritative arena server, a headless predicting
client, and tools for inspecting archived replays.

Examples:
  arenasync serve --addr :8080
  arenasync play --room room-1 --player alice --press right
  arenasync replay list
  arenasync replay show <id> --tick 1000000`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		l, err := logging.New(c.LogConfig())
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg, log = c, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync(log)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml/toml/json)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(replayCmd)
}

// Execute 运行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
