// Command tandem runs a hybrid CPU/NPU decoder and serves its weights.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tandem/internal/config"
	"github.com/23skdu/longbow-tandem/internal/logger"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tandem",
		Short:         "Hybrid CPU/NPU transformer inference",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (defaults when empty)")
	rootCmd.PersistentFlags().String("weights", "", "Weights: an Arrow file, grpc://host:port, or empty for synthetic")

	rootCmd.AddCommand(
		newRunCmd(),
		newInspectCmd(),
		newServeWeightsCmd(),
		newExportWeightsCmd(),
	)
	return rootCmd
}

// loadConfig reads --config and applies --weights on top of it.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if cmd.Flags().Changed("weights") {
		cfg.Weights, _ = cmd.Flags().GetString("weights")
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewCLI().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
