package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tandem/internal/config"
	"github.com/23skdu/longbow-tandem/internal/loader"
	"github.com/23skdu/longbow-tandem/internal/logger"
	"github.com/23skdu/longbow-tandem/internal/model"
	"github.com/23skdu/longbow-tandem/internal/op"
)

const remotePrefix = "grpc://"

// openWeights resolves a weights source. The returned close func is never
// nil.
func openWeights(cfg config.Config) (op.Loader, func(), error) {
	switch {
	case cfg.Weights == "":
		logger.Log.Info("Using synthetic weights", "seed", cfg.Seed)
		return loader.Synthetic{Seed: cfg.Seed}, func() {}, nil
	case strings.HasPrefix(cfg.Weights, remotePrefix):
		addr := strings.TrimPrefix(cfg.Weights, remotePrefix)
		r, err := loader.Dial(addr)
		if err != nil {
			return nil, nil, fmt.Errorf("dial weight server %s: %w", addr, err)
		}
		logger.Log.Info("Using remote weights", "addr", addr)
		return r, func() { r.Close() }, nil
	default:
		m, err := loader.ReadFile(cfg.Weights)
		if err != nil {
			return nil, nil, err
		}
		logger.Log.Info("Using weight file", "path", cfg.Weights, "tensors", m.Len())
		return m, func() {}, nil
	}
}

// collectWeights loads every parameter cfg's graph needs from src and
// returns them as a map.
func collectWeights(ctx context.Context, cfg config.Config, src op.Loader) (*loader.Map, error) {
	rt, err := model.New(cfg)
	if err != nil {
		return nil, err
	}
	defer rt.Close()
	m := loader.NewMap()
	if err := rt.Load(ctx, loader.Capture{Src: src, Into: m}); err != nil {
		return nil, err
	}
	return m, nil
}

func newServeWeightsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-weights",
		Short: "Serve weights over Arrow Flight",
		Args:  cobra.ExactArgs(0),
		RunE:  ServeWeightsHandler,
	}
	cmd.Flags().String("addr", fmt.Sprintf(":%d", loader.DefaultPort), "Listen address")
	return cmd
}

func ServeWeightsHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	src, closeSrc, err := openWeights(cfg)
	if err != nil {
		return err
	}
	defer closeSrc()

	ctx := cmd.Context()
	m, ok := src.(*loader.Map)
	if !ok {
		if m, err = collectWeights(ctx, cfg, src); err != nil {
			return err
		}
	}

	addr, _ := cmd.Flags().GetString("addr")
	store := loader.NewStore(m)
	if err := store.Listen(addr); err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- store.Serve() }()

	select {
	case <-ctx.Done():
		logger.Log.Info("Shutting down weight server")
		store.Shutdown()
		return nil
	case err := <-errCh:
		return err
	}
}

func newExportWeightsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export-weights PATH",
		Short: "Write the weights for the configured model to an Arrow file",
		Args:  cobra.ExactArgs(1),
		RunE:  ExportWeightsHandler,
	}
	return cmd
}

func ExportWeightsHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	src, closeSrc, err := openWeights(cfg)
	if err != nil {
		return err
	}
	defer closeSrc()

	m, err := collectWeights(cmd.Context(), cfg, src)
	if err != nil {
		return err
	}
	if err := loader.WriteFile(args[0], m); err != nil {
		return err
	}
	logger.Log.Info("Weights exported", "path", args[0], "tensors", m.Len())
	return nil
}
