package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tandem/internal/logger"
	"github.com/23skdu/longbow-tandem/internal/model"
	"github.com/23skdu/longbow-tandem/internal/monitoring"
	"github.com/23skdu/longbow-tandem/internal/op"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Prefill prompt token ids and decode greedily",
		Args:  cobra.ExactArgs(0),
		RunE:  RunHandler,
	}
	cmd.Flags().String("prompt-tokens", "1,2,3,4", "Comma separated prompt token ids")
	cmd.Flags().IntP("num-tokens", "n", 16, "Number of tokens to generate")
	cmd.Flags().String("metrics", "", "Address for the health and metrics server (overrides config)")
	return cmd
}

func RunHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("metrics") {
		cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics")
	}
	promptFlag, _ := cmd.Flags().GetString("prompt-tokens")
	prompt, err := parseTokens(promptFlag, cfg.VocabSize)
	if err != nil {
		return err
	}
	n, _ := cmd.Flags().GetInt("num-tokens")

	mon := monitoring.NewServer()
	if cfg.MetricsAddr != "" {
		if err := mon.Start(cfg.MetricsAddr); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			mon.Stop(ctx)
		}()
	}

	rt, err := model.New(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	src, closeSrc, err := openWeights(cfg)
	if err != nil {
		return err
	}
	defer closeSrc()

	ctx := cmd.Context()
	if err := rt.Load(ctx, src); err != nil {
		return report(mon, err)
	}
	mon.Update(rt.Status(), 0, 0)
	logger.Log.Info("Model ready",
		"arch", cfg.GetArchitecture(),
		"placement", cfg.Placement.Default,
		"subgraphs", len(rt.Status().Subgraphs),
	)

	generated, err := generate(ctx, rt, mon, prompt, n)
	if err != nil {
		return report(mon, err)
	}
	ids := make([]string, len(generated))
	for i, t := range generated {
		ids[i] = strconv.Itoa(int(t))
	}
	fmt.Println(strings.Join(ids, " "))
	return nil
}

// generate prefills prompt in one step, then decodes one token per step.
func generate(ctx context.Context, rt *model.Runtime, mon *monitoring.Server, prompt []int32, n int) ([]int32, error) {
	out := make([]int32, 0, n)
	batch := prompt
	for len(out) < n {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		start := time.Now()
		logits, err := rt.Step(ctx, batch)
		if err != nil {
			return out, err
		}
		mon.Update(rt.Status(), len(batch), time.Since(start))
		next := argmax(lastRow(logits))
		out = append(out, next)
		batch = []int32{next}
	}
	return out, nil
}

// report logs a step failure with its fatal kind. Fatal errors mark the
// monitoring server failed.
func report(mon *monitoring.Server, err error) error {
	kind := op.ErrorKind(err)
	if op.Fatal(err) {
		mon.MarkFatal(kind)
		logger.Log.Error("Fatal engine error", "kind", kind, "error", err)
	} else {
		logger.Log.Error("Engine error", "error", err)
	}
	return err
}

func lastRow(logits *tensor.Tensor) []float32 {
	vals := logits.Floats()
	v := logits.Shape().Dimension()
	return vals[len(vals)-v:]
}

func argmax(row []float32) int32 {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return int32(best)
}

func parseTokens(s string, vocab int) ([]int32, error) {
	var out []int32
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q: %w", f, err)
		}
		if id < 0 || id >= vocab {
			return nil, fmt.Errorf("token id %d out of range [0, %d)", id, vocab)
		}
		out = append(out, int32(id))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no prompt tokens")
	}
	return out, nil
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print the partitioned graph for the configured model",
		Args:  cobra.ExactArgs(0),
		RunE:  InspectHandler,
	}
}

func InspectHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := model.New(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rt.Status())
}
