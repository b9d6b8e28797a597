package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-tandem/internal/config"
	"github.com/23skdu/longbow-tandem/internal/loader"
	"github.com/23skdu/longbow-tandem/internal/model"
	"github.com/23skdu/longbow-tandem/internal/monitoring"
)

func TestParseTokens(t *testing.T) {
	got, err := parseTokens(" 1, 2,3 ,", 8)
	if err != nil {
		t.Fatalf("parseTokens failed: %v", err)
	}
	if diff := cmp.Diff([]int32{1, 2, 3}, got); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}
	for _, bad := range []string{"", "x", "8", "-1"} {
		if _, err := parseTokens(bad, 8); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestArgmax(t *testing.T) {
	if got := argmax([]float32{0.1, 3, -2, 3}); got != 1 {
		t.Errorf("Expected 1, got %d", got)
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Dim = 32
	cfg.HiddenDim = 64
	cfg.HeadDim = 8
	cfg.VocabSize = 32
	cfg.CacheLimit = 16
	cfg.RoPE.MaxPosition = 64
	cfg.Threads = 1
	return cfg
}

func TestGenerate(t *testing.T) {
	cfg := testConfig()
	rt, err := model.New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer rt.Close()
	if err := rt.Load(context.Background(), loader.Synthetic{Seed: cfg.Seed}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	mon := monitoring.NewServer()
	out, err := generate(context.Background(), rt, mon, []int32{1, 2, 3}, 4)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("Expected 4 tokens, got %d", len(out))
	}
	for _, id := range out {
		if id < 0 || int(id) >= cfg.VocabSize {
			t.Errorf("token %d out of vocab", id)
		}
	}
	if got := mon.Snapshot().Engine.Position; got != 6 {
		t.Errorf("Expected position 6, got %d", got)
	}
}

func TestGenerateOverflowMarksFatal(t *testing.T) {
	cfg := testConfig()
	cfg.CacheLimit = 4
	rt, err := model.New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer rt.Close()
	if err := rt.Load(context.Background(), loader.Synthetic{Seed: cfg.Seed}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	mon := monitoring.NewServer()
	_, err = generate(context.Background(), rt, mon, []int32{1, 2, 3}, 4)
	if err == nil {
		t.Fatal("Expected cache overflow")
	}
	report(mon, err)
	if got := mon.Snapshot(); got.Status != "failed" || got.Fatal != "cache_overflow" {
		t.Errorf("Expected failed/cache_overflow, got %s/%s", got.Status, got.Fatal)
	}
}

func TestExportThenRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.arrow")

	cli := NewCLI()
	cli.SetOut(new(bytes.Buffer))
	cli.SetArgs([]string{"export-weights", path})
	if err := cli.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("export-weights failed: %v", err)
	}
	m, err := loader.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	// defaults: 2 layers of 12 parameters, embedding, final norm, head
	if m.Len() != 2*12+3 {
		t.Errorf("Expected %d tensors, got %d", 2*12+3, m.Len())
	}

	cfg := config.Default()
	cfg.Weights = path
	src, closeSrc, err := openWeights(cfg)
	if err != nil {
		t.Fatalf("openWeights failed: %v", err)
	}
	defer closeSrc()
	if _, ok := src.(*loader.Map); !ok {
		t.Errorf("Expected a file source to load into a map, got %T", src)
	}
}
