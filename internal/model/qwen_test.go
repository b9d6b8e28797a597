package model

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/23skdu/longbow-tandem/internal/config"
	"github.com/23skdu/longbow-tandem/internal/loader"
	"github.com/23skdu/longbow-tandem/internal/metrics"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

func smallConfig() config.Config {
	cfg := config.Default()
	cfg.Dim = 32
	cfg.Heads = 4
	cfg.KVHeads = 2
	cfg.HeadDim = 8
	cfg.HiddenDim = 64
	cfg.VocabSize = 64
	cfg.Layers = 2
	cfg.CacheLimit = 16
	cfg.RoPE.MaxPosition = 64
	cfg.Threads = 2
	return cfg
}

func hybrid(cfg config.Config) config.Config {
	cfg.Placement.Default = config.PlacementHybrid
	return cfg
}

func devices(t *testing.T, cfg config.Config) []string {
	t.Helper()
	g, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	var d []string
	for _, sp := range g.Subgraphs() {
		d = append(d, sp.Device.String())
	}
	return d
}

func TestPartitioning(t *testing.T) {
	shadowed := hybrid(smallConfig())
	shadowed.Shadow.Mode = "saturated"
	oneShadow := hybrid(smallConfig())
	oneShadow.Shadow = config.Shadow{Mode: "always", Layers: []int{1}}

	tests := []struct {
		name string
		cfg  config.Config
		want []string
	}{
		{"cpu", smallConfig(), []string{"cpu"}},
		{"hybrid", hybrid(smallConfig()), []string{"cpu", "npu", "cpu", "npu", "cpu", "npu", "cpu"}},
		{"shadow every layer", shadowed, []string{"cpu", "npu", "cpu", "npu", "cpu", "npu", "cpu", "npu", "cpu"}},
		{"shadow last layer", oneShadow, []string{"cpu", "npu", "cpu", "npu", "cpu", "npu", "cpu"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, devices(t, tt.cfg)); diff != "" {
				t.Errorf("subgraph devices mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildRejects(t *testing.T) {
	cfg := smallConfig()
	cfg.Architecture = "llama"
	if _, err := Build(cfg); err == nil || !strings.Contains(err.Error(), "unsupported architecture") {
		t.Errorf("Expected unsupported architecture error, got %v", err)
	}
	cfg = smallConfig()
	cfg.Heads = 0
	if _, err := Build(cfg); err == nil {
		t.Error("Expected validation error")
	}
}

// recorder hands out synthetic weights and remembers what was asked for.
type recorder struct {
	src   loader.Synthetic
	names map[string]tensor.Shape
}

func (r *recorder) Load(t *tensor.Tensor) error {
	r.names[t.Name()] = t.Shape()
	return r.src.Load(t)
}

func TestWeightNames(t *testing.T) {
	cfg := smallConfig()
	rt, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer rt.Close()
	rec := &recorder{names: make(map[string]tensor.Shape)}
	if err := rt.Load(context.Background(), rec); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := map[string]tensor.Shape{
		"token_embd.weight":        tensor.S(1, 1, 64, 32),
		"blk.0.attn_norm.weight":   tensor.S(1, 1, 1, 32),
		"blk.0.attn_q.weight":      tensor.S(1, 1, 32, 32),
		"blk.0.attn_q.bias":        tensor.S(1, 1, 1, 32),
		"blk.1.attn_k.weight":      tensor.S(1, 1, 16, 32),
		"blk.1.attn_v.bias":        tensor.S(1, 1, 1, 16),
		"blk.1.attn_output.weight": tensor.S(1, 1, 32, 32),
		"blk.1.ffn_gate.weight":    tensor.S(1, 1, 64, 32),
		"blk.1.ffn_down.weight":    tensor.S(1, 1, 32, 64),
		"output_norm.weight":       tensor.S(1, 1, 1, 32),
		"output.weight":            tensor.S(1, 1, 64, 32),
	}
	for name, shape := range want {
		got, ok := rec.names[name]
		if !ok {
			t.Errorf("Expected weight %s to be loaded", name)
			continue
		}
		if got != shape {
			t.Errorf("%s: expected %s, got %s", name, shape, got)
		}
	}
	// per layer: 2 norms, 7 projections, 3 biases; plus embedding, final norm, head
	if len(rec.names) != 2*12+3 {
		t.Errorf("Expected %d weights, got %d", 2*12+3, len(rec.names))
	}
}

func run(t *testing.T, cfg config.Config) *Runtime {
	t.Helper()
	rt, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	if err := rt.Load(context.Background(), loader.Synthetic{Seed: cfg.Seed}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	for _, tokens := range [][]int32{{1, 2, 3, 4}, {5}} {
		out, err := rt.Step(context.Background(), tokens)
		if err != nil {
			t.Fatalf("Step(%d) failed: %v", len(tokens), err)
		}
		if want := tensor.S(1, 1, len(tokens), cfg.VocabSize); out.Shape() != want {
			t.Errorf("Expected logits %s, got %s", want, out.Shape())
		}
		for i, v := range out.Floats() {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Fatalf("logit %d is %v", i, v)
			}
		}
	}
	for l := 0; l < cfg.Layers; l++ {
		for _, c := range []string{"cache_k", "cache_v"} {
			name := blk(l, c)
			if occ := rt.Occupancy()[name]; occ != 5 {
				t.Errorf("%s: expected occupancy 5, got %d", name, occ)
			}
		}
	}
	if rt.Position() != 5 {
		t.Errorf("Expected position 5, got %d", rt.Position())
	}
	return rt
}

func TestCPUSteps(t *testing.T) {
	rt := run(t, smallConfig())
	if rt.Ropes.Rebuilds() != 1 {
		t.Errorf("Expected one rope table build, got %d", rt.Ropes.Rebuilds())
	}
}

func TestHybridSteps(t *testing.T) {
	rt := run(t, hybrid(smallConfig()))
	// three npu subgraphs, each compiled for the load pass shape and the
	// 4-token prefill; the 1-token decode reuses the first
	if rt.NPU.Programs() != 6 {
		t.Errorf("Expected 6 programs, got %d", rt.NPU.Programs())
	}
}

func TestHybridRoPEOnNPU(t *testing.T) {
	cfg := hybrid(smallConfig())
	cfg.Placement.RoPE = "npu"
	rt := run(t, cfg)
	if rt.Ropes.Rebuilds() != 1 {
		t.Errorf("Expected one shared rope table build, got %d", rt.Ropes.Rebuilds())
	}
	if p := rt.NPU.Program(1); p == nil || len(p.Scalars()) != 2 {
		t.Errorf("Expected the first npu program to carry 2 position scalars, got %v", p)
	}
}

func TestHybridShadowAlways(t *testing.T) {
	cfg := hybrid(smallConfig())
	cfg.Shadow = config.Shadow{Mode: "always", Layers: []int{1}}
	before := testutil.ToFloat64(metrics.ShadowOverrides)
	run(t, cfg)
	got := testutil.ToFloat64(metrics.ShadowOverrides) - before
	// every element of the one shadowed layer, over 4 + 1 tokens
	if want := float64(5 * cfg.Dim); got != want {
		t.Errorf("Expected %v overrides, got %v", want, got)
	}
}

func TestHybridShadowSaturated(t *testing.T) {
	cfg := hybrid(smallConfig())
	cfg.Shadow.Mode = "saturated"
	run(t, cfg)
}

// stepLogits loads synthetic weights, runs the 4 then 1 token steps and
// returns a copy of each step's logits.
func stepLogits(t *testing.T, cfg config.Config) [][]float32 {
	t.Helper()
	rt, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer rt.Close()
	if err := rt.Load(context.Background(), loader.Synthetic{Seed: cfg.Seed}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	var out [][]float32
	for _, tokens := range [][]int32{{1, 2, 3, 4}, {5}} {
		logits, err := rt.Step(context.Background(), tokens)
		if err != nil {
			t.Fatalf("Step(%d) failed: %v", len(tokens), err)
		}
		out = append(out, append([]float32(nil), logits.Floats()...))
	}
	return out
}

func maxDiff(t *testing.T, a, b [][]float32) float64 {
	t.Helper()
	var m float64
	for i := range a {
		if len(a[i]) != len(b[i]) {
			t.Fatalf("step %d: logit count %d vs %d", i, len(a[i]), len(b[i]))
		}
		for j := range a[i] {
			m = math.Max(m, math.Abs(float64(a[i][j]-b[i][j])))
		}
	}
	return m
}

func TestCacheDTypesAgree(t *testing.T) {
	base := smallConfig()
	want := stepLogits(t, base)

	tests := []struct {
		dtype string
		tol   float64
	}{
		{"f16", 0.15},
		{"i8", 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.dtype, func(t *testing.T) {
			cfg := smallConfig()
			cfg.CacheDType = tt.dtype
			if d := maxDiff(t, want, stepLogits(t, cfg)); d > tt.tol {
				t.Errorf("Expected logits within %v of the f32 cache, max diff %v", tt.tol, d)
			}
		})
	}
}

func TestHybridMatchesCPU(t *testing.T) {
	want := stepLogits(t, smallConfig())

	i8 := hybrid(smallConfig())
	i8.CacheDType = "i8"
	tests := []struct {
		name string
		cfg  config.Config
		tol  float64
	}{
		{"hybrid", hybrid(smallConfig()), 0.25},
		{"hybrid i8 cache", i8, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if d := maxDiff(t, want, stepLogits(t, tt.cfg)); d > tt.tol {
				t.Errorf("Expected logits within %v of the cpu placement, max diff %v", tt.tol, d)
			}
		})
	}
}
