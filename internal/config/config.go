package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-tandem/internal/kernel"
	"github.com/23skdu/longbow-tandem/internal/rope"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

const (
	PlacementCPU    = "cpu"
	PlacementHybrid = "hybrid"
)

type RoPE struct {
	Scheme        string  `yaml:"scheme"`
	Theta         float64 `yaml:"theta"`
	MaxPosition   int     `yaml:"max_position"`
	PartialRotary float64 `yaml:"partial_rotary"`
}

// Placement selects backends. Default is "cpu" or "hybrid"; RoPE moves the
// rotary operators to "npu" inside a hybrid graph.
type Placement struct {
	Default string `yaml:"default"`
	RoPE    string `yaml:"rope"`
}

// Shadow enables the reconciled down-projection on the listed layers, or
// on every layer when Layers is empty. Mode "off" disables it.
type Shadow struct {
	Mode   string `yaml:"mode"`
	Layers []int  `yaml:"layers"`
}

type Config struct {
	Architecture string  `yaml:"architecture"`
	Dim          int     `yaml:"dim"`
	HiddenDim    int     `yaml:"hidden_dim"`
	Layers       int     `yaml:"layers"`
	Heads        int     `yaml:"heads"`
	KVHeads      int     `yaml:"kv_heads"`
	HeadDim      int     `yaml:"head_dim"`
	VocabSize    int     `yaml:"vocab_size"`
	Eps          float32 `yaml:"eps"`

	CacheLimit  int    `yaml:"cache_limit"`
	CacheDType  string `yaml:"cache_dtype"`
	CacheLayout string `yaml:"cache_layout"`
	Threads     int    `yaml:"threads"`

	RoPE      RoPE      `yaml:"rope"`
	Placement Placement `yaml:"placement"`
	Shadow    Shadow    `yaml:"shadow"`

	// ActivationScale fixes the int8 activation step; zero derives it per
	// tensor from the data.
	ActivationScale float32 `yaml:"activation_scale"`

	// Weights is an Arrow IPC file, a Flight address (grpc://host:port) or
	// empty for seeded synthetic weights.
	Weights string `yaml:"weights"`
	Seed    uint64 `yaml:"seed"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("invalid kv_heads: %d (must divide heads: %d)", c.KVHeads, c.Heads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.Dim != c.Heads*c.HeadDim {
		return fmt.Errorf("dim mismatch: %d != heads(%d) * head_dim(%d)", c.Dim, c.Heads, c.HeadDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", c.Eps)
	}
	if c.CacheLimit <= 0 {
		return fmt.Errorf("invalid cache_limit: %d (must be positive)", c.CacheLimit)
	}
	if c.Threads < 0 {
		return fmt.Errorf("invalid threads: %d (must be non-negative)", c.Threads)
	}
	if c.ActivationScale < 0 {
		return fmt.Errorf("invalid activation_scale: %f (must be non-negative)", c.ActivationScale)
	}
	if _, err := c.CacheType(); err != nil {
		return fmt.Errorf("invalid cache_dtype: %w", err)
	}
	if _, err := tensor.ParseLayout(c.CacheLayout); err != nil {
		return fmt.Errorf("invalid cache_layout: %w", err)
	}
	if err := c.validateRoPE(); err != nil {
		return err
	}
	if err := c.validatePlacement(); err != nil {
		return err
	}
	return c.validateShadow()
}

func (c *Config) validateRoPE() error {
	if _, err := rope.ParseScheme(c.RoPE.Scheme); err != nil {
		return fmt.Errorf("invalid rope.scheme: %w", err)
	}
	if c.RoPE.MaxPosition <= 0 {
		return fmt.Errorf("invalid rope.max_position: %d (must be positive)", c.RoPE.MaxPosition)
	}
	if c.RoPE.MaxPosition < c.CacheLimit {
		return fmt.Errorf("invalid rope.max_position: %d (must be >= cache_limit: %d)", c.RoPE.MaxPosition, c.CacheLimit)
	}
	if c.RoPE.Theta < 0 {
		return fmt.Errorf("invalid rope.theta: %f (must be non-negative)", c.RoPE.Theta)
	}
	if c.RoPE.PartialRotary < 0 || c.RoPE.PartialRotary > 1 {
		return fmt.Errorf("invalid rope.partial_rotary: %f (must be in [0, 1])", c.RoPE.PartialRotary)
	}
	return nil
}

func (c *Config) validatePlacement() error {
	switch c.Placement.Default {
	case PlacementCPU, PlacementHybrid:
	default:
		return fmt.Errorf("invalid placement.default: %q (must be cpu or hybrid)", c.Placement.Default)
	}
	switch c.Placement.RoPE {
	case "", "cpu":
	case "npu":
		if c.Placement.Default != PlacementHybrid {
			return fmt.Errorf("invalid placement.rope: npu (requires placement.default: hybrid)")
		}
	default:
		return fmt.Errorf("invalid placement.rope: %q (must be cpu or npu)", c.Placement.RoPE)
	}
	return nil
}

func (c *Config) validateShadow() error {
	if !c.ShadowEnabled() {
		return nil
	}
	if c.Placement.Default != PlacementHybrid {
		return fmt.Errorf("invalid shadow.mode: %q (requires placement.default: hybrid)", c.Shadow.Mode)
	}
	if _, err := kernel.ParseShadowMode(c.Shadow.Mode); err != nil {
		return fmt.Errorf("invalid shadow.mode: %w", err)
	}
	for _, l := range c.Shadow.Layers {
		if l < 0 || l >= c.Layers {
			return fmt.Errorf("invalid shadow.layers: %d (must be in [0, %d))", l, c.Layers)
		}
	}
	return nil
}

// HeadReplication is how many query heads share one KV head.
func (c *Config) HeadReplication() int {
	if c.KVHeads <= 0 {
		return 1
	}
	return c.Heads / c.KVHeads
}

func (c *Config) KVDim() int {
	return c.KVHeads * c.HeadDim
}

func (c *Config) Hybrid() bool {
	return c.Placement.Default == PlacementHybrid
}

func (c *Config) ShadowEnabled() bool {
	m := strings.ToLower(c.Shadow.Mode)
	return m != "" && m != "off"
}

// ShadowLayer reports whether layer l reconciles its down-projection.
func (c *Config) ShadowLayer(l int) bool {
	if !c.ShadowEnabled() {
		return false
	}
	if len(c.Shadow.Layers) == 0 {
		return true
	}
	for _, x := range c.Shadow.Layers {
		if x == l {
			return true
		}
	}
	return false
}

func (c *Config) CacheType() (tensor.DType, error) {
	if c.CacheDType == "" {
		return tensor.F32, nil
	}
	return tensor.ParseDType(c.CacheDType)
}

// RoPEConfig resolves the rotary settings. Call after Validate.
func (c *Config) RoPEConfig() rope.Config {
	s, _ := rope.ParseScheme(c.RoPE.Scheme)
	return rope.Config{
		Scheme:        s,
		Theta:         c.RoPE.Theta,
		MaxPosition:   c.RoPE.MaxPosition,
		PartialRotary: c.RoPE.PartialRotary,
	}
}

func (c *Config) GetArchitecture() string {
	return strings.ToLower(c.Architecture)
}

// Default is a small Qwen-shaped model that runs on synthetic weights.
func Default() Config {
	return Config{
		Architecture: "qwen2",
		Dim:          64,
		HiddenDim:    128,
		Layers:       2,
		Heads:        4,
		KVHeads:      2,
		HeadDim:      16,
		VocabSize:    256,
		Eps:          1e-6,
		CacheLimit:   512,
		CacheDType:   "f32",
		CacheLayout:  "BSHD",
		RoPE: RoPE{
			Scheme:      "hf",
			Theta:       1000000,
			MaxPosition: 2048,
		},
		Placement: Placement{Default: PlacementCPU, RoPE: "cpu"},
		Shadow:    Shadow{Mode: "off"},
		Seed:      42,
		LogLevel:  "INFO",
		LogFormat: "console",
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
