// Package model builds decoder graphs for the engine. Weight names follow
// the GGUF convention (token_embd, blk.N.attn_q, ..., output).
package model

import (
	"fmt"

	"github.com/23skdu/longbow-tandem/internal/config"
	"github.com/23skdu/longbow-tandem/internal/engine"
	"github.com/23skdu/longbow-tandem/internal/op"
	"github.com/23skdu/longbow-tandem/internal/tensor"
)

const (
	Input  = "tokens"
	Output = "logits"
)

// builder tracks which device the graph is currently on and inserts a
// merge/split pair whenever tensors have to follow the computation across.
type builder struct {
	cfg      config.Config
	g        *engine.Graph
	dev      tensor.Device
	crossing int

	cacheDType  tensor.DType
	cacheLayout tensor.Layout
}

// Build returns the graph for cfg: every operator on the CPU, or the
// hybrid split with projections and MLP on the NPU.
func Build(cfg config.Config) (*engine.Graph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.GetArchitecture() {
	case "", "qwen", "qwen2":
	default:
		return nil, fmt.Errorf("unsupported architecture: %s", cfg.Architecture)
	}
	b := &builder{cfg: cfg, g: engine.NewGraph(Input, Output), dev: tensor.CPU}
	b.cacheDType, _ = cfg.CacheType()
	b.cacheLayout, _ = tensor.ParseLayout(cfg.CacheLayout)

	x := b.add("token_embd", op.Embedding, op.Params{VocabSize: cfg.VocabSize, Dim: cfg.Dim}, Input)
	for l := 0; l < cfg.Layers; l++ {
		if cfg.Hybrid() {
			x = b.hybridLayer(l, x)
		} else {
			x = b.cpuLayer(l, x)
		}
	}
	x = b.cross(tensor.CPU, x)[0]
	x = b.add("output_norm", op.RMSNorm, op.Params{Dim: cfg.Dim, Eps: cfg.Eps}, x)
	b.g.Add(op.Spec{Name: "output", Kind: op.Linear, Params: op.Params{InFeatures: cfg.Dim, OutFeatures: cfg.VocabSize}},
		[]string{x}, Output)
	return b.g, nil
}

// add appends a single-output node whose output tensor shares its name.
func (b *builder) add(name string, k op.Kind, p op.Params, inputs ...string) string {
	b.g.Add(op.Spec{Name: name, Kind: k, Params: p}, inputs, name)
	return name
}

func blk(l int, name string) string { return fmt.Sprintf("blk.%d.%s", l, name) }

// cross moves names to dev. Nothing is added when already there.
func (b *builder) cross(dev tensor.Device, names ...string) []string {
	if b.dev == dev {
		return names
	}
	b.crossing++
	bnd := fmt.Sprintf("boundary.%d", b.crossing)
	p := op.Params{Count: len(names), Axis: tensor.Dimension}
	b.g.Add(op.Spec{Name: bnd + ".merge", Kind: op.Merge, Params: p}, names, bnd)

	b.dev = dev
	b.g.BeginSubgraph(dev)
	outs := make([]string, len(names))
	for i, n := range names {
		outs[i] = fmt.Sprintf("%s@%d", n, b.crossing)
	}
	b.g.Add(op.Spec{Name: bnd + ".split", Kind: op.Split, Params: p}, []string{bnd}, outs...)
	return outs
}

func (b *builder) quant(name, in string) string {
	return b.add(name, op.Quantize, op.Params{Scale: b.cfg.ActivationScale}, in)
}

func (b *builder) linear8(name, in string, inF, outF int, bias bool) string {
	p := op.Params{InFeatures: inF, OutFeatures: outF, Bias: bias}
	if b.dev == tensor.NPU {
		// NPU projections requantize their output
		p.Scale = b.cfg.ActivationScale
	}
	return b.add(name, op.LinearInt8, p, in)
}

func (b *builder) norm(name, in string) string {
	return b.add(name, op.RMSNorm, op.Params{Dim: b.cfg.Dim, Eps: b.cfg.Eps}, in)
}

func (b *builder) rope(name, in string) string {
	return b.add(name, op.RoPE, op.Params{RoPE: b.cfg.RoPEConfig(), Dim: b.cfg.HeadDim}, in)
}

func (b *builder) view(name, in string, heads int) string {
	return b.add(name, op.View, op.Params{Heads: heads}, in)
}

func (b *builder) deq(name, in string) string {
	return b.add(name, op.Dequantize, op.Params{}, in)
}

// attention runs caches and attention on the CPU over head-split q and
// rotated k, returning the flattened (1, 1, S, Dim) output.
func (b *builder) attention(l int, q, k, v string) string {
	kv := op.Params{
		CacheLimit:  b.cfg.CacheLimit,
		Replication: b.cfg.HeadReplication(),
		CacheDType:  b.cacheDType,
		Layout:      b.cacheLayout,
	}
	kc := b.add(blk(l, "cache_k"), op.KVCache, kv, k)
	vc := b.add(blk(l, "cache_v"), op.KVCache, kv, v)
	a := b.add(blk(l, "attn"), op.Attention, op.Params{Causal: true}, q, kc, vc)
	return b.view(blk(l, "attn_flat"), a, 1)
}

// cpuLayer is one decoder block with int8 projections and f32 everything
// else.
func (b *builder) cpuLayer(l int, x string) string {
	cfg := b.cfg
	xq := b.quant(blk(l, "attn_in_q8"), b.norm(blk(l, "attn_norm"), x))
	q := b.linear8(blk(l, "attn_q"), xq, cfg.Dim, cfg.Dim, true)
	k := b.linear8(blk(l, "attn_k"), xq, cfg.Dim, cfg.KVDim(), true)
	v := b.linear8(blk(l, "attn_v"), xq, cfg.Dim, cfg.KVDim(), true)

	qr := b.rope(blk(l, "rope_q"), b.view(blk(l, "q_heads"), q, cfg.Heads))
	kr := b.rope(blk(l, "rope_k"), b.view(blk(l, "k_heads"), k, cfg.KVHeads))
	vh := b.view(blk(l, "v_heads"), v, cfg.KVHeads)
	a := b.attention(l, qr, kr, vh)

	o := b.linear8(blk(l, "attn_output"), b.quant(blk(l, "attn_out_q8"), a), cfg.Dim, cfg.Dim, false)
	h := b.add(blk(l, "attn_residual"), op.Add, op.Params{}, x, o)
	return b.add(blk(l, "ffn_residual"), op.Add, op.Params{}, h, b.mlp(l, h))
}

// mlp is the SwiGLU block on h; on the NPU it is int8 end to end and the
// down projection output is returned still quantized.
func (b *builder) mlp(l int, h string) string {
	hq := b.quant(blk(l, "ffn_in_q8"), b.norm(blk(l, "ffn_norm"), h))
	g := b.linear8(blk(l, "ffn_gate"), hq, b.cfg.Dim, b.cfg.HiddenDim, false)
	u := b.linear8(blk(l, "ffn_up"), hq, b.cfg.Dim, b.cfg.HiddenDim, false)
	if b.dev == tensor.NPU {
		g, u = b.deq(blk(l, "ffn_gate_f32"), g), b.deq(blk(l, "ffn_up_f32"), u)
	}
	gs := b.add(blk(l, "ffn_act"), op.SiLU, op.Params{}, g)
	m := b.add(blk(l, "ffn_mul"), op.Mul, op.Params{}, gs, u)
	return b.linear8(blk(l, "ffn_down"), b.quant(blk(l, "ffn_down_q8"), m), b.cfg.HiddenDim, b.cfg.Dim, false)
}

// hybridLayer runs norm and QKV on the NPU, RoPE (unless placed on the
// NPU), caches and attention on the CPU, then the output projection and MLP
// on the NPU. A shadowed layer hands the down projection to the CPU for
// reconciliation and continues there.
func (b *builder) hybridLayer(l int, x string) string {
	cfg := b.cfg
	xs := b.cross(tensor.NPU, x)[0]
	xq := b.quant(blk(l, "attn_in_q8"), b.norm(blk(l, "attn_norm"), xs))
	q8 := b.linear8(blk(l, "attn_q"), xq, cfg.Dim, cfg.Dim, true)
	k8 := b.linear8(blk(l, "attn_k"), xq, cfg.Dim, cfg.KVDim(), true)
	v8 := b.linear8(blk(l, "attn_v"), xq, cfg.Dim, cfg.KVDim(), true)

	var qr, kr, vh, xc string
	if cfg.Placement.RoPE == "npu" {
		qn := b.rope(blk(l, "rope_q"), b.view(blk(l, "q_heads"), b.deq(blk(l, "q_f32"), q8), cfg.Heads))
		kn := b.rope(blk(l, "rope_k"), b.view(blk(l, "k_heads"), b.deq(blk(l, "k_f32"), k8), cfg.KVHeads))
		qf := b.view(blk(l, "q_rot_flat"), qn, 1)
		kf := b.view(blk(l, "k_rot_flat"), kn, 1)
		c := b.cross(tensor.CPU, qf, kf, v8, xs)
		qr = b.view(blk(l, "q_rot"), c[0], cfg.Heads)
		kr = b.view(blk(l, "k_rot"), c[1], cfg.KVHeads)
		vh = b.view(blk(l, "v_heads"), b.deq(blk(l, "v_f32"), c[2]), cfg.KVHeads)
		xc = c[3]
	} else {
		c := b.cross(tensor.CPU, q8, k8, v8, xs)
		qr = b.rope(blk(l, "rope_q"), b.view(blk(l, "q_heads"), b.deq(blk(l, "q_f32"), c[0]), cfg.Heads))
		kr = b.rope(blk(l, "rope_k"), b.view(blk(l, "k_heads"), b.deq(blk(l, "k_f32"), c[1]), cfg.KVHeads))
		vh = b.view(blk(l, "v_heads"), b.deq(blk(l, "v_f32"), c[2]), cfg.KVHeads)
		xc = c[3]
	}
	a := b.attention(l, qr, kr, vh)

	c := b.cross(tensor.NPU, a, xc)
	o8 := b.linear8(blk(l, "attn_output"), b.quant(blk(l, "attn_out_q8"), c[0]), cfg.Dim, cfg.Dim, false)
	h := b.add(blk(l, "attn_residual"), op.Add, op.Params{}, c[1], b.deq(blk(l, "attn_output_f32"), o8))

	d8 := b.mlp(l, h)
	out := b.add(blk(l, "ffn_residual"), op.Add, op.Params{}, h, b.deq(blk(l, "ffn_down_f32"), d8))
	if !cfg.ShadowLayer(l) {
		return out
	}
	return b.shadow(l, blk(l, "ffn_down_q8"), d8, out)
}

// shadow closes the NPU subgraph with the (pre, post, reference) boundary
// and reconciles saturated elements of the down projection on the CPU.
func (b *builder) shadow(l int, pre, post, ref string) string {
	b.crossing++
	bnd := fmt.Sprintf("boundary.%d", b.crossing)
	b.g.Add(op.Spec{Name: bnd + ".shadow", Kind: op.ShadowMerge, Params: op.Params{Count: 3, Axis: tensor.Dimension}},
		[]string{pre, post, ref}, bnd)
	b.dev = tensor.CPU
	b.g.BeginSubgraph(tensor.CPU)
	p := op.Params{
		InFeatures:  b.cfg.HiddenDim,
		OutFeatures: b.cfg.Dim,
		ShadowMode:  b.cfg.Shadow.Mode,
		Weight:      blk(l, "ffn_down.weight"),
	}
	return b.add(blk(l, "ffn_reconcile"), op.ShadowReconcile, p, bnd)
}
