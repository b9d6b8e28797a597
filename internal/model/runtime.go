package model

import (
	"github.com/23skdu/longbow-tandem/internal/config"
	"github.com/23skdu/longbow-tandem/internal/cpu"
	"github.com/23skdu/longbow-tandem/internal/engine"
	"github.com/23skdu/longbow-tandem/internal/npu"
	"github.com/23skdu/longbow-tandem/internal/op"
	"github.com/23skdu/longbow-tandem/internal/rope"
)

// Runtime is an engine together with the backends it runs on. Both
// backends share one RoPE table cache.
type Runtime struct {
	*engine.Engine

	CPU   *cpu.Backend
	NPU   *npu.Backend
	Ropes *rope.TableCache
}

// New builds the graph for cfg and instantiates it. The NPU backend only
// exists for hybrid placement.
func New(cfg config.Config) (*Runtime, error) {
	g, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	r := &Runtime{Ropes: rope.NewTableCache()}
	r.CPU = cpu.NewBackend(cpu.Options{Threads: cfg.Threads, Ropes: r.Ropes})
	backends := []op.Backend{r.CPU}
	if cfg.Hybrid() {
		r.NPU = npu.NewBackend(npu.Options{Threads: cfg.Threads, Ropes: r.Ropes})
		backends = append(backends, r.NPU)
	}
	r.Engine, err = engine.New(g, backends...)
	if err != nil {
		if r.NPU != nil {
			r.NPU.Close()
		}
		return nil, err
	}
	return r, nil
}

// Close frees the engine's buffers and stops the NPU device.
func (r *Runtime) Close() error {
	r.Engine.Free()
	if r.NPU != nil {
		return r.NPU.Close()
	}
	return nil
}
