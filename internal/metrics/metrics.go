package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	TokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tandem_tokens_total",
		Help: "Total number of input tokens processed by graph passes",
	})

	StepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tandem_step_duration_seconds",
		Help:    "Duration of one full graph pass",
		Buckets: prometheus.DefBuckets,
	})

	OpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tandem_op_duration_seconds",
		Help:    "Histogram of operator execute times",
		Buckets: []float64{1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 1e-1, 1},
	}, []string{"kind", "device"})

	KVCacheOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tandem_kv_cache_occupancy_tokens",
		Help: "Positions currently held by each KV cache operator",
	}, []string{"op"})

	KVCacheOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tandem_kv_cache_overflow_total",
		Help: "Writes rejected because they exceeded the cache limit",
	})

	RopeRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_rope_table_rebuilds_total",
		Help: "Number of sin/cos table computations",
	}, []string{"scheme"})

	BoundaryCrossings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_boundary_crossings_total",
		Help: "Subgraph boundary crossings by direction",
	}, []string{"from", "to"})

	BoundaryBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tandem_boundary_bytes_total",
		Help: "Bytes packed into boundary tensors",
	})

	ShadowOverrides = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tandem_shadow_overrides_total",
		Help: "Elements whose accelerator result was replaced by the float reference",
	})

	NPUInvocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tandem_npu_invocations_total",
		Help: "Compiled program invocations",
	})

	NPUCompiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tandem_npu_program_compiles_total",
		Help: "Compiled programs finalized",
	})

	NPUGraphNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_npu_graph_nodes",
		Help: "Node count of the most recently finalized program",
	})

	TensorAllocated = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tandem_tensor_allocated_bytes",
		Help: "Bytes of tensor storage bound per device",
	}, []string{"device"})

	FatalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_fatal_errors_total",
		Help: "Run-terminating errors by kind",
	}, []string{"kind"})

	ContextLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tandem_context_length_tokens",
		Help:    "Distribution of context lengths after each step",
		Buckets: []float64{16, 64, 256, 1024, 4096, 16384},
	})
)

func RecordStep(tokens int, duration time.Duration) {
	TokensTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	StepDuration.Observe(duration.Seconds())
}

// TotalTokens returns the process-wide token count.
func TotalTokens() int64 {
	return totalTokens.Load()
}

func RecordOp(kind, device string, duration time.Duration) {
	OpDuration.WithLabelValues(kind, device).Observe(duration.Seconds())
}

func RecordKVCacheOccupancy(op string, tokens int) {
	KVCacheOccupancy.WithLabelValues(op).Set(float64(tokens))
}

// RecordKVCacheOverflow records a rejected cache write
func RecordKVCacheOverflow(requested, limit int) {
	KVCacheOverflow.Inc()
}

func RecordRopeRebuild(scheme string) {
	RopeRebuilds.WithLabelValues(scheme).Inc()
}

func RecordBoundary(from, to string, bytes int) {
	BoundaryCrossings.WithLabelValues(from, to).Inc()
	BoundaryBytes.Add(float64(bytes))
}

func RecordShadowOverrides(n int) {
	if n > 0 {
		ShadowOverrides.Add(float64(n))
	}
}

func RecordNPUInvoke() {
	NPUInvocations.Inc()
}

// RecordNPUCompile records a finalized program and its size
func RecordNPUCompile(nodes int) {
	NPUCompiles.Inc()
	NPUGraphNodes.Set(float64(nodes))
}

func RecordTensorMemory(device string, bytes int64) {
	TensorAllocated.WithLabelValues(device).Set(float64(bytes))
}

func RecordFatal(kind string) {
	FatalErrors.WithLabelValues(kind).Inc()
}

func RecordContextLength(tokens int) {
	ContextLength.Observe(float64(tokens))
}
