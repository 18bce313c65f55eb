package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one rdiff process. They live on a
// private registry so that tests and embedders can create several instances.
type Metrics struct {
	registry *prometheus.Registry

	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Signature metrics
	BlocksHashedTotal   prometheus.Counter
	SignatureCacheTotal *prometheus.CounterVec

	// Delta metrics
	DeltaInstructionsTotal *prometheus.CounterVec
	DeltaBytesTotal        *prometheus.CounterVec
	WeakHitsTotal          prometheus.Counter
	StrongMissesTotal      prometheus.Counter

	// Patch metrics
	PatchBytesWrittenTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rdiff_operations_total",
				Help: "Commands run, by outcome",
			},
			[]string{"command", "status"},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rdiff_operation_duration_seconds",
				Help:    "Command run time distribution",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"command"},
		),

		BlocksHashedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rdiff_blocks_hashed_total",
				Help: "Basis blocks hashed into signatures",
			},
		),

		SignatureCacheTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rdiff_signature_cache_total",
				Help: "Signature cache lookups",
			},
			[]string{"result"},
		),

		DeltaInstructionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rdiff_delta_instructions_total",
				Help: "Delta instructions emitted",
			},
			[]string{"kind"},
		),

		DeltaBytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rdiff_delta_bytes_total",
				Help: "New-file bytes covered by delta instructions",
			},
			[]string{"kind"},
		),

		WeakHitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rdiff_weak_hits_total",
				Help: "Windows whose rolling checksum matched a block",
			},
		),

		StrongMissesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rdiff_strong_misses_total",
				Help: "Weak matches rejected by the strong hash",
			},
		),

		PatchBytesWrittenTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rdiff_patch_bytes_written_total",
				Help: "Bytes written by patch",
			},
		),
	}

	return m
}

// Registry returns the registry holding m's collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordOperation records a finished command.
func (m *Metrics) RecordOperation(command string, success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.OperationsTotal.WithLabelValues(command, status).Inc()
	m.OperationDuration.WithLabelValues(command).Observe(durationSeconds)
}

// RecordSignature records the blocks of a freshly built signature.
func (m *Metrics) RecordSignature(blocks int) {
	m.BlocksHashedTotal.Add(float64(blocks))
}

// RecordCacheLookup increments cache hit/miss counters.
func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	m.SignatureCacheTotal.WithLabelValues(result).Inc()
}

// RecordDelta updates delta counters from encoder statistics.
func (m *Metrics) RecordDelta(copies int, copiedBytes int64, literals int, literalBytes int64, weakHits, strongMisses int) {
	m.DeltaInstructionsTotal.WithLabelValues("copy").Add(float64(copies))
	m.DeltaInstructionsTotal.WithLabelValues("literal").Add(float64(literals))
	m.DeltaBytesTotal.WithLabelValues("copy").Add(float64(copiedBytes))
	m.DeltaBytesTotal.WithLabelValues("literal").Add(float64(literalBytes))
	m.WeakHitsTotal.Add(float64(weakHits))
	m.StrongMissesTotal.Add(float64(strongMisses))
}

// RecordPatch records the output size of a patch.
func (m *Metrics) RecordPatch(bytesWritten int64) {
	m.PatchBytesWrittenTotal.Add(float64(bytesWritten))
}

// WriteToTextfile writes all metrics to path in the node_exporter textfile
// collector format.
func (m *Metrics) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
