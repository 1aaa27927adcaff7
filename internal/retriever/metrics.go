package retriever

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bull/evidence-rag/internal/storage"
)

// Event describes one retrieval call.
type Event struct {
	Backend     storage.BackendKind
	QueryLength int
	ResultCount int
	Duration    time.Duration
	Success     bool
	Error       string
}

// MetricsRecorder receives one Event per Retrieve call. Failures and panics
// inside a recorder are logged and never change the retrieval outcome.
type MetricsRecorder interface {
	Record(ctx context.Context, ev Event) error
}

// LogMetrics logs each event and keeps running totals.
type LogMetrics struct {
	logger   *slog.Logger
	queries  atomic.Int64
	failures atomic.Int64
	results  atomic.Int64
	totalNs  atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of LogMetrics counters.
type MetricsSnapshot struct {
	Queries      int64         `json:"queries"`
	Failures     int64         `json:"failures"`
	Results      int64         `json:"results"`
	MeanDuration time.Duration `json:"mean_duration"`
}

// NewLogMetrics creates a recorder logging at debug level.
func NewLogMetrics(logger *slog.Logger) *LogMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMetrics{logger: logger.With("component", "retrieval_metrics")}
}

// Record implements MetricsRecorder.
func (m *LogMetrics) Record(ctx context.Context, ev Event) error {
	m.queries.Add(1)
	m.results.Add(int64(ev.ResultCount))
	m.totalNs.Add(int64(ev.Duration))
	if !ev.Success {
		m.failures.Add(1)
	}

	m.logger.DebugContext(ctx, "retrieval",
		"backend", ev.Backend,
		"query_length", ev.QueryLength,
		"results", ev.ResultCount,
		"duration", ev.Duration,
		"success", ev.Success,
		"err", ev.Error,
	)
	return nil
}

// Snapshot returns the current totals.
func (m *LogMetrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Queries:  m.queries.Load(),
		Failures: m.failures.Load(),
		Results:  m.results.Load(),
	}
	if s.Queries > 0 {
		s.MeanDuration = time.Duration(m.totalNs.Load() / s.Queries)
	}
	return s
}
