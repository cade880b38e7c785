package pipeline

import (
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

// Metrics holds the worker's counters in an isolated set so several workers
// (or tests) never share state.
type Metrics struct {
	set *metrics.Set

	JobsClaimed      *metrics.Counter
	JobsCompleted    *metrics.Counter
	JobsRetried      *metrics.Counter
	JobsDeadLettered *metrics.Counter
	JobsInterrupted  *metrics.Counter
	SettleFailures   *metrics.Counter

	TokensSucceeded *metrics.Counter
	TokensInvalid   *metrics.Counter
	TokensTransient *metrics.Counter
	TokensUnknown   *metrics.Counter
	TokensPruned    *metrics.Counter
	PruneFailures   *metrics.Counter

	JobDuration *metrics.Histogram
}

func NewMetrics() *Metrics {
	s := metrics.NewSet()
	return &Metrics{
		set:              s,
		JobsClaimed:      s.NewCounter(`push_jobs_total{state="claimed"}`),
		JobsCompleted:    s.NewCounter(`push_jobs_total{state="completed"}`),
		JobsRetried:      s.NewCounter(`push_jobs_total{state="retried"}`),
		JobsDeadLettered: s.NewCounter(`push_jobs_total{state="dead_lettered"}`),
		JobsInterrupted:  s.NewCounter(`push_jobs_total{state="interrupted"}`),
		SettleFailures:   s.NewCounter(`push_settle_failures_total`),
		TokensSucceeded:  s.NewCounter(`push_tokens_total{outcome="success"}`),
		TokensInvalid:    s.NewCounter(`push_tokens_total{outcome="invalid_token"}`),
		TokensTransient:  s.NewCounter(`push_tokens_total{outcome="transient"}`),
		TokensUnknown:    s.NewCounter(`push_tokens_total{outcome="unknown"}`),
		TokensPruned:     s.NewCounter(`push_tokens_pruned_total`),
		PruneFailures:    s.NewCounter(`push_prune_failures_total`),
		JobDuration:      s.NewHistogram(`push_job_duration_seconds`),
	}
}

func (m *Metrics) observeOutcome(kind dispatch.ErrorKind) {
	switch kind {
	case dispatch.KindNone:
		m.TokensSucceeded.Inc()
	case dispatch.KindInvalidToken:
		m.TokensInvalid.Inc()
	case dispatch.KindTransient:
		m.TokensTransient.Inc()
	default:
		m.TokensUnknown.Inc()
	}
}

func (m *Metrics) observeDuration(start time.Time) {
	m.JobDuration.UpdateDuration(start)
}

// WritePrometheus writes the set in Prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
