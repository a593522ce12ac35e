package scheduler

import "github.com/VictoriaMetrics/metrics"

type schedMetrics struct {
	set            *metrics.Set
	chunks         *metrics.Counter
	syncBatches    *metrics.Counter
	asyncBatches   *metrics.Counter
	drains         *metrics.Counter
	pauses         *metrics.Counter
	fairnessResets *metrics.Counter
}

func newSchedMetrics(set *metrics.Set, s *Scheduler) *schedMetrics {
	m := &schedMetrics{
		set:            set,
		chunks:         set.NewCounter("muxsched_chunks_emitted_total"),
		syncBatches:    set.NewCounter(`muxsched_batches_emitted_total{kind="sync"}`),
		asyncBatches:   set.NewCounter(`muxsched_batches_emitted_total{kind="async"}`),
		drains:         set.NewCounter("muxsched_drains_total"),
		pauses:         set.NewCounter("muxsched_backpressure_pauses_total"),
		fairnessResets: set.NewCounter("muxsched_fairness_resets_total"),
	}
	set.NewGauge("muxsched_pending_chunks", func() float64 {
		return float64(s.Pending())
	})
	set.NewGauge("muxsched_active_items", func() float64 {
		return float64(s.ActiveLen())
	})
	return m
}
