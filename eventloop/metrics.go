package eventloop

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Prometheus collectors a Loop updates as it runs.
// If the Loop wasn't built WithMetrics, Loop.metrics is nil and every
// update site skips its update after checking for nil.
type metrics struct {
	ticks        prometheus.Counter
	tasksRun     prometheus.Counter
	tasksSkipped prometheus.Counter
	pollErrors   prometheus.Counter
	queueDepth   prometheus.Gauge
	tickDuration prometheus.Histogram

	// gatherer is set only when no external registerer was supplied: the
	// loop then collects into its own registry, surfaced via Loop.Metrics.
	gatherer prometheus.Gatherer
}

func newMetrics(namespace string, reg prometheus.Registerer) *metrics {
	var gatherer prometheus.Gatherer
	if reg == nil {
		own := prometheus.NewRegistry()
		reg = own
		gatherer = own
	}
	m := &metrics{
		gatherer: gatherer,
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "loop_ticks_total",
			Help: "Number of dispatch cycles completed.",
		}),
		tasksRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "loop_tasks_run_total",
			Help: "Number of tasks executed.",
		}),
		tasksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "loop_tasks_skipped_total",
			Help: "Number of tasks skipped due to a cancelled token.",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "loop_poll_errors_total",
			Help: "Number of errors returned by the I/O poller.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "loop_queue_depth",
			Help: "Combined external+internal queue depth, sampled once per tick.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "loop_tick_duration_seconds",
			Help:    "Wall time spent in a single dispatch cycle.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
	}
	reg.MustRegister(m.ticks, m.tasksRun, m.tasksSkipped, m.pollErrors, m.queueDepth, m.tickDuration)
	return m
}
