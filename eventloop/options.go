package eventloop

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kumanet/kumanet/internal/telemetry"
)

// loopConfig holds the resolved configuration for a new Loop.
type loopConfig struct {
	logger         *telemetry.Logger
	metricsReg     prometheus.Registerer
	metricsEnabled bool
	metricsNS      string
	defaultPollMs  int
	onOverload     func(depth int)
	overloadBudget int
}

// Option configures a Loop at construction time.
type Option func(*loopConfig)

// WithLogger attaches a structured logger; poll errors and panics recovered
// from tasks are logged through it. Start and shutdown are not logged. The
// default is a disabled no-op logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(c *loopConfig) { c.logger = logger }
}

// WithMetrics enables Prometheus metrics collection, registering the
// collectors against reg. A nil reg makes the loop collect into its own
// registry, exposed via Loop.Metrics for the caller to wire up themselves.
func WithMetrics(reg prometheus.Registerer, namespace string) Option {
	return func(c *loopConfig) {
		c.metricsEnabled = true
		c.metricsReg = reg
		c.metricsNS = namespace
	}
}

// WithDefaultPollTimeout sets the poll timeout, in milliseconds, used when
// no delayed task is pending (the loop would otherwise block
// indefinitely). The default is 1000ms, which bounds how quickly a loop
// reacts to Shutdown when it is otherwise idle.
func WithDefaultPollTimeout(ms int) Option {
	return func(c *loopConfig) { c.defaultPollMs = ms }
}

// WithOverloadCallback registers a callback invoked once per tick, after
// draining the external batch, with the number of tasks still left in the
// external queue, when that number exceeds budget. The internal queue is
// not counted. Intended for backpressure signalling; the
// callback runs on the loop's own goroutine and must not block.
func WithOverloadCallback(budget int, fn func(depth int)) Option {
	return func(c *loopConfig) {
		c.overloadBudget = budget
		c.onOverload = fn
	}
}

func resolveOptions(opts []Option) *loopConfig {
	c := &loopConfig{
		logger:        telemetry.NewNopLogger(),
		defaultPollMs: 1000,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}
