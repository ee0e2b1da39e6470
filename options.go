package prudb

import (
	"golang.org/x/time/rate"

	"github.com/hupe1980/prudb/engine"
)

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	engineOpts       engine.Options
}

// Option configures store construction.
type Option func(*options)

// WithLogger sets the structured logger. Nil disables logging.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetricsCollector sets the metrics sink for store operations.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithSyncWrites controls whether atom/fact appends fsync before returning.
// Defaults to true; disabling trades durability for throughput.
func WithSyncWrites(sync bool) Option {
	return func(o *options) {
		o.engineOpts.SyncWrites = sync
	}
}

// WithLogCompression enables zstd compression of the atom and fact logs at
// the given level (3 balances speed and ratio).
func WithLogCompression(level int) Option {
	return func(o *options) {
		o.engineOpts.CompressLogs = true
		o.engineOpts.CompressionLevel = level
	}
}

// WithPostingsCompression enables lz4 block compression of segment postings.
func WithPostingsCompression() Option {
	return func(o *options) {
		o.engineOpts.CompressPostings = true
	}
}

// WithTargetFPR sets the membership filter's target false-positive rate
// (default 1%).
func WithTargetFPR(fpr float64) Option {
	return func(o *options) {
		o.engineOpts.TargetFPR = fpr
	}
}

// WithAutoFlushThreshold flushes the buffered fact tail into a segment once
// it reaches n facts. 0 (the default) means flushing is explicit.
func WithAutoFlushThreshold(n int) Option {
	return func(o *options) {
		o.engineOpts.AutoFlushThreshold = n
	}
}

// WithCompactionPolicy sets the segment selection policy for Compact.
func WithCompactionPolicy(p engine.Policy) Option {
	return func(o *options) {
		o.engineOpts.CompactionPolicy = p
	}
}

// WithCompactionThreshold is shorthand for the tiered policy at the given
// segment count.
func WithCompactionThreshold(n int) Option {
	return func(o *options) {
		o.engineOpts.CompactionPolicy = &engine.TieredPolicy{Threshold: n}
	}
}

// WithCompactionRate caps background merge throughput in postings per
// second. 0 means unlimited.
func WithCompactionRate(r rate.Limit) Option {
	return func(o *options) {
		o.engineOpts.CompactionRate = r
	}
}
