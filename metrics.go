package prudb

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement it to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordAddAtom is called after each atom add (any kind).
	RecordAddAtom(duration time.Duration, err error)

	// RecordAddFact is called after each fact append.
	RecordAddFact(duration time.Duration, err error)

	// RecordResolve is called after each resolve; keys is the number of
	// requested keys and results the number of fact records returned.
	RecordResolve(keys, results int, duration time.Duration, err error)

	// RecordFlush is called after each flush; facts is the number of
	// buffered facts materialized.
	RecordFlush(facts int, duration time.Duration, err error)

	// RecordCompaction is called after each compaction attempt.
	RecordCompaction(duration time.Duration, err error)

	// RecordVerify is called after each verification run.
	RecordVerify(violations int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAddAtom(time.Duration, error)          {}
func (NoopMetricsCollector) RecordAddFact(time.Duration, error)          {}
func (NoopMetricsCollector) RecordResolve(int, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordFlush(int, time.Duration, error)       {}
func (NoopMetricsCollector) RecordCompaction(time.Duration, error)       {}
func (NoopMetricsCollector) RecordVerify(int, time.Duration, error)      {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	AtomCount        atomic.Int64
	AtomErrors       atomic.Int64
	FactCount        atomic.Int64
	FactErrors       atomic.Int64
	ResolveCount     atomic.Int64
	ResolveErrors    atomic.Int64
	ResolveResults   atomic.Int64
	FlushCount       atomic.Int64
	FlushedFacts     atomic.Int64
	CompactionCount  atomic.Int64
	CompactionErrors atomic.Int64
	VerifyCount      atomic.Int64
	VerifyViolations atomic.Int64
}

func (m *BasicMetricsCollector) RecordAddAtom(_ time.Duration, err error) {
	m.AtomCount.Add(1)
	if err != nil {
		m.AtomErrors.Add(1)
	}
}

func (m *BasicMetricsCollector) RecordAddFact(_ time.Duration, err error) {
	m.FactCount.Add(1)
	if err != nil {
		m.FactErrors.Add(1)
	}
}

func (m *BasicMetricsCollector) RecordResolve(_, results int, _ time.Duration, err error) {
	m.ResolveCount.Add(1)
	m.ResolveResults.Add(int64(results))
	if err != nil {
		m.ResolveErrors.Add(1)
	}
}

func (m *BasicMetricsCollector) RecordFlush(facts int, _ time.Duration, err error) {
	m.FlushCount.Add(1)
	if err == nil {
		m.FlushedFacts.Add(int64(facts))
	}
}

func (m *BasicMetricsCollector) RecordCompaction(_ time.Duration, err error) {
	m.CompactionCount.Add(1)
	if err != nil {
		m.CompactionErrors.Add(1)
	}
}

func (m *BasicMetricsCollector) RecordVerify(violations int, _ time.Duration, _ error) {
	m.VerifyCount.Add(1)
	m.VerifyViolations.Add(int64(violations))
}
