package prudb

import (
	"context"
	"iter"
	"time"

	"github.com/hupe1980/prudb/engine"
	"github.com/hupe1980/prudb/factlog"
	"github.com/hupe1980/prudb/internal/fs"
	"github.com/hupe1980/prudb/model"
)

// Mode selects how resolve combines postings. See engine.Mode.
type Mode = engine.Mode

const (
	ModeUnion     = engine.ModeUnion
	ModeDedup     = engine.ModeDedup
	ModeIntersect = engine.ModeIntersect
)

// ParseMode maps union/dedup/intersect to a Mode.
var ParseMode = engine.ParseMode

// FactFilter constrains ListFacts. Zero fields match anything.
type FactFilter = factlog.Filter

// Violation is one integrity finding from Verify.
type Violation = engine.Violation

// Stats summarizes store state.
type Stats = engine.Stats

// Store is an explicit handle to one data directory. There is no implicit
// process-wide store; every operation goes through a handle returned by
// Open.
type Store struct {
	dir     string
	engine  *engine.Engine
	logger  *Logger
	metrics MetricsCollector
}

// Open opens (or initializes) a store at dir.
func Open(dir string, optFns ...Option) (*Store, error) {
	opts := options{
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
		engineOpts:       engine.DefaultOptions,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.logger == nil {
		opts.logger = NoopLogger()
	}
	opts.engineOpts.Logger = opts.logger.Logger

	eng, err := engine.Open(fs.Default, dir, opts.engineOpts)
	if err != nil {
		return nil, translateError(err)
	}

	return &Store{
		dir:     dir,
		engine:  eng,
		logger:  opts.logger,
		metrics: opts.metricsCollector,
	}, nil
}

// Dir returns the store's data directory.
func (s *Store) Dir() string { return s.dir }

// AddEntity interns an entity by name and returns its atom id. Re-adding an
// existing name returns the previously assigned id.
func (s *Store) AddEntity(ctx context.Context, name string) (model.AtomID, error) {
	start := time.Now()
	id, err := s.engine.AddEntity(ctx, name)
	err = translateError(err)
	s.metrics.RecordAddAtom(time.Since(start), err)
	return id, err
}

// AddPredicate interns a predicate by name and returns its atom id.
func (s *Store) AddPredicate(ctx context.Context, name string) (model.AtomID, error) {
	start := time.Now()
	id, err := s.engine.AddPredicate(ctx, name)
	err = translateError(err)
	s.metrics.RecordAddAtom(time.Since(start), err)
	return id, err
}

// AddLiteral interns a literal by value and returns its atom id.
func (s *Store) AddLiteral(ctx context.Context, value string) (model.AtomID, error) {
	start := time.Now()
	id, err := s.engine.AddLiteral(ctx, value)
	err = translateError(err)
	s.metrics.RecordAddAtom(time.Since(start), err)
	return id, err
}

// GetAtom looks up an atom by id.
func (s *Store) GetAtom(id model.AtomID) (model.Atom, error) {
	atom, err := s.engine.GetAtom(id)
	return atom, translateError(err)
}

// AddFact appends a subject-predicate-object triple. All three ids must
// exist in the registry with compatible kinds; otherwise the call fails with
// ErrNotFound and the log is unchanged.
func (s *Store) AddFact(ctx context.Context, subject, predicate, object model.AtomID) (model.FactID, error) {
	start := time.Now()
	id, err := s.engine.AddFact(ctx, subject, predicate, object)
	err = translateError(err)
	s.metrics.RecordAddFact(time.Since(start), err)
	s.logger.LogAddFact(ctx, uint64(id), err)
	return id, err
}

// GetFact looks up a fact by id.
func (s *Store) GetFact(id model.FactID) (model.Fact, error) {
	fact, err := s.engine.GetFact(id)
	return fact, translateError(err)
}

// ListFacts returns a lazy, restartable sequence of matching facts in
// creation order.
func (s *Store) ListFacts(filter FactFilter) iter.Seq2[model.Fact, error] {
	return s.engine.ListFacts(filter)
}

// Flush materializes the buffered fact tail into a new segment and promotes
// it. An empty tail is a no-op.
func (s *Store) Flush(ctx context.Context) error {
	start := time.Now()
	tail := s.engine.Info().BufferedTail
	err := translateError(s.engine.Flush(ctx))
	s.metrics.RecordFlush(tail, time.Since(start), err)
	return err
}

// Resolve answers key lookups against the current generation plus the
// buffered tail, combining postings per the requested mode. Results are
// ordered fact records.
func (s *Store) Resolve(ctx context.Context, keys []model.Key, mode Mode) ([]model.Fact, error) {
	start := time.Now()
	facts, err := s.engine.Resolve(ctx, keys, mode)
	err = translateError(err)
	s.metrics.RecordResolve(len(keys), len(facts), time.Since(start), err)
	s.logger.LogResolve(ctx, mode.String(), len(keys), len(facts), err)
	return facts, err
}

// Compact merges segments per the configured policy and promotes the
// replacement. Returns ErrCompactionBusy if one is already running.
func (s *Store) Compact(ctx context.Context) error {
	start := time.Now()
	err := translateError(s.engine.Compact(ctx))
	s.metrics.RecordCompaction(time.Since(start), err)
	return err
}

// Verify audits the store's on-disk state and returns every violation
// found. An empty result means a clean store.
func (s *Store) Verify(ctx context.Context) ([]Violation, error) {
	start := time.Now()
	violations, err := s.engine.Verify(ctx)
	err = translateError(err)
	s.metrics.RecordVerify(len(violations), time.Since(start), err)
	s.logger.LogVerify(ctx, len(violations), err)
	return violations, err
}

// Info returns store statistics.
func (s *Store) Info() Stats {
	return s.engine.Info()
}

// Close flushes the durable logs and releases the store handle. Buffered
// (unflushed) facts remain durable in the fact log and are re-buffered on
// the next Open.
func (s *Store) Close() error {
	return translateError(s.engine.Close())
}
