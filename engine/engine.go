package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hupe1980/prudb/factlog"
	"github.com/hupe1980/prudb/internal/fs"
	"github.com/hupe1980/prudb/internal/reclog"
	"github.com/hupe1980/prudb/manifest"
	"github.com/hupe1980/prudb/model"
	"github.com/hupe1980/prudb/registry"
	"github.com/hupe1980/prudb/segment"
)

var (
	// ErrClosed is returned for operations on a closed engine.
	ErrClosed = errors.New("engine: closed")

	// ErrCorruption indicates an integrity violation detected outside
	// Verify, e.g. a posting whose fact id is missing from the fact log.
	ErrCorruption = errors.New("engine: corruption detected")

	// ErrCompactionBusy is returned when a compaction is already running.
	ErrCompactionBusy = errors.New("engine: compaction already running")
)

// Options configures the engine.
type Options struct {
	// Logger receives structured engine events. Nil discards them.
	Logger *slog.Logger

	// SyncWrites fsyncs the atom/fact logs on every append.
	SyncWrites bool

	// CompressLogs enables zstd compression of the atom/fact logs.
	CompressLogs bool

	// CompressionLevel is the zstd level for compressed logs.
	CompressionLevel int

	// CompressPostings enables lz4 compression of segment postings blocks.
	CompressPostings bool

	// TargetFPR is the membership filter false-positive target.
	TargetFPR float64

	// AutoFlushThreshold flushes the buffered tail into a segment once it
	// reaches this many facts. 0 disables automatic flushing.
	AutoFlushThreshold int

	// CompactionPolicy picks segments to merge. Nil uses TieredPolicy with
	// DefaultCompactionThreshold.
	CompactionPolicy Policy

	// CompactionRate caps background merge throughput in postings/second.
	// 0 means unlimited.
	CompactionRate rate.Limit
}

// DefaultOptions are the engine defaults.
var DefaultOptions = Options{
	SyncWrites:       true,
	CompressionLevel: 3,
	TargetFPR:        segment.DefaultFPR,
}

// Stats summarizes store state for Info.
type Stats struct {
	Generation   uint64
	Atoms        int
	Facts        int
	BufferedTail int
	Segments     int
	Postings     uint64
}

// Engine ties the registry, fact log, segments, and manifest together and
// enforces the single-writer discipline: appends, flushes, and promotions
// serialize through the writer mutex, while readers pin snapshots and never
// block on the writer.
type Engine struct {
	fsys fs.FileSystem
	dir  string
	opts Options
	log  *slog.Logger

	registry *registry.Registry
	facts    *factlog.Log
	man      *manifest.Store

	// writerMu serializes flush/compact promotion sections.
	writerMu sync.Mutex

	snapMu sync.RWMutex
	snap   *Snapshot

	// pendingDelete tracks retired segments whose files still exist because
	// an older snapshot pins them. Verify treats these as expected, not
	// orphans.
	pendingMu     sync.Mutex
	pendingDelete map[model.SegmentID]string

	compactSem *semaphore.Weighted
	limiter    *rate.Limiter

	closeMu sync.Mutex
	closed  bool
}

// Open opens (or initializes) a store in dir.
func Open(fsys fs.FileSystem, dir string, opts Options) (*Engine, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.CompressionLevel == 0 {
		opts.CompressionLevel = DefaultOptions.CompressionLevel
	}
	if opts.TargetFPR <= 0 || opts.TargetFPR >= 1 {
		opts.TargetFPR = segment.DefaultFPR
	}
	if opts.CompactionPolicy == nil {
		opts.CompactionPolicy = &TieredPolicy{Threshold: DefaultCompactionThreshold}
	}

	if err := fsys.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("engine: create dir: %w", err)
	}

	man, err := manifest.Open(fsys, dir)
	if err != nil {
		return nil, err
	}

	logOpts := reclog.Options{
		Sync:             opts.SyncWrites,
		Compress:         opts.CompressLogs,
		CompressionLevel: opts.CompressionLevel,
	}

	reg, err := registry.Open(fsys, filepath.Join(dir, registry.FileName), logOpts)
	if err != nil {
		return nil, err
	}

	facts, err := factlog.Open(fsys, filepath.Join(dir, factlog.FileName), logOpts, reg)
	if err != nil {
		reg.Close()
		return nil, err
	}

	cur := man.Current()
	facts.SetFlushedThrough(model.FactID(cur.FlushedThrough))

	e := &Engine{
		fsys:          fsys,
		dir:           dir,
		opts:          opts,
		log:           opts.Logger,
		registry:      reg,
		facts:         facts,
		man:           man,
		pendingDelete: make(map[model.SegmentID]string),
		compactSem:    semaphore.NewWeighted(1),
	}
	if opts.CompactionRate > 0 {
		e.limiter = rate.NewLimiter(opts.CompactionRate, int(opts.CompactionRate))
	}

	snap, err := e.openSnapshot(cur, nil)
	if err != nil {
		facts.Close()
		reg.Close()
		return nil, err
	}
	e.snap = snap

	e.log.Info("store opened",
		"dir", dir,
		"generation", cur.Generation,
		"segments", len(cur.Segments),
		"atoms", reg.Count(),
		"facts", facts.Len(),
	)
	return e, nil
}

// openSnapshot builds a snapshot for m, reusing already-open segments from
// prev (taking references) and opening the rest from disk.
func (e *Engine) openSnapshot(m *manifest.Manifest, prev *Snapshot) (*Snapshot, error) {
	reuse := make(map[model.SegmentID]*RefCountedSegment)
	if prev != nil {
		for _, seg := range prev.Segments() {
			reuse[seg.ID()] = seg
		}
	}

	segs := make([]*RefCountedSegment, 0, len(m.Segments))
	for _, info := range m.Segments {
		if seg, ok := reuse[info.ID]; ok {
			seg.IncRef()
			segs = append(segs, seg)
			continue
		}
		r, err := segment.Open(e.fsys, filepath.Join(e.dir, info.Path))
		if err != nil {
			for _, s := range segs {
				s.DecRef()
			}
			return nil, fmt.Errorf("engine: open segment %d: %w", info.ID, err)
		}
		segs = append(segs, NewRefCountedSegment(info.ID, info.Level, r))
	}

	// Newest first: recency order for resolve.
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return NewSnapshot(m.Generation, segs), nil
}

// installSnapshot swaps in next and releases the previous snapshot's
// reference. Retired segments get a delete-on-release hook.
func (e *Engine) installSnapshot(next *Snapshot, retired []*RefCountedSegment) {
	for _, seg := range retired {
		id, path := seg.ID(), seg.Path()
		e.pendingMu.Lock()
		e.pendingDelete[id] = path
		e.pendingMu.Unlock()

		seg.SetOnClose(func() {
			if err := e.fsys.Remove(path); err != nil {
				e.log.Warn("failed to delete retired segment", "segment", id, "path", path, "error", err)
			}
			e.pendingMu.Lock()
			delete(e.pendingDelete, id)
			e.pendingMu.Unlock()
		})
	}

	e.snapMu.Lock()
	prev := e.snap
	e.snap = next
	e.snapMu.Unlock()

	if prev != nil {
		prev.DecRef()
	}
}

// AcquireSnapshot pins the current generation for reading. The caller must
// call DecRef when done.
func (e *Engine) AcquireSnapshot() *Snapshot {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	s := e.snap
	if s == nil {
		// Closed store: hand out an empty view rather than a nil deref.
		return NewSnapshot(0, nil)
	}
	s.IncRef()
	return s
}

// AddEntity interns an entity atom.
func (e *Engine) AddEntity(ctx context.Context, name string) (model.AtomID, error) {
	if err := e.checkOpen(ctx); err != nil {
		return 0, err
	}
	return e.registry.AddEntity(name)
}

// AddPredicate interns a predicate atom.
func (e *Engine) AddPredicate(ctx context.Context, name string) (model.AtomID, error) {
	if err := e.checkOpen(ctx); err != nil {
		return 0, err
	}
	return e.registry.AddPredicate(name)
}

// AddLiteral interns a literal atom.
func (e *Engine) AddLiteral(ctx context.Context, value string) (model.AtomID, error) {
	if err := e.checkOpen(ctx); err != nil {
		return 0, err
	}
	return e.registry.AddLiteral(value)
}

// GetAtom looks up an atom by id.
func (e *Engine) GetAtom(id model.AtomID) (model.Atom, error) {
	return e.registry.Get(id)
}

// AddFact validates and appends a fact, flushing the buffered tail into a
// segment when the auto-flush threshold is reached.
func (e *Engine) AddFact(ctx context.Context, subject, predicate, object model.AtomID) (model.FactID, error) {
	if err := e.checkOpen(ctx); err != nil {
		return 0, err
	}

	id, err := e.facts.Append(subject, predicate, object)
	if err != nil {
		return 0, err
	}

	if t := e.opts.AutoFlushThreshold; t > 0 && e.facts.TailLen() >= t {
		if err := e.Flush(ctx); err != nil {
			// The fact is durable in the log; only segment materialization
			// failed. Surface the error, keep the id.
			return id, fmt.Errorf("engine: auto-flush: %w", err)
		}
	}
	return id, nil
}

// GetFact looks up a fact by id.
func (e *Engine) GetFact(id model.FactID) (model.Fact, error) {
	return e.facts.Get(id)
}

// ListFacts returns a lazy sequence of facts matching the filter, in
// creation order.
func (e *Engine) ListFacts(filter factlog.Filter) iter.Seq2[model.Fact, error] {
	return e.facts.Facts(filter)
}

// Flush drains the buffered fact tail into a new segment and promotes it.
// An empty tail is a no-op. A failure before promotion leaves the manifest
// untouched.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.checkOpen(ctx); err != nil {
		return err
	}

	e.writerMu.Lock()
	defer e.writerMu.Unlock()

	tail := e.facts.Tail()
	if len(tail) == 0 {
		return nil
	}

	postings := make([]model.Posting, 0, len(tail)*6)
	for _, fact := range tail {
		for _, key := range model.FactKeys(fact) {
			postings = append(postings, model.Posting{Key: key, FactID: fact.ID})
		}
	}

	id := e.man.AllocSegmentID()
	path := manifest.SegmentPath(id)
	meta, err := segment.Build(e.fsys, filepath.Join(e.dir, path), postings, segment.BuildOptions{
		TargetFPR:        e.opts.TargetFPR,
		CompressPostings: e.opts.CompressPostings,
	})
	if err != nil {
		return fmt.Errorf("engine: build segment: %w", err)
	}

	info := manifest.SegmentInfo{
		ID:       id,
		Path:     path,
		Level:    0,
		Count:    meta.Count,
		MinKey:   uint64(meta.MinKey),
		MaxKey:   uint64(meta.MaxKey),
		Checksum: meta.Checksum,
	}
	flushedThrough := tail[len(tail)-1].ID

	next, err := e.man.Promote(manifest.Promotion{
		Base:           e.man.Generation(),
		Added:          []manifest.SegmentInfo{info},
		FlushedThrough: uint64(flushedThrough),
	})
	if err != nil {
		_ = e.fsys.Remove(filepath.Join(e.dir, path))
		return err
	}

	// Install the new snapshot before advancing the watermark. A concurrent
	// resolve then sees the flushed facts in the tail, the segment, or both;
	// never in neither. If opening the snapshot fails after the promote, the
	// watermark stays put and the tail keeps covering the facts until the
	// next promotion installs a fresh snapshot.
	snap, err := e.openSnapshot(next, e.currentSnapshot())
	if err != nil {
		return fmt.Errorf("engine: open flushed snapshot: %w", err)
	}
	e.installSnapshot(snap, nil)

	e.facts.SetFlushedThrough(flushedThrough)

	e.log.Info("flushed tail into segment",
		"segment", id,
		"facts", len(tail),
		"postings", meta.Count,
		"generation", next.Generation,
	)
	return nil
}

func (e *Engine) currentSnapshot() *Snapshot {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snap
}

// Info returns store statistics.
func (e *Engine) Info() Stats {
	snap := e.AcquireSnapshot()
	defer snap.DecRef()

	var postings uint64
	for _, seg := range snap.Segments() {
		postings += uint64(seg.Count())
	}
	return Stats{
		Generation:   snap.Generation(),
		Atoms:        e.registry.Count(),
		Facts:        e.facts.Len(),
		BufferedTail: e.facts.TailLen(),
		Segments:     len(snap.Segments()),
		Postings:     postings,
	}
}

// Manifest returns a copy of the current manifest, for tooling.
func (e *Engine) Manifest() *manifest.Manifest {
	return e.man.Current()
}

// Promote applies a manifest promotion directly. Exposed for tooling; the
// regular write path goes through Flush and Compact.
func (e *Engine) Promote(p manifest.Promotion) (*manifest.Manifest, error) {
	e.writerMu.Lock()
	defer e.writerMu.Unlock()

	next, err := e.man.Promote(p)
	if err != nil {
		return nil, err
	}

	prev := e.currentSnapshot()
	var retired []*RefCountedSegment
	if prev != nil {
		for _, seg := range prev.Segments() {
			if slices.Contains(p.Retired, seg.ID()) {
				retired = append(retired, seg)
			}
		}
	}

	snap, err := e.openSnapshot(next, prev)
	if err != nil {
		return nil, err
	}
	e.installSnapshot(snap, retired)
	return next, nil
}

func (e *Engine) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

// Close releases the engine. In-flight snapshot holders keep their pinned
// segments valid until released.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	e.closeMu.Unlock()

	e.snapMu.Lock()
	snap := e.snap
	e.snap = nil
	e.snapMu.Unlock()
	if snap != nil {
		snap.DecRef()
	}

	ferr := e.facts.Close()
	rerr := e.registry.Close()
	if ferr != nil {
		return ferr
	}
	return rerr
}
