package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/prudb/internal/fs"
	"github.com/hupe1980/prudb/manifest"
	"github.com/hupe1980/prudb/model"
	"github.com/hupe1980/prudb/segment"
)

func openTestEngine(t *testing.T, dir string, opts Options) *Engine {
	t.Helper()
	e, err := Open(fs.Default, dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// seedAtoms interns a small solar-system vocabulary.
func seedAtoms(t *testing.T, e *Engine) (earth, moon, sun, orbits model.AtomID) {
	t.Helper()
	ctx := context.Background()
	var err error
	earth, err = e.AddEntity(ctx, "earth")
	require.NoError(t, err)
	moon, err = e.AddEntity(ctx, "moon")
	require.NoError(t, err)
	sun, err = e.AddEntity(ctx, "sun")
	require.NoError(t, err)
	orbits, err = e.AddPredicate(ctx, "orbits")
	require.NoError(t, err)
	return
}

func TestFlushCreatesSegment(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir(), DefaultOptions)
	earth, moon, sun, orbits := seedAtoms(t, e)

	_, err := e.AddFact(ctx, earth, orbits, sun)
	require.NoError(t, err)
	_, err = e.AddFact(ctx, moon, orbits, earth)
	require.NoError(t, err)

	stats := e.Info()
	assert.Equal(t, uint64(0), stats.Generation)
	assert.Equal(t, 2, stats.BufferedTail)
	assert.Equal(t, 0, stats.Segments)

	require.NoError(t, e.Flush(ctx))

	stats = e.Info()
	assert.Equal(t, uint64(1), stats.Generation)
	assert.Equal(t, 0, stats.BufferedTail)
	assert.Equal(t, 1, stats.Segments)
	// Six key shapes per fact, all distinct here.
	assert.Equal(t, uint64(12), stats.Postings)

	// Empty tail: flushing again is a no-op.
	require.NoError(t, e.Flush(ctx))
	assert.Equal(t, uint64(1), e.Info().Generation)
}

func TestResolveSeesBufferedTail(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir(), DefaultOptions)
	earth, moon, _, orbits := seedAtoms(t, e)

	id, err := e.AddFact(ctx, moon, orbits, earth)
	require.NoError(t, err)

	// No flush yet: the resolve still finds the fact.
	facts, err := e.Resolve(ctx, []model.Key{model.SubjectKey(moon)}, ModeUnion)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, id, facts[0].ID)
}

func TestResolveUnionRecencyOrder(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir(), DefaultOptions)
	earth, moon, sun, orbits := seedAtoms(t, e)

	flushed, err := e.AddFact(ctx, earth, orbits, sun)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	buffered, err := e.AddFact(ctx, moon, orbits, earth)
	require.NoError(t, err)

	// Both facts share the predicate key; the buffered one comes first.
	facts, err := e.Resolve(ctx, []model.Key{model.PredicateKey(orbits)}, ModeUnion)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, buffered, facts[0].ID)
	assert.Equal(t, flushed, facts[1].ID)
}

func TestResolveDedup(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir(), DefaultOptions)
	earth, moon, _, orbits := seedAtoms(t, e)

	id, err := e.AddFact(ctx, moon, orbits, earth)
	require.NoError(t, err)

	// S and P keys both hit the same fact.
	keys := []model.Key{model.SubjectKey(moon), model.PredicateKey(orbits)}

	facts, err := e.Resolve(ctx, keys, ModeUnion)
	require.NoError(t, err)
	assert.Len(t, facts, 2)

	facts, err = e.Resolve(ctx, keys, ModeDedup)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, id, facts[0].ID)
}

func TestResolveIntersect(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir(), DefaultOptions)
	earth, moon, sun, orbits := seedAtoms(t, e)

	f1, err := e.AddFact(ctx, earth, orbits, sun)
	require.NoError(t, err)
	f2, err := e.AddFact(ctx, moon, orbits, earth)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	// Only f1 has both subject earth and object sun.
	facts, err := e.Resolve(ctx, []model.Key{
		model.SubjectKey(earth), model.ObjectKey(sun),
	}, ModeIntersect)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, f1, facts[0].ID)

	// Both facts share the predicate key only.
	facts, err = e.Resolve(ctx, []model.Key{model.PredicateKey(orbits)}, ModeIntersect)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	// Ascending fact id order.
	assert.Equal(t, f1, facts[0].ID)
	assert.Equal(t, f2, facts[1].ID)

	// Disjoint keys intersect to nothing.
	facts, err = e.Resolve(ctx, []model.Key{
		model.SubjectKey(earth), model.SubjectKey(moon),
	}, ModeIntersect)
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestCompaction(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir(), Options{
		SyncWrites:       true,
		CompactionPolicy: &TieredPolicy{Threshold: 2},
	})
	earth, moon, sun, orbits := seedAtoms(t, e)

	_, err := e.AddFact(ctx, earth, orbits, sun)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	_, err = e.AddFact(ctx, moon, orbits, earth)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	before, err := e.Resolve(ctx, []model.Key{model.PredicateKey(orbits)}, ModeDedup)
	require.NoError(t, err)
	require.Len(t, before, 2)
	require.Equal(t, 2, e.Info().Segments)

	require.NoError(t, e.Compact(ctx))

	stats := e.Info()
	assert.Equal(t, 1, stats.Segments)

	// Query results survive the merge unchanged.
	after, err := e.Resolve(ctx, []model.Key{model.PredicateKey(orbits)}, ModeDedup)
	require.NoError(t, err)
	assert.ElementsMatch(t, before, after)

	// The merged segment sits one level up.
	snap := e.AcquireSnapshot()
	defer snap.DecRef()
	require.Len(t, snap.Segments(), 1)
	assert.Equal(t, 1, snap.Segments()[0].Level())
}

func TestCompactionBelowThreshold(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir(), Options{
		SyncWrites:       true,
		CompactionPolicy: &TieredPolicy{Threshold: 4},
	})
	earth, _, sun, orbits := seedAtoms(t, e)

	_, err := e.AddFact(ctx, earth, orbits, sun)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	gen := e.Info().Generation
	require.NoError(t, e.Compact(ctx))
	assert.Equal(t, gen, e.Info().Generation)
}

func TestCompactionBusy(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir(), DefaultOptions)

	require.True(t, e.compactSem.TryAcquire(1))
	defer e.compactSem.Release(1)

	require.ErrorIs(t, e.Compact(ctx), ErrCompactionBusy)
}

func TestAutoFlush(t *testing.T) {
	ctx := context.Background()
	opts := DefaultOptions
	opts.AutoFlushThreshold = 3
	e := openTestEngine(t, t.TempDir(), opts)
	earth, moon, sun, orbits := seedAtoms(t, e)

	_, err := e.AddFact(ctx, earth, orbits, sun)
	require.NoError(t, err)
	_, err = e.AddFact(ctx, moon, orbits, earth)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Info().BufferedTail)

	// Third fact trips the threshold.
	_, err = e.AddFact(ctx, moon, orbits, sun)
	require.NoError(t, err)

	stats := e.Info()
	assert.Equal(t, 0, stats.BufferedTail)
	assert.Equal(t, 1, stats.Segments)
}

func TestSnapshotPinsRetiredSegments(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e := openTestEngine(t, dir, Options{
		SyncWrites:       true,
		CompactionPolicy: &TieredPolicy{Threshold: 2},
	})
	earth, moon, sun, orbits := seedAtoms(t, e)

	_, err := e.AddFact(ctx, earth, orbits, sun)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))
	_, err = e.AddFact(ctx, moon, orbits, earth)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	// Pin the pre-compaction view.
	snap := e.AcquireSnapshot()
	inputs := snap.Segments()
	require.Len(t, inputs, 2)

	require.NoError(t, e.Compact(ctx))

	// The pinned snapshot keeps the retired files alive.
	for _, seg := range inputs {
		assert.FileExists(t, filepath.Join(dir, filepath.Base(seg.Path())))
	}

	snap.DecRef()

	// Last reference released: the files are gone.
	for _, seg := range inputs {
		assert.NoFileExists(t, filepath.Join(dir, filepath.Base(seg.Path())))
	}
}

func TestVerifyClean(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir(), DefaultOptions)
	earth, moon, sun, orbits := seedAtoms(t, e)

	_, err := e.AddFact(ctx, earth, orbits, sun)
	require.NoError(t, err)
	_, err = e.AddFact(ctx, moon, orbits, earth)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	violations, err := e.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e := openTestEngine(t, dir, DefaultOptions)
	earth, _, sun, orbits := seedAtoms(t, e)

	_, err := e.AddFact(ctx, earth, orbits, sun)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	info := e.Manifest().Segments[0]
	full := filepath.Join(dir, info.Path)
	data, err := os.ReadFile(full)
	require.NoError(t, err)
	data[len(data)-12] ^= 0xFF
	require.NoError(t, os.WriteFile(full, data, 0o600))

	violations, err := e.Verify(ctx)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, ViolationChecksum, violations[0].Kind)
	assert.Equal(t, info.ID, violations[0].Segment)
}

func TestVerifyDetectsMissingFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e := openTestEngine(t, dir, DefaultOptions)
	earth, _, sun, orbits := seedAtoms(t, e)

	_, err := e.AddFact(ctx, earth, orbits, sun)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	info := e.Manifest().Segments[0]
	require.NoError(t, os.Remove(filepath.Join(dir, info.Path)))

	violations, err := e.Verify(ctx)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, ViolationMissingFile, violations[0].Kind)
}

func TestVerifyDetectsOrphan(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e := openTestEngine(t, dir, DefaultOptions)

	// A stray segment file the manifest never heard of.
	_, err := segment.Build(fs.Default, filepath.Join(dir, manifest.SegmentPath(999)),
		[]model.Posting{{Key: 1, FactID: 1}}, segment.BuildOptions{})
	require.NoError(t, err)

	violations, err := e.Verify(ctx)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, ViolationOrphan, violations[0].Kind)
}

func TestVerifyDetectsDanglingFact(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e := openTestEngine(t, dir, DefaultOptions)

	// Promote a segment whose postings reference a fact the log never saw.
	id := e.man.AllocSegmentID()
	path := manifest.SegmentPath(id)
	meta, err := segment.Build(fs.Default, filepath.Join(dir, path),
		[]model.Posting{{Key: 7, FactID: 999}}, segment.BuildOptions{})
	require.NoError(t, err)

	_, err = e.Promote(manifest.Promotion{
		Base: 0,
		Added: []manifest.SegmentInfo{{
			ID:       id,
			Path:     path,
			Count:    meta.Count,
			MinKey:   uint64(meta.MinKey),
			MaxKey:   uint64(meta.MaxKey),
			Checksum: meta.Checksum,
		}},
	})
	require.NoError(t, err)

	violations, err := e.Verify(ctx)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, ViolationDangling, violations[0].Kind)
}

func TestReopenRestoresState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e := openTestEngine(t, dir, DefaultOptions)
	earth, moon, _, orbits := seedAtoms(t, e)
	flushed, err := e.AddFact(ctx, moon, orbits, earth)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))
	buffered, err := e.AddFact(ctx, earth, orbits, moon)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e = openTestEngine(t, dir, DefaultOptions)

	stats := e.Info()
	assert.Equal(t, uint64(1), stats.Generation)
	assert.Equal(t, 2, stats.Facts)
	// Only the unflushed fact is re-buffered.
	assert.Equal(t, 1, stats.BufferedTail)

	facts, err := e.Resolve(ctx, []model.Key{model.PredicateKey(orbits)}, ModeDedup)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.ElementsMatch(t,
		[]model.FactID{flushed, buffered},
		[]model.FactID{facts[0].ID, facts[1].ID},
	)
}

func TestClosedEngine(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir(), DefaultOptions)
	require.NoError(t, e.Close())

	_, err := e.AddEntity(ctx, "x")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, e.Flush(ctx), ErrClosed)
	_, err = e.Resolve(ctx, []model.Key{1}, ModeUnion)
	require.ErrorIs(t, err, ErrClosed)

	// Close is idempotent.
	require.NoError(t, e.Close())
}

func TestParseMode(t *testing.T) {
	for _, name := range []string{"union", "dedup", "intersect"} {
		mode, err := ParseMode(name)
		require.NoError(t, err)
		assert.Equal(t, name, mode.String())
	}
	_, err := ParseMode("bogus")
	require.ErrorIs(t, err, ErrUnknownMode)
}

func TestCompactionMergesOverlappingPostings(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e := openTestEngine(t, dir, Options{
		SyncWrites:       true,
		CompactionPolicy: &TieredPolicy{Threshold: 2},
	})

	// Two segments of 100 postings each, sharing 10 exact (key, fact id)
	// pairs. The merge drops the duplicates and keeps the 190 distinct pairs.
	build := func(lo, hi int) manifest.SegmentInfo {
		postings := make([]model.Posting, 0, hi-lo+1)
		for i := lo; i <= hi; i++ {
			postings = append(postings, model.Posting{Key: model.Key(i), FactID: model.FactID(i)})
		}
		id := e.man.AllocSegmentID()
		path := manifest.SegmentPath(id)
		meta, err := segment.Build(fs.Default, filepath.Join(dir, path), postings, segment.BuildOptions{})
		require.NoError(t, err)
		return manifest.SegmentInfo{
			ID:       id,
			Path:     path,
			Count:    meta.Count,
			MinKey:   uint64(meta.MinKey),
			MaxKey:   uint64(meta.MaxKey),
			Checksum: meta.Checksum,
		}
	}
	a := build(1, 100)
	b := build(91, 190)

	_, err := e.Promote(manifest.Promotion{Base: 0, Added: []manifest.SegmentInfo{a, b}})
	require.NoError(t, err)

	require.NoError(t, e.Compact(ctx))

	stats := e.Info()
	assert.Equal(t, 1, stats.Segments)
	assert.Equal(t, uint64(190), stats.Postings)
}

func TestFlushFailureLeavesManifest(t *testing.T) {
	ctx := context.Background()
	faulty := fs.NewFaultyFS(fs.Default)

	e, err := Open(faulty, t.TempDir(), DefaultOptions)
	require.NoError(t, err)
	defer e.Close()
	earth, _, sun, orbits := seedAtoms(t, e)

	_, err = e.AddFact(ctx, earth, orbits, sun)
	require.NoError(t, err)

	// Segment writes fail; the promotion never happens.
	faulty.AddRule("segment-", fs.Fault{FailAfterBytes: -1, FailOnSync: true})

	require.Error(t, e.Flush(ctx))

	stats := e.Info()
	assert.Equal(t, uint64(0), stats.Generation)
	assert.Equal(t, 0, stats.Segments)
	// The fact stays buffered and queryable.
	assert.Equal(t, 1, stats.BufferedTail)
	facts, err := e.Resolve(ctx, []model.Key{model.SubjectKey(earth)}, ModeUnion)
	require.NoError(t, err)
	assert.Len(t, facts, 1)

	// Clearing the fault lets the same tail flush cleanly.
	faulty.AddRule("segment-", fs.Fault{FailAfterBytes: -1})
	require.NoError(t, e.Flush(ctx))
	assert.Equal(t, uint64(1), e.Info().Generation)
}

func TestResolveDuringFlushSeesCommittedFacts(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir(), DefaultOptions)
	earth, moon, _, orbits := seedAtoms(t, e)

	committed, err := e.AddFact(ctx, moon, orbits, earth)
	require.NoError(t, err)
	key := model.SubjectKey(moon)

	// A fact committed before a flush must stay visible through every
	// moment of the flush, whether it is still in the tail, already in the
	// segment, or transiently in both.
	done := make(chan struct{})
	missed := make(chan string, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			facts, err := e.Resolve(ctx, []model.Key{key}, ModeDedup)
			if err != nil {
				select {
				case missed <- err.Error():
				default:
				}
				return
			}
			found := false
			for _, fact := range facts {
				if fact.ID == committed {
					found = true
					break
				}
			}
			if !found {
				select {
				case missed <- "committed fact not visible during flush":
				default:
				}
				return
			}
		}
	}()

	for range 50 {
		_, err := e.AddFact(ctx, earth, orbits, moon)
		require.NoError(t, err)
		require.NoError(t, e.Flush(ctx))
	}

	close(done)
	wg.Wait()
	select {
	case msg := <-missed:
		t.Fatal(msg)
	default:
	}
}

func TestPromoteRetiresSegmentFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e := openTestEngine(t, dir, DefaultOptions)
	earth, _, sun, orbits := seedAtoms(t, e)

	_, err := e.AddFact(ctx, earth, orbits, sun)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	snap := e.AcquireSnapshot()
	require.Len(t, snap.Segments(), 1)
	retired := snap.Segments()[0]
	path := filepath.Join(dir, filepath.Base(retired.Path()))
	snap.DecRef()
	require.FileExists(t, path)

	next, err := e.Promote(manifest.Promotion{
		Base:    e.Manifest().Generation,
		Retired: []model.SegmentID{retired.ID()},
	})
	require.NoError(t, err)
	assert.Empty(t, next.Segments)

	// No snapshot pins the segment, so its file goes with the promotion.
	assert.NoFileExists(t, path)

	violations, err := e.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, violations)
}
