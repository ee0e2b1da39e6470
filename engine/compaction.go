package engine

import (
	"container/heap"
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/hupe1980/prudb/manifest"
	"github.com/hupe1980/prudb/model"
	"github.com/hupe1980/prudb/segment"
)

// DefaultCompactionThreshold is the segment count that triggers the default
// tiered policy.
const DefaultCompactionThreshold = 4

// SegmentStats holds metadata about a segment needed for compaction
// decisions.
type SegmentStats struct {
	ID    model.SegmentID
	Level int
	Count uint32
}

// Policy determines which segments should be compacted.
type Policy interface {
	// Pick selects segments to merge. An empty result means no compaction
	// is needed. Fewer than two picks are ignored.
	Pick(segments []SegmentStats) []model.SegmentID
}

// TieredPolicy is a simple count-tiered strategy: once at least Threshold
// segments are active, all of them merge into one.
type TieredPolicy struct {
	Threshold int
}

func (p *TieredPolicy) Pick(segments []SegmentStats) []model.SegmentID {
	threshold := p.Threshold
	if threshold < 2 {
		threshold = 2
	}
	if len(segments) < threshold {
		return nil
	}
	ids := make([]model.SegmentID, len(segments))
	for i, s := range segments {
		ids[i] = s.ID
	}
	return ids
}

// Compact merges the segments picked by the policy into one consolidated
// replacement and promotes it, retiring the inputs. Only one compaction runs
// at a time; a second concurrent call fails with ErrCompactionBusy. Any
// failure before the final promote leaves the manifest untouched.
func (e *Engine) Compact(ctx context.Context) error {
	if err := e.checkOpen(ctx); err != nil {
		return err
	}

	if !e.compactSem.TryAcquire(1) {
		return ErrCompactionBusy
	}
	defer e.compactSem.Release(1)

	snap := e.AcquireSnapshot()
	defer snap.DecRef()

	stats := make([]SegmentStats, 0, len(snap.Segments()))
	for _, seg := range snap.Segments() {
		stats = append(stats, SegmentStats{ID: seg.ID(), Level: seg.Level(), Count: seg.Count()})
	}
	picked := e.opts.CompactionPolicy.Pick(stats)
	if len(picked) < 2 {
		return nil
	}

	inputs := make([]*RefCountedSegment, 0, len(picked))
	level := 0
	for _, seg := range snap.Segments() {
		if slices.Contains(picked, seg.ID()) {
			inputs = append(inputs, seg)
			if seg.Level() > level {
				level = seg.Level()
			}
		}
	}

	merged, err := e.mergePostings(ctx, inputs)
	if err != nil {
		return err
	}

	id := e.man.AllocSegmentID()
	path := manifest.SegmentPath(id)
	meta, err := segment.Build(e.fsys, filepath.Join(e.dir, path), merged, segment.BuildOptions{
		TargetFPR:        e.opts.TargetFPR,
		CompressPostings: e.opts.CompressPostings,
	})
	if err != nil {
		return fmt.Errorf("engine: build compacted segment: %w", err)
	}

	e.writerMu.Lock()
	defer e.writerMu.Unlock()

	next, err := e.man.Promote(manifest.Promotion{
		Base: snap.Generation(),
		Added: []manifest.SegmentInfo{{
			ID:       id,
			Path:     path,
			Level:    level + 1,
			Count:    meta.Count,
			MinKey:   uint64(meta.MinKey),
			MaxKey:   uint64(meta.MaxKey),
			Checksum: meta.Checksum,
		}},
		Retired: picked,
	})
	if err != nil {
		_ = e.fsys.Remove(filepath.Join(e.dir, path))
		return err
	}

	nextSnap, err := e.openSnapshot(next, e.currentSnapshot())
	if err != nil {
		return err
	}
	e.installSnapshot(nextSnap, inputs)

	e.log.Info("compacted segments",
		"inputs", len(inputs),
		"segment", id,
		"postings", meta.Count,
		"level", level+1,
		"generation", next.Generation,
	)
	return nil
}

// mergePostings streams a k-way merge over the inputs' sorted postings,
// dropping duplicate (key, fact id) pairs. Inputs should already be
// duplicate-free; cross-segment duplicates are removed here.
func (e *Engine) mergePostings(ctx context.Context, inputs []*RefCountedSegment) ([]model.Posting, error) {
	h := make(mergeHeap, 0, len(inputs))
	total := 0
	for _, seg := range inputs {
		postings := seg.Postings()
		total += len(postings)
		if len(postings) > 0 {
			h = append(h, mergeCursor{postings: postings})
		}
	}
	heap.Init(&h)

	const batch = 4096
	out := make([]model.Posting, 0, total)
	sinceWait := 0

	var last model.Posting
	haveLast := false
	for h.Len() > 0 {
		if sinceWait >= batch {
			sinceWait = 0
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if e.limiter != nil {
				if err := e.limiter.WaitN(ctx, batch); err != nil {
					return nil, err
				}
			}
		}
		sinceWait++

		cur := &h[0]
		p := cur.postings[cur.pos]
		cur.pos++
		if cur.pos == len(cur.postings) {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}

		if haveLast && p == last {
			continue
		}
		out = append(out, p)
		last = p
		haveLast = true
	}
	return out, nil
}

type mergeCursor struct {
	postings []model.Posting
	pos      int
}

type mergeHeap []mergeCursor

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	return model.ComparePostings(h[i].postings[h[i].pos], h[j].postings[h[j].pos]) < 0
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(mergeCursor)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
