package engine

import (
	"sync/atomic"

	"github.com/hupe1980/prudb/model"
	"github.com/hupe1980/prudb/segment"
)

// RefCountedSegment wraps an open segment reader with a reference count.
// The underlying file may only be deleted once every snapshot referencing
// the segment has been released; the onClose hook runs at that point.
type RefCountedSegment struct {
	*segment.Reader
	id      model.SegmentID
	level   int
	refs    int64
	onClose atomic.Value // stores func()
}

// NewRefCountedSegment wraps r with an initial reference.
func NewRefCountedSegment(id model.SegmentID, level int, r *segment.Reader) *RefCountedSegment {
	rc := &RefCountedSegment{Reader: r, id: id, level: level, refs: 1}
	var f func()
	rc.onClose.Store(f)
	return rc
}

// ID returns the segment id.
func (r *RefCountedSegment) ID() model.SegmentID { return r.id }

// Level returns the segment's compaction level.
func (r *RefCountedSegment) Level() int { return r.level }

// IncRef adds a reference.
func (r *RefCountedSegment) IncRef() {
	atomic.AddInt64(&r.refs, 1)
}

// DecRef drops a reference, running the onClose hook when it was the last.
func (r *RefCountedSegment) DecRef() {
	if atomic.AddInt64(&r.refs, -1) == 0 {
		if f := r.onClose.Load().(func()); f != nil {
			f()
		}
	}
}

// SetOnClose installs the callback run when the last reference drops.
// Typically deletes the underlying file of a retired segment.
func (r *RefCountedSegment) SetOnClose(f func()) {
	r.onClose.Store(f)
}

// Snapshot is a pinned, immutable view of one manifest generation. Its
// segment set never changes for the lifetime of the read, even if promotion
// happens concurrently.
type Snapshot struct {
	refs       int64
	generation uint64

	// segments are ordered newest-first (descending id), the recency order
	// resolve results follow.
	segments []*RefCountedSegment
}

// NewSnapshot creates a snapshot holding one reference.
func NewSnapshot(generation uint64, segments []*RefCountedSegment) *Snapshot {
	return &Snapshot{refs: 1, generation: generation, segments: segments}
}

// Generation returns the manifest generation this snapshot pins.
func (s *Snapshot) Generation() uint64 { return s.generation }

// Segments returns the pinned segments, newest first. Callers must not
// mutate the slice.
func (s *Snapshot) Segments() []*RefCountedSegment { return s.segments }

// IncRef adds a reference.
func (s *Snapshot) IncRef() {
	atomic.AddInt64(&s.refs, 1)
}

// DecRef drops a reference. When the last one drops, the snapshot releases
// its segment references.
func (s *Snapshot) DecRef() {
	if atomic.AddInt64(&s.refs, -1) == 0 {
		for _, seg := range s.segments {
			seg.DecRef()
		}
	}
}
