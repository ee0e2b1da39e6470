package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/prudb/factlog"
	"github.com/hupe1980/prudb/model"
)

// Mode selects how postings from multiple keys and segments combine.
type Mode int

const (
	// ModeUnion concatenates all matching postings in recency order
	// (buffered tail first, then segments newest to oldest). A fact id may
	// appear more than once.
	ModeUnion Mode = iota

	// ModeDedup is union with repeated fact ids removed, keeping the first
	// occurrence.
	ModeDedup

	// ModeIntersect returns only facts whose id is posted under every
	// requested key, in ascending fact id order.
	ModeIntersect
)

// ErrUnknownMode is returned by ParseMode for unrecognized mode names.
var ErrUnknownMode = errors.New("engine: unknown resolve mode")

// ParseMode maps the wire names union/dedup/intersect to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "union":
		return ModeUnion, nil
	case "dedup":
		return ModeDedup, nil
	case "intersect":
		return ModeIntersect, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// String returns the wire name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeUnion:
		return "union"
	case ModeDedup:
		return "dedup"
	case ModeIntersect:
		return "intersect"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Resolve answers key lookups against a pinned snapshot plus the buffered
// fact tail. The snapshot reflects exactly the facts committed at or before
// the promotion that produced its generation; the tail covers everything
// appended since.
//
// Results are full fact records joined back through the fact log; a posting
// whose fact id cannot be resolved indicates store corruption.
func (e *Engine) Resolve(ctx context.Context, keys []model.Key, mode Mode) ([]model.Fact, error) {
	if err := e.checkOpen(ctx); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	// Tail first, snapshot second; flush does the reverse (install the
	// snapshot, then shrink the tail). Whichever side of a concurrent flush
	// this lands on, every committed fact is in the tail copy, the pinned
	// snapshot, or both. Duplicates are permitted in union and collapsed by
	// the other modes.
	tail := e.facts.Tail()
	snap := e.AcquireSnapshot()
	defer snap.DecRef()

	switch mode {
	case ModeUnion, ModeDedup:
		return e.resolveUnion(ctx, snap, tail, keys, mode == ModeDedup)
	case ModeIntersect:
		return e.resolveIntersect(ctx, snap, tail, keys)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMode, int(mode))
	}
}

// lookupKey gathers fact ids posted under key, recency order: buffered tail
// first, then segments newest to oldest. Segments whose range or filter
// excludes the key are skipped without touching postings.
func (e *Engine) lookupKey(snap *Snapshot, tail []model.Fact, key model.Key) []model.FactID {
	var ids []model.FactID

	for _, fact := range tail {
		for _, fk := range model.FactKeys(fact) {
			if fk == key {
				ids = append(ids, fact.ID)
				break
			}
		}
	}

	for _, seg := range snap.Segments() {
		if !seg.MayContain(key) {
			continue
		}
		ids = append(ids, seg.Lookup(key)...)
	}
	return ids
}

func (e *Engine) resolveUnion(ctx context.Context, snap *Snapshot, tail []model.Fact, keys []model.Key, dedup bool) ([]model.Fact, error) {
	var out []model.Fact
	seen := roaring64.New()

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, id := range e.lookupKey(snap, tail, key) {
			if dedup {
				if !seen.CheckedAdd(uint64(id)) {
					continue
				}
			}
			fact, err := e.joinFact(id)
			if err != nil {
				return nil, err
			}
			out = append(out, fact)
		}
	}
	return out, nil
}

func (e *Engine) resolveIntersect(ctx context.Context, snap *Snapshot, tail []model.Fact, keys []model.Key) ([]model.Fact, error) {
	var acc *roaring64.Bitmap

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		set := roaring64.New()
		for _, id := range e.lookupKey(snap, tail, key) {
			set.Add(uint64(id))
		}
		if acc == nil {
			acc = set
		} else {
			acc.And(set)
		}
		if acc.IsEmpty() {
			return nil, nil
		}
	}

	out := make([]model.Fact, 0, acc.GetCardinality())
	it := acc.Iterator()
	for it.HasNext() {
		fact, err := e.joinFact(model.FactID(it.Next()))
		if err != nil {
			return nil, err
		}
		out = append(out, fact)
	}
	return out, nil
}

func (e *Engine) joinFact(id model.FactID) (model.Fact, error) {
	fact, err := e.facts.Get(id)
	if err != nil {
		if errors.Is(err, factlog.ErrNotFound) {
			return model.Fact{}, fmt.Errorf("%w: posting references missing fact %d", ErrCorruption, id)
		}
		return model.Fact{}, err
	}
	return fact, nil
}
