package factlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/hupe1980/prudb/internal/fs"
	"github.com/hupe1980/prudb/internal/reclog"
	"github.com/hupe1980/prudb/model"
)

// FileName is the fact log file inside a store directory.
const FileName = "facts.log"

// ErrNotFound indicates a missing fact id or a fact referencing an atom id
// that does not exist (or exists with the wrong kind) in the registry.
var ErrNotFound = errors.New("factlog: not found")

// AtomChecker reports atom kinds for referential validation of appends.
// *registry.Registry satisfies it.
type AtomChecker interface {
	Kind(id model.AtomID) (model.AtomKind, bool)
}

// Log is the append-only fact log. Fact ids are assigned densely from 1 in
// append order and double as the creation sequence. Facts are never mutated
// or deleted.
type Log struct {
	mu    sync.RWMutex
	log   *reclog.Log
	atoms AtomChecker

	// facts[i] has id i+1; ids are dense so a slice is the natural store.
	facts []model.Fact

	// flushedThrough is the highest fact id already captured by a promoted
	// segment. Facts above it form the buffered tail. Recovered from the
	// manifest on open, not from this log.
	flushedThrough model.FactID
}

// Open loads (or initializes) the fact log at path.
func Open(fsys fs.FileSystem, path string, opts reclog.Options, atoms AtomChecker) (*Log, error) {
	l := &Log{atoms: atoms}

	rl, err := reclog.Open(fsys, path, opts, func(payload []byte) error {
		fact, err := decodeFact(payload)
		if err != nil {
			return err
		}
		if fact.ID != model.FactID(len(l.facts)+1) {
			return fmt.Errorf("%w: fact id %d out of sequence", reclog.ErrCorruptRecord, fact.ID)
		}
		l.facts = append(l.facts, fact)
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log = rl
	return l, nil
}

// Append validates the referenced atoms and appends a fact. The subject must
// be an entity, the predicate a predicate, and the object an entity or a
// literal. On any validation or I/O failure the log is unchanged.
func (l *Log) Append(subject, predicate, object model.AtomID) (model.FactID, error) {
	if err := l.checkRefs(subject, predicate, object); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fact := model.Fact{
		ID:        model.FactID(len(l.facts) + 1),
		Subject:   subject,
		Predicate: predicate,
		Object:    object,
	}
	if err := l.log.Append(encodeFact(fact)); err != nil {
		return 0, fmt.Errorf("factlog: append: %w", err)
	}
	l.facts = append(l.facts, fact)
	return fact.ID, nil
}

func (l *Log) checkRefs(subject, predicate, object model.AtomID) error {
	if kind, ok := l.atoms.Kind(subject); !ok || kind != model.KindEntity {
		return fmt.Errorf("%w: subject id %d", ErrNotFound, subject)
	}
	if kind, ok := l.atoms.Kind(predicate); !ok || kind != model.KindPredicate {
		return fmt.Errorf("%w: predicate id %d", ErrNotFound, predicate)
	}
	if kind, ok := l.atoms.Kind(object); !ok || (kind != model.KindEntity && kind != model.KindLiteral) {
		return fmt.Errorf("%w: object id %d", ErrNotFound, object)
	}
	return nil
}

// Get returns the fact with the given id.
func (l *Log) Get(id model.FactID) (model.Fact, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id < 1 || int(id) > len(l.facts) {
		return model.Fact{}, fmt.Errorf("%w: fact id %d", ErrNotFound, id)
	}
	return l.facts[id-1], nil
}

// Len returns the number of facts appended so far.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.facts)
}

// Filter constrains a Facts iteration. Zero fields match anything (0 is
// never a valid atom id).
type Filter struct {
	Subject   model.AtomID
	Predicate model.AtomID
	Object    model.AtomID
}

func (f Filter) matches(fact model.Fact) bool {
	if f.Subject != 0 && fact.Subject != f.Subject {
		return false
	}
	if f.Predicate != 0 && fact.Predicate != f.Predicate {
		return false
	}
	if f.Object != 0 && fact.Object != f.Object {
		return false
	}
	return true
}

// Facts returns a lazy, restartable sequence of matching facts in creation
// order. The sequence iterates a consistent view: facts appended after the
// call are not observed.
func (l *Log) Facts(filter Filter) iter.Seq2[model.Fact, error] {
	l.mu.RLock()
	view := l.facts
	l.mu.RUnlock()

	return func(yield func(model.Fact, error) bool) {
		for _, fact := range view {
			if !filter.matches(fact) {
				continue
			}
			if !yield(fact, nil) {
				return
			}
		}
	}
}

// Tail returns a copy of the facts not yet captured by any promoted segment.
func (l *Log) Tail() []model.Fact {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tail := l.facts[l.flushedThrough:]
	out := make([]model.Fact, len(tail))
	copy(out, tail)
	return out
}

// TailLen returns the number of buffered, unflushed facts.
func (l *Log) TailLen() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.facts) - int(l.flushedThrough)
}

// FlushedThrough returns the highest fact id covered by promoted segments.
func (l *Log) FlushedThrough() model.FactID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.flushedThrough
}

// SetFlushedThrough advances the flush watermark. The watermark never moves
// backwards.
func (l *Log) SetFlushedThrough(id model.FactID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id > l.flushedThrough {
		l.flushedThrough = id
	}
}

// Close flushes and closes the underlying log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.log.Close()
}

// Record encoding: [id u64][subject u64][predicate u64][object u64].
func encodeFact(f model.Fact) []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(f.ID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(f.Subject))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(f.Predicate))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(f.Object))
	return buf
}

func decodeFact(payload []byte) (model.Fact, error) {
	if len(payload) != 32 {
		return model.Fact{}, fmt.Errorf("%w: fact record length %d", reclog.ErrCorruptRecord, len(payload))
	}
	return model.Fact{
		ID:        model.FactID(binary.LittleEndian.Uint64(payload[0:8])),
		Subject:   model.AtomID(binary.LittleEndian.Uint64(payload[8:16])),
		Predicate: model.AtomID(binary.LittleEndian.Uint64(payload[16:24])),
		Object:    model.AtomID(binary.LittleEndian.Uint64(payload[24:32])),
	}, nil
}
