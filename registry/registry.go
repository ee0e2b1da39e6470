package registry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/hupe1980/prudb/internal/fs"
	"github.com/hupe1980/prudb/internal/reclog"
	"github.com/hupe1980/prudb/model"
)

// MaxPayloadLen bounds an atom payload in bytes.
const MaxPayloadLen = 4096

// FileName is the registry log file inside a store directory.
const FileName = "atoms.log"

var (
	// ErrNotFound indicates an unknown atom id.
	ErrNotFound = errors.New("registry: atom not found")

	// ErrInvalidInput indicates a rejected payload (empty, oversized, or not
	// valid UTF-8).
	ErrInvalidInput = errors.New("registry: invalid input")
)

// Registry assigns and stores atom identifiers. IDs come from a single
// monotonic counter shared across kinds; atoms are never mutated or deleted.
//
// Re-adding an existing (kind, payload) returns the previously assigned id
// instead of allocating a new atom. Identity is intern-style on purpose: a
// duplicate entity name refers to the same entity.
type Registry struct {
	mu        sync.RWMutex
	log       *reclog.Log
	atoms     map[model.AtomID]model.Atom
	byPayload map[internKey]model.AtomID
	nextID    model.AtomID
}

type internKey struct {
	kind    model.AtomKind
	payload string
}

// Open loads (or initializes) the registry log at path, replaying every
// record into the in-memory tables.
func Open(fsys fs.FileSystem, path string, opts reclog.Options) (*Registry, error) {
	r := &Registry{
		atoms:     make(map[model.AtomID]model.Atom),
		byPayload: make(map[internKey]model.AtomID),
		nextID:    1,
	}

	log, err := reclog.Open(fsys, path, opts, func(payload []byte) error {
		atom, err := decodeAtom(payload)
		if err != nil {
			return err
		}
		r.atoms[atom.ID] = atom
		r.byPayload[internKey{atom.Kind, atom.Payload}] = atom.ID
		if atom.ID >= r.nextID {
			r.nextID = atom.ID + 1
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log = log
	return r, nil
}

// AddEntity interns an entity by name and returns its id.
func (r *Registry) AddEntity(name string) (model.AtomID, error) {
	return r.add(model.KindEntity, name)
}

// AddPredicate interns a predicate by name and returns its id.
func (r *Registry) AddPredicate(name string) (model.AtomID, error) {
	return r.add(model.KindPredicate, name)
}

// AddLiteral interns a literal by value and returns its id.
func (r *Registry) AddLiteral(value string) (model.AtomID, error) {
	return r.add(model.KindLiteral, value)
}

func (r *Registry) add(kind model.AtomKind, payload string) (model.AtomID, error) {
	if err := validatePayload(payload); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byPayload[internKey{kind, payload}]; ok {
		return id, nil
	}

	atom := model.Atom{ID: r.nextID, Kind: kind, Payload: payload}
	if err := r.log.Append(encodeAtom(atom)); err != nil {
		return 0, fmt.Errorf("registry: append %s: %w", kind, err)
	}

	// Visible only after the durable append succeeded.
	r.atoms[atom.ID] = atom
	r.byPayload[internKey{kind, payload}] = atom.ID
	r.nextID++
	return atom.ID, nil
}

func validatePayload(payload string) error {
	if strings.TrimSpace(payload) == "" {
		return fmt.Errorf("%w: empty payload", ErrInvalidInput)
	}
	if len(payload) > MaxPayloadLen {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidInput, MaxPayloadLen)
	}
	if !utf8.ValidString(payload) {
		return fmt.Errorf("%w: payload is not valid UTF-8", ErrInvalidInput)
	}
	return nil
}

// Get returns the atom for id.
func (r *Registry) Get(id model.AtomID) (model.Atom, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	atom, ok := r.atoms[id]
	if !ok {
		return model.Atom{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return atom, nil
}

// Kind reports the kind of an atom id, if it exists.
func (r *Registry) Kind(id model.AtomID) (model.AtomKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	atom, ok := r.atoms[id]
	return atom.Kind, ok
}

// Count returns the number of registered atoms.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.atoms)
}

// NextID returns the id the next added atom would receive.
func (r *Registry) NextID() model.AtomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextID
}

// Close flushes and closes the registry log.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Close()
}

// Record encoding: [kind u8][id u64][payload len u32][payload bytes].
func encodeAtom(a model.Atom) []byte {
	buf := make([]byte, 1+8+4+len(a.Payload))
	buf[0] = byte(a.Kind)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(a.ID))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(a.Payload)))
	copy(buf[13:], a.Payload)
	return buf
}

func decodeAtom(payload []byte) (model.Atom, error) {
	if len(payload) < 13 {
		return model.Atom{}, fmt.Errorf("%w: short atom record", reclog.ErrCorruptRecord)
	}
	kind := model.AtomKind(payload[0])
	if !kind.Valid() {
		return model.Atom{}, fmt.Errorf("%w: atom kind %d", reclog.ErrCorruptRecord, payload[0])
	}
	id := model.AtomID(binary.LittleEndian.Uint64(payload[1:9]))
	plen := binary.LittleEndian.Uint32(payload[9:13])
	if int(plen) != len(payload)-13 {
		return model.Atom{}, fmt.Errorf("%w: atom payload length", reclog.ErrCorruptRecord)
	}
	return model.Atom{ID: id, Kind: kind, Payload: string(payload[13:])}, nil
}
