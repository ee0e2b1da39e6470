package model

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// AtomID is the stable, unique identifier of an atom. IDs are assigned from a
// single monotonically increasing counter shared by all atom kinds and are
// never reused. 0 is never a valid AtomID.
type AtomID uint64

// FactID is the stable, unique identifier of a fact. Fact IDs double as the
// creation sequence number: they are assigned densely from 1 in append order.
type FactID uint64

// SegmentID is the unique identifier of a resolver segment within a store.
type SegmentID uint64

// AtomKind discriminates the three atom types.
type AtomKind uint8

const (
	KindEntity AtomKind = iota + 1
	KindPredicate
	KindLiteral
)

// String returns a human-readable kind name.
func (k AtomKind) String() string {
	switch k {
	case KindEntity:
		return "entity"
	case KindPredicate:
		return "predicate"
	case KindLiteral:
		return "literal"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the three defined kinds.
func (k AtomKind) Valid() bool {
	return k >= KindEntity && k <= KindLiteral
}

// Atom is an immutable registry entry: an entity, predicate, or literal.
type Atom struct {
	ID      AtomID
	Kind    AtomKind
	Payload string
}

// Fact is an immutable subject-predicate-object triple over atom ids.
type Fact struct {
	ID        FactID
	Subject   AtomID
	Predicate AtomID
	Object    AtomID
}

// Seq returns the creation sequence number of the fact. Fact ids are assigned
// in append order, so the id is the sequence.
func (f Fact) Seq() uint64 { return uint64(f.ID) }

// String returns a compact representation for logs and errors.
func (f Fact) String() string {
	return fmt.Sprintf("Fact(%d: %d %d %d)", f.ID, f.Subject, f.Predicate, f.Object)
}

// Key is a resolver key: a 64-bit digest deterministically derived from a
// fact's components. Keys bucket postings for lookup; derivation is pure and
// reproducible from the fact alone.
type Key uint64

// Key tags keep the six key spaces disjoint before hashing.
const (
	tagSubject          = 0x10
	tagPredicate        = 0x11
	tagObject           = 0x12
	tagSubjectPredicate = 0x13
	tagPredicateObject  = 0x14
	tagSubjectObject    = 0x15
)

func digest(tag byte, ids ...AtomID) Key {
	h := fnv.New64a()
	var buf [8]byte
	buf[0] = tag
	_, _ = h.Write(buf[:1])
	for _, id := range ids {
		binary.LittleEndian.PutUint64(buf[:], uint64(id))
		_, _ = h.Write(buf[:])
	}
	return Key(h.Sum64())
}

// SubjectKey derives the key bucketing all facts with the given subject.
func SubjectKey(subject AtomID) Key { return digest(tagSubject, subject) }

// PredicateKey derives the key bucketing all facts with the given predicate.
func PredicateKey(predicate AtomID) Key { return digest(tagPredicate, predicate) }

// ObjectKey derives the key bucketing all facts with the given object.
func ObjectKey(object AtomID) Key { return digest(tagObject, object) }

// SubjectPredicateKey derives the predicate-scoped subject key.
func SubjectPredicateKey(subject, predicate AtomID) Key {
	return digest(tagSubjectPredicate, subject, predicate)
}

// PredicateObjectKey derives the object-scoped predicate key.
func PredicateObjectKey(predicate, object AtomID) Key {
	return digest(tagPredicateObject, predicate, object)
}

// SubjectObjectKey derives the subject+object pair key.
func SubjectObjectKey(subject, object AtomID) Key {
	return digest(tagSubjectObject, subject, object)
}

// FactKeys returns every resolver key a fact is posted under. The slice is
// freshly allocated; order is fixed (S, P, O, SP, PO, SO).
func FactKeys(f Fact) []Key {
	return []Key{
		SubjectKey(f.Subject),
		PredicateKey(f.Predicate),
		ObjectKey(f.Object),
		SubjectPredicateKey(f.Subject, f.Predicate),
		PredicateObjectKey(f.Predicate, f.Object),
		SubjectObjectKey(f.Subject, f.Object),
	}
}

// Posting is a (key, fact id) pair inside a segment.
type Posting struct {
	Key    Key
	FactID FactID
}

// ComparePostings orders postings by (Key, FactID) ascending.
func ComparePostings(a, b Posting) int {
	switch {
	case a.Key < b.Key:
		return -1
	case a.Key > b.Key:
		return 1
	case a.FactID < b.FactID:
		return -1
	case a.FactID > b.FactID:
		return 1
	default:
		return 0
	}
}
