package segment

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	"github.com/hupe1980/prudb/model"
)

// DefaultFPR is the target false-positive rate used when building filters.
const DefaultFPR = 0.01

// Filter is a Bloom filter over the set of resolver keys present in a
// segment. It never reports a present key as absent; false positives occur at
// roughly the configured rate.
//
// Bits are set via double hashing: bit_i = (h1 + i*h2) mod m. Both hash
// values derive from a single FNV-1a pass over the key, the second one mixed
// with a 64-bit odd constant so the probe sequences of colliding keys
// diverge.
type Filter struct {
	k    uint32
	bits []byte
}

// NewFilter sizes a filter for n keys at the target false-positive rate,
// using the standard formulas m = -n*ln(p)/ln(2)^2 and k = (m/n)*ln(2).
func NewFilter(n int, fpr float64) *Filter {
	if n < 1 {
		n = 1
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = DefaultFPR
	}
	ln2 := math.Ln2
	mbits := int(math.Ceil(-float64(n) * math.Log(fpr) / (ln2 * ln2)))
	if mbits < 8 {
		mbits = 8
	}
	k := int(math.Round(float64(mbits) / float64(n) * ln2))
	if k < 1 {
		k = 1
	}
	return &Filter{
		k:    uint32(k),
		bits: make([]byte, (mbits+7)/8),
	}
}

// FilterFromBytes reconstructs a filter from its serialized bit array.
func FilterFromBytes(k uint32, bits []byte) *Filter {
	if k < 1 {
		k = 1
	}
	return &Filter{k: k, bits: bits}
}

func filterHashes(key model.Key) (uint64, uint64) {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(key))
	_, _ = h.Write(buf[:])
	h1 := h.Sum64()
	h2 := (h1 * 0x9E3779B97F4A7C15) | 1
	return h1, h2
}

// Add records a key as present.
func (f *Filter) Add(key model.Key) {
	m := uint64(len(f.bits)) * 8
	if m == 0 {
		return
	}
	h1, h2 := filterHashes(key)
	for i := uint64(0); i < uint64(f.k); i++ {
		bit := (h1 + i*h2) % m
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

// Contains reports whether a key might be present. A false result is
// definitive absence.
func (f *Filter) Contains(key model.Key) bool {
	m := uint64(len(f.bits)) * 8
	if m == 0 {
		return true
	}
	h1, h2 := filterHashes(key)
	for i := uint64(0); i < uint64(f.k); i++ {
		bit := (h1 + i*h2) % m
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// K returns the number of hash probes per key.
func (f *Filter) K() uint32 { return f.k }

// Bits returns the underlying bit array.
func (f *Filter) Bits() []byte { return f.bits }
