package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/prudb/internal/fs"
	"github.com/hupe1980/prudb/model"
)

// File layout (little-endian):
//
//	header (32 bytes)
//	  [0:4]   magic "PRS1"
//	  [4:6]   version (1)
//	  [6:8]   flags (bit0: lz4-compressed postings)
//	  [8:12]  posting count
//	  [12:20] min key
//	  [20:28] max key
//	  [28:32] reserved
//	filter block
//	  [k u32][nbits u32][bits]
//	postings block
//	  plain: count * 16 bytes (key u64, fact id u64), (key, fact id) ascending
//	  lz4:   [rawLen u32][compLen u32][lz4 block]
//	footer
//	  [crc32 u32] over every preceding byte
var (
	segMagic = [4]byte{'P', 'R', 'S', '1'}
)

const (
	segVersion   = uint16(1)
	segHeaderLen = 32
	postingSize  = 16

	flagLZ4Postings = uint16(1)
)

var (
	// ErrBadHeader indicates a file that is not a segment or has an
	// unsupported version.
	ErrBadHeader = errors.New("segment: bad magic or version")

	// ErrTruncated indicates a segment file shorter than its own framing.
	ErrTruncated = errors.New("segment: truncated file")
)

// ChecksumMismatchError is returned when the stored checksum does not match
// the recomputed one.
type ChecksumMismatchError struct {
	Path     string
	Expected uint32
	Actual   uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("segment %s: checksum mismatch: expected 0x%08x, got 0x%08x", e.Path, e.Expected, e.Actual)
}

// Meta summarizes an immutable segment for manifest bookkeeping.
type Meta struct {
	Count    uint32
	MinKey   model.Key
	MaxKey   model.Key
	Checksum uint32
}

// BuildOptions controls segment construction.
type BuildOptions struct {
	// TargetFPR is the membership filter's target false-positive rate.
	// Defaults to DefaultFPR.
	TargetFPR float64

	// CompressPostings enables lz4 block compression of the postings region.
	CompressPostings bool
}

// Build sorts and deduplicates postings, constructs the membership filter,
// and writes an immutable segment file. The write goes through a temp file in
// the target directory followed by rename and directory fsync, so a crash
// mid-build never leaves a partial segment at path.
func Build(fsys fs.FileSystem, path string, postings []model.Posting, opts BuildOptions) (Meta, error) {
	if len(postings) == 0 {
		return Meta{}, errors.New("segment: no postings")
	}
	if opts.TargetFPR <= 0 || opts.TargetFPR >= 1 {
		opts.TargetFPR = DefaultFPR
	}

	sorted := slices.Clone(postings)
	slices.SortFunc(sorted, model.ComparePostings)
	sorted = slices.CompactFunc(sorted, func(a, b model.Posting) bool {
		return a == b
	})

	filter := NewFilter(countDistinctKeys(sorted), opts.TargetFPR)
	for _, p := range sorted {
		filter.Add(p.Key)
	}

	var flags uint16
	raw := encodePostings(sorted)
	body := raw
	if opts.CompressPostings {
		comp := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, comp, nil)
		if err != nil {
			return Meta{}, fmt.Errorf("segment: lz4 compress: %w", err)
		}
		if n > 0 && n < len(raw) {
			flags |= flagLZ4Postings
			framed := make([]byte, 8+n)
			binary.LittleEndian.PutUint32(framed[0:4], uint32(len(raw)))
			binary.LittleEndian.PutUint32(framed[4:8], uint32(n))
			copy(framed[8:], comp[:n])
			body = framed
		}
	}

	var buf []byte
	hdr := make([]byte, segHeaderLen)
	copy(hdr[0:4], segMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], segVersion)
	binary.LittleEndian.PutUint16(hdr[6:8], flags)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(sorted)))
	binary.LittleEndian.PutUint64(hdr[12:20], uint64(sorted[0].Key))
	binary.LittleEndian.PutUint64(hdr[20:28], uint64(sorted[len(sorted)-1].Key))
	buf = append(buf, hdr...)

	var fhdr [8]byte
	binary.LittleEndian.PutUint32(fhdr[0:4], filter.K())
	binary.LittleEndian.PutUint32(fhdr[4:8], uint32(len(filter.Bits())*8))
	buf = append(buf, fhdr[:]...)
	buf = append(buf, filter.Bits()...)

	buf = append(buf, body...)

	sum := crc32.ChecksumIEEE(buf)
	var foot [4]byte
	binary.LittleEndian.PutUint32(foot[:], sum)
	buf = append(buf, foot[:]...)

	if err := writeAtomic(fsys, path, buf); err != nil {
		return Meta{}, err
	}

	return Meta{
		Count:    uint32(len(sorted)),
		MinKey:   sorted[0].Key,
		MaxKey:   sorted[len(sorted)-1].Key,
		Checksum: sum,
	}, nil
}

func countDistinctKeys(sorted []model.Posting) int {
	n := 0
	var prev model.Key
	for i, p := range sorted {
		if i == 0 || p.Key != prev {
			n++
			prev = p.Key
		}
	}
	return n
}

func encodePostings(postings []model.Posting) []byte {
	buf := make([]byte, len(postings)*postingSize)
	for i, p := range postings {
		off := i * postingSize
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(p.Key))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(p.FactID))
	}
	return buf
}

func writeAtomic(fsys fs.FileSystem, path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = fsys.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = fsys.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = fsys.Remove(tmp)
		return err
	}
	if err := fsys.Rename(tmp, path); err != nil {
		_ = fsys.Remove(tmp)
		return err
	}
	return fs.SyncDir(fsys, filepath.Dir(path))
}

// Reader provides lookups over an immutable segment. Opening verifies the
// checksum; a reader never observes partially written data.
type Reader struct {
	path     string
	meta     Meta
	filter   *Filter
	postings []model.Posting
}

// Open reads and validates a segment file.
func Open(fsys fs.FileSystem, path string) (*Reader, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(data) < segHeaderLen+8+4 {
		return nil, fmt.Errorf("%w: %s", ErrTruncated, path)
	}

	body, foot := data[:len(data)-4], data[len(data)-4:]
	want := binary.LittleEndian.Uint32(foot)
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, &ChecksumMismatchError{Path: path, Expected: want, Actual: got}
	}

	if [4]byte(body[0:4]) != segMagic {
		return nil, fmt.Errorf("%w: %s", ErrBadHeader, path)
	}
	if v := binary.LittleEndian.Uint16(body[4:6]); v != segVersion {
		return nil, fmt.Errorf("%w: %s: version %d", ErrBadHeader, path, v)
	}
	flags := binary.LittleEndian.Uint16(body[6:8])
	count := binary.LittleEndian.Uint32(body[8:12])
	minKey := model.Key(binary.LittleEndian.Uint64(body[12:20]))
	maxKey := model.Key(binary.LittleEndian.Uint64(body[20:28]))

	pos := segHeaderLen
	if len(body) < pos+8 {
		return nil, fmt.Errorf("%w: %s", ErrTruncated, path)
	}
	k := binary.LittleEndian.Uint32(body[pos : pos+4])
	nbits := binary.LittleEndian.Uint32(body[pos+4 : pos+8])
	pos += 8
	nbytes := int(nbits+7) / 8
	if len(body) < pos+nbytes {
		return nil, fmt.Errorf("%w: %s", ErrTruncated, path)
	}
	filter := FilterFromBytes(k, slices.Clone(body[pos:pos+nbytes]))
	pos += nbytes

	var raw []byte
	if flags&flagLZ4Postings != 0 {
		if len(body) < pos+8 {
			return nil, fmt.Errorf("%w: %s", ErrTruncated, path)
		}
		rawLen := binary.LittleEndian.Uint32(body[pos : pos+4])
		compLen := binary.LittleEndian.Uint32(body[pos+4 : pos+8])
		pos += 8
		if len(body) < pos+int(compLen) {
			return nil, fmt.Errorf("%w: %s", ErrTruncated, path)
		}
		raw = make([]byte, rawLen)
		n, err := lz4.UncompressBlock(body[pos:pos+int(compLen)], raw)
		if err != nil {
			return nil, fmt.Errorf("segment %s: lz4 decompress: %w", path, err)
		}
		raw = raw[:n]
	} else {
		if len(body) < pos+int(count)*postingSize {
			return nil, fmt.Errorf("%w: %s", ErrTruncated, path)
		}
		raw = body[pos : pos+int(count)*postingSize]
	}
	if len(raw) != int(count)*postingSize {
		return nil, fmt.Errorf("%w: %s: postings region %d bytes, want %d", ErrTruncated, path, len(raw), int(count)*postingSize)
	}

	postings := make([]model.Posting, count)
	for i := range postings {
		off := i * postingSize
		postings[i] = model.Posting{
			Key:    model.Key(binary.LittleEndian.Uint64(raw[off : off+8])),
			FactID: model.FactID(binary.LittleEndian.Uint64(raw[off+8 : off+16])),
		}
	}

	return &Reader{
		path: path,
		meta: Meta{
			Count:    count,
			MinKey:   minKey,
			MaxKey:   maxKey,
			Checksum: want,
		},
		filter:   filter,
		postings: postings,
	}, nil
}

// Path returns the file path the reader was opened from.
func (r *Reader) Path() string { return r.path }

// Meta returns the segment's header metadata.
func (r *Reader) Meta() Meta { return r.meta }

// MinKey returns the smallest key present.
func (r *Reader) MinKey() model.Key { return r.meta.MinKey }

// MaxKey returns the largest key present.
func (r *Reader) MaxKey() model.Key { return r.meta.MaxKey }

// Count returns the number of postings.
func (r *Reader) Count() uint32 { return r.meta.Count }

// Checksum returns the stored crc32 of the segment payload.
func (r *Reader) Checksum() uint32 { return r.meta.Checksum }

// MayContain consults the key range and the membership filter. A false
// result is definitive: the key has no postings in this segment.
func (r *Reader) MayContain(key model.Key) bool {
	if key < r.meta.MinKey || key > r.meta.MaxKey {
		return false
	}
	return r.filter.Contains(key)
}

// Lookup returns the fact ids posted under key, ascending. The filter is
// consulted first so most absent keys never touch the postings.
func (r *Reader) Lookup(key model.Key) []model.FactID {
	if !r.MayContain(key) {
		return nil
	}
	lo := sort.Search(len(r.postings), func(i int) bool {
		return r.postings[i].Key >= key
	})
	var out []model.FactID
	for i := lo; i < len(r.postings) && r.postings[i].Key == key; i++ {
		out = append(out, r.postings[i].FactID)
	}
	return out
}

// Postings returns the full sorted posting list. Callers must not mutate it.
func (r *Reader) Postings() []model.Posting { return r.postings }

// Filter exposes the membership filter, for audits.
func (r *Reader) Filter() *Filter { return r.filter }
