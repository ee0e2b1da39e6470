package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/hupe1980/prudb/internal/fs"
	"github.com/hupe1980/prudb/model"
	"github.com/hupe1980/prudb/segment"
)

const (
	ManifestFileName = "MANIFEST"
	CurrentFileName  = "CURRENT"
	CurrentVersion   = 1
)

var (
	// ErrConflict is returned when a promotion is attempted against a stale
	// generation.
	ErrConflict = errors.New("manifest: promotion against stale generation")

	// ErrUnknownSegment is returned when a promotion retires a segment the
	// current generation does not reference.
	ErrUnknownSegment = errors.New("manifest: unknown retired segment")
)

// SegmentInfo describes one active segment.
type SegmentInfo struct {
	ID       model.SegmentID `json:"id"`
	Path     string          `json:"path"` // relative to data dir
	Level    int             `json:"level"`
	Count    uint32          `json:"count"`
	MinKey   uint64          `json:"min_key"`
	MaxKey   uint64          `json:"max_key"`
	Checksum uint32          `json:"checksum"`
}

// Manifest is the authoritative, versioned list of active segments at one
// generation. Exactly one manifest state is current at any instant;
// transitions are whole-file swaps, never in-place edits.
type Manifest struct {
	Version       int             `json:"version"`
	Generation    uint64          `json:"generation"`
	NextSegmentID model.SegmentID `json:"next_segment_id"`

	// FlushedThrough is the highest fact id captured by the segments below.
	FlushedThrough uint64 `json:"flushed_through"`

	Segments []SegmentInfo `json:"segments"`
}

func (m *Manifest) clone() *Manifest {
	c := *m
	c.Segments = slices.Clone(m.Segments)
	return &c
}

// Promotion describes one atomic manifest transition.
type Promotion struct {
	// Base is the generation the caller planned against. A mismatch with the
	// current generation fails with ErrConflict and changes nothing.
	Base uint64

	// Added segments become active. Each is validated on disk before any
	// state changes.
	Added []SegmentInfo

	// Retired segment ids leave the active set.
	Retired []model.SegmentID

	// FlushedThrough advances the fact watermark when non-zero.
	FlushedThrough uint64
}

// Store manages the manifest files and atomic generation swaps.
//
// On disk: a CURRENT file naming the live MANIFEST-%06d.json. Both are
// written via temp file, fsync, rename, and directory fsync, so a crash at
// any point leaves either the old or the new generation fully intact.
type Store struct {
	fsys fs.FileSystem
	dir  string

	mu        sync.Mutex
	current   *Manifest
	nextSegID model.SegmentID
}

// Open loads the current manifest, initializing generation 0 if the
// directory holds none.
func Open(fsys fs.FileSystem, dir string) (*Store, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	s := &Store{fsys: fsys, dir: dir}

	m, err := s.load()
	if err != nil {
		return nil, err
	}
	s.current = m
	s.nextSegID = m.NextSegmentID
	if s.nextSegID == 0 {
		s.nextSegID = 1
	}
	return s, nil
}

func (s *Store) load() (*Manifest, error) {
	readFile := func(path string) ([]byte, error) {
		f, err := s.fsys.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}

	content, err := readFile(filepath.Join(s.dir, CurrentFileName))
	if os.IsNotExist(err) {
		return &Manifest{Version: CurrentVersion, Generation: 0, NextSegmentID: 1}, nil
	}
	if err != nil {
		return nil, err
	}

	data, err := readFile(filepath.Join(s.dir, string(content)))
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	if m.Version != CurrentVersion {
		return nil, fmt.Errorf("manifest: unsupported version: %d (expected %d)", m.Version, CurrentVersion)
	}
	return &m, nil
}

// Current returns a copy of the current manifest.
func (s *Store) Current() *Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.clone()
}

// Generation returns the current generation number.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Generation
}

// AllocSegmentID reserves the next segment id. The reservation is persisted
// by the following successful promotion; an aborted build may leave a gap,
// never a reuse within a running store.
func (s *Store) AllocSegmentID() model.SegmentID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSegID
	s.nextSegID++
	return id
}

// SegmentPath returns the store-relative file name for a segment id.
func SegmentPath(id model.SegmentID) string {
	return fmt.Sprintf("segment-%06d.prs", id)
}

// Promote atomically applies p. Every added segment is reopened and checked
// against its descriptor first; any failure leaves the current generation
// untouched. On success the next generation is durably written and only then
// swapped in.
func (s *Store) Promote(p Promotion) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Base != s.current.Generation {
		return nil, fmt.Errorf("%w: base %d, current %d", ErrConflict, p.Base, s.current.Generation)
	}

	for _, info := range p.Added {
		if err := s.validateSegment(info); err != nil {
			return nil, err
		}
	}

	next := s.current.clone()
	next.Generation++
	next.NextSegmentID = s.nextSegID
	if p.FlushedThrough > next.FlushedThrough {
		next.FlushedThrough = p.FlushedThrough
	}

	for _, id := range p.Retired {
		idx := slices.IndexFunc(next.Segments, func(si SegmentInfo) bool { return si.ID == id })
		if idx < 0 {
			return nil, fmt.Errorf("%w: id %d", ErrUnknownSegment, id)
		}
		next.Segments = slices.Delete(next.Segments, idx, idx+1)
	}
	next.Segments = append(next.Segments, p.Added...)
	slices.SortFunc(next.Segments, func(a, b SegmentInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})

	if err := s.save(next); err != nil {
		return nil, err
	}

	s.current = next
	return next.clone(), nil
}

func (s *Store) validateSegment(info SegmentInfo) error {
	r, err := segment.Open(s.fsys, filepath.Join(s.dir, info.Path))
	if err != nil {
		return fmt.Errorf("manifest: validate segment %d: %w", info.ID, err)
	}
	meta := r.Meta()
	if meta.Checksum != info.Checksum || meta.Count != info.Count ||
		uint64(meta.MinKey) != info.MinKey || uint64(meta.MaxKey) != info.MaxKey {
		return fmt.Errorf("manifest: segment %d descriptor does not match file %s", info.ID, info.Path)
	}
	return nil
}

func (s *Store) save(m *Manifest) error {
	m.Version = CurrentVersion

	filename := fmt.Sprintf("%s-%06d.json", ManifestFileName, m.Generation)
	path := filepath.Join(s.dir, filename)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	if err := s.writeFileAtomic(path, data); err != nil {
		return err
	}

	// CURRENT swap is the commit point.
	if err := s.writeFileAtomic(filepath.Join(s.dir, CurrentFileName), []byte(filename)); err != nil {
		return err
	}
	return nil
}

func (s *Store) writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := s.fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = s.fsys.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = s.fsys.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = s.fsys.Remove(tmp)
		return err
	}
	if err := s.fsys.Rename(tmp, path); err != nil {
		_ = s.fsys.Remove(tmp)
		return err
	}
	return fs.SyncDir(s.fsys, s.dir)
}
