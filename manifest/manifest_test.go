package manifest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/prudb/internal/fs"
	"github.com/hupe1980/prudb/model"
	"github.com/hupe1980/prudb/segment"
)

// buildTestSegment writes a real segment file and returns its descriptor.
func buildTestSegment(t *testing.T, dir string, id model.SegmentID, level int, postings []model.Posting) SegmentInfo {
	t.Helper()
	path := SegmentPath(id)
	meta, err := segment.Build(fs.Default, filepath.Join(dir, path), postings, segment.BuildOptions{})
	require.NoError(t, err)
	return SegmentInfo{
		ID:       id,
		Path:     path,
		Level:    level,
		Count:    meta.Count,
		MinKey:   uint64(meta.MinKey),
		MaxKey:   uint64(meta.MaxKey),
		Checksum: meta.Checksum,
	}
}

func TestOpenFreshDirectory(t *testing.T) {
	s, err := Open(fs.Default, t.TempDir())
	require.NoError(t, err)

	m := s.Current()
	assert.Equal(t, uint64(0), m.Generation)
	assert.Empty(t, m.Segments)
	assert.Equal(t, model.SegmentID(1), s.AllocSegmentID())
	assert.Equal(t, model.SegmentID(2), s.AllocSegmentID())
}

func TestPromoteAdd(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(fs.Default, dir)
	require.NoError(t, err)

	id := s.AllocSegmentID()
	info := buildTestSegment(t, dir, id, 0, []model.Posting{{Key: 1, FactID: 1}})

	m, err := s.Promote(Promotion{Base: 0, Added: []SegmentInfo{info}, FlushedThrough: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.Generation)
	assert.Equal(t, uint64(1), m.FlushedThrough)
	require.Len(t, m.Segments, 1)
	assert.Equal(t, info, m.Segments[0])
}

func TestPromoteConflict(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(fs.Default, dir)
	require.NoError(t, err)

	info := buildTestSegment(t, dir, s.AllocSegmentID(), 0, []model.Posting{{Key: 1, FactID: 1}})
	_, err = s.Promote(Promotion{Base: 0, Added: []SegmentInfo{info}})
	require.NoError(t, err)

	// A promotion planned against the old generation fails and changes
	// nothing.
	stale := buildTestSegment(t, dir, s.AllocSegmentID(), 0, []model.Posting{{Key: 2, FactID: 2}})
	_, err = s.Promote(Promotion{Base: 0, Added: []SegmentInfo{stale}})
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, uint64(1), s.Generation())
	assert.Len(t, s.Current().Segments, 1)
}

func TestPromoteRetire(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(fs.Default, dir)
	require.NoError(t, err)

	a := buildTestSegment(t, dir, s.AllocSegmentID(), 0, []model.Posting{{Key: 1, FactID: 1}})
	b := buildTestSegment(t, dir, s.AllocSegmentID(), 0, []model.Posting{{Key: 2, FactID: 2}})
	_, err = s.Promote(Promotion{Base: 0, Added: []SegmentInfo{a, b}})
	require.NoError(t, err)

	merged := buildTestSegment(t, dir, s.AllocSegmentID(), 1, []model.Posting{
		{Key: 1, FactID: 1}, {Key: 2, FactID: 2},
	})
	m, err := s.Promote(Promotion{
		Base:    1,
		Added:   []SegmentInfo{merged},
		Retired: []model.SegmentID{a.ID, b.ID},
	})
	require.NoError(t, err)
	require.Len(t, m.Segments, 1)
	assert.Equal(t, merged.ID, m.Segments[0].ID)
	assert.Equal(t, 1, m.Segments[0].Level)
}

func TestPromoteUnknownRetiree(t *testing.T) {
	s, err := Open(fs.Default, t.TempDir())
	require.NoError(t, err)

	_, err = s.Promote(Promotion{Base: 0, Retired: []model.SegmentID{42}})
	require.ErrorIs(t, err, ErrUnknownSegment)
	assert.Equal(t, uint64(0), s.Generation())
}

func TestPromoteValidatesDescriptor(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(fs.Default, dir)
	require.NoError(t, err)

	info := buildTestSegment(t, dir, s.AllocSegmentID(), 0, []model.Posting{{Key: 1, FactID: 1}})
	info.Checksum++ // descriptor no longer matches the file

	_, err = s.Promote(Promotion{Base: 0, Added: []SegmentInfo{info}})
	require.Error(t, err)
	assert.Equal(t, uint64(0), s.Generation())
	assert.Empty(t, s.Current().Segments)
}

func TestPromoteMissingFile(t *testing.T) {
	s, err := Open(fs.Default, t.TempDir())
	require.NoError(t, err)

	_, err = s.Promote(Promotion{Base: 0, Added: []SegmentInfo{{
		ID: 1, Path: SegmentPath(1), Count: 1,
	}}})
	require.Error(t, err)
	assert.Equal(t, uint64(0), s.Generation())
}

func TestReopenLoadsCurrent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(fs.Default, dir)
	require.NoError(t, err)

	info := buildTestSegment(t, dir, s.AllocSegmentID(), 0, []model.Posting{{Key: 1, FactID: 1}})
	_, err = s.Promote(Promotion{Base: 0, Added: []SegmentInfo{info}, FlushedThrough: 7})
	require.NoError(t, err)

	s, err = Open(fs.Default, dir)
	require.NoError(t, err)

	m := s.Current()
	assert.Equal(t, uint64(1), m.Generation)
	assert.Equal(t, uint64(7), m.FlushedThrough)
	require.Len(t, m.Segments, 1)
	assert.Equal(t, info.ID, m.Segments[0].ID)

	// Segment id allocation resumes past persisted ids.
	assert.Equal(t, model.SegmentID(2), s.AllocSegmentID())
}

func TestSaveFailureLeavesState(t *testing.T) {
	dir := t.TempDir()
	faulty := fs.NewFaultyFS(fs.Default)

	s, err := Open(faulty, dir)
	require.NoError(t, err)

	info := buildTestSegment(t, dir, s.AllocSegmentID(), 0, []model.Posting{{Key: 1, FactID: 1}})

	faulty.AddRule("MANIFEST-", fs.Fault{FailAfterBytes: -1, FailOnSync: true})

	_, err = s.Promote(Promotion{Base: 0, Added: []SegmentInfo{info}})
	require.Error(t, err)
	assert.Equal(t, uint64(0), s.Generation())

	// A reopened store sees the old (empty) generation, not a half write.
	s2, err := Open(fs.Default, dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), s2.Generation())
}
