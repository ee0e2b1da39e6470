package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/prudb/manifest"
	"github.com/hupe1980/prudb/model"
	"github.com/hupe1980/prudb/segment"
)

// ViolationKind classifies an integrity violation found by Verify.
type ViolationKind string

const (
	ViolationChecksum    ViolationKind = "checksum"
	ViolationOrder       ViolationKind = "order"
	ViolationDuplicate   ViolationKind = "duplicate"
	ViolationBounds      ViolationKind = "bounds"
	ViolationFilter      ViolationKind = "filter"
	ViolationMissingFile ViolationKind = "missing-file"
	ViolationDangling    ViolationKind = "dangling-fact"
	ViolationOrphan      ViolationKind = "orphan-segment"
)

// Violation is one integrity finding. An empty Verify result means a clean
// store.
type Violation struct {
	Segment model.SegmentID
	Path    string
	Kind    ViolationKind
	Detail  string
}

func (v Violation) String() string {
	if v.Segment != 0 {
		return fmt.Sprintf("segment %d (%s): %s: %s", v.Segment, v.Path, v.Kind, v.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", v.Path, v.Kind, v.Detail)
}

// Verify audits every segment referenced by the current manifest plus the
// data directory itself. Violations are accumulated, never short-circuited:
// the result is the complete list of findings. Segments are audited
// concurrently.
func (e *Engine) Verify(ctx context.Context) ([]Violation, error) {
	if err := e.checkOpen(ctx); err != nil {
		return nil, err
	}

	cur := e.man.Current()

	var mu sync.Mutex
	var violations []Violation
	report := func(v Violation) {
		mu.Lock()
		violations = append(violations, v)
		mu.Unlock()
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, info := range cur.Segments {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.verifySegment(info, report)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.verifyDir(cur, report)

	return violations, nil
}

// verifySegment re-reads one segment from disk and checks every structural
// invariant: checksum, sort order, duplicate-freedom, header bounds, filter
// completeness, and fact id resolvability.
func (e *Engine) verifySegment(info manifest.SegmentInfo, report func(Violation)) {
	full := filepath.Join(e.dir, info.Path)

	r, err := segment.Open(e.fsys, full)
	if err != nil {
		var mismatch *segment.ChecksumMismatchError
		switch {
		case errors.As(err, &mismatch):
			report(Violation{Segment: info.ID, Path: info.Path, Kind: ViolationChecksum, Detail: mismatch.Error()})
		case isNotExist(err):
			report(Violation{Segment: info.ID, Path: info.Path, Kind: ViolationMissingFile, Detail: "segment file missing"})
		default:
			report(Violation{Segment: info.ID, Path: info.Path, Kind: ViolationChecksum, Detail: err.Error()})
		}
		return
	}

	if r.Checksum() != info.Checksum {
		report(Violation{Segment: info.ID, Path: info.Path, Kind: ViolationChecksum,
			Detail: fmt.Sprintf("manifest records checksum 0x%08x, file has 0x%08x", info.Checksum, r.Checksum())})
	}

	postings := r.Postings()
	for i := 1; i < len(postings); i++ {
		switch c := model.ComparePostings(postings[i-1], postings[i]); {
		case c > 0:
			report(Violation{Segment: info.ID, Path: info.Path, Kind: ViolationOrder,
				Detail: fmt.Sprintf("postings out of order at index %d", i)})
		case c == 0:
			report(Violation{Segment: info.ID, Path: info.Path, Kind: ViolationDuplicate,
				Detail: fmt.Sprintf("duplicate posting at index %d", i)})
		}
	}

	if len(postings) > 0 {
		if postings[0].Key != r.MinKey() || postings[len(postings)-1].Key != r.MaxKey() {
			report(Violation{Segment: info.ID, Path: info.Path, Kind: ViolationBounds,
				Detail: fmt.Sprintf("header range [%d, %d] does not bound postings [%d, %d]",
					r.MinKey(), r.MaxKey(), postings[0].Key, postings[len(postings)-1].Key)})
		}
	}

	// Every present key must probe positive: the filter guarantees no false
	// negatives.
	filter := r.Filter()
	for i, p := range postings {
		if i > 0 && p.Key == postings[i-1].Key {
			continue
		}
		if !filter.Contains(p.Key) {
			report(Violation{Segment: info.ID, Path: info.Path, Kind: ViolationFilter,
				Detail: fmt.Sprintf("present key %d tests negative", p.Key)})
		}
	}

	for _, p := range postings {
		if _, err := e.facts.Get(p.FactID); err != nil {
			report(Violation{Segment: info.ID, Path: info.Path, Kind: ViolationDangling,
				Detail: fmt.Sprintf("posting references fact %d not present in the fact log", p.FactID)})
		}
	}
}

// verifyDir flags segment files on disk that the manifest does not
// reference, unless they are retired segments awaiting deletion.
func (e *Engine) verifyDir(cur *manifest.Manifest, report func(Violation)) {
	entries, err := e.fsys.ReadDir(e.dir)
	if err != nil {
		report(Violation{Path: e.dir, Kind: ViolationMissingFile, Detail: fmt.Sprintf("cannot list data dir: %v", err)})
		return
	}

	active := make(map[string]struct{}, len(cur.Segments))
	for _, info := range cur.Segments {
		active[info.Path] = struct{}{}
	}

	e.pendingMu.Lock()
	pending := make(map[string]struct{}, len(e.pendingDelete))
	for _, path := range e.pendingDelete {
		pending[filepath.Base(path)] = struct{}{}
	}
	e.pendingMu.Unlock()

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "segment-") || !strings.HasSuffix(name, ".prs") {
			continue
		}
		if _, ok := active[name]; ok {
			continue
		}
		if _, ok := pending[name]; ok {
			continue
		}
		report(Violation{Path: name, Kind: ViolationOrphan, Detail: "segment file not referenced by the current manifest"})
	}
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
