package prudb

import (
	"errors"
	"fmt"

	"github.com/hupe1980/prudb/engine"
	"github.com/hupe1980/prudb/factlog"
	"github.com/hupe1980/prudb/manifest"
	"github.com/hupe1980/prudb/registry"
	"github.com/hupe1980/prudb/segment"
)

var (
	// ErrNotFound is returned when an unknown atom or fact id is referenced.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for malformed names/values or ids out of
	// range.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCorruption indicates a checksum, sort-order, or filter-invariant
	// violation detected during resolve, compaction, or verification.
	ErrCorruption = errors.New("corruption detected")

	// ErrConflict indicates a promotion attempted against a stale
	// generation.
	ErrConflict = errors.New("conflicting promotion")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrCompactionBusy is returned when a compaction is already in flight.
	ErrCompactionBusy = errors.New("compaction already running")
)

// translateError unifies subsystem errors under the package-level taxonomy.
// The original error remains reachable via errors.Unwrap / errors.Is.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, factlog.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, registry.ErrInvalidInput):
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	case errors.Is(err, engine.ErrUnknownMode):
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	case errors.Is(err, manifest.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, engine.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, engine.ErrCompactionBusy):
		return fmt.Errorf("%w: %w", ErrCompactionBusy, err)
	case errors.Is(err, engine.ErrCorruption):
		return fmt.Errorf("%w: %w", ErrCorruption, err)
	}

	var mismatch *segment.ChecksumMismatchError
	if errors.As(err, &mismatch) {
		return fmt.Errorf("%w: %w", ErrCorruption, err)
	}

	return err
}
