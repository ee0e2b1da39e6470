// Package manifest tracks which resolver segments are currently
// authoritative. The manifest is the single point of atomic state
// transition: new segments (from flushes or compaction) become visible, and
// retired segments invisible, only through a generation-advancing promotion.
package manifest
