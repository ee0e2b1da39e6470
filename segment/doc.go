// Package segment implements the immutable resolver segment: a sorted,
// duplicate-free posting list plus a Bloom membership filter, checksummed as
// a single unit. Segments are written once via temp-file + rename and never
// edited; superseding data means building a new segment.
package segment
