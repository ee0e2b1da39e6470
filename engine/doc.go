// Package engine coordinates the store's moving parts: the atom registry,
// the fact log, immutable resolver segments, and the manifest. It enforces
// the single-writer discipline (appends, flushes, and promotions serialize
// through one writer path) while readers pin refcounted snapshots of a
// manifest generation and run without blocking the writer.
//
// The promotion performed by Flush and Compact is the sole atomic commit
// point: an aborted flush or compaction has no visible effect, and a retired
// segment's file is deleted only after the last snapshot referencing it has
// been released.
package engine
