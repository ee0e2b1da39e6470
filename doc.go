// Package prudb provides an embedded, append-only triple store for Go.
//
// Prudb records typed atoms (entities, predicates, literals) and immutable
// subject-predicate-object facts over them, with production-ready features
// including:
//
//   - Durable append-only logs with CRC framing and optional zstd compression
//   - Immutable segments carrying sorted postings and bloom membership filters
//   - Generation-versioned manifest with atomic promotion (crash-safe commits)
//   - K-way merge compaction with conflict detection and rate limiting
//   - Resolve queries in union, dedup, and intersect modes over six key shapes
//   - Structural verification of checksums, sort order, bounds, and filters
//   - Structured logging (log/slog) and pluggable metrics collection
//
// # Quick Start
//
// Open a store, intern atoms, record a fact, and resolve it:
//
//	ctx := context.Background()
//	db, err := prudb.Open("./data")
//	if err != nil {
//	    panic(err)
//	}
//	defer db.Close()
//
//	earth, _ := db.AddEntity(ctx, "earth")
//	orbits, _ := db.AddPredicate(ctx, "orbits")
//	sun, _ := db.AddEntity(ctx, "sun")
//
//	id, err := db.AddFact(ctx, earth, orbits, sun)
//	if err != nil {
//	    panic(err)
//	}
//
//	facts, err := db.Resolve(ctx, []model.Key{model.SubjectKey(earth)}, prudb.ModeUnion)
//
// Buffered facts are queryable immediately; Flush materializes them into an
// immutable segment and Compact merges segments as they accumulate:
//
//	if err := db.Flush(ctx); err != nil {
//	    panic(err)
//	}
//	if err := db.Compact(ctx); err != nil && !errors.Is(err, prudb.ErrCompactionBusy) {
//	    panic(err)
//	}
//
// # Durability
//
// Atom and fact appends are fsynced by default (see WithSyncWrites). Segment
// and manifest writes go through temp-file, fsync, and rename, so a crash at
// any point leaves the store at the previous generation. Unflushed facts
// survive restarts via the fact log and are re-buffered on Open.
//
// # Integrity
//
// Verify audits the on-disk state against the current manifest and reports
// checksum mismatches, ordering violations, filter gaps, dangling fact
// references, and orphaned segment files without modifying anything.
package prudb
