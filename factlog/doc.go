// Package factlog implements the append-only fact log: durable storage of
// subject-predicate-object triples with dense, monotonically increasing ids.
// Appends are validated against the atom registry before anything is written.
package factlog
