// Package registry implements the atom registry: durable, append-only
// storage of entity, predicate, and literal atoms with monotonic id
// assignment.
package registry
