// Package model defines the shared data types of the store: atom and fact
// identifiers, the three atom kinds, resolver keys, and postings.
//
// Resolver keys are 64-bit FNV-1a digests over a tag byte plus the
// little-endian atom ids involved. The tag keeps the six key spaces (subject,
// predicate, object, and their pairings) disjoint before hashing, so a
// subject key can never collide with a predicate key for the same id.
package model
