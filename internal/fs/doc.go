// Package fs provides filesystem abstractions for testability and fault
// injection.
//
//   - [LocalFS]: production implementation using the standard os package
//   - [FaultyFS]: test utility that injects I/O errors per filename pattern
//
// Production code uses fs.Default; tests inject a FaultyFS to exercise
// write/sync/rename failure paths without touching real storage faults.
package fs
