// Package statecommit persists in-memory state as a single JSON snapshot,
// written with the temp-file-plus-rename idiom so a crash mid-write never
// leaves a torn file behind.
package statecommit
