// Package store owns on-disk state for the receiver.
//
// Ownership boundary:
// - a flat blob directory for chunk, merged and summary files
// - whole-table persistence of the workout record table
//
// Blob names are single path elements; anything that would resolve outside
// the root is rejected.
package store
