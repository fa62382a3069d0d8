// Package objstore abstracts where archived frames land. The storage
// service only ever talks to ObjectStore, so swapping the local filesystem
// for an S3-compatible backend stays a one-file change.
package objstore

import "io/fs"

// ObjectStore is the write side of the archive.
type ObjectStore interface {
	// Put writes data at path, relative to the store root, creating parent
	// directories as needed. The write is atomic: readers never observe a
	// partial object.
	Put(path string, data []byte) error

	// Delete removes the object at path.
	Delete(path string) error

	// Walk traverses the tree rooted at root (relative to the store root),
	// calling fn for each entry. Walking a missing root is a no-op.
	Walk(root string, fn fs.WalkDirFunc) error
}
