// Package vfs defines the minimal filesystem contract the syscall
// dispatcher depends on for open/read/lseek/close. This kernel has no
// writable persistence, so a Handle need only support the
// read-only, archive-backed root spec.md §6 describes; a concrete archive
// format is out of scope here, same as netstack's Stack and power's
// Controller.
package vfs

import "gopheros/kernel"

// Handle is a single open file's cursor and access methods, returned by an
// FS's Open.
type Handle interface {
	Read(buf []byte) (int, *kernel.Error)
	Seek(offset int64, whence int) (int64, *kernel.Error)
	Close() *kernel.Error
	Size() int64
}

// FS resolves paths against the mounted root and hands back Handles; the
// syscall dispatcher depends only on this interface, never on a concrete
// archive or block-device format.
type FS interface {
	Open(path string) (Handle, *kernel.Error)
}
