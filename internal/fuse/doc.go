// Package fuse is the external FUSE adapter (§1): it translates kernel
// filesystem upcalls into calls against internal/filesystem's L7
// operations. Two bindings are provided behind build tags: the default
// build uses github.com/hanwen/go-fuse/v2 (Linux/macOS); the "cgofuse"
// build tag swaps in github.com/winfsp/cgofuse for cross-platform support
// including Windows. Neither binding holds any filesystem state of its
// own — every operation resolves through the shared *filesystem.FileSystem,
// which is the sole owner of path resolution, the open-file table, and the
// block/blob/cache stack underneath it.
package fuse
