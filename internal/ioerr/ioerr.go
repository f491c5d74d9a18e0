// Package ioerr defines the tagged error contract the out-of-scope
// VFS/FUSE-RPC boundary uses to report filesystem errors back across the
// host/guest RPC boundary, spec.md §9 ("Node-style error objects with
// code/errno/syscall... model as a tagged error enum with a
// {kind, syscall, path?, peer?} payload").
package ioerr

import "fmt"

// Kind is one of the POSIX error codes external collaborators (the VFS
// provider tree, the FUSE-over-RPC bridge) need to report. This is
// intentionally a closed set: it is the wire contract for a boundary this
// repository does not implement, not an extensible error taxonomy.
type Kind string

const (
	ENOENT    Kind = "ENOENT"
	EEXIST    Kind = "EEXIST"
	EROFS     Kind = "EROFS"
	EBADF     Kind = "EBADF"
	EINVAL    Kind = "EINVAL"
	EISDIR    Kind = "EISDIR"
	ENOTDIR   Kind = "ENOTDIR"
	ENOTEMPTY Kind = "ENOTEMPTY"
	ELOOP     Kind = "ELOOP"
	EXDEV     Kind = "EXDEV"
)

// Error is the payload exchanged across the boundary: a kind, the
// originating syscall name, and optionally the path and/or peer involved.
type Error struct {
	Kind    Kind
	Syscall string
	Path    string
	Peer    string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Syscall, e.Kind)
	if e.Path != "" {
		msg += fmt.Sprintf(" (path=%q)", e.Path)
	}
	if e.Peer != "" {
		msg += fmt.Sprintf(" (peer=%q)", e.Peer)
	}
	return msg
}

// New constructs an Error for syscall failing with kind against path.
func New(kind Kind, syscall, path string) *Error {
	return &Error{Kind: kind, Syscall: syscall, Path: path}
}

// WithPeer returns a copy of e annotated with the remote peer identity
// that initiated the failing operation, for multi-tenant FUSE-RPC
// deployments where the VFS layer needs to attribute the failure.
func (e *Error) WithPeer(peer string) *Error {
	cp := *e
	cp.Peer = peer
	return &cp
}
