// Package shmem implements the shared-memory and atomic-messenger
// primitives the rest of the host runtime is built on: a growable shared
// byte buffer standing in for the page's SharedArrayBuffer (§3 "Kernel
// memory"), per-runner serialize slots (§3 "Lock block"), and the
// request/response messengers used by the host-call bridge (§3
// "Messengers").
package shmem

import "errors"

// ErrOutOfBounds is returned when an offset/length pair falls outside the
// provider's current size.
var ErrOutOfBounds = errors.New("shmem: offset out of bounds")

// ErrMisaligned is returned when an atomic operation targets an offset
// that is not 4-byte aligned.
var ErrMisaligned = errors.New("shmem: offset is not 4-byte aligned")

// ErrCannotShrink is returned by Grow when asked to shrink the buffer.
var ErrCannotShrink = errors.New("shmem: cannot shrink shared memory")

// Provider abstracts access to a shared linear buffer. Kernel memory is
// always backed by exactly one Provider; a task's user memory, when it
// has one, is backed by its own independent Provider never shared with
// other runners.
//
// Implementations must make AtomicLoad32/AtomicStore32/AtomicAdd32 visible
// across every goroutine holding a reference to the same Provider,
// matching the ordering guarantees spec.md §5 places on Atomics-backed
// SharedArrayBuffer operations.
type Provider interface {
	Size() uint32
	ReadAt(offset uint32, dest []byte) error
	WriteAt(offset uint32, src []byte) error
	AtomicLoad32(offset uint32) (uint32, error)
	AtomicStore32(offset uint32, val uint32) error
	AtomicAdd32(offset uint32, delta uint32) (uint32, error)
	// Grow extends the buffer to newSize, preserving existing bytes.
	// Per spec.md §3, only the primary CPU runner (early boot, to fit the
	// initrd) and the guest kernel thereafter ever call Grow; every other
	// runner must re-obtain any cached slice view after a Grow succeeds.
	Grow(newSize uint32) error
	Close() error
}
