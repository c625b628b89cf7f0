// Package bridge implements the synchronous host-call bridge: it turns
// asynchronous controller-side capabilities (console, network relay,
// persistence) into blocking calls a runner goroutine can issue from
// inside a kernel syscall, using one shmem.Messenger per call family
// (spec.md §4.3).
package bridge

import (
	"context"
	"errors"

	"github.com/wasmkernel/hostruntime/internal/shmem"
)

// Status codes, uniform across call families (spec.md §4.3).
const (
	StatusOK           uint32 = 0
	StatusError        uint32 = 1
	StatusNotFound     uint32 = 2 // persistence only
	StatusRemoteClosed uint32 = 3 // network only
)

// ErrTransient is the sentinel logged whenever a call is answered with
// StatusError; the numeric status is what actually crosses the bridge,
// this error exists purely for host-side logging and tests.
var ErrTransient = errors.New("bridge: call failed")

// ErrRemoteClosed is returned by a Network backend's Write/Read when the
// remote side has already closed the logical connection, distinguished
// from a generic transient error so the bridge can answer with
// StatusRemoteClosed instead of StatusError.
var ErrRemoteClosed = errors.New("bridge: remote connection closed")

// Console is the blocking read / unbuffered write backend for the
// console call family.
type Console interface {
	Read(dest []byte) (int, error)
	Write(src []byte) (int, error)
}

// Network is the backend for the network call family, normally
// satisfied by a *relay.Client.
type Network interface {
	Open(ctx context.Context, host string, port uint16) (connID uint32, err error)
	Write(connID uint32, data []byte) (int, error)
	Read(connID uint32, dest []byte) (int, error)
	Poll(connID uint32) (readable bool, closed bool, err error)
	Close(connID uint32) error
}

// Persistence is the backend for the persistence call family, normally
// satisfied by a *store.Store.
type Persistence interface {
	Save(path string, data []byte, mode uint32) error
	Load(path string, dest []byte) (int, error)
	Delete(path string) error
	List(prefix string, dest []byte) (int, error)
}

type request struct {
	messenger *shmem.Messenger
	work      func() (status uint32, payload uint32)
}

// Bridge dispatches the three call families onto their backends through
// a single dispatch loop (Run), matching the teacher's single
// controller event loop.
type Bridge struct {
	consoleMsgr     *shmem.Messenger
	networkMsgr     *shmem.Messenger
	persistenceMsgr *shmem.Messenger

	console     Console
	network     Network
	persistence Persistence

	reqCh chan request
}

// New creates a Bridge. Any backend may be nil; calls routed to a nil
// backend fail synchronously with StatusError (spec.md §4.3 "Failure
// modes").
func New(console Console, network Network, persistence Persistence) *Bridge {
	return &Bridge{
		consoleMsgr:     shmem.NewMessenger(1),
		networkMsgr:     shmem.NewMessenger(1),
		persistenceMsgr: shmem.NewMessenger(1),
		console:         console,
		network:         network,
		persistence:     persistence,
		reqCh:           make(chan request, 64),
	}
}

// SetNetwork rewires the network backend, used once InitNetworkRelay
// completes on the controller.
func (b *Bridge) SetNetwork(n Network) { b.network = n }

// SetPersistence rewires the persistence backend, used once
// InitPersistence completes on the controller.
func (b *Bridge) SetPersistence(p Persistence) { b.persistence = p }

// Run drives the asynchronous dispatch loop until ctx is done. Each
// queued request's work runs sequentially, matching a single-threaded
// controller; it performs the work, then completes the request's
// messenger exactly once (result slot first, status last, per spec.md
// §4.3 step 4 counterpart at the controller).
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-b.reqCh:
			status, payload := req.work()
			req.messenger.Complete(status, payload)
		}
	}
}

// dispatch posts work for asynchronous execution by Run and blocks on
// msgr until Run completes it. It does not check for a nil backend:
// callers check first and use failImmediately instead of dispatch.
func (b *Bridge) dispatch(msgr *shmem.Messenger, work func() (status uint32, payload uint32)) (status uint32, payload uint32) {
	msgr.BeginRequest()
	b.reqCh <- request{messenger: msgr, work: work}
	status, result := msgr.Wait()
	if len(result) > 0 {
		payload = result[0]
	}
	return status, payload
}

// failImmediately completes msgr with StatusError without touching the
// dispatch queue, for calls whose backing service is absent (spec.md
// §4.3 "Failure modes").
func failImmediately(msgr *shmem.Messenger) (uint32, uint32) {
	msgr.BeginRequest()
	msgr.Complete(StatusError, 0)
	return StatusError, 0
}
