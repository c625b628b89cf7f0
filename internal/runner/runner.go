// Package runner implements the worker substrate: one goroutine per
// Wasm-level CPU or task, their cooperative hand-off, panic recovery,
// and user-mode tail-control state machine, per spec.md §4.1, §5.
package runner

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/wasmkernel/hostruntime/internal/obs"
	"github.com/wasmkernel/hostruntime/internal/shmem"
)

// Kind names the three runner roles from spec.md §4.1.
type Kind int

const (
	PrimaryCPU Kind = iota
	SecondaryCPU
	Task
)

func (k Kind) String() string {
	switch k {
	case PrimaryCPU:
		return "primary-cpu"
	case SecondaryCPU:
		return "secondary-cpu"
	case Task:
		return "task"
	default:
		return "unknown"
	}
}

// TaskSubMode distinguishes the two ways a Task runner is started,
// spec.md §4.1's task-startup description.
type TaskSubMode int

const (
	// SubModeNone applies to non-Task runners.
	SubModeNone TaskSubMode = iota
	// SubModeKthreadReturnedToInit runs the user entry point directly.
	SubModeKthreadReturnedToInit
	// SubModeCloneCallback invokes a named clone-callback export on an
	// already-instantiated user module instead of the entry point; the
	// task is fatally broken if that export is absent.
	SubModeCloneCallback
)

// TailCode drives the user-mode tail-control state machine: what the
// runner does after the kernel returns from a syscall (spec.md §4.1
// "User-mode tail control").
type TailCode int

const (
	TailNormal TailCode = iota
	TailSignal
	TailSigReturn
	TailExec
)

// State is the runner's own lifecycle, independent of TailCode.
type State int32

const (
	StateInit State = iota
	StateRunning
	StateParked
	StateDormant
	StateTerminated
)

var stateNames = map[State]string{
	StateInit:       "init",
	StateRunning:    "running",
	StateParked:     "parked",
	StateDormant:    "dormant",
	StateTerminated: "terminated",
}

func (s State) String() string { return stateNames[s] }

// ErrFatal names the fatal-runner error class (SPEC_FULL.md §11). No
// code in this module wraps errors with it: Run wraps recovered panics
// in ErrKernelPanic and returns body errors as they are. The controller
// never retries or restarts a stopped runner.
var ErrFatal = errors.New("runner: fatal error")

// ErrKernelPanic is thrown by a kernel panic callback to unwind the
// runner to its top-level handler (spec.md §4.1 "Panic").
var ErrKernelPanic = errors.New("runner: kernel panic")

// ErrCloneCallbackMissing marks a clone-callback task whose named
// export does not exist on the instantiated user module.
var ErrCloneCallbackMissing = errors.New("runner: clone-callback export missing")

// errExecRequested and errSigReturnRequested are the sentinel errors
// used to unwind the user-mode loop for TailExec and TailSigReturn,
// the closest idiomatic Go equivalent to the spec's sentinel-error
// abort mechanism (spec.md §4.1 "User-mode tail control").
var (
	errExecRequested      = errors.New("runner: exec requested")
	errSigReturnRequested = errors.New("runner: sigreturn requested")
)

// Runner is one goroutine hosting a Wasm-level CPU or task.
type Runner struct {
	ID      uuid.UUID
	Kind    Kind
	SubMode TaskSubMode

	logger *obs.Logger
	lock   *shmem.LockBlock

	state      atomic.Int32
	tail       atomic.Int32
	lastPanic  atomic.Value // string
	smpOnline  atomic.Bool
	handoffs   atomic.Uint64
}

// New creates a Runner of the given kind, parked until its first
// hand-off or direct Run call.
func New(kind Kind, subMode TaskSubMode, logger *obs.Logger) *Runner {
	r := &Runner{
		ID:      uuid.New(),
		Kind:    kind,
		SubMode: subMode,
		logger:  logger,
		lock:    shmem.NewLockBlock(),
	}
	r.state.Store(int32(StateInit))
	r.lastPanic.Store("")
	return r
}

// State returns the runner's current lifecycle state.
func (r *Runner) State() State { return State(r.state.Load()) }

func (r *Runner) setState(s State) { r.state.Store(int32(s)) }

// LastPanic returns the most recently recovered panic's message, or
// the empty string if the runner has never panicked.
func (r *Runner) LastPanic() string { return r.lastPanic.Load().(string) }

// MarkSMPOnline marks the post-SMP cooperative hand-off path quiescent
// for observability; it does not forbid further hand-off use (spec.md
// §12 Open Questions decision).
func (r *Runner) MarkSMPOnline() { r.smpOnline.Store(true) }

// HandoffsAfterSMP reports how many cooperative hand-offs this runner
// has performed since secondaries came online.
func (r *Runner) HandoffsAfterSMP() uint64 { return r.handoffs.Load() }

// Serialize performs the current task's half of a cooperative hand-off:
// park on this runner's lock block until woken, per spec.md §4.1
// "Cooperative hand-off".
func (r *Runner) Serialize() (lastTask uint32) {
	r.setState(StateParked)
	lastTask = r.lock.Wait()
	r.setState(StateRunning)
	if r.smpOnline.Load() {
		r.handoffs.Add(1)
	}
	return lastTask
}

// Wake hands control to this runner, storing prevTask into its
// last_task cell before releasing its serialize slot (spec.md §4.1,
// §5 "total-ordered" guarantee).
func (r *Runner) Wake(prevTask uint32) {
	r.lock.Wake(prevTask)
}

// Run executes body with panic recovery matching the teacher's
// recoverPanic pattern: a recovered panic logs the reason and stack,
// marks the runner dormant but intact, and never propagates to other
// runners.
func (r *Runner) Run(body func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			stack := string(debug.Stack())
			r.lastPanic.Store(fmt.Sprintf("%v", rec))
			r.logger.Error("runner panic",
				obs.String("runner", r.ID.String()),
				obs.String("kind", r.Kind.String()),
				obs.Any("reason", rec),
				obs.String("stack", stack))
			r.setState(StateDormant)
			err = fmt.Errorf("%w: %v", ErrKernelPanic, rec)
		}
	}()

	r.setState(StateRunning)
	err = body()
	if err != nil {
		r.setState(StateDormant)
		return err
	}
	r.setState(StateTerminated)
	return nil
}
