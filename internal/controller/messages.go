package controller

import (
	"github.com/wasmkernel/hostruntime/internal/runner"
)

// MessageKind discriminates the small closed set of callbacks a runner
// (acting on the guest kernel's behalf) posts to the controller's
// single event queue, per spec.md §9 "Dynamic dispatch over many
// message shapes": model each family as a tagged variant dispatched by
// an exhaustive switch rather than a name-indexed table.
type MessageKind int

const (
	// MsgStartPrimary carries the published init_task pointer at the
	// end of primary boot (spec.md §2 "Boot").
	MsgStartPrimary MessageKind = iota
	// MsgCreateAndRunTask names a new task for the controller to spawn
	// a runner for (spec.md §4.1 "Task spawn").
	MsgCreateAndRunTask
	// MsgReleaseTask names a dead task whose runner must be terminated
	// (spec.md §4.1 "Task release").
	MsgReleaseTask
	// MsgPanic reports a guest kernel panic callback invocation, logged
	// alongside the runner-level recovery in internal/runner.
	MsgPanic
)

// Message is the tagged variant posted on Controller.msgCh.
type Message struct {
	Kind MessageKind

	InitTask uint32

	Spawn runner.SpawnRequest

	Release runner.ReleaseRequest

	Reason string
}
