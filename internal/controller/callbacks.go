package controller

import (
	"context"
	"errors"

	"github.com/wasmkernel/hostruntime/internal/bridge"
	"github.com/wasmkernel/hostruntime/internal/obs"
	"github.com/wasmkernel/hostruntime/internal/runner"
	"github.com/wasmkernel/hostruntime/internal/syscalls"
	"github.com/wasmkernel/hostruntime/internal/wasmhost"
)

// errOutOfRange marks a host-callback byte range that falls outside
// the kernel module's exported memory.
var errOutOfRange = errors.New("controller: kernel memory range out of bounds")

// hostCallbacks builds the kernel module's host-callback import
// namespace (spec.md §6 "a family of host callbacks"). Lifecycle
// callbacks (start/stop/create/release/panic) post onto the
// controller's single event queue; console/network/persistence
// callbacks call straight into the Bridge, which already implements
// the blocking messenger protocol these calls describe.
//
// Argument layout for every callback is a host convention invented for
// this project (the upstream source leaves wire encoding to the
// caller): scalars are passed positionally as the entry's raw uint64
// args, and any byte payload is passed as a (kernel-memory offset,
// length) pair the callback resolves via kernelBytes.
func (c *Controller) hostCallbacks() map[string]wasmhost.Entry {
	return map[string]wasmhost.Entry{
		"host_start_primary": func(args []uint64) int64 {
			c.msgCh <- Message{Kind: MsgStartPrimary, InitTask: uint32(args[0])}
			return 0
		},
		"host_start_secondary": func(args []uint64) int64 {
			// The callback spawns the secondary-CPU runner directly via
			// spawnSecondary (spec.md §4.1 "Secondary CPU runner")
			// instead of posting a message to the event queue.
			c.spawnSecondary(uint32(args[0]), uint32(args[1]))
			return 0
		},
		"host_create_and_run_task": func(args []uint64) int64 {
			req := runner.SpawnRequest{
				TaskID:    uint32(args[0]),
				SubMode:   runner.TaskSubMode(args[1]),
				HasUser:   args[2] != 0,
				UserStart: uint32(args[3]),
				UserEnd:   uint32(args[4]),
				DataBase:  uint32(args[5]),
				TableBase: uint32(args[6]),
			}
			c.msgCh <- Message{Kind: MsgCreateAndRunTask, Spawn: req}
			return 0
		},
		"host_release_task": func(args []uint64) int64 {
			c.msgCh <- Message{Kind: MsgReleaseTask, Release: runner.ReleaseRequest{TaskID: uint32(args[0])}}
			return 0
		},
		"host_panic": func(args []uint64) int64 {
			c.msgCh <- Message{Kind: MsgPanic, Reason: "guest kernel panic"}
			return syscalls.ErrNoSys
		},
		"host_console_write": func(args []uint64) int64 {
			data, err := c.kernelBytes(uint32(args[0]), uint32(args[1]))
			if err != nil {
				return -1
			}
			n, status := c.bridge.ConsoleWrite(data)
			if status != bridge.StatusOK {
				return -int64(status)
			}
			return int64(n)
		},
		"host_console_read": func(args []uint64) int64 {
			dest, err := c.kernelBytes(uint32(args[0]), uint32(args[1]))
			if err != nil {
				return -1
			}
			n, status := c.bridge.ConsoleRead(dest)
			if status != bridge.StatusOK {
				return -int64(status)
			}
			return int64(n)
		},
		"host_network_open": func(args []uint64) int64 {
			host, err := c.kernelString(uint32(args[0]), uint32(args[1]))
			if err != nil {
				return -1
			}
			id, status := c.bridge.NetworkOpen(context.Background(), host, uint16(args[2]))
			if status != bridge.StatusOK {
				return -int64(status)
			}
			return int64(id)
		},
		"host_network_write": func(args []uint64) int64 {
			data, err := c.kernelBytes(uint32(args[1]), uint32(args[2]))
			if err != nil {
				return -1
			}
			n, status := c.bridge.NetworkWrite(uint32(args[0]), data)
			if status != bridge.StatusOK {
				return -int64(status)
			}
			return int64(n)
		},
		"host_network_read": func(args []uint64) int64 {
			dest, err := c.kernelBytes(uint32(args[1]), uint32(args[2]))
			if err != nil {
				return -1
			}
			n, status := c.bridge.NetworkRead(uint32(args[0]), dest)
			if status != bridge.StatusOK {
				return -int64(status)
			}
			return int64(n)
		},
		"host_network_poll": func(args []uint64) int64 {
			readable, status := c.bridge.NetworkPoll(uint32(args[0]))
			if status != bridge.StatusOK {
				return -int64(status)
			}
			if readable {
				return 1
			}
			return 0
		},
		"host_network_close": func(args []uint64) int64 {
			status := c.bridge.NetworkClose(uint32(args[0]))
			if status != bridge.StatusOK {
				return -int64(status)
			}
			return 0
		},
		"host_persistence_save": func(args []uint64) int64 {
			path, err := c.kernelString(uint32(args[0]), uint32(args[1]))
			if err != nil {
				return -1
			}
			data, err := c.kernelBytes(uint32(args[2]), uint32(args[3]))
			if err != nil {
				return -1
			}
			status := c.bridge.PersistenceSave(path, data, uint32(args[4]))
			if status != bridge.StatusOK {
				return -int64(status)
			}
			return 0
		},
		"host_persistence_load": func(args []uint64) int64 {
			path, err := c.kernelString(uint32(args[0]), uint32(args[1]))
			if err != nil {
				return -1
			}
			dest, err := c.kernelBytes(uint32(args[2]), uint32(args[3]))
			if err != nil {
				return -1
			}
			n, status := c.bridge.PersistenceLoad(path, dest)
			if status != bridge.StatusOK {
				return -int64(status)
			}
			return int64(n)
		},
		"host_persistence_delete": func(args []uint64) int64 {
			path, err := c.kernelString(uint32(args[0]), uint32(args[1]))
			if err != nil {
				return -1
			}
			status := c.bridge.PersistenceDelete(path)
			if status != bridge.StatusOK {
				return -int64(status)
			}
			return 0
		},
		"host_persistence_list": func(args []uint64) int64 {
			prefix, err := c.kernelString(uint32(args[0]), uint32(args[1]))
			if err != nil {
				return -1
			}
			dest, err := c.kernelBytes(uint32(args[2]), uint32(args[3]))
			if err != nil {
				return -1
			}
			n, status := c.bridge.PersistenceList(prefix, dest)
			if status != bridge.StatusOK {
				return -int64(status)
			}
			return int64(n)
		},
	}
}

// kernelBytes slices the kernel module's exported memory, re-fetched on
// every call per spec.md §3's re-obtain-after-growth rule.
func (c *Controller) kernelBytes(offset, length uint32) ([]byte, error) {
	mem, err := c.kernel.Memory("memory")
	if err != nil {
		return nil, err
	}
	if uint64(offset)+uint64(length) > uint64(len(mem)) {
		return nil, errOutOfRange
	}
	return mem[offset : offset+length], nil
}

// kernelString reads a fixed-length byte range and converts it to a
// Go string without requiring a null terminator (callers pass an
// explicit length for host-callback arguments, unlike the syscall
// translator's null-terminated strings).
func (c *Controller) kernelString(offset, length uint32) (string, error) {
	b, err := c.kernelBytes(offset, length)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// spawnSecondary spawns a secondary-CPU runner directly; unlike task
// spawn this does not round-trip through the message queue since no
// cooperative hand-off is involved in bringing a new CPU online
// (spec.md §4.1 "Secondary CPU runner").
func (c *Controller) spawnSecondary(stackBase, idleTask uint32) {
	r := runner.New(runner.SecondaryCPU, runner.SubModeNone, c.logger)
	c.registerRunner(r)
	c.mu.Lock()
	c.tasks[idleTask] = r.ID
	c.mu.Unlock()

	go func() {
		if err := r.Run(func() error {
			_, err := c.kernel.CallFunction("secondary_boot_entry", int64(stackBase), int64(idleTask))
			return err
		}); err != nil {
			c.logger.Error("secondary runner stopped", obs.String("runner", r.ID.String()), obs.Any("error", err))
		}
	}()
}
