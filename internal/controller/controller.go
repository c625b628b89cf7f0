// Package controller implements the single main-context coordinator:
// runner catalogue, boot sequence, and composition root wiring the
// host-call bridge, the network relay client, and the persistence
// store, per spec.md §2 and SPEC_FULL.md §10.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wasmkernel/hostruntime/internal/bridge"
	"github.com/wasmkernel/hostruntime/internal/obs"
	"github.com/wasmkernel/hostruntime/internal/relay"
	"github.com/wasmkernel/hostruntime/internal/runner"
	"github.com/wasmkernel/hostruntime/internal/shmem"
	"github.com/wasmkernel/hostruntime/internal/store"
	"github.com/wasmkernel/hostruntime/internal/syscalls"
	"github.com/wasmkernel/hostruntime/internal/wasmhost"
)

// kernelImportNamespace is the single namespace the kernel module's
// host callbacks and numbered syscall stubs are registered under
// (spec.md §6 "under a single namespace").
const kernelImportNamespace = "env"

// maxSyscallArity is the highest numbered-syscall-entry arity the host
// wraps, per spec.md §6 "arities 0-6".
const maxSyscallArity = 6

// defaultUserMemorySize is the size of a freshly allocated user memory,
// chosen generously enough for small test programs; a real embedder can
// grow it as the guest kernel's own memory-map syscalls demand (not yet
// modeled here — see DESIGN.md).
const defaultUserMemorySize = 16 * 1024 * 1024

// bootTimeout is a var rather than a const so tests can shrink it
// without waiting out a real 10-second window.
var bootTimeout = 10 * time.Second

// ErrValidation marks a controller-side precondition failure (no relay
// configured, a messenger missing) reported to the originating runner
// via its messenger with status=error, per spec.md §7.
var ErrValidation = errors.New("controller: validation failed")

// ErrBootFailed wraps a failure during the primary runner's boot path.
var ErrBootFailed = errors.New("controller: boot failed")

// Controller is the coordinator owning the runner catalogue, the
// host-call bridge, the network relay client, and the persistence
// store (spec.md §2 "Controller").
type Controller struct {
	programURL string
	cmdline    string
	initrd     []byte

	logger  *obs.Logger
	kernel  KernelInstance
	console *consoleDevice

	bridge      *bridge.Bridge
	relayClient *relay.Client
	store       *store.Store

	syscallTable syscalls.DescriptorTable

	mu      sync.Mutex
	runners map[uuid.UUID]*runner.Runner
	tasks   map[uint32]uuid.UUID

	msgCh chan Message

	initTask   uint32
	bootResult chan error

	ctx    context.Context
	cancel context.CancelFunc
}

// New boots a Controller: it compiles and instantiates kernelModule,
// spawns the primary-CPU runner, and blocks until boot publishes its
// init task or bootTimeout elapses, matching spec.md §6's "Controller
// API to the embedding page".
func New(programURL string, kernelModule []byte, cmdline string, initrd []byte, logSink io.Writer, consoleWriter io.Writer) (*Controller, error) {
	return newController(programURL, kernelModule, cmdline, initrd, logSink, consoleWriter, wasmhostKernelLoader{host: wasmhost.New()})
}

func newController(programURL string, kernelModule []byte, cmdline string, initrd []byte, logSink, consoleWriter io.Writer, loader KernelLoader) (*Controller, error) {
	logger := obs.New(obs.Config{Level: obs.INFO, Component: "controller", Output: logSink})

	c := &Controller{
		programURL:   programURL,
		cmdline:      cmdline,
		initrd:       initrd,
		logger:       logger,
		console:      newConsoleDevice(consoleWriter),
		syscallTable: syscalls.DefaultTable(),
		runners:      make(map[uuid.UUID]*runner.Runner),
		tasks:        make(map[uint32]uuid.UUID),
		msgCh:        make(chan Message, 64),
		bootResult:   make(chan error, 1),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.bridge = bridge.New(c.console, nil, nil)

	go c.bridge.Run(c.ctx)
	go c.eventLoop()

	inst, err := loader.Load(kernelModule, c.hostCallbacks())
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("controller: load kernel module: %w", err)
	}
	c.kernel = inst

	primary := runner.New(runner.PrimaryCPU, runner.SubModeNone, c.logger)
	c.registerRunner(primary)

	go func() {
		if err := primary.Run(func() error { return c.bootPrimary() }); err != nil {
			select {
			case c.bootResult <- err:
			default:
			}
		}
	}()

	select {
	case err := <-c.bootResult:
		if err != nil {
			c.cancel()
			return nil, fmt.Errorf("%w: %v", ErrBootFailed, err)
		}
	case <-time.After(bootTimeout):
		c.cancel()
		return nil, fmt.Errorf("%w: primary runner never published init_task", ErrBootFailed)
	}

	return c, nil
}

// bootPrimary invokes the kernel module's boot entry (spec.md §4.1
// "Primary CPU runner"). A real kernel module never returns from this
// call; the boot's success or failure is instead signaled through the
// host_start_primary callback into bootResult before the call returns
// or blocks forever.
func (c *Controller) bootPrimary() error {
	_, err := c.kernel.CallFunction("boot_entry", c.cmdline, len(c.initrd))
	return err
}

func (c *Controller) registerRunner(r *runner.Runner) {
	c.mu.Lock()
	c.runners[r.ID] = r
	c.mu.Unlock()
}

func (c *Controller) unregisterRunner(id uuid.UUID) {
	c.mu.Lock()
	delete(c.runners, id)
	for task, runnerID := range c.tasks {
		if runnerID == id {
			delete(c.tasks, task)
		}
	}
	c.mu.Unlock()
}

// eventLoop is the controller's single event queue, serving callback
// messages from runners (spec.md §5 "The controller itself is
// single-threaded and serves asynchronous events... on a single event
// queue").
func (c *Controller) eventLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.msgCh:
			c.handleMessage(msg)
		}
	}
}

func (c *Controller) handleMessage(msg Message) {
	switch msg.Kind {
	case MsgStartPrimary:
		c.mu.Lock()
		c.initTask = msg.InitTask
		for id, r := range c.runners {
			if r.Kind == runner.PrimaryCPU {
				c.tasks[msg.InitTask] = id
				break
			}
		}
		c.mu.Unlock()
		c.logger.Info("primary boot published init task", obs.Uint32("init_task", msg.InitTask))
		select {
		case c.bootResult <- nil:
		default:
		}
	case MsgCreateAndRunTask:
		c.spawnTask(msg.Spawn)
	case MsgReleaseTask:
		c.releaseTask(msg.Release.TaskID)
	case MsgPanic:
		c.logger.Error("guest kernel panic callback", obs.String("reason", msg.Reason))
	}
}

// spawnTask implements spec.md §4.1 "Task spawn": the controller
// creates a new runner initialized with the provided parameters and
// runs it independently of the spawning runner's own serialize wait.
func (c *Controller) spawnTask(req runner.SpawnRequest) {
	r := runner.New(runner.Task, req.SubMode, c.logger)
	c.registerRunner(r)
	c.mu.Lock()
	c.tasks[req.TaskID] = r.ID
	c.mu.Unlock()

	go func() {
		if err := r.Run(func() error { return c.runTask(r, req) }); err != nil {
			c.logger.Error("task runner stopped",
				obs.String("runner", r.ID.String()),
				obs.Any("error", err))
		}
	}()
}

// releaseTask handles spec.md §4.1 "Task release" by removing the
// task's runner from the runner and task catalogues. The runner's
// goroutine is not terminated: it keeps running until its body returns.
func (c *Controller) releaseTask(taskID uint32) {
	c.mu.Lock()
	id, ok := c.tasks[taskID]
	c.mu.Unlock()
	if !ok {
		c.logger.Error("release of unknown task", obs.Uint32("task_id", taskID))
		return
	}
	c.unregisterRunner(id)
}

func (c *Controller) runTask(r *runner.Runner, req runner.SpawnRequest) error {
	if !req.HasUser {
		_, err := c.kernel.CallFunction("return_from_fork", req.TaskID)
		return err
	}
	return c.runUserTask(r, req)
}

// runUserTask instantiates a fresh user-executable module, wires its
// per-arity syscall imports through a syscalls.Translator, and runs it
// to its tail code, re-instantiating on TailExec (spec.md §4.1
// "User-mode tail control", §9 "re-entering instantiation when exec is
// requested").
func (c *Controller) runUserTask(r *runner.Runner, req runner.SpawnRequest) error {
	kernelMem, err := c.kernel.Memory("memory")
	if err != nil {
		return fmt.Errorf("controller: read kernel memory for task %d: %w", req.TaskID, err)
	}
	if req.UserEnd < req.UserStart || int(req.UserEnd) > len(kernelMem) {
		return fmt.Errorf("controller: invalid user module bounds for task %d", req.TaskID)
	}
	userBytes := append([]byte(nil), kernelMem[req.UserStart:req.UserEnd]...)

	userHost := wasmhost.New()
	userMod, err := userHost.Load(userBytes)
	if err != nil {
		return fmt.Errorf("controller: compile user module for task %d: %w", req.TaskID, err)
	}

	userMem := shmem.NewInMemoryProvider(defaultUserMemorySize)
	scratch := syscalls.NewScratch(0, syscalls.DefaultScratchSize)
	translator := syscalls.NewTranslator(&kernelMemoryProvider{kernel: c.kernel, memoryName: "memory"}, userMem, scratch, c.syscallTable)

	entries := make(map[string]wasmhost.Entry, maxSyscallArity+1)
	for arity := 0; arity <= maxSyscallArity; arity++ {
		entries[syscallStubName(arity)] = c.syscallStub(translator)
	}
	for name, stub := range syscalls.BindUnimplemented(userMod.Imports(), entries) {
		entries[name] = stub
	}

	userInst, err := userHost.Instantiate(userMod, kernelImportNamespace, entries, maxSyscallArity+2)
	if err != nil {
		return fmt.Errorf("controller: instantiate user module for task %d: %w", req.TaskID, err)
	}

	tail, err := r.RunUserMode(func() error {
		if req.SubMode == runner.SubModeCloneCallback {
			if req.CloneCallbackName == "" || !userInst.HasFunction(req.CloneCallbackName) {
				return runner.ErrCloneCallbackMissing
			}
			_, callErr := userInst.CallFunction(req.CloneCallbackName)
			return callErr
		}
		_, callErr := userInst.CallFunction("_start")
		return callErr
	})
	if err != nil {
		return err
	}
	if tail == runner.TailExec {
		c.logger.Info("task requested exec", obs.Uint32("task_id", req.TaskID))
		return c.runUserTask(r, req)
	}
	return nil
}

// syscallStubName names the numbered-syscall-entry import a user
// module binds at the given arity, per spec.md §6 "Per-arity syscall
// stubs (arities 0-6) injected by the host".
func syscallStubName(arity int) string {
	return fmt.Sprintf("%ssyscall%d", wasmhost.SyscallPrefix, arity)
}

// syscallStub returns the wasmhost.Entry a user module's numbered
// syscall import is bound to: args[0] is the syscall number, the rest
// are the guest's own arguments, translated through translator and
// dispatched to the kernel's own exported syscall entry of matching
// arity (spec.md §4.2 steps 1-5).
func (c *Controller) syscallStub(translator *syscalls.Translator) wasmhost.Entry {
	return func(args []uint64) int64 {
		if len(args) == 0 {
			return syscalls.ErrNoSys
		}
		num := uint32(args[0])
		ret, err := translator.Invoke(num, args[1:], c.kernelSyscallEntry(num))
		if err != nil {
			c.logger.Error("syscall translation failed", obs.Uint32("syscall", num), obs.Any("error", err))
			return syscalls.ErrNoSys
		}
		return ret
	}
}

// kernelSyscallEntry calls the kernel module's exported numbered
// syscall entry matching the translated argument count (spec.md §6
// "the per-arity syscall stubs that the isolation wrapper wraps").
func (c *Controller) kernelSyscallEntry(num uint32) syscalls.Entry {
	return func(args []uint64) int64 {
		callArgs := make([]interface{}, 0, len(args)+1)
		callArgs = append(callArgs, int64(num))
		for _, a := range args {
			callArgs = append(callArgs, int64(a))
		}
		result, err := c.kernel.CallFunction(fmt.Sprintf("syscall%d", len(args)), callArgs...)
		if err != nil {
			return syscalls.ErrNoSys
		}
		ret, _ := result.(int64)
		return ret
	}
}

// InjectKeyInput delivers key-input bytes from the embedding page's
// terminal emulator to the guest kernel's blocking console read
// (spec.md §6 "key-input injection").
func (c *Controller) InjectKeyInput(data []byte) {
	c.console.inject(data)
}

// InitNetworkRelay wires a relay.Client as the bridge's network
// backend (spec.md §6 "network-relay initialization (URL plus
// options)").
func (c *Controller) InitNetworkRelay(channelURL string, opts relay.Options) error {
	if channelURL == "" {
		return fmt.Errorf("%w: empty relay channel URL", ErrValidation)
	}
	if opts.Logger == nil {
		opts.Logger = c.logger
	}
	client := relay.New(channelURL, opts)
	c.mu.Lock()
	c.relayClient = client
	c.mu.Unlock()
	c.bridge.SetNetwork(client)
	return nil
}

// InitPersistence wires a bbolt-backed store.Store as the bridge's
// persistence backend (spec.md §6 "persistence initialization").
func (c *Controller) InitPersistence(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty persistence path", ErrValidation)
	}
	s, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("controller: open persistence store: %w", err)
	}
	c.mu.Lock()
	c.store = s
	c.mu.Unlock()
	c.bridge.SetPersistence(&persistenceAdapter{store: s})
	return nil
}

// Tasks returns a snapshot of the task id -> runner id catalogue.
func (c *Controller) Tasks() map[uint32]uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint32]uuid.UUID, len(c.tasks))
	for k, v := range c.tasks {
		out[k] = v
	}
	return out
}

// Runner looks up a runner by id.
func (c *Controller) Runner(id uuid.UUID) (*runner.Runner, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runners[id]
	return r, ok
}

// InitTask returns the task id published at the end of primary boot.
func (c *Controller) InitTask() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initTask
}

// Shutdown tears the controller down: it stops the bridge and event
// loop, closes the console, the relay client, and the persistence
// store.
func (c *Controller) Shutdown() error {
	c.cancel()
	c.console.shutdown()

	var errs []error
	c.mu.Lock()
	relayClient := c.relayClient
	st := c.store
	c.mu.Unlock()

	if relayClient != nil {
		if err := relayClient.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if st != nil {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
