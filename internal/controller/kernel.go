package controller

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/wasmkernel/hostruntime/internal/shmem"
	"github.com/wasmkernel/hostruntime/internal/syscalls"
	"github.com/wasmkernel/hostruntime/internal/wasmhost"
)

// KernelInstance is the subset of *wasmhost.Instance the controller
// needs from a running kernel module. Factoring it out as an interface
// lets the boot sequence be driven by a test double instead of a real
// compiled Wasm module (this project has no way to author verified Wasm
// bytes without running the toolchain it is forbidden from running).
type KernelInstance interface {
	CallFunction(name string, args ...interface{}) (interface{}, error)
	HasFunction(name string) bool
	Memory(name string) ([]byte, error)
}

// KernelLoader compiles and instantiates a kernel module, binding
// callbacks as its host-callback import namespace (spec.md §6 "Kernel
// module import surface").
type KernelLoader interface {
	Load(wasmBytes []byte, callbacks map[string]wasmhost.Entry) (KernelInstance, error)
}

// wasmhostKernelLoader is the production KernelLoader, backed by a real
// wasmer engine.
type wasmhostKernelLoader struct {
	host *wasmhost.Host
}

func (l wasmhostKernelLoader) Load(wasmBytes []byte, callbacks map[string]wasmhost.Entry) (KernelInstance, error) {
	mod, err := l.host.Load(wasmBytes)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]wasmhost.Entry, len(callbacks))
	for name, entry := range callbacks {
		entries[name] = entry
	}
	for name, stub := range syscalls.BindUnimplemented(mod.Imports(), entries) {
		entries[name] = stub
	}
	inst, err := l.host.Instantiate(mod, kernelImportNamespace, entries, maxSyscallArity+1)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// kernelMemoryProvider adapts a KernelInstance's exported linear memory
// to shmem.Provider, re-fetching Memory() on every access so that
// growth performed by the guest kernel is always observed (spec.md §3
// "every runner must re-obtain typed views after any growth").
type kernelMemoryProvider struct {
	kernel     KernelInstance
	memoryName string
}

func (p *kernelMemoryProvider) bytes() ([]byte, error) {
	b, err := p.kernel.Memory(p.memoryName)
	if err != nil {
		return nil, fmt.Errorf("controller: read kernel memory: %w", err)
	}
	return b, nil
}

func (p *kernelMemoryProvider) Size() uint32 {
	b, err := p.bytes()
	if err != nil {
		return 0
	}
	return uint32(len(b))
}

func (p *kernelMemoryProvider) ReadAt(offset uint32, dest []byte) error {
	b, err := p.bytes()
	if err != nil {
		return err
	}
	if offset+uint32(len(dest)) > uint32(len(b)) {
		return shmem.ErrOutOfBounds
	}
	copy(dest, b[offset:offset+uint32(len(dest))])
	return nil
}

func (p *kernelMemoryProvider) WriteAt(offset uint32, src []byte) error {
	b, err := p.bytes()
	if err != nil {
		return err
	}
	if offset+uint32(len(src)) > uint32(len(b)) {
		return shmem.ErrOutOfBounds
	}
	copy(b[offset:offset+uint32(len(src))], src)
	return nil
}

func (p *kernelMemoryProvider) ptrAt(offset uint32) (unsafe.Pointer, error) {
	b, err := p.bytes()
	if err != nil {
		return nil, err
	}
	if offset+4 > uint32(len(b)) {
		return nil, shmem.ErrOutOfBounds
	}
	if offset%4 != 0 {
		return nil, shmem.ErrMisaligned
	}
	return unsafe.Pointer(&b[offset]), nil
}

func (p *kernelMemoryProvider) AtomicLoad32(offset uint32) (uint32, error) {
	ptr, err := p.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(ptr)), nil
}

func (p *kernelMemoryProvider) AtomicStore32(offset uint32, val uint32) error {
	ptr, err := p.ptrAt(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(ptr), val)
	return nil
}

func (p *kernelMemoryProvider) AtomicAdd32(offset uint32, delta uint32) (uint32, error) {
	ptr, err := p.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint32((*uint32)(ptr), delta), nil
}

// Grow is unsupported: the guest kernel wasm module owns its own memory
// growth (memory.grow); the host never resizes it out from under the
// running instance.
func (p *kernelMemoryProvider) Grow(uint32) error {
	return fmt.Errorf("controller: kernel memory growth is owned by the guest kernel module")
}

func (p *kernelMemoryProvider) Close() error { return nil }
