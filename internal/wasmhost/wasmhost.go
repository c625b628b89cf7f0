// Package wasmhost wraps wasmer-go module instantiation for both the
// guest kernel module and user-executable modules, adapted from the
// teacher's single-function wasm.Execute into a reusable host capable
// of binding syscall entries as imports and enumerating a module's
// unsatisfied imports (spec.md §4.2 "Unimplemented syscalls").
package wasmhost

import (
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// SyscallPrefix names the conventional import prefix the runtime
// recognizes as a kernel syscall entry, per spec.md §4.2.
const SyscallPrefix = "syscall_"

// Host owns one wasmer engine/store pair, shared across every module it
// loads; wasmer instances created from the same store may share memory
// only if explicitly configured to, so the controller gives each user
// task its own Host; the CPU runners share the kernel module's Host.
type Host struct {
	engine *wasmer.Engine
	store  *wasmer.Store
}

// New creates a Host with a fresh engine and store.
func New() *Host {
	engine := wasmer.NewEngine()
	return &Host{engine: engine, store: wasmer.NewStore(engine)}
}

// Module wraps a compiled wasmer module together with its import list.
type Module struct {
	inner *wasmer.Module
}

// Load compiles wasmBytes into a Module.
func (h *Host) Load(wasmBytes []byte) (*Module, error) {
	m, err := wasmer.NewModule(h.store, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("wasmhost: compile module: %w", err)
	}
	return &Module{inner: m}, nil
}

// ImportRef names one entry a module imports, in (module, name) form.
type ImportRef struct {
	Module string
	Name   string
}

// Imports enumerates every import the module declares.
func (m *Module) Imports() []ImportRef {
	raw := m.inner.Imports()
	out := make([]ImportRef, 0, len(raw))
	for _, imp := range raw {
		out = append(out, ImportRef{Module: imp.Module(), Name: imp.Name()})
	}
	return out
}

// Entry is a host-implemented syscall entry: a function taking the raw
// kernel-level argument list (already pointer-translated by
// internal/syscalls) and returning the syscall's integer result.
type Entry func(args []uint64) int64

// Instance is one running instantiation of a Module.
type Instance struct {
	inner *wasmer.Instance
}

// Instantiate binds entries (syscall name -> Entry, under moduleName)
// as wasm imports and instantiates m. Every entry is exposed to the
// guest as an i64-typed function taking exactly arity i64 arguments
// and returning one i64, matching the
// teacher's numbered-syscall-entry convention (spec.md §4.2 "one per
// argument arity").
func (h *Host) Instantiate(m *Module, moduleName string, entries map[string]Entry, arity int) (*Instance, error) {
	importObject := wasmer.NewImportObject()

	params := make([]*wasmer.ValueType, arity)
	for i := range params {
		params[i] = wasmer.NewValueType(wasmer.I64)
	}
	fnType := wasmer.NewFunctionType(params, wasmer.NewValueTypes(wasmer.I64))

	exports := map[string]wasmer.IntoExtern{}
	for name, entry := range entries {
		entry := entry
		fn := wasmer.NewFunction(h.store, fnType, func(args []wasmer.Value) ([]wasmer.Value, error) {
			raw := make([]uint64, len(args))
			for i, a := range args {
				raw[i] = uint64(a.I64())
			}
			result := entry(raw)
			return []wasmer.Value{wasmer.NewI64(result)}, nil
		})
		exports[name] = fn
	}
	importObject.Register(moduleName, exports)

	inst, err := wasmer.NewInstance(m.inner, importObject)
	if err != nil {
		return nil, fmt.Errorf("wasmhost: instantiate module: %w", err)
	}
	return &Instance{inner: inst}, nil
}

// Memory returns the instance's exported linear memory bytes; the
// controller reads the kernel instance's memory through it.
func (i *Instance) Memory(name string) ([]byte, error) {
	mem, err := i.inner.Exports.GetMemory(name)
	if err != nil {
		return nil, fmt.Errorf("wasmhost: get memory %s: %w", name, err)
	}
	return mem.Data(), nil
}

// CallFunction invokes a named export with the given arguments.
func (i *Instance) CallFunction(name string, args ...interface{}) (interface{}, error) {
	fn, err := i.inner.Exports.GetFunction(name)
	if err != nil {
		return nil, fmt.Errorf("wasmhost: get function %s: %w", name, err)
	}
	result, err := fn(args...)
	if err != nil {
		return nil, fmt.Errorf("wasmhost: call %s: %w", name, err)
	}
	return result, nil
}

// HasFunction reports whether the instance exports name, used by the
// clone-callback task sub-mode (spec.md §4.1) to check an export's
// existence before invoking it.
func (i *Instance) HasFunction(name string) bool {
	_, err := i.inner.Exports.GetFunction(name)
	return err == nil
}
