package syscalls

import (
	"strings"

	"github.com/wasmkernel/hostruntime/internal/wasmhost"
)

// ErrNoSys is the fixed "not implemented" result bound to every
// syscall-prefixed import the host does not satisfy, the numeric value
// of -ENOSYS, per spec.md §4.2 "Unimplemented syscalls" and SPEC_FULL.md
// §7's "-38, i.e. -ENOSYS".
const ErrNoSys int64 = -38

// BindUnimplemented enumerates imports and returns a stub Entry for
// every syscall-prefixed import not already present in satisfied,
// keeping module instantiation total even when the kernel module was
// built with extra syscall slots the host never implements.
func BindUnimplemented(imports []wasmhost.ImportRef, satisfied map[string]wasmhost.Entry) map[string]wasmhost.Entry {
	stubs := make(map[string]wasmhost.Entry, len(imports))
	for _, imp := range imports {
		if !strings.HasPrefix(imp.Name, wasmhost.SyscallPrefix) {
			continue
		}
		if _, ok := satisfied[imp.Name]; ok {
			continue
		}
		stubs[imp.Name] = func(args []uint64) int64 { return ErrNoSys }
	}
	return stubs
}
