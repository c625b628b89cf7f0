package syscalls

import (
	"fmt"

	"github.com/wasmkernel/hostruntime/internal/shmem"
)

// Entry is a raw kernel syscall entry point, taking the substituted
// argument list and returning the guest-visible integer result.
type Entry func(args []uint64) int64

// Translator wraps numbered kernel syscall entries with the
// copy-in/invoke/copy-out shim from spec.md §4.2.
type Translator struct {
	kernel  shmem.Provider
	user    shmem.Provider // nil: task has no isolated user memory
	scratch *Scratch
	table   DescriptorTable
}

// NewTranslator builds a Translator. user may be nil for a kernel-only
// task or when isolation is disabled, in which case every call is a
// pass-through (spec.md §4.2 "Fallbacks").
func NewTranslator(kernel, user shmem.Provider, scratch *Scratch, table DescriptorTable) *Translator {
	return &Translator{kernel: kernel, user: user, scratch: scratch, table: table}
}

type pendingCopyOut struct {
	userPtr    uint32
	scratchPtr uint32
	length     uint32
	// capacityArg marks an output whose real length is min(returnValue, length).
	capacityArg bool
}

type pendingIOVecOut struct {
	elems []iovecStage
}

// Invoke runs the syscall identified by num through the five-step shim
// and calls entry with the translated arguments. If num is absent from
// the descriptor table, or the translator has no user memory, entry is
// called directly with args unchanged.
func (t *Translator) Invoke(num uint32, args []uint64, entry Entry) (int64, error) {
	if t.user == nil {
		return entry(args), nil
	}
	desc, ok := t.table[num]
	if !ok {
		return entry(args), nil
	}

	t.scratch.Reset()
	working := append([]uint64(nil), args...)

	var copyOuts []pendingCopyOut
	var iovecOuts []pendingIOVecOut

	for _, a := range desc.Args {
		if a.Index >= len(working) {
			continue
		}
		userPtr := uint32(working[a.Index])
		if userPtr == 0 {
			// Null user pointer is preserved as null kernel pointer
			// (spec.md §4.2 "Pointer semantics").
			continue
		}

		if a.Kind == ArgIOVec {
			if a.IOVecCountArgIndex >= len(working) {
				return 0, fmt.Errorf("syscalls: iovec count arg index out of range for %s", desc.Name)
			}
			count := uint32(working[a.IOVecCountArgIndex])
			elems, err := t.readIOVecUser(userPtr, count)
			if err != nil {
				return 0, fmt.Errorf("syscalls: read iovec for %s: %w", desc.Name, err)
			}
			scratchArrPtr, staged, err := t.stageIOVec(elems, a.Direction)
			if err != nil {
				return 0, fmt.Errorf("syscalls: stage iovec for %s: %w", desc.Name, err)
			}
			working[a.Index] = uint64(scratchArrPtr)
			if a.Direction == DirOut || a.Direction == DirInOut {
				iovecOuts = append(iovecOuts, pendingIOVecOut{elems: staged})
			}
			continue
		}

		switch a.Direction {
		case DirIn, DirInOut:
			length, err := t.resolveInLength(a, working)
			if err != nil {
				return 0, fmt.Errorf("syscalls: resolve length for %s: %w", desc.Name, err)
			}
			scratchPtr, buf, err := t.copyIn(userPtr, length)
			if err != nil {
				return 0, fmt.Errorf("syscalls: copy-in for %s: %w", desc.Name, err)
			}
			_ = buf
			working[a.Index] = uint64(scratchPtr)
			if a.Direction == DirInOut {
				copyOuts = append(copyOuts, pendingCopyOut{userPtr: userPtr, scratchPtr: scratchPtr, length: length})
			}
		case DirOut:
			if a.Length == LengthReturnValue {
				capacity := uint32(working[a.LengthArgIndex])
				scratchPtr, err := t.scratch.Alloc(capacity)
				if err != nil {
					return 0, fmt.Errorf("syscalls: alloc output for %s: %w", desc.Name, err)
				}
				working[a.Index] = uint64(scratchPtr)
				copyOuts = append(copyOuts, pendingCopyOut{userPtr: userPtr, scratchPtr: scratchPtr, length: capacity, capacityArg: true})
				continue
			}
			var length uint32
			if a.Length == LengthArg {
				length = uint32(working[a.LengthArgIndex])
			} else {
				length = a.LengthConstValue
			}
			scratchPtr, err := t.scratch.Alloc(length)
			if err != nil {
				return 0, fmt.Errorf("syscalls: alloc output for %s: %w", desc.Name, err)
			}
			working[a.Index] = uint64(scratchPtr)
			copyOuts = append(copyOuts, pendingCopyOut{userPtr: userPtr, scratchPtr: scratchPtr, length: length})
		}
	}

	ret := entry(working)

	for _, out := range copyOuts {
		length := out.length
		if out.capacityArg {
			if ret < 0 {
				continue
			}
			if uint32(ret) < length {
				length = uint32(ret)
			}
		}
		if length == 0 {
			continue
		}
		buf := make([]byte, length)
		if err := t.kernel.ReadAt(out.scratchPtr, buf); err != nil {
			return ret, fmt.Errorf("syscalls: copy-out read scratch: %w", err)
		}
		if err := t.user.WriteAt(out.userPtr, buf); err != nil {
			return ret, fmt.Errorf("syscalls: copy-out write user: %w", err)
		}
	}
	for _, out := range iovecOuts {
		if err := t.writebackIOVec(out.elems, ret); err != nil {
			return ret, fmt.Errorf("syscalls: iovec copy-out: %w", err)
		}
	}

	return ret, nil
}

func (t *Translator) resolveInLength(a Arg, working []uint64) (uint32, error) {
	switch a.Length {
	case LengthConst:
		return a.LengthConstValue, nil
	case LengthArg:
		if a.LengthArgIndex >= len(working) {
			return 0, fmt.Errorf("length arg index out of range")
		}
		return uint32(working[a.LengthArgIndex]), nil
	case LengthNulTerminated:
		userPtr := uint32(working[a.Index])
		return t.scanNulTerminated(userPtr)
	default:
		return 0, fmt.Errorf("unsupported length kind %d for input argument", a.Length)
	}
}

func (t *Translator) copyIn(userPtr, length uint32) (scratchPtr uint32, buf []byte, err error) {
	scratchPtr, err = t.scratch.Alloc(length)
	if err != nil {
		return 0, nil, err
	}
	buf = make([]byte, length)
	if length > 0 {
		if err := t.user.ReadAt(userPtr, buf); err != nil {
			return 0, nil, err
		}
		if err := t.kernel.WriteAt(scratchPtr, buf); err != nil {
			return 0, nil, err
		}
	}
	return scratchPtr, buf, nil
}

// scanNulTerminated walks user memory byte-by-byte from userPtr until
// it finds a 0 byte, returning the length including the terminator, or
// ErrUnterminatedString if none appears within the scratch budget
// (spec.md §4.2 "Pointer semantics").
func (t *Translator) scanNulTerminated(userPtr uint32) (uint32, error) {
	limit := t.scratch.Remaining()
	b := make([]byte, 1)
	for i := uint32(0); i < limit; i++ {
		if err := t.user.ReadAt(userPtr+i, b); err != nil {
			return 0, err
		}
		if b[0] == 0 {
			return i + 1, nil
		}
	}
	return 0, ErrUnterminatedString
}
