package syscalls

import (
	"testing"

	"github.com/wasmkernel/hostruntime/internal/shmem"
)

func newTestTranslator(t *testing.T, table DescriptorTable) (*Translator, shmem.Provider, shmem.Provider) {
	t.Helper()
	kernel := shmem.NewInMemoryProvider(4096)
	user := shmem.NewInMemoryProvider(8192)
	scratch := NewScratch(2048, 2048)
	return NewTranslator(kernel, user, scratch, table), kernel, user
}

func TestTranslatorPassThroughWithoutUserMemory(t *testing.T) {
	tr := NewTranslator(shmem.NewInMemoryProvider(16), nil, NewScratch(0, 16), DescriptorTable{})
	called := false
	ret, err := tr.Invoke(1, []uint64{42}, func(args []uint64) int64 {
		called = true
		if args[0] != 42 {
			t.Fatalf("expected unchanged args, got %v", args)
		}
		return 7
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called || ret != 7 {
		t.Fatalf("expected pass-through call, called=%v ret=%d", called, ret)
	}
}

func TestTranslatorPassThroughForUnknownSyscall(t *testing.T) {
	tr, _, _ := newTestTranslator(t, DescriptorTable{})
	ret, err := tr.Invoke(99, []uint64{5}, func(args []uint64) int64 { return int64(args[0]) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ret != 5 {
		t.Fatalf("expected pass-through, got %d", ret)
	}
}

func TestTranslatorCopiesInputPointerToScratch(t *testing.T) {
	table := DescriptorTable{
		10: {Name: "write", Args: []Arg{
			{Index: 0, Kind: ArgPointer, Direction: DirIn, Length: LengthArg, LengthArgIndex: 1},
		}},
	}
	tr, kernel, user := newTestTranslator(t, table)

	if err := user.WriteAt(100, []byte("hello")); err != nil {
		t.Fatalf("seed user memory failed: %v", err)
	}

	var gotPtr uint32
	var gotData []byte
	ret, err := tr.Invoke(10, []uint64{100, 5}, func(args []uint64) int64 {
		gotPtr = uint32(args[0])
		buf := make([]byte, 5)
		_ = kernel.ReadAt(gotPtr, buf)
		gotData = buf
		return int64(len(buf))
	})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if ret != 5 {
		t.Fatalf("expected ret 5, got %d", ret)
	}
	if gotPtr == 100 {
		t.Fatalf("expected pointer substituted with scratch address, got unchanged user pointer")
	}
	if string(gotData) != "hello" {
		t.Fatalf("expected copied-in bytes 'hello', got %q", gotData)
	}
}

func TestTranslatorCopiesOutputBackToUser(t *testing.T) {
	table := DescriptorTable{
		20: {Name: "read", Args: []Arg{
			{Index: 0, Kind: ArgPointer, Direction: DirOut, Length: LengthReturnValue, LengthArgIndex: 1},
		}},
	}
	tr, kernel, user := newTestTranslator(t, table)

	ret, err := tr.Invoke(20, []uint64{200, 8}, func(args []uint64) int64 {
		dest := uint32(args[0])
		_ = kernel.WriteAt(dest, []byte("abc"))
		return 3
	})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if ret != 3 {
		t.Fatalf("expected ret 3, got %d", ret)
	}

	got := make([]byte, 3)
	if err := user.ReadAt(200, got); err != nil {
		t.Fatalf("read user memory failed: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("expected 'abc' copied back to user, got %q", got)
	}
}

func TestTranslatorNullPointerPreservedAsNull(t *testing.T) {
	table := DescriptorTable{
		30: {Name: "write", Args: []Arg{
			{Index: 0, Kind: ArgPointer, Direction: DirIn, Length: LengthConst, LengthConstValue: 4},
		}},
	}
	tr, _, _ := newTestTranslator(t, table)

	ret, err := tr.Invoke(30, []uint64{0, 99}, func(args []uint64) int64 {
		if args[0] != 0 {
			t.Fatalf("expected null pointer preserved, got %d", args[0])
		}
		return 0
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ret != 0 {
		t.Fatalf("expected ret 0, got %d", ret)
	}
}

func TestTranslatorNulTerminatedString(t *testing.T) {
	table := DescriptorTable{
		40: {Name: "openpath", Args: []Arg{
			{Index: 0, Kind: ArgPointer, Direction: DirIn, Length: LengthNulTerminated},
		}},
	}
	tr, kernel, user := newTestTranslator(t, table)

	path := []byte("/tmp/x\x00")
	if err := user.WriteAt(0x100, path); err != nil {
		t.Fatalf("seed user memory failed: %v", err)
	}

	var gotLen int
	ret, err := tr.Invoke(40, []uint64{0x100}, func(args []uint64) int64 {
		buf := make([]byte, len(path))
		_ = kernel.ReadAt(uint32(args[0]), buf)
		gotLen = len(buf)
		if string(buf) != "/tmp/x\x00" {
			t.Fatalf("unexpected copied string: %q", buf)
		}
		return 0
	})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if ret != 0 || gotLen != len(path) {
		t.Fatalf("unexpected ret=%d gotLen=%d", ret, gotLen)
	}
}

func TestTranslatorScratchOverflowFailsOnlyThatSyscall(t *testing.T) {
	table := DescriptorTable{
		50: {Name: "bigwrite", Args: []Arg{
			{Index: 0, Kind: ArgPointer, Direction: DirIn, Length: LengthArg, LengthArgIndex: 1},
		}},
	}
	kernel := shmem.NewInMemoryProvider(4096)
	user := shmem.NewInMemoryProvider(4096)
	scratch := NewScratch(0, 8) // tiny scratch region
	tr := NewTranslator(kernel, user, scratch, table)

	_, err := tr.Invoke(50, []uint64{16, 4096}, func(args []uint64) int64 { return 0 })
	if err == nil {
		t.Fatal("expected scratch overflow error")
	}
}

func TestTranslatorIOVecInput(t *testing.T) {
	table := DescriptorTable{
		60: {Name: "writev", Args: []Arg{
			{Index: 0, Kind: ArgIOVec, Direction: DirIn, IOVecCountArgIndex: 1},
		}},
	}
	tr, kernel, user := newTestTranslator(t, table)

	// Lay out two iovec entries at offset 0x300: {ptr=100,len=3}, {ptr=200,len=2}.
	iov := make([]byte, 16)
	putIOVecEntry(iov[0:8], 100, 3)
	putIOVecEntry(iov[8:16], 200, 2)
	if err := user.WriteAt(0x300, iov); err != nil {
		t.Fatalf("seed iovec array failed: %v", err)
	}
	if err := user.WriteAt(100, []byte("abc")); err != nil {
		t.Fatalf("seed buffer 1 failed: %v", err)
	}
	if err := user.WriteAt(200, []byte("de")); err != nil {
		t.Fatalf("seed buffer 2 failed: %v", err)
	}

	var total int
	ret, err := tr.Invoke(60, []uint64{0x300, 2}, func(args []uint64) int64 {
		arrPtr := uint32(args[0])
		entry := make([]byte, 8)
		_ = kernel.ReadAt(arrPtr, entry)
		ptr0, len0 := getIOVecEntry(entry)
		buf0 := make([]byte, len0)
		_ = kernel.ReadAt(ptr0, buf0)
		if string(buf0) != "abc" {
			t.Fatalf("expected first iovec buffer 'abc', got %q", buf0)
		}
		total = int(len0)
		return int64(total)
	})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if ret != 3 {
		t.Fatalf("expected ret 3, got %d", ret)
	}
}

func TestTranslatorIOVecOutputClampsToReturnValue(t *testing.T) {
	table := DescriptorTable{
		70: {Name: "readv", Args: []Arg{
			{Index: 0, Kind: ArgIOVec, Direction: DirOut, IOVecCountArgIndex: 1},
		}},
	}
	tr, kernel, user := newTestTranslator(t, table)

	// Two iovec entries at offset 0x300: {ptr=0x1000,len=4}, {ptr=0x1100,len=2}.
	iov := make([]byte, 16)
	putIOVecEntry(iov[0:8], 0x1000, 4)
	putIOVecEntry(iov[8:16], 0x1100, 2)
	if err := user.WriteAt(0x300, iov); err != nil {
		t.Fatalf("seed iovec array failed: %v", err)
	}
	// Pre-seed the user buffers so untouched bytes are observable.
	if err := user.WriteAt(0x1100, []byte("??")); err != nil {
		t.Fatalf("seed buffer 2 failed: %v", err)
	}

	ret, err := tr.Invoke(70, []uint64{0x300, 2}, func(args []uint64) int64 {
		arrPtr := uint32(args[0])
		entry := make([]byte, 8)
		_ = kernel.ReadAt(arrPtr, entry)
		ptr0, len0 := getIOVecEntry(entry)
		_ = kernel.WriteAt(ptr0, []byte("abcd")[:len0])

		entry2 := make([]byte, 8)
		_ = kernel.ReadAt(arrPtr+8, entry2)
		ptr1, len1 := getIOVecEntry(entry2)
		_ = kernel.WriteAt(ptr1, []byte("ef")[:len1])

		return 5 // only 5 of the 6 declared bytes were actually read
	})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if ret != 5 {
		t.Fatalf("expected ret 5, got %d", ret)
	}

	got0 := make([]byte, 4)
	if err := user.ReadAt(0x1000, got0); err != nil {
		t.Fatalf("read user buffer 1 failed: %v", err)
	}
	if string(got0) != "abcd" {
		t.Fatalf("expected first buffer fully written 'abcd', got %q", got0)
	}

	got1 := make([]byte, 2)
	if err := user.ReadAt(0x1100, got1); err != nil {
		t.Fatalf("read user buffer 2 failed: %v", err)
	}
	if got1[0] != 'e' {
		t.Fatalf("expected second buffer's first byte 'e', got %q", got1[0])
	}
	if got1[1] != '?' {
		t.Fatalf("expected second buffer's second byte untouched, got %q", got1[1])
	}
}

func TestTranslatorIOVecOutputSkipsWritebackOnNegativeReturn(t *testing.T) {
	table := DescriptorTable{
		71: {Name: "readv", Args: []Arg{
			{Index: 0, Kind: ArgIOVec, Direction: DirOut, IOVecCountArgIndex: 1},
		}},
	}
	tr, _, user := newTestTranslator(t, table)

	iov := make([]byte, 8)
	putIOVecEntry(iov[0:8], 0x1000, 4)
	if err := user.WriteAt(0x300, iov); err != nil {
		t.Fatalf("seed iovec array failed: %v", err)
	}
	if err := user.WriteAt(0x1000, []byte("keep")); err != nil {
		t.Fatalf("seed buffer failed: %v", err)
	}

	ret, err := tr.Invoke(71, []uint64{0x300, 1}, func(args []uint64) int64 {
		return -1
	})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if ret != -1 {
		t.Fatalf("expected ret -1, got %d", ret)
	}

	got := make([]byte, 4)
	if err := user.ReadAt(0x1000, got); err != nil {
		t.Fatalf("read user buffer failed: %v", err)
	}
	if string(got) != "keep" {
		t.Fatalf("expected buffer untouched on error, got %q", got)
	}
}

func putIOVecEntry(b []byte, ptr, length uint32) {
	b[0] = byte(ptr)
	b[1] = byte(ptr >> 8)
	b[2] = byte(ptr >> 16)
	b[3] = byte(ptr >> 24)
	b[4] = byte(length)
	b[5] = byte(length >> 8)
	b[6] = byte(length >> 16)
	b[7] = byte(length >> 24)
}

func getIOVecEntry(b []byte) (ptr, length uint32) {
	ptr = uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	length = uint32(b[4]) | uint32(b[5])<<8 | uint32(b[6])<<16 | uint32(b[7])<<24
	return
}
