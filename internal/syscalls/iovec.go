package syscalls

import "encoding/binary"

// iovecElemSize is the byte size of one {ptr, len} pair as laid out by
// the guest: two 4-byte little-endian fields, matching the 32-bit
// address space every user pointer argument is expressed in.
const iovecElemSize = 8

// iovecUser is one element of a user-side iovec array before staging.
type iovecUser struct {
	ptr uint32
	len uint32
}

// iovecStage is one element after staging into scratch, carrying
// enough to copy the buffer back to user memory once the syscall
// returns.
type iovecStage struct {
	userPtr    uint32
	scratchPtr uint32
	length     uint32
}

// readIOVecUser reads count {ptr,len} pairs from user memory starting
// at userPtr.
func (t *Translator) readIOVecUser(userPtr uint32, count uint32) ([]iovecUser, error) {
	out := make([]iovecUser, count)
	buf := make([]byte, iovecElemSize)
	for i := uint32(0); i < count; i++ {
		if err := t.user.ReadAt(userPtr+i*iovecElemSize, buf); err != nil {
			return nil, err
		}
		out[i] = iovecUser{
			ptr: binary.LittleEndian.Uint32(buf[0:4]),
			len: binary.LittleEndian.Uint32(buf[4:8]),
		}
	}
	return out, nil
}

// stageIOVec allocates a parallel iovec array inside scratch pointing
// at per-element scratch buffers, copying element bytes in when
// direction requires it, per spec.md §4.2's iovec walking description.
func (t *Translator) stageIOVec(elems []iovecUser, direction Direction) (arrPtr uint32, staged []iovecStage, err error) {
	arrPtr, err = t.scratch.Alloc(uint32(len(elems)) * iovecElemSize)
	if err != nil {
		return 0, nil, err
	}

	staged = make([]iovecStage, len(elems))
	pair := make([]byte, iovecElemSize)

	for i, e := range elems {
		bufPtr, err := t.scratch.Alloc(e.len)
		if err != nil {
			return 0, nil, err
		}
		if direction == DirIn || direction == DirInOut {
			data := make([]byte, e.len)
			if e.len > 0 {
				if err := t.user.ReadAt(e.ptr, data); err != nil {
					return 0, nil, err
				}
				if err := t.kernel.WriteAt(bufPtr, data); err != nil {
					return 0, nil, err
				}
			}
		}

		binary.LittleEndian.PutUint32(pair[0:4], bufPtr)
		binary.LittleEndian.PutUint32(pair[4:8], e.len)
		if err := t.kernel.WriteAt(arrPtr+uint32(i)*iovecElemSize, pair); err != nil {
			return 0, nil, err
		}

		staged[i] = iovecStage{userPtr: e.ptr, scratchPtr: bufPtr, length: e.len}
	}

	return arrPtr, staged, nil
}

// writebackIOVec copies staged elements' scratch bytes back to their
// original user pointers, clamping the total bytes written across all
// elements to ret (the syscall's own return value): a read-like call
// that returns fewer bytes than the sum of its iovec lengths only
// wrote that many bytes, and the remainder of the final element (and
// every element after it) must be left untouched in user memory
// (spec.md §8 scenario 4). A negative ret means the call failed and
// nothing is written back.
func (t *Translator) writebackIOVec(staged []iovecStage, ret int64) error {
	if ret < 0 {
		return nil
	}
	remaining := uint64(ret)
	for _, s := range staged {
		if remaining == 0 {
			break
		}
		n := s.length
		if uint64(n) > remaining {
			n = uint32(remaining)
		}
		buf := make([]byte, n)
		if err := t.kernel.ReadAt(s.scratchPtr, buf); err != nil {
			return err
		}
		if err := t.user.WriteAt(s.userPtr, buf); err != nil {
			return err
		}
		remaining -= uint64(n)
	}
	return nil
}
