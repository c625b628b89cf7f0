package bridge

import "errors"

// ErrNotFound is returned by a Persistence backend when the requested
// path does not exist, mapped to StatusNotFound.
var ErrNotFound = errors.New("bridge: path not found")

// PersistenceSave writes data at path with the given mode bits.
func (b *Bridge) PersistenceSave(path string, data []byte, mode uint32) (status uint32) {
	if b.persistence == nil {
		_, _ = failImmediately(b.persistenceMsgr)
		return StatusError
	}
	status, _ = b.dispatch(b.persistenceMsgr, func() (uint32, uint32) {
		if err := b.persistence.Save(path, data, mode); err != nil {
			return StatusError, 0
		}
		return StatusOK, 0
	})
	return status
}

// PersistenceLoad reads up to len(dest) bytes of path into dest.
func (b *Bridge) PersistenceLoad(path string, dest []byte) (n int, status uint32) {
	if b.persistence == nil {
		_, _ = failImmediately(b.persistenceMsgr)
		return 0, StatusError
	}
	status, payload := b.dispatch(b.persistenceMsgr, func() (uint32, uint32) {
		read, err := b.persistence.Load(path, dest)
		if errors.Is(err, ErrNotFound) {
			return StatusNotFound, 0
		}
		if err != nil {
			return StatusError, 0
		}
		return StatusOK, uint32(read)
	})
	return int(payload), status
}

// PersistenceDelete removes path.
func (b *Bridge) PersistenceDelete(path string) (status uint32) {
	if b.persistence == nil {
		_, _ = failImmediately(b.persistenceMsgr)
		return StatusError
	}
	status, _ = b.dispatch(b.persistenceMsgr, func() (uint32, uint32) {
		if err := b.persistence.Delete(path); err != nil {
			if errors.Is(err, ErrNotFound) {
				return StatusNotFound, 0
			}
			return StatusError, 0
		}
		return StatusOK, 0
	})
	return status
}

// PersistenceList writes every path sharing prefix, newline-joined and
// truncated to len(dest), per spec.md §4.3 "list's output is
// newline-joined paths truncated to buffer length".
func (b *Bridge) PersistenceList(prefix string, dest []byte) (n int, status uint32) {
	if b.persistence == nil {
		_, _ = failImmediately(b.persistenceMsgr)
		return 0, StatusError
	}
	status, payload := b.dispatch(b.persistenceMsgr, func() (uint32, uint32) {
		written, err := b.persistence.List(prefix, dest)
		if err != nil {
			return StatusError, 0
		}
		return StatusOK, uint32(written)
	})
	return int(payload), status
}
