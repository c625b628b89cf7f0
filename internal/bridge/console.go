package bridge

// ConsoleRead performs a blocking read into dest, per spec.md §4.3
// "Console: blocking read into a kernel-memory buffer".
func (b *Bridge) ConsoleRead(dest []byte) (n int, status uint32) {
	if b.console == nil {
		_, _ = failImmediately(b.consoleMsgr)
		return 0, StatusError
	}
	status, payload := b.dispatch(b.consoleMsgr, func() (uint32, uint32) {
		got, err := b.console.Read(dest)
		if err != nil {
			return StatusError, uint32(got)
		}
		return StatusOK, uint32(got)
	})
	return int(payload), status
}

// ConsoleWrite performs an unbuffered write from src, per spec.md §4.3
// "unbuffered write from a kernel-memory buffer".
func (b *Bridge) ConsoleWrite(src []byte) (n int, status uint32) {
	if b.console == nil {
		_, _ = failImmediately(b.consoleMsgr)
		return 0, StatusError
	}
	status, payload := b.dispatch(b.consoleMsgr, func() (uint32, uint32) {
		written, err := b.console.Write(src)
		if err != nil {
			return StatusError, uint32(written)
		}
		return StatusOK, uint32(written)
	})
	return int(payload), status
}
