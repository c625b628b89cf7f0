package bridge

import "context"

// NetworkOpen opens a logical connection to host:port, returning the
// connection id assigned by the network backend as the call's payload
// (spec.md §4.3 "the second integer slot carries a numeric payload").
func (b *Bridge) NetworkOpen(ctx context.Context, host string, port uint16) (connID uint32, status uint32) {
	if b.network == nil {
		_, _ = failImmediately(b.networkMsgr)
		return 0, StatusError
	}
	status, payload := b.dispatch(b.networkMsgr, func() (uint32, uint32) {
		id, err := b.network.Open(ctx, host, port)
		if err != nil {
			return StatusError, 0
		}
		return StatusOK, id
	})
	return payload, status
}

// NetworkWrite writes data to connID.
func (b *Bridge) NetworkWrite(connID uint32, data []byte) (n int, status uint32) {
	if b.network == nil {
		_, _ = failImmediately(b.networkMsgr)
		return 0, StatusError
	}
	status, payload := b.dispatch(b.networkMsgr, func() (uint32, uint32) {
		written, err := b.network.Write(connID, data)
		if err != nil {
			return networkErrStatus(err), uint32(written)
		}
		return StatusOK, uint32(written)
	})
	return int(payload), status
}

// NetworkRead reads buffered inbound data for connID into dest.
func (b *Bridge) NetworkRead(connID uint32, dest []byte) (n int, status uint32) {
	if b.network == nil {
		_, _ = failImmediately(b.networkMsgr)
		return 0, StatusError
	}
	status, payload := b.dispatch(b.networkMsgr, func() (uint32, uint32) {
		read, err := b.network.Read(connID, dest)
		if err != nil {
			return networkErrStatus(err), uint32(read)
		}
		return StatusOK, uint32(read)
	})
	return int(payload), status
}

// NetworkPoll reports whether connID currently has data ready to read;
// the payload slot is 1 when readable, 0 otherwise.
func (b *Bridge) NetworkPoll(connID uint32) (readable bool, status uint32) {
	if b.network == nil {
		_, _ = failImmediately(b.networkMsgr)
		return false, StatusError
	}
	status, payload := b.dispatch(b.networkMsgr, func() (uint32, uint32) {
		ready, closed, err := b.network.Poll(connID)
		if err != nil {
			return StatusError, 0
		}
		if closed {
			return StatusRemoteClosed, 0
		}
		if ready {
			return StatusOK, 1
		}
		return StatusOK, 0
	})
	return payload == 1, status
}

// NetworkClose tears down connID.
func (b *Bridge) NetworkClose(connID uint32) (status uint32) {
	if b.network == nil {
		_, _ = failImmediately(b.networkMsgr)
		return StatusError
	}
	status, _ = b.dispatch(b.networkMsgr, func() (uint32, uint32) {
		if err := b.network.Close(connID); err != nil {
			return StatusError, 0
		}
		return StatusOK, 0
	})
	return status
}

// networkErrStatus distinguishes a closed-remote condition from a
// generic error for the network call family (spec.md §4.3 "3 =
// remote-closed (network only)").
func networkErrStatus(err error) uint32 {
	if err == ErrRemoteClosed {
		return StatusRemoteClosed
	}
	return StatusError
}
