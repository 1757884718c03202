package swshare

// WriteHalfCloser is an interface for bidirectional io streams that implement
// CloseWrite(). It corresponds to net.TCPConn.CloseWrite(): the writer
// indicates end-of-stream while the read half of the stream remains active.
// Tunnel relays use it to propagate one direction's end-of-stream without
// tearing down the other direction.
type WriteHalfCloser interface {
	CloseWrite() error
}

// closeWrite half-closes the write side of rwc if it supports it; otherwise
// it is a no-op and the full Close() at relay teardown will end the stream.
func closeWrite(rwc interface{}) error {
	if whc, ok := rwc.(WriteHalfCloser); ok {
		return whc.CloseWrite()
	}
	return nil
}
