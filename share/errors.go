package swshare

import "errors"

// Sentinel errors for the exchange pipeline. Protocol decode failures
// (malformed or truncated frames) are defined in pkg/swframe; everything
// here is about the lifecycle of individual exchanges and the shared
// transport.
var (
	// ErrQueueFull is returned by Dispatcher.Submit when the bounded
	// exchange queue is at capacity. The queue and transport are unaffected;
	// the submitter should answer its client and go away.
	ErrQueueFull = errors.New("exchange queue is full")

	// ErrExchangeTimeout indicates no response frame arrived within the
	// configured receive window. It fails only the current exchange; the
	// transport stream is assumed still usable because no frame bytes were
	// consumed.
	ErrExchangeTimeout = errors.New("timed out waiting for response frame")

	// ErrExchangeCanceled is the result of an exchange whose submitter
	// canceled it, either while still queued or while in flight.
	ErrExchangeCanceled = errors.New("exchange canceled by submitter")

	// ErrShuttingDown resolves exchanges that were still queued when the
	// dispatcher began shutting down.
	ErrShuttingDown = errors.New("proxy is shutting down")

	// ErrNotConnected is returned by transport send/receive when there is
	// no established connection to operate on.
	ErrNotConnected = errors.New("transport is not connected")
)
