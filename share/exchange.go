package swshare

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ExchangeKind is a closed tagged variant: every exchange is either a
// single request/response round trip or a CONNECT tunnel. The scheduling
// layer treats both uniformly; only the executor cares which is which.
type ExchangeKind int

const (
	// KindSimple is a full HTTP request expecting a full HTTP response.
	KindSimple ExchangeKind = iota

	// KindTunnel is a CONNECT request expecting an acknowledgment, after
	// which the exchange becomes an open-ended bidirectional byte relay.
	KindTunnel
)

func (k ExchangeKind) String() string {
	if k == KindTunnel {
		return "tunnel"
	}
	return "simple"
}

// ExchangeState is the lifecycle state of one exchange.
// Transitions: Pending -> Active -> {Done, Failed, Canceled}. A pending
// exchange whose submitter cancels it moves directly to Canceled and is
// skipped by the dispatcher without consuming a turn.
type ExchangeState int32

const (
	// StatePending means the exchange is queued and has not yet been
	// granted a turn on the transport.
	StatePending ExchangeState = iota

	// StateActive means the exchange currently owns the transport.
	StateActive

	// StateDone is terminal success.
	StateDone

	// StateFailed is terminal failure.
	StateFailed

	// StateCanceled is terminal cancellation.
	StateCanceled
)

var exchangeStateNames = [...]string{"pending", "active", "done", "failed", "canceled"}

func (s ExchangeState) String() string {
	if s < StatePending || s > StateCanceled {
		return "invalid"
	}
	return exchangeStateNames[s]
}

// ExchangeResult is delivered exactly once on an exchange's result channel.
// For a simple exchange Payload is the full raw HTTP response; for a tunnel
// it is nil and the result only reports how the relay ended.
type ExchangeResult struct {
	Payload []byte
	Err     error
}

// EstablishFunc is invoked by the executor with the shore's raw
// acknowledgment bytes after a tunnel's CONNECT round trip. It decides
// whether to enter relay mode: (true, nil) starts the relay, (false, nil)
// ends the exchange without a relay (the submitter has already delivered a
// refusal to its client), and a non-nil error fails the exchange.
type EstablishFunc func(ack []byte) (bool, error)

// Exchange is the unit of work submitted to the Dispatcher. It carries the
// outbound payload, the submitter's result channel, and, for tunnels, the
// local byte stream to relay.
type Exchange struct {
	Logger

	// ID is a per-exchange identifier used in logging and the traffic
	// ledger. It never appears on the wire.
	ID string

	Kind ExchangeKind

	// Request is the complete raw outbound payload: an HTTP request for a
	// simple exchange, the CONNECT request for a tunnel.
	Request []byte

	// Target describes the destination for logging and accounting,
	// e.g. "GET http://example.com/" or "example.com:443".
	Target string

	// Local is the byte stream bound to the originating client connection.
	// Only tunnels use it; the relay pumps bytes between Local and the
	// transport.
	Local io.ReadWriteCloser

	// Establish is consulted after a tunnel's CONNECT acknowledgment.
	Establish EstablishFunc

	state      int32
	resultChan chan ExchangeResult
	cancelChan chan struct{}
	cancelOnce sync.Once

	bytesOut int64
	bytesIn  int64

	submittedAt time.Time
}

// NewSimpleExchange creates a request/response exchange carrying one raw
// HTTP request.
func NewSimpleExchange(logger Logger, request []byte, target string) *Exchange {
	return newExchange(logger, KindSimple, request, target)
}

// NewTunnelExchange creates a tunnel exchange. local is the client-side byte
// stream to relay once establish accepts the shore's acknowledgment.
func NewTunnelExchange(logger Logger, connectRequest []byte, target string, local io.ReadWriteCloser, establish EstablishFunc) *Exchange {
	x := newExchange(logger, KindTunnel, connectRequest, target)
	x.Local = local
	x.Establish = establish
	return x
}

func newExchange(logger Logger, kind ExchangeKind, request []byte, target string) *Exchange {
	id := uuid.New().String()[:8]
	x := &Exchange{
		ID:          id,
		Kind:        kind,
		Request:     request,
		Target:      target,
		resultChan:  make(chan ExchangeResult, 1),
		cancelChan:  make(chan struct{}),
		submittedAt: time.Now(),
	}
	x.Logger = logger.Fork("xchg#%s(%s %s)", id, kind, target)
	return x
}

// Result returns the channel on which the exchange's single result will be
// delivered. The channel is buffered, so an abandoned submitter never
// blocks the dispatcher.
func (x *Exchange) Result() <-chan ExchangeResult {
	return x.resultChan
}

// State returns the exchange's current lifecycle state.
func (x *Exchange) State() ExchangeState {
	return ExchangeState(atomic.LoadInt32(&x.state))
}

// Cancel requests cancellation. A still-pending exchange resolves
// immediately with ErrExchangeCanceled and will be skipped without
// consuming a turn. For an active exchange cancellation is advisory: the
// executor finishes the in-flight round trip or tears down the tunnel,
// then reports cancellation. It never abandons the transport mid-frame,
// since a partial frame would desynchronize the shared stream for every
// exchange after this one.
func (x *Exchange) Cancel() {
	x.cancelOnce.Do(func() {
		close(x.cancelChan)
	})
	if atomic.CompareAndSwapInt32(&x.state, int32(StatePending), int32(StateCanceled)) {
		x.DLogf("canceled while pending")
		x.resultChan <- ExchangeResult{Err: ErrExchangeCanceled}
	}
}

// CancelChan returns a channel that is closed when the submitter has
// requested cancellation.
func (x *Exchange) CancelChan() <-chan struct{} {
	return x.cancelChan
}

// Canceled reports whether cancellation has been requested, whatever the
// exchange's current state.
func (x *Exchange) Canceled() bool {
	select {
	case <-x.cancelChan:
		return true
	default:
		return false
	}
}

// Bytes returns the (out, in) payload byte totals moved by this exchange.
func (x *Exchange) Bytes() (int64, int64) {
	return atomic.LoadInt64(&x.bytesOut), atomic.LoadInt64(&x.bytesIn)
}

func (x *Exchange) addBytesOut(n int64) {
	atomic.AddInt64(&x.bytesOut, n)
}

func (x *Exchange) addBytesIn(n int64) {
	atomic.AddInt64(&x.bytesIn, n)
}

// markActive is called by the executor at the start of the exchange's turn.
// It returns false if the exchange was canceled before the turn started.
func (x *Exchange) markActive() bool {
	return atomic.CompareAndSwapInt32(&x.state, int32(StatePending), int32(StateActive))
}

// resolve moves an exchange to its terminal state and delivers the result
// to the submitter. It works from either the active state (normal turn
// completion) or the pending state (connect failure, shutdown drain). It is
// a no-op if the exchange already reached a terminal state.
func (x *Exchange) resolve(res ExchangeResult) {
	var final ExchangeState
	switch {
	case res.Err == nil:
		final = StateDone
	case res.Err == ErrExchangeCanceled:
		final = StateCanceled
	default:
		final = StateFailed
	}
	if !atomic.CompareAndSwapInt32(&x.state, int32(StateActive), int32(final)) &&
		!atomic.CompareAndSwapInt32(&x.state, int32(StatePending), int32(final)) {
		return
	}
	x.resultChan <- res
}
