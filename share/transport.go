package swshare

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/seawire-net/seawire/pkg/swframe"
)

// TransportState is the connection state of the single ship-to-shore
// transport.
type TransportState int32

const (
	// TransportDisconnected means there is no usable connection.
	TransportDisconnected TransportState = iota

	// TransportConnecting means a connect attempt (possibly a backoff
	// retry loop) is in progress.
	TransportConnecting

	// TransportConnected means frames can be sent and received.
	TransportConnected
)

var transportStateNames = [...]string{"disconnected", "connecting", "connected"}

func (s TransportState) String() string {
	if s < TransportDisconnected || s > TransportConnected {
		return "invalid"
	}
	return transportStateNames[s]
}

// Dialer establishes one new transport connection to the shore endpoint.
// Implementations cover plain TCP, TLS and websocket; the frame protocol
// is byte-identical across all of them.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
	String() string
}

// TransportConfig holds the tuning knobs for the transport session.
type TransportConfig struct {
	// MinBackoff and MaxBackoff bound the exponential reconnect delay.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// MaxFramePayload caps the declared payload length accepted from the
	// stream. 0 means swframe.DefaultMaxPayload.
	MaxFramePayload uint32
}

// Transport owns the single persistent connection to the shore egress.
// It provides frame send/receive primitives and the reconnect algorithm,
// but it never retries an individual send or receive: any I/O failure
// marks the session disconnected and surfaces to the caller, which decides
// when to reconnect. The caller (the Dispatcher's worker) is the exclusive
// user at any instant; the turn queue is the mutex.
type Transport struct {
	ShutdownHelper
	dialer Dialer
	cfg    TransportConfig

	// connectMu serializes Connect callers (the dispatcher worker and the
	// eager warmup at daemon start) so only one backoff loop dials.
	connectMu sync.Mutex

	state int32

	// conn and fr are owned by whoever holds the dispatcher's turn;
	// Lock only guards the pointer swap during Reset/Connect.
	conn net.Conn
	fr   *swframe.Reader
}

// NewTransport creates a Transport that will dial the shore endpoint
// through dialer. No connection is attempted until Connect is called.
func NewTransport(logger Logger, dialer Dialer, cfg TransportConfig) *Transport {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	t := &Transport{
		dialer: dialer,
		cfg:    cfg,
	}
	t.InitShutdownHelper(logger.Fork("transport(%s)", dialer), t)
	return t
}

// State returns the current transport state.
func (t *Transport) State() TransportState {
	return TransportState(atomic.LoadInt32(&t.state))
}

func (t *Transport) setState(s TransportState) {
	atomic.StoreInt32(&t.state, int32(s))
}

// HandleOnceShutdown closes the current connection, if any.
func (t *Transport) HandleOnceShutdown(completionErr error) error {
	t.Reset(nil)
	return completionErr
}

// Connect establishes the transport connection if it is not already
// established, retrying forever with capped exponential backoff. The link
// is assumed eventually reachable; giving up would strand every queued
// exchange. The loop is abandoned only when ctx is canceled or the
// transport is shut down.
func (t *Transport) Connect(ctx context.Context) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()
	if t.State() == TransportConnected {
		return nil
	}
	t.setState(TransportConnecting)

	b := &backoff.Backoff{
		Min:    t.cfg.MinBackoff,
		Max:    t.cfg.MaxBackoff,
		Jitter: true,
	}
	for {
		if t.IsStartedShutdown() {
			t.setState(TransportDisconnected)
			return ErrShuttingDown
		}
		select {
		case <-ctx.Done():
			t.setState(TransportDisconnected)
			return ctx.Err()
		default:
		}

		conn, err := t.dialer.Dial(ctx)
		if err == nil {
			t.Lock.Lock()
			t.conn = conn
			t.fr = swframe.NewReader(conn, t.cfg.MaxFramePayload)
			t.Lock.Unlock()
			t.setState(TransportConnected)
			t.ILogf("Connected (attempt %d)", int(b.Attempt())+1)
			return nil
		}

		d := b.Duration()
		t.ILogf("Connection error: %s (attempt %d); retrying in %s...", err, int(b.Attempt()), d)
		select {
		case <-ctx.Done():
			t.setState(TransportDisconnected)
			return ctx.Err()
		case <-t.ShutdownStartedChan():
			t.setState(TransportDisconnected)
			return ErrShuttingDown
		case <-time.After(d):
		}
	}
}

func (t *Transport) current() (net.Conn, *swframe.Reader) {
	t.Lock.Lock()
	defer t.Lock.Unlock()
	return t.conn, t.fr
}

// Reset tears down the current connection and marks the transport
// disconnected. It is safe to call at any time and from any goroutine;
// a concurrent blocked read or write on the old connection will fail
// promptly. cause is logged only.
func (t *Transport) Reset(cause error) {
	t.Lock.Lock()
	conn := t.conn
	t.conn = nil
	t.fr = nil
	t.Lock.Unlock()
	t.setState(TransportDisconnected)

	if conn != nil {
		if cause != nil {
			t.ILogf("Resetting connection: %s", cause)
		}
		conn.Close()
	}
}

// SendFrame writes one frame to the transport. Any error marks the session
// disconnected; the caller decides whether and when to reconnect.
func (t *Transport) SendFrame(f swframe.Frame) error {
	conn, _ := t.current()
	if conn == nil {
		return ErrNotConnected
	}
	if err := swframe.Write(conn, f); err != nil {
		t.Reset(err)
		return err
	}
	t.TLogf("sent %s", f)
	return nil
}

// RecvFrame reads one frame from the transport, waiting at most timeout
// (0 means wait forever).
//
// A timeout that expires on a frame boundary returns ErrExchangeTimeout and
// leaves the session connected: no bytes were consumed, so the stream is
// still synchronized and only the current exchange is failed. A timeout
// that expires mid-frame, or any other failure, resets the connection.
func (t *Transport) RecvFrame(timeout time.Duration) (swframe.Frame, error) {
	conn, fr := t.current()
	if conn == nil {
		return swframe.Frame{}, ErrNotConnected
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		t.Reset(err)
		return swframe.Frame{}, err
	}

	f, err := fr.ReadFrame()
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() && !fr.Dirty() {
			return swframe.Frame{}, ErrExchangeTimeout
		}
		t.Reset(err)
		return swframe.Frame{}, err
	}
	t.TLogf("received %s", f)
	return f, nil
}
