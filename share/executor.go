package swshare

import (
	"fmt"
	"io"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/seawire-net/seawire/pkg/swframe"
)

// relayChunkSize is the read size for the tunnel uplink pump. Each chunk
// becomes one DATA_OUT frame.
const relayChunkSize = 32 * 1024

// executor drives one exchange to completion while it holds the
// dispatcher's turn. It is the only code that touches the transport's
// send/receive primitives, and only ever for the current exchange.
type executor struct {
	Logger
	transport   *Transport
	recvTimeout time.Duration
}

func newExecutor(logger Logger, transport *Transport, recvTimeout time.Duration) *executor {
	return &executor{
		Logger:      logger.Fork("exec"),
		transport:   transport,
		recvTimeout: recvTimeout,
	}
}

// execute runs the exchange's full turn and returns its result. The caller
// resolves the exchange; execute never does.
func (e *executor) execute(x *Exchange) ExchangeResult {
	if !x.markActive() {
		// canceled between dequeue and turn start
		return ExchangeResult{Err: ErrExchangeCanceled}
	}
	if x.Kind == KindTunnel {
		return e.runTunnel(x)
	}
	return e.runSimple(x)
}

// runSimple performs one request/response round trip: one DATA_OUT frame
// out, exactly one DATA_IN frame back.
func (e *executor) runSimple(x *Exchange) ExchangeResult {
	if err := e.transport.SendFrame(swframe.Frame{Type: swframe.DataOut, Payload: x.Request}); err != nil {
		return ExchangeResult{Err: err}
	}
	x.addBytesOut(int64(len(x.Request)))

	f, err := e.transport.RecvFrame(e.recvTimeout)
	if err != nil {
		return ExchangeResult{Err: err}
	}
	if f.Type != swframe.DataIn {
		err := fmt.Errorf("protocol violation: %s frame while awaiting response", f.Type)
		e.transport.Reset(err)
		return ExchangeResult{Err: err}
	}
	x.addBytesIn(int64(len(f.Payload)))

	// Cancellation of an in-flight round trip is advisory: the response
	// was received (keeping the stream synchronized) but the submitter no
	// longer wants it.
	if x.Canceled() {
		return ExchangeResult{Err: ErrExchangeCanceled}
	}
	return ExchangeResult{Payload: f.Payload}
}

// runTunnel performs the CONNECT round trip and then, if the shore
// acknowledged and the exchange's Establish hook accepts, converts the
// shared channel into a raw bidirectional pipe until either side closes.
// The tunnel owns the transport for its entire lifetime; a slow or
// long-lived tunnel blocks every queued exchange until it ends. That is
// the price of a wire format with no correlation identifiers.
func (e *executor) runTunnel(x *Exchange) ExchangeResult {
	if x.Local == nil || x.Establish == nil {
		return ExchangeResult{Err: x.Errorf("tunnel exchange missing local stream or establish hook")}
	}
	defer x.Local.Close()

	if err := e.transport.SendFrame(swframe.Frame{Type: swframe.DataOut, Payload: x.Request}); err != nil {
		return ExchangeResult{Err: err}
	}
	x.addBytesOut(int64(len(x.Request)))

	ack, err := e.transport.RecvFrame(e.recvTimeout)
	if err != nil {
		return ExchangeResult{Err: err}
	}
	if ack.Type != swframe.DataIn {
		err := fmt.Errorf("protocol violation: %s frame while awaiting tunnel acknowledgment", ack.Type)
		e.transport.Reset(err)
		return ExchangeResult{Err: err}
	}
	x.addBytesIn(int64(len(ack.Payload)))

	relay, err := x.Establish(ack.Payload)
	if err != nil {
		return ExchangeResult{Err: err}
	}
	if !relay {
		// the shore refused the connect; the submitter has already
		// delivered the refusal and there is nothing to relay
		return ExchangeResult{}
	}

	if err := e.relay(x); err != nil {
		if x.Canceled() {
			return ExchangeResult{Err: ErrExchangeCanceled}
		}
		// a tunnel that dies mid-stream may leave the two sides
		// desynchronized, so the shared connection goes down with it
		e.transport.Reset(err)
		return ExchangeResult{Err: err}
	}
	if x.Canceled() {
		return ExchangeResult{Err: ErrExchangeCanceled}
	}
	return ExchangeResult{}
}

// relay pumps bytes in both directions between the exchange's local stream
// and the transport. An empty payload frame marks half-close of its
// direction; the relay is over when both directions have half-closed,
// leaving the transport connected and the stream still synchronized.
// Any error aborts the whole relay.
func (e *executor) relay(x *Exchange) error {
	upDone := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	// A cancel request must unblock the downlink read below; resetting the
	// transport is the only way to do that, and is correct because a torn
	// tunnel always tears the connection down anyway.
	go func() {
		select {
		case <-x.CancelChan():
			e.transport.Reset(ErrExchangeCanceled)
			x.Local.Close()
		case <-stop:
		}
	}()

	// uplink: local client -> DATA_OUT frames. Local end-of-stream becomes
	// an empty frame; a failure resets the transport so the downlink loop
	// unblocks promptly.
	go func() {
		buf := make([]byte, relayChunkSize)
		for {
			n, rerr := x.Local.Read(buf)
			if n > 0 {
				if serr := e.transport.SendFrame(swframe.Frame{Type: swframe.DataOut, Payload: buf[:n]}); serr != nil {
					upDone <- serr
					return
				}
				x.addBytesOut(int64(n))
			}
			if rerr != nil {
				if rerr == io.EOF {
					if serr := e.transport.SendFrame(swframe.Frame{Type: swframe.DataOut, Payload: nil}); serr != nil {
						upDone <- serr
						return
					}
					upDone <- nil
				} else {
					e.transport.Reset(rerr)
					upDone <- rerr
				}
				return
			}
		}
	}()

	// downlink: DATA_IN frames -> local client, on the turn-holding
	// goroutine. No receive timeout: a tunnel is idle-tolerant by design.
	var downErr error
	for {
		f, err := e.transport.RecvFrame(0)
		if err != nil {
			downErr = err
			break
		}
		if f.Type != swframe.DataIn {
			downErr = fmt.Errorf("protocol violation: %s frame inside tunnel relay", f.Type)
			e.transport.Reset(downErr)
			break
		}
		if len(f.Payload) == 0 {
			// shore half-closed its direction
			closeWrite(x.Local)
			break
		}
		if _, err := x.Local.Write(f.Payload); err != nil {
			downErr = err
			break
		}
		x.addBytesIn(int64(len(f.Payload)))
	}

	if downErr != nil {
		// unblock the uplink pump, then collect it
		x.Local.Close()
		e.transport.Reset(downErr)
		<-upDone
		return downErr
	}

	// clean downlink close; the tunnel stays up until the client side also
	// finishes sending
	upErr := <-upDone
	out, in := x.Bytes()
	if upErr != nil {
		return upErr
	}
	x.DLogf("relay closed (sent %s received %s)", sizestr.ToString(out), sizestr.ToString(in))
	return nil
}
