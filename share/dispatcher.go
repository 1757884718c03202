package swshare

import (
	"context"
	"time"

	"github.com/jpillora/sizestr"
)

// TrafficRecorder receives one record per completed turn, for accounting.
// A nil recorder disables accounting.
type TrafficRecorder interface {
	RecordExchange(rec *ExchangeRecord)
}

// DispatcherConfig holds the tuning knobs for the dispatch serializer.
type DispatcherConfig struct {
	// QueueCapacity bounds the number of exchanges that may wait for a
	// turn. Submissions beyond it are rejected with ErrQueueFull.
	QueueCapacity int

	// RecvTimeout bounds the wait for a simple exchange's response frame
	// (and a tunnel's acknowledgment frame).
	RecvTimeout time.Duration
}

// Dispatcher serializes all exchanges onto the single transport. Client
// handlers submit exchanges concurrently; one worker goroutine drains them
// in strict FIFO order and grants each one exclusive use of the transport
// for its entire duration, including a tunnel's full lifetime. That turn
// discipline is the whole correctness argument of the wire protocol:
// frames carry no correlation identifier, so every frame in flight must
// belong to the one active exchange.
type Dispatcher struct {
	ShutdownHelper
	transport *Transport
	exec      *executor
	queue     chan *Exchange
	recorder  TrafficRecorder
	stats     ConnStats
}

// NewDispatcher creates a Dispatcher bound to transport. recorder may be
// nil.
func NewDispatcher(logger Logger, transport *Transport, cfg DispatcherConfig, recorder TrafficRecorder) *Dispatcher {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 512
	}
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = 60 * time.Second
	}
	d := &Dispatcher{
		transport: transport,
		queue:     make(chan *Exchange, cfg.QueueCapacity),
		recorder:  recorder,
	}
	d.InitShutdownHelper(logger.Fork("dispatch"), d)
	d.exec = newExecutor(d.Logger, transport, cfg.RecvTimeout)
	d.AddShutdownChild(transport)
	return d
}

// Start launches the worker goroutine. The worker's lifetime is bound to
// ctx and to the dispatcher's own shutdown.
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.DoOnceActivate(
		func() error {
			d.ShutdownOnContext(ctx)
			workerDone := make(chan struct{})
			d.AddShutdownChildChan(workerDone)
			go func() {
				defer close(workerDone)
				d.serveLoop(ctx)
			}()
			return nil
		},
		true,
	)
}

// Submit enqueues an exchange for its turn on the transport and returns
// immediately; the caller collects the outcome from x.Result(). Submission
// fails synchronously with ErrQueueFull when the queue is at capacity, or
// ErrShuttingDown once shutdown has begun.
func (d *Dispatcher) Submit(x *Exchange) error {
	if d.IsStartedShutdown() {
		return ErrShuttingDown
	}
	select {
	case d.queue <- x:
		d.stats.New()
		x.DLogf("queued (depth ~%d)", len(d.queue))
		return nil
	default:
		return ErrQueueFull
	}
}

// serveLoop is the single worker of control. Nothing else may touch the
// transport's send/receive primitives outside a turn granted here.
func (d *Dispatcher) serveLoop(ctx context.Context) {
	d.DLogf("worker started")
	for {
		var x *Exchange
		select {
		case <-d.ShutdownStartedChan():
			d.DLogf("worker stopping")
			return
		case x = <-d.queue:
		}

		if x.State() == StateCanceled {
			x.DLogf("skipping canceled exchange")
			continue
		}

		// The queue stalls here while the link is down; nothing pending is
		// dropped. Only a shutdown or context cancellation abandons the
		// reconnect wait.
		if d.transport.State() != TransportConnected {
			if err := d.transport.Connect(ctx); err != nil {
				x.resolve(ExchangeResult{Err: err})
				d.record(x, time.Now(), err)
				continue
			}
		}

		d.stats.Open()
		started := time.Now()
		res := d.exec.execute(x)
		x.resolve(res)
		d.stats.Close()

		out, in := x.Bytes()
		d.stats.AddBytes(out, in)
		if res.Err != nil {
			x.DLogf("%s turn failed after %s (sent %s received %s): %s",
				d.stats.String(), time.Since(started).Round(time.Millisecond),
				sizestr.ToString(out), sizestr.ToString(in), res.Err)
		} else {
			x.DLogf("%s turn done in %s (sent %s received %s)",
				d.stats.String(), time.Since(started).Round(time.Millisecond),
				sizestr.ToString(out), sizestr.ToString(in))
		}
		d.record(x, started, res.Err)
	}
}

func (d *Dispatcher) record(x *Exchange, started time.Time, outcome error) {
	if d.recorder == nil {
		return
	}
	out, in := x.Bytes()
	rec := &ExchangeRecord{
		ID:        x.ID,
		Kind:      x.Kind.String(),
		Target:    x.Target,
		BytesOut:  out,
		BytesIn:   in,
		Duration:  time.Since(started),
		Outcome:   "ok",
		StartedAt: started,
	}
	if outcome != nil {
		rec.Outcome = outcome.Error()
	}
	d.recorder.RecordExchange(rec)
}

// HandleOnceShutdown resolves every still-queued exchange so no submitter
// is left waiting forever, then lets the child transport shut down.
func (d *Dispatcher) HandleOnceShutdown(completionErr error) error {
	for {
		select {
		case x := <-d.queue:
			x.resolve(ExchangeResult{Err: ErrShuttingDown})
		default:
			return completionErr
		}
	}
}
