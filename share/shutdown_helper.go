package swshare

import (
	"context"
	"sync"
)

// OnceActivateHandler is a function that is called exactly once with shutdown
// paused to activate the object that supports shutdown. If it returns an
// error, the object will not be activated and shutdown will be started
// immediately.
type OnceActivateHandler func() error

// OnceShutdownHandler is an interface that must be implemented by the object
// managed by ShutdownHelper
type OnceShutdownHandler interface {
	// HandleOnceShutdown will be called exactly once, in its own goroutine.
	// It should take completionError as an advisory completion value,
	// actually shut down, then return the real completion value.
	HandleOnceShutdown(completionError error) error
}

// AsyncShutdowner is an interface implemented by objects that provide
// asynchronous shutdown capability.
type AsyncShutdowner interface {
	// StartShutdown schedules asynchronous shutdown of the object. If the
	// object has already been scheduled for shutdown, it has no effect.
	StartShutdown(completionErr error)

	// ShutdownDoneChan returns a chan that is closed after shutdown is complete.
	ShutdownDoneChan() <-chan struct{}

	// WaitShutdown blocks until the object is completely shut down, and
	// returns the final completion status
	WaitShutdown() error
}

// ShutdownHelper is a base that manages clean asynchronous shutdown for an
// object that implements OnceShutdownHandler. Long-lived objects in this
// package (the ship and shore daemons, the transport, the dispatcher,
// listeners) embed it so that teardown propagates through the whole tree
// of owned resources.
type ShutdownHelper struct {
	// Logger is the Logger that will be used for log output from this helper
	Logger

	// Lock is a general-purpose fine-grained mutex for this helper; it may be
	// used as a general-purpose lock by derived objects as well
	Lock sync.Mutex

	shutdownHandler OnceShutdownHandler

	isActivated         bool
	isStartedShutdown   bool
	isDoneShutdown      bool
	shutdownErr         error
	shutdownStartedChan chan struct{}
	shutdownDoneChan    chan struct{}

	// wg is incremented for each child that shutdown must wait on
	wg sync.WaitGroup
}

// InitShutdownHelper initializes a new ShutdownHelper in place
func (h *ShutdownHelper) InitShutdownHelper(logger Logger, shutdownHandler OnceShutdownHandler) {
	h.Logger = logger
	h.shutdownHandler = shutdownHandler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

// DoOnceActivate takes steps to activate the object exactly once:
//
//	if already activated, returns nil
//	if already shutting down, returns an error (waiting for shutdown to
//	   complete first if waitOnFail is true)
//	otherwise invokes the handler; a handler error starts shutdown with
//	   that error
func (h *ShutdownHelper) DoOnceActivate(onceActivateHandler OnceActivateHandler, waitOnFail bool) error {
	h.Lock.Lock()
	if h.isActivated {
		h.Lock.Unlock()
		return nil
	}
	if h.isStartedShutdown {
		h.Lock.Unlock()
		if waitOnFail {
			if err := h.WaitShutdown(); err != nil {
				return err
			}
		}
		return h.Errorf("Shutdown already started; cannot activate")
	}
	h.isActivated = true
	h.Lock.Unlock()

	err := onceActivateHandler()
	if err != nil {
		h.StartShutdown(err)
		if waitOnFail {
			h.WaitShutdown()
		}
	}
	return err
}

// IsActivated returns true if this helper has been activated
func (h *ShutdownHelper) IsActivated() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isActivated
}

// ShutdownOnContext begins background monitoring of a context.Context, and
// will begin asynchronously shutting down this helper with the context's
// error if the context is completed. This method does not block; it just
// constrains the lifetime of this object to a context.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsStartedShutdown returns true if shutdown has begun. It continues to
// return true after shutdown is complete
func (h *ShutdownHelper) IsStartedShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isStartedShutdown
}

// IsDoneShutdown returns true if shutdown is complete.
func (h *ShutdownHelper) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isDoneShutdown
}

// ShutdownStartedChan returns a channel that is closed as soon as shutdown
// is initiated
func (h *ShutdownHelper) ShutdownStartedChan() <-chan struct{} {
	return h.shutdownStartedChan
}

// ShutdownDoneChan returns a channel that is closed after shutdown is done
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.shutdownDoneChan
}

// WaitShutdown waits for the shutdown to complete, then returns the final
// shutdown status. It does not initiate shutdown, so it can be used to wait
// on an object that will shut down at an unspecified point in the future.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.shutdownDoneChan
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.shutdownErr
}

// Shutdown performs a synchronous shutdown. It initiates shutdown if it has
// not already started, waits for the shutdown to complete, then returns the
// final shutdown status
func (h *ShutdownHelper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// StartShutdown schedules asynchronous shutdown of the object. If the object
// has already been scheduled for shutdown, it has no effect.
// "completionErr" is an advisory error (or nil) to use as the completion
// status from WaitShutdown(). The handler may use this value or decide to
// return something else.
//
// Asynchronously, the first call kicks off the following:
//
//   - Signal that shutdown has started
//   - Invoke HandleOnceShutdown with the provided advisory completion status.
//     The return value will be used as the final completion status
//   - Start shutdown of each registered child, and wait for all children
//     to finish shutting down
//   - Signal shutdown complete
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	h.Lock.Lock()
	if h.isStartedShutdown {
		h.Lock.Unlock()
		return
	}
	h.isStartedShutdown = true
	h.shutdownErr = completionErr
	h.Lock.Unlock()

	h.DLogf("->shutdownStarted")
	close(h.shutdownStartedChan)
	go func() {
		err := h.shutdownHandler.HandleOnceShutdown(completionErr)
		h.Lock.Lock()
		h.shutdownErr = err
		h.Lock.Unlock()
		h.wg.Wait()
		h.Lock.Lock()
		h.isDoneShutdown = true
		h.Lock.Unlock()
		h.DLogf("->shutdownDone")
		close(h.shutdownDoneChan)
	}()
}

// Close is a default implementation of Close(), which simply shuts down
// with an advisory completion status of nil, and returns the final
// completion status
func (h *ShutdownHelper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChildChan adds a chan that will be waited on before this
// object's shutdown is considered complete. The helper will not take any
// action to cause the chan to be closed; that is the caller's job.
func (h *ShutdownHelper) AddShutdownChildChan(childDoneChan <-chan struct{}) {
	h.wg.Add(1)
	go func() {
		<-childDoneChan
		h.wg.Done()
	}()
}

// AddShutdownChild adds a child object to the set of objects that will be
// actively shut down by this helper before its own shutdown is considered
// complete. The child is shut down with an advisory completion status equal
// to this helper's advisory status.
func (h *ShutdownHelper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.shutdownStartedChan:
			h.Lock.Lock()
			advisoryErr := h.shutdownErr
			h.Lock.Unlock()
			child.StartShutdown(advisoryErr)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}
