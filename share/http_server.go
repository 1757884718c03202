package swshare

import (
	"context"
	"net"
	"net/http"
)

// HTTPServer extends net/http's Server with graceful shutdown through a
// ShutdownHelper. The shore uses it for the websocket transport endpoint.
type HTTPServer struct {
	ShutdownHelper
	*http.Server
	listener net.Listener
}

// NewHTTPServer creates a new HTTPServer
func NewHTTPServer(logger Logger) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{},
	}
	h.InitShutdownHelper(logger.Fork("http"), h)
	return h
}

// HandleOnceShutdown closes the listener, which unblocks Serve.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	if h.listener != nil {
		err := h.listener.Close()
		if completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}

// ServeListener runs the HTTP server on an already-bound listener,
// invoking the provided handler for each request. It returns after the
// server has shut down, either by cancelling the context or by shutting
// down the server.
func (h *HTTPServer) ServeListener(ctx context.Context, l net.Listener, handler http.Handler) error {
	err := h.DoOnceActivate(
		func() error {
			h.ShutdownOnContext(ctx)
			h.Handler = handler
			h.listener = l
			go func() {
				h.Shutdown(h.Serve(l))
			}()
			return nil
		},
		true,
	)
	if err == nil {
		err = h.WaitShutdown()
	}
	return err
}

// Shutdown completely shuts down the server, then returns the final
// completion code
func (h *HTTPServer) Shutdown(completionErr error) error {
	return h.ShutdownHelper.Shutdown(completionErr)
}

// Close completely shuts down the server, then returns the final
// completion code
func (h *HTTPServer) Close() error {
	return h.ShutdownHelper.Close()
}
