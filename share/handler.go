package swshare

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"time"
)

// ExchangeSubmitter is the narrow slice of the Dispatcher that client
// handlers need.
type ExchangeSubmitter interface {
	Submit(x *Exchange) error
}

const connectionEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// proxyHandler serves one accepted client connection on the ship side. It
// parses proxy requests off the socket, turns each into an exchange, and
// delivers results back to the client. Requests are served one at a time
// per connection; the connection itself stays open for keep-alive clients
// until they close it or a CONNECT consumes it.
type proxyHandler struct {
	Logger
	submitter  ExchangeSubmitter
	conn       net.Conn
	br         *bufio.Reader
	resultWait time.Duration
}

func newProxyHandler(logger Logger, submitter ExchangeSubmitter, conn net.Conn, serial int32, resultWait time.Duration) *proxyHandler {
	if resultWait <= 0 {
		resultWait = 60 * time.Second
	}
	return &proxyHandler{
		Logger:     logger.Fork("client#%d(%s)", serial, conn.RemoteAddr()),
		submitter:  submitter,
		conn:       conn,
		br:         bufio.NewReader(conn),
		resultWait: resultWait,
	}
}

// serve runs until the client goes away. It never drops the connection
// without either a response or an orderly close.
func (h *proxyHandler) serve() {
	defer h.conn.Close()
	for {
		req, err := http.ReadRequest(h.br)
		if err != nil {
			if err != io.EOF {
				h.DLogf("request parse error: %s", err)
				h.conn.Write(ErrorResponse(400, "Bad Request", fmt.Sprintf("could not parse request: %s", err)))
			}
			return
		}

		if req.Method == http.MethodConnect {
			// a CONNECT consumes the rest of the connection
			h.serveConnect(req)
			return
		}
		if !h.serveSimple(req) {
			return
		}
	}
}

// serveSimple runs one request/response exchange. Returns false when the
// connection should be closed instead of reused.
func (h *proxyHandler) serveSimple(req *http.Request) bool {
	raw, err := rebuildRequest(req)
	if err != nil {
		h.conn.Write(ErrorResponse(400, "Bad Request", err.Error()))
		return false
	}
	h.ILogf("%s %s", req.Method, req.RequestURI)

	x := NewSimpleExchange(h.Logger, raw, req.Method+" "+req.RequestURI)
	if err := h.submitter.Submit(x); err != nil {
		h.conn.Write(h.failureResponse(err))
		return false
	}

	select {
	case res := <-x.Result():
		if res.Err != nil {
			h.WLogf("exchange failed: %s", res.Err)
			h.conn.Write(h.failureResponse(res.Err))
			return false
		}
		if _, err := h.conn.Write(res.Payload); err != nil {
			h.DLogf("client write failed: %s", err)
			return false
		}
		// the shore rewrites every response to Connection: close, but the
		// client may still pipeline another request before it notices
		return true
	case <-time.After(h.resultWait):
		h.WLogf("gave up waiting for result after %s", h.resultWait)
		x.Cancel()
		h.conn.Write(ErrorResponse(504, "Gateway Timeout", "no response from the shore proxy"))
		return false
	}
}

// serveConnect turns a CONNECT request into a tunnel exchange. On a
// positive acknowledgment from the shore it answers the client with a
// synthetic 200 and hands the socket to the relay; a refusal is passed to
// the client verbatim.
func (h *proxyHandler) serveConnect(req *http.Request) {
	raw, err := rebuildRequest(req)
	if err != nil {
		h.conn.Write(ErrorResponse(400, "Bad Request", err.Error()))
		return
	}
	h.ILogf("CONNECT %s", req.Host)

	// the local side must include any bytes the client pipelined behind
	// the CONNECT headers (e.g. an eager TLS hello)
	local := &bufferedConn{Conn: h.conn, r: h.br}

	established := false
	establish := func(ack []byte) (bool, error) {
		if ResponseStatus(ack) == 200 {
			if _, err := h.conn.Write([]byte(connectionEstablished)); err != nil {
				return false, err
			}
			established = true
			return true, nil
		}
		h.DLogf("shore refused CONNECT %s", req.Host)
		h.conn.Write(ack)
		return false, nil
	}

	x := NewTunnelExchange(h.Logger, raw, req.Host, local, establish)
	if err := h.submitter.Submit(x); err != nil {
		h.conn.Write(h.failureResponse(err))
		return
	}

	// a tunnel lives as long as the client wants it to; resultWait only
	// bounds the establishment phase
	res := <-x.Result()
	if res.Err != nil && !established {
		h.conn.Write(h.failureResponse(res.Err))
	}
}

func (h *proxyHandler) failureResponse(err error) []byte {
	switch err {
	case ErrQueueFull:
		return ErrorResponse(503, "Service Unavailable", "the proxy is overloaded; try again shortly")
	case ErrExchangeTimeout:
		return ErrorResponse(504, "Gateway Timeout", "no response from the shore proxy")
	case ErrShuttingDown:
		return ErrorResponse(502, "Bad Gateway", "the proxy is shutting down")
	default:
		return ErrorResponse(502, "Bad Gateway", err.Error())
	}
}

// rebuildRequest reserializes a parsed request into the raw bytes carried
// over the transport: request line, headers and body. Chunked uploads are
// converted to an explicit Content-Length, since the wire carries whole
// requests as single opaque payloads.
func rebuildRequest(req *http.Request) ([]byte, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("error reading request body: %s", err)
		}
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s %s\r\n", req.Method, req.RequestURI, req.Proto)
	if req.Host != "" {
		fmt.Fprintf(&b, "Host: %s\r\n", req.Host)
	}

	names := make([]string, 0, len(req.Header))
	for name := range req.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range req.Header[name] {
			fmt.Fprintf(&b, "%s: %s\r\n", name, v)
		}
	}
	if len(req.TransferEncoding) > 0 || (len(body) > 0 && req.Header.Get("Content-Length") == "") {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	}
	b.WriteString("\r\n")
	b.Write(body)
	return b.Bytes(), nil
}

// bufferedConn joins a connection with the bytes already buffered by its
// request parser.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// CloseWrite half-closes the underlying socket's write side when it
// supports that.
func (c *bufferedConn) CloseWrite() error {
	return closeWrite(c.Conn)
}
