package swshare

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/jpillora/sizestr"

	"github.com/seawire-net/seawire/pkg/swframe"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Shore is the egress daemon on the internet side of the link. It accepts
// transport connections from ships (several ships may be connected at
// once, one session each), decodes their frames, performs the real
// outbound HTTP and tunnel I/O, and frames results back.
type Shore struct {
	ShutdownHelper
	cfg        *ShoreConfig
	forwarder  *Forwarder
	certs      *CertWatcher
	listener   net.Listener
	addr       net.Addr
	httpServer *HTTPServer
	stats      ConnStats
}

// NewShore creates the shore daemon from its configuration.
func NewShore(cfg *ShoreConfig) (*Shore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := NewLogger("shore", cfg.logLevel())
	s := &Shore{
		cfg:       cfg,
		forwarder: NewForwarder(logger, time.Duration(cfg.HTTPTimeout), cfg.InsecureUpstream),
	}
	s.InitShutdownHelper(logger, s)
	return s, nil
}

// Run starts the daemon and blocks until it shuts down.
func (s *Shore) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	s.ShutdownOnContext(ctx)
	return s.WaitShutdown()
}

// Start brings the daemon up without blocking.
func (s *Shore) Start(ctx context.Context) error {
	return s.DoOnceActivate(
		func() error {
			l, err := net.Listen("tcp", s.cfg.Listen)
			if err != nil {
				return s.Errorf("listen failed on %s: %s", s.cfg.Listen, err)
			}
			s.Lock.Lock()
			s.addr = l.Addr()
			s.Lock.Unlock()

			switch s.cfg.Mode {
			case "tls":
				s.certs, err = NewCertWatcher(s.Logger, s.cfg.CertFile, s.cfg.KeyFile)
				if err != nil {
					l.Close()
					return err
				}
				s.AddShutdownChild(s.certs)
				l = tls.NewListener(l, &tls.Config{GetCertificate: s.certs.GetCertificate})
				fallthrough
			case "tcp":
				s.Lock.Lock()
				s.listener = l
				s.Lock.Unlock()
				s.ILogf("Accepting %s ship connections on %s", s.cfg.Mode, l.Addr())
				go s.acceptLoop(ctx)
			case "ws":
				s.httpServer = NewHTTPServer(s.Logger)
				s.AddShutdownChild(s.httpServer)
				handler := s.wsHandler(ctx)
				if s.cfg.logLevel() >= LogLevelDebug {
					handler = requestlog.Wrap(handler)
				}
				s.ILogf("Accepting ws ship connections on %s", l.Addr())
				go s.httpServer.ServeListener(ctx, l, handler)
			}
			return nil
		},
		true,
	)
}

// Addr returns the transport listener address, or nil before Start.
func (s *Shore) Addr() net.Addr {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	return s.addr
}

func (s *Shore) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.IsStartedShutdown() {
				s.ILogf("Accept error, shutting down accept loop: %s", err)
			}
			return
		}
		go s.runSession(ctx, conn)
	}
}

// wsHandler serves the websocket transport endpoint plus the health and
// version probes.
func (s *Shore) wsHandler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/seawire", func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			http.Error(w, "Not Found", 404)
			return
		}
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			err = s.DLogErrorf("Failed to upgrade to websocket: %s", err)
			http.Error(w, err.Error(), 503)
			return
		}
		s.runSession(ctx, NewWebSocketConn(wsConn))
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK\n"))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(BuildVersion + "\n"))
	})
	return mux
}

func (s *Shore) runSession(ctx context.Context, conn net.Conn) {
	serial := s.stats.New()
	s.stats.Open()
	ss := &shoreSession{
		Logger:    s.Logger.Fork("ship#%d(%s)", serial, conn.RemoteAddr()),
		conn:      conn,
		forwarder: s.forwarder,
		cfg:       s.cfg,
	}
	ss.ILogf("%s Ship connected", s.stats.String())
	ss.run(ctx)
	s.stats.Close()
	ss.ILogf("%s Ship session closed", s.stats.String())
}

// HandleOnceShutdown closes the raw listener; the ws-mode HTTP server and
// the cert watcher shut down as children.
func (s *Shore) HandleOnceShutdown(completionErr error) error {
	s.Lock.Lock()
	l := s.listener
	s.listener = nil
	s.Lock.Unlock()
	if l != nil {
		l.Close()
	}
	return completionErr
}

// shoreSession serves one ship's transport connection: a strict loop of
// inbound DATA_OUT frames, each answered with exactly one DATA_IN frame,
// except while a tunnel temporarily converts the stream into a raw
// bidirectional pipe.
type shoreSession struct {
	Logger
	conn      net.Conn
	forwarder *Forwarder
	cfg       *ShoreConfig
}

func (ss *shoreSession) run(ctx context.Context) {
	defer ss.conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ss.conn.Close()
		case <-stop:
		}
	}()

	fr := swframe.NewReader(ss.conn, ss.cfg.MaxFramePayload)
	for {
		f, err := fr.ReadFrame()
		if err != nil {
			if err != io.EOF {
				ss.WLogf("frame read error: %s", err)
			}
			return
		}
		if f.Type != swframe.DataOut {
			ss.WLogf("protocol violation: unexpected %s frame from ship", f.Type)
			return
		}

		if isConnectRequest(f.Payload) {
			if err := ss.serveTunnel(f.Payload, fr); err != nil {
				ss.WLogf("tunnel failed, closing session: %s", err)
				return
			}
			continue
		}

		resp := ss.forwarder.RoundTrip(f.Payload)
		if err := swframe.Write(ss.conn, swframe.Frame{Type: swframe.DataIn, Payload: resp}); err != nil {
			ss.WLogf("response write failed: %s", err)
			return
		}
	}
}

func isConnectRequest(payload []byte) bool {
	return bytes.HasPrefix(payload, []byte("CONNECT "))
}

// connectTarget extracts the host:port from a CONNECT request line.
// Returns "" if the line is not well formed.
func connectTarget(raw []byte) string {
	eol := bytes.Index(raw, []byte("\r\n"))
	if eol < 0 {
		eol = len(raw)
	}
	parts := strings.Split(string(raw[:eol]), " ")
	if len(parts) != 3 || !strings.Contains(parts[1], ":") {
		return ""
	}
	return parts[1]
}

// serveTunnel dials the CONNECT target, acknowledges, then relays raw
// bytes both ways until either side closes. A refused dial is answered
// with an error document and is not fatal to the session; once the relay
// has started, any failure is, because the two sides' byte streams may be
// desynchronized.
func (ss *shoreSession) serveTunnel(raw []byte, fr *swframe.Reader) error {
	target := connectTarget(raw)
	if target == "" {
		return swframe.Write(ss.conn, swframe.Frame{
			Type:    swframe.DataIn,
			Payload: ErrorResponse(400, "Bad Request", "malformed CONNECT request"),
		})
	}
	ss.ILogf("CONNECT %s", target)

	d := net.Dialer{Timeout: time.Duration(ss.cfg.DialTimeout)}
	tconn, err := d.Dial("tcp", target)
	if err != nil {
		ss.WLogf("CONNECT dial %s failed: %s", target, err)
		return swframe.Write(ss.conn, swframe.Frame{
			Type:    swframe.DataIn,
			Payload: ErrorResponse(502, "Bad Gateway", "could not reach "+target),
		})
	}
	defer tconn.Close()

	if err := swframe.Write(ss.conn, swframe.Frame{Type: swframe.DataIn, Payload: []byte(connectionEstablished)}); err != nil {
		return err
	}

	// downlink: target -> DATA_IN frames; empty frame at end of stream
	downDone := make(chan error, 1)
	var sent, received int64
	go func() {
		buf := make([]byte, relayChunkSize)
		for {
			n, rerr := tconn.Read(buf)
			if n > 0 {
				if werr := swframe.Write(ss.conn, swframe.Frame{Type: swframe.DataIn, Payload: buf[:n]}); werr != nil {
					downDone <- werr
					return
				}
				received += int64(n)
			}
			if rerr != nil {
				if rerr == io.EOF {
					downDone <- swframe.Write(ss.conn, swframe.Frame{Type: swframe.DataIn, Payload: nil})
				} else {
					downDone <- rerr
				}
				return
			}
		}
	}()

	// uplink: DATA_OUT frames -> target; empty frame means the ship's
	// client finished sending
	var upErr error
	for {
		f, err := fr.ReadFrame()
		if err != nil {
			upErr = err
			break
		}
		if f.Type != swframe.DataOut {
			upErr = ss.Errorf("protocol violation: %s frame inside tunnel", f.Type)
			break
		}
		if len(f.Payload) == 0 {
			closeWrite(tconn)
			break
		}
		if _, err := tconn.Write(f.Payload); err != nil {
			upErr = err
			break
		}
		sent += int64(len(f.Payload))
	}
	if upErr != nil {
		tconn.Close()
		<-downDone
		return upErr
	}

	if err := <-downDone; err != nil {
		return err
	}
	ss.DLogf("tunnel %s closed (sent %s received %s)", target, sizestr.ToString(sent), sizestr.ToString(received))
	return nil
}
