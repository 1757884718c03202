package swshare

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/seawire-net/seawire/pkg/swframe"
)

// startSession runs a shoreSession over net.Pipe and returns the ship side.
func startSession(t *testing.T, cfg *ShoreConfig) (net.Conn, *swframe.Reader) {
	t.Helper()
	ship, shore := net.Pipe()
	t.Cleanup(func() { ship.Close() })

	logger := testLogger()
	ss := &shoreSession{
		Logger:    logger,
		conn:      shore,
		forwarder: NewForwarder(logger, time.Duration(cfg.HTTPTimeout), cfg.InsecureUpstream),
		cfg:       cfg,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ss.run(ctx)
	return ship, swframe.NewReader(ship, 0)
}

func sendFrame(t *testing.T, conn net.Conn, typ swframe.Type, payload []byte) {
	t.Helper()
	if err := swframe.Write(conn, swframe.Frame{Type: typ, Payload: payload}); err != nil {
		t.Fatalf("frame write failed: %s", err)
	}
}

func recvFrame(t *testing.T, conn net.Conn, fr *swframe.Reader) swframe.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("frame read failed: %s", err)
	}
	return f
}

func TestShoreSessionSimpleExchange(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("shore says hi"))
	}))
	defer ts.Close()

	ship, fr := startSession(t, DefaultShoreConfig())
	sendFrame(t, ship, swframe.DataOut, rawGet(ts.URL+"/"))

	f := recvFrame(t, ship, fr)
	if f.Type != swframe.DataIn {
		t.Fatalf("frame type = %s", f.Type)
	}
	resp := parseResponse(t, f.Payload)
	if resp.StatusCode != 200 {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "shore says hi" {
		t.Errorf("body = %q", body)
	}
}

func TestShoreSessionServesSequentialRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK " + r.URL.Path))
	}))
	defer ts.Close()

	ship, fr := startSession(t, DefaultShoreConfig())
	for _, path := range []string{"/1", "/2", "/3"} {
		sendFrame(t, ship, swframe.DataOut, rawGet(ts.URL+path))
		f := recvFrame(t, ship, fr)
		resp := parseResponse(t, f.Payload)
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "OK "+path {
			t.Errorf("body = %q, want %q", body, "OK "+path)
		}
	}
}

func TestShoreSessionRejectsInboundTypeFrames(t *testing.T) {
	ship, _ := startSession(t, DefaultShoreConfig())
	// a DATA_IN frame has no business arriving from a ship
	sendFrame(t, ship, swframe.DataIn, []byte("bogus"))

	ship.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := ship.Read(buf); err != io.EOF {
		t.Errorf("read after violation = %v, want EOF (session closed)", err)
	}
}

func TestShoreSessionTunnel(t *testing.T) {
	// raw echo target
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
		conn.Close()
	}()

	ship, fr := startSession(t, DefaultShoreConfig())
	target := l.Addr().String()
	sendFrame(t, ship, swframe.DataOut,
		[]byte("CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n"))

	ack := recvFrame(t, ship, fr)
	if ResponseStatus(ack.Payload) != 200 {
		t.Fatalf("acknowledgment = %q", ack.Payload)
	}

	sendFrame(t, ship, swframe.DataOut, []byte("echo me"))
	var got bytes.Buffer
	for {
		f := recvFrame(t, ship, fr)
		if f.Type != swframe.DataIn {
			t.Fatalf("frame type = %s", f.Type)
		}
		got.Write(f.Payload)
		if got.Len() >= len("echo me") {
			break
		}
	}
	if got.String() != "echo me" {
		t.Errorf("echoed = %q", got.String())
	}

	// half-close; the echo target hangs up, and the shore half-closes back
	sendFrame(t, ship, swframe.DataOut, nil)
	for {
		f := recvFrame(t, ship, fr)
		if len(f.Payload) == 0 {
			break
		}
	}

	// the session survives a clean tunnel and serves the next exchange
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("after tunnel"))
	}))
	defer ts.Close()
	sendFrame(t, ship, swframe.DataOut, rawGet(ts.URL+"/"))
	f := recvFrame(t, ship, fr)
	resp := parseResponse(t, f.Payload)
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "after tunnel" {
		t.Errorf("body = %q", body)
	}
}

func TestShoreSessionTunnelDialRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closed := l.Addr().String()
	l.Close()

	ship, fr := startSession(t, DefaultShoreConfig())
	sendFrame(t, ship, swframe.DataOut,
		[]byte("CONNECT "+closed+" HTTP/1.1\r\nHost: "+closed+"\r\n\r\n"))

	f := recvFrame(t, ship, fr)
	if got := ResponseStatus(f.Payload); got != 502 {
		t.Fatalf("refusal status = %d, want 502", got)
	}

	// a refused dial is not fatal; the session keeps serving
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("still here"))
	}))
	defer ts.Close()
	sendFrame(t, ship, swframe.DataOut, rawGet(ts.URL+"/"))
	f = recvFrame(t, ship, fr)
	resp := parseResponse(t, f.Payload)
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "still here" {
		t.Errorf("body = %q", body)
	}
}

func TestShoreSessionMalformedConnect(t *testing.T) {
	ship, fr := startSession(t, DefaultShoreConfig())
	sendFrame(t, ship, swframe.DataOut, []byte("CONNECT garbage HTTP/1.1\r\n\r\n"))
	f := recvFrame(t, ship, fr)
	if got := ResponseStatus(f.Payload); got != 400 {
		t.Errorf("status = %d, want 400", got)
	}
}

func TestConnectTarget(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n", "example.com:443"},
		{"CONNECT 10.0.0.1:8443 HTTP/1.0\r\n\r\n", "10.0.0.1:8443"},
		{"CONNECT example.com HTTP/1.1\r\n\r\n", ""},
		{"CONNECT\r\n\r\n", ""},
	}
	for _, c := range cases {
		if got := connectTarget([]byte(c.raw)); got != c.want {
			t.Errorf("connectTarget(%q) = %q, want %q", c.raw, got, c.want)
		}
	}
}

// TestShipToShoreEndToEnd runs a real shore and a real ship over loopback
// TCP and drives them with a plain HTTP client configured to use the
// ship's proxy.
func TestShipToShoreEndToEnd(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("end to end"))
	}))
	defer origin.Close()

	shoreCfg := DefaultShoreConfig()
	shoreCfg.Listen = "127.0.0.1:0"
	shoreCfg.LogLevel = "error"
	shore, err := NewShore(shoreCfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := shore.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		shore.StartShutdown(nil)
		shore.WaitShutdown()
	}()

	shipCfg := DefaultShipConfig()
	shipCfg.ShoreAddr = shore.Addr().String()
	shipCfg.Listen = "127.0.0.1:0"
	shipCfg.LogLevel = "error"
	ship, err := NewShip(shipCfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := ship.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		ship.StartShutdown(nil)
		ship.WaitShutdown()
	}()

	proxyURL := &url.URL{Scheme: "http", Host: ship.Addr().String()}
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}

	for i := 0; i < 3; i++ {
		resp, err := client.Get(origin.URL + "/")
		if err != nil {
			t.Fatalf("request %d failed: %s", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != 200 || string(body) != "end to end" {
			t.Fatalf("request %d: status %d body %q", i, resp.StatusCode, body)
		}
	}
}

// TestShoreWebsocketTransport drives a ws-mode shore through the real
// websocket dialer: the frame protocol must be byte-identical across
// transports.
func TestShoreWebsocketTransport(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("over websocket"))
	}))
	defer ts.Close()

	cfg := DefaultShoreConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.Mode = "ws"
	cfg.LogLevel = "error"
	shore, err := NewShore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := shore.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		shore.StartShutdown(nil)
		shore.WaitShutdown()
	}()

	dialer, err := NewDialer("ws://"+shore.Addr().String(), "", false)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := dialer.Dial(ctx)
	if err != nil {
		t.Fatalf("ws dial failed: %s", err)
	}
	defer conn.Close()

	fr := swframe.NewReader(conn, 0)
	sendFrame(t, conn, swframe.DataOut, rawGet(ts.URL+"/"))
	f := recvFrame(t, conn, fr)
	resp := parseResponse(t, f.Payload)
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || string(body) != "over websocket" {
		t.Errorf("status %d body %q", resp.StatusCode, body)
	}
}

func TestShoreWebsocketHealthAndVersion(t *testing.T) {
	cfg := DefaultShoreConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.Mode = "ws"
	cfg.LogLevel = "error"
	shore, err := NewShore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := shore.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		shore.StartShutdown(nil)
		shore.WaitShutdown()
	}()

	base := "http://" + shore.Addr().String()
	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "OK\n" {
		t.Errorf("health = %q", body)
	}

	resp, err = http.Get(base + "/version")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if got := string(bytes.TrimSpace(body)); got != BuildVersion {
		t.Errorf("version = %q, want %q", got, BuildVersion)
	}
}
