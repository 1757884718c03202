package swshare

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testForwarder(timeout time.Duration) *Forwarder {
	return NewForwarder(testLogger(), timeout, false)
}

func rawGet(target string, headers ...string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", target)
	u := strings.TrimPrefix(target, "http://")
	if i := strings.IndexByte(u, '/'); i >= 0 {
		u = u[:i]
	}
	fmt.Fprintf(&b, "Host: %s\r\n", u)
	for _, h := range headers {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

func parseResponse(t *testing.T, raw []byte) *http.Response {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		t.Fatalf("response does not parse: %s\n%q", err, raw)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestForwarderRoundTrip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin", "upstream")
		w.WriteHeader(200)
		w.Write([]byte("hello from upstream"))
	}))
	defer ts.Close()

	raw := testForwarder(0).RoundTrip(rawGet(ts.URL + "/thing"))
	resp := parseResponse(t, raw)
	if resp.StatusCode != 200 {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello from upstream" {
		t.Errorf("body = %q", body)
	}
	// responses are rebuilt with explicit framing for the crossing
	if resp.ContentLength != int64(len(body)) {
		t.Errorf("ContentLength = %d, want %d", resp.ContentLength, len(body))
	}
	if got := resp.Header.Get("Connection"); got != "close" {
		t.Errorf("Connection = %q, want close", got)
	}
	if got := resp.Header.Get("X-Origin"); got != "upstream" {
		t.Errorf("X-Origin = %q", got)
	}
}

func TestForwarderStripsProxyHeaders(t *testing.T) {
	var seen http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	defer ts.Close()

	raw := rawGet(ts.URL+"/",
		"Proxy-Connection: keep-alive",
		"Proxy-Authorization: Basic dXNlcjpwYXNz",
		"X-Custom: kept")
	testForwarder(0).RoundTrip(raw)

	for _, h := range []string{"Proxy-Connection", "Proxy-Authorization"} {
		if got := seen.Get(h); got != "" {
			t.Errorf("%s reached the origin: %q", h, got)
		}
	}
	if got := seen.Get("X-Custom"); got != "kept" {
		t.Errorf("X-Custom = %q, want kept", got)
	}
}

func TestForwarderRelativeURIRejected(t *testing.T) {
	raw := []byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n")
	resp := parseResponse(t, testForwarder(0).RoundTrip(raw))
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("Configure your browser")) {
		t.Errorf("body lacks configuration advice: %q", body)
	}
}

func TestForwarderSchemelessTarget(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	host := strings.TrimPrefix(ts.URL, "http://")
	raw := []byte("GET " + host + "/ HTTP/1.1\r\nHost: " + host + "\r\n\r\n")
	resp := parseResponse(t, testForwarder(0).RoundTrip(raw))
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestForwarderConnectionRefused(t *testing.T) {
	// grab a port that is certainly closed
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	resp := parseResponse(t, testForwarder(0).RoundTrip(rawGet("http://"+addr+"/")))
	if resp.StatusCode != 502 {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestForwarderTimeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer ts.Close()
	defer close(release)

	resp := parseResponse(t, testForwarder(50*time.Millisecond).RoundTrip(rawGet(ts.URL+"/slow")))
	if resp.StatusCode != 504 {
		t.Errorf("status = %d, want 504", resp.StatusCode)
	}
}

func TestForwarderDoesNotFollowRedirects(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://example.com/elsewhere", 302)
	}))
	defer ts.Close()

	resp := parseResponse(t, testForwarder(0).RoundTrip(rawGet(ts.URL+"/")))
	if resp.StatusCode != 302 {
		t.Errorf("status = %d, want 302", resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != "http://example.com/elsewhere" {
		t.Errorf("Location = %q", got)
	}
}

func TestForwarderGarbageRequest(t *testing.T) {
	resp := parseResponse(t, testForwarder(0).RoundTrip([]byte("\x00\x01\x02 not http")))
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSpliceScheme(t *testing.T) {
	fixed, ok := spliceScheme([]byte("GET example.com/page HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	if !ok {
		t.Fatal("spliceScheme rejected a schemeless request line")
	}
	if !bytes.HasPrefix(fixed, []byte("GET http://example.com/page HTTP/1.1\r\n")) {
		t.Errorf("fixed = %q", fixed[:bytes.IndexByte(fixed, '\n')+1])
	}

	if _, ok := spliceScheme([]byte("GET http://example.com/ HTTP/1.1\r\n\r\n")); ok {
		t.Error("spliceScheme rewrote a request that already had a scheme")
	}
	if _, ok := spliceScheme([]byte("GET /relative HTTP/1.1\r\n\r\n")); ok {
		t.Error("spliceScheme rewrote a server-relative request")
	}
}

func TestErrorResponseParses(t *testing.T) {
	resp := parseResponse(t, ErrorResponse(504, "Gateway Timeout", "the link is down"))
	if resp.StatusCode != 504 {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("the link is down")) {
		t.Errorf("body lacks detail: %q", body)
	}
	if !bytes.Contains(body, []byte("seawire proxy")) {
		t.Errorf("body lacks the proxy signature: %q", body)
	}
}

func TestResponseStatus(t *testing.T) {
	if got := ResponseStatus([]byte(connectionEstablished)); got != 200 {
		t.Errorf("status = %d, want 200", got)
	}
	if got := ResponseStatus(ErrorResponse(502, "Bad Gateway", "x")); got != 502 {
		t.Errorf("status = %d, want 502", got)
	}
	if got := ResponseStatus([]byte("not a response")); got != 0 {
		t.Errorf("status = %d, want 0", got)
	}
}
