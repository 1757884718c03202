package swshare

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// Headers that must not be forwarded to the target: the proxy hop headers
// the client addressed to us, plus the usual hop-by-hop set.
var strippedRequestHeaders = []string{
	"Proxy-Connection",
	"Proxy-Authorization",
	"Connection",
	"Keep-Alive",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder performs the real internet I/O on the shore side: it turns one
// raw proxied HTTP request into one raw HTTP response, synthesizing an
// error document when the target is unreachable. It always returns full
// response bytes; it never fails the exchange itself.
type Forwarder struct {
	Logger
	client *http.Client
}

// NewForwarder creates a Forwarder. timeout bounds the whole outbound
// call; insecure disables upstream TLS verification.
func NewForwarder(logger Logger, timeout time.Duration, insecure bool) *Forwarder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Forwarder{
		Logger: logger.Fork("forward"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure},
			},
			// redirects belong to the browser, not the proxy
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// RoundTrip parses raw request bytes, performs the outbound call and
// returns the full raw response.
func (f *Forwarder) RoundTrip(raw []byte) []byte {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		// a bare "host/path" request line does not parse; retry once with
		// an http:// scheme spliced in before giving up
		if fixed, ok := spliceScheme(raw); ok {
			if req, err = http.ReadRequest(bufio.NewReader(bytes.NewReader(fixed))); err != nil {
				return ErrorResponse(400, "Bad Request", fmt.Sprintf("could not parse request: %s", err))
			}
		} else {
			return ErrorResponse(400, "Bad Request", fmt.Sprintf("could not parse request: %s", err))
		}
	}
	defer req.Body.Close()

	target, errResp := proxyTarget(req)
	if errResp != nil {
		return errResp
	}

	out, err := http.NewRequest(req.Method, target.String(), req.Body)
	if err != nil {
		return ErrorResponse(400, "Bad Request", fmt.Sprintf("invalid target URL: %s", err))
	}
	for name, values := range req.Header {
		if isStrippedHeader(name) {
			continue
		}
		out.Header[name] = values
	}
	out.ContentLength = req.ContentLength
	out.Host = req.Host

	f.DLogf("%s %s", req.Method, target)
	resp, err := f.client.Do(out)
	if err != nil {
		return f.errorFor(target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ErrorResponse(502, "Bad Gateway", fmt.Sprintf("error reading response from %s: %s", target.Host, err))
	}
	f.ILogf("%s %s -> %d (%d bytes)", req.Method, target, resp.StatusCode, len(body))
	return rawResponse(resp.StatusCode, resp.Header, body)
}

// proxyTarget extracts the absolute target URL of a proxied request. A
// server-relative URL means the caller talked to us as an origin server
// instead of a proxy, which earns a 400 with configuration advice.
func proxyTarget(req *http.Request) (*url.URL, []byte) {
	u := req.URL
	if u.Scheme == "" {
		if strings.HasPrefix(req.RequestURI, "/") {
			return nil, ErrorResponse(400, "Bad Request",
				"This is a proxy server. Configure your browser to use it as an HTTP/HTTPS proxy, or use curl -x.")
		}
		u.Scheme = "http"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, ErrorResponse(400, "Bad Request", fmt.Sprintf("unsupported scheme \"%s\"", u.Scheme))
	}
	if u.Host == "" {
		u.Host = req.Host
	}
	if u.Host == "" {
		return nil, ErrorResponse(400, "Bad Request", fmt.Sprintf("invalid URL: %s", req.RequestURI))
	}
	return u, nil
}

// spliceScheme rewrites "METHOD host/path HTTP/x.y" into
// "METHOD http://host/path HTTP/x.y". Returns false if the request line
// does not have that shape.
func spliceScheme(raw []byte) ([]byte, bool) {
	eol := bytes.Index(raw, []byte("\r\n"))
	if eol < 0 {
		return nil, false
	}
	parts := bytes.SplitN(raw[:eol], []byte(" "), 3)
	if len(parts) != 3 || bytes.Contains(parts[1], []byte("://")) || bytes.HasPrefix(parts[1], []byte("/")) {
		return nil, false
	}
	var fixed []byte
	fixed = append(fixed, parts[0]...)
	fixed = append(fixed, " http://"...)
	fixed = append(fixed, parts[1]...)
	fixed = append(fixed, ' ')
	fixed = append(fixed, parts[2]...)
	return append(fixed, raw[eol:]...), true
}

func isStrippedHeader(name string) bool {
	for _, h := range strippedRequestHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

func (f *Forwarder) errorFor(target *url.URL, err error) []byte {
	var dnsErr *net.DNSError
	var nerr net.Error
	switch {
	case errors.As(err, &nerr) && nerr.Timeout():
		f.WLogf("timeout on %s: %s", target, err)
		return ErrorResponse(504, "Gateway Timeout", fmt.Sprintf("timed out contacting %s", target.Host))
	case errors.As(err, &dnsErr):
		f.WLogf("DNS failure on %s: %s", target, err)
		return ErrorResponse(502, "Bad Gateway", fmt.Sprintf("DNS resolution failed: %s", dnsErr.Name))
	case errors.Is(err, syscall.ECONNREFUSED):
		f.WLogf("connection refused on %s", target)
		return ErrorResponse(502, "Bad Gateway", fmt.Sprintf("connection refused: %s", target.Host))
	default:
		f.WLogf("error on %s: %s", target, err)
		return ErrorResponse(502, "Bad Gateway", err.Error())
	}
}

// Headers already represented by the synthesized status and framing lines
// of a rebuilt response.
var unsafeResponseHeaders = []string{"Connection", "Transfer-Encoding", "Content-Length"}

// rawResponse rebuilds a full HTTP/1.1 response with an explicit
// Content-Length and Connection: close. The ship-side stream carries whole
// responses as single opaque payloads, so chunked encoding never survives
// the crossing.
func rawResponse(status int, hdr http.Header, body []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Connection: close\r\n")
	for name, values := range hdr {
		keep := true
		for _, u := range unsafeResponseHeaders {
			if strings.EqualFold(name, u) {
				keep = false
				break
			}
		}
		if !keep {
			continue
		}
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", name, strings.TrimSpace(v))
		}
	}
	b.WriteString("\r\n")
	b.Write(body)
	return b.Bytes()
}

// ErrorResponse synthesizes a complete HTTP error response with a small
// HTML document, suitable for delivery to the original caller.
func ErrorResponse(status int, reason string, detail string) []byte {
	body := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>%d %s</title></head>
<body>
<h1>%d %s</h1>
<p>%s</p>
<hr>
<p><em>seawire proxy</em></p>
</body>
</html>`, status, reason, status, reason, detail)

	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, reason)
	b.WriteString("Content-Type: text/html\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Connection: close\r\n\r\n")
	b.WriteString(body)
	return b.Bytes()
}

// ResponseStatus parses the status code out of raw response bytes.
// Returns 0 if the bytes do not start with an HTTP status line.
func ResponseStatus(raw []byte) int {
	eol := bytes.Index(raw, []byte("\r\n"))
	if eol < 0 {
		eol = len(raw)
	}
	parts := strings.SplitN(string(raw[:eol]), " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return 0
	}
	var code int
	if _, err := fmt.Sscanf(parts[1], "%d", &code); err != nil {
		return 0
	}
	return code
}
