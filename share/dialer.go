package swshare

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const dialTimeout = 30 * time.Second

var hasPortRe = regexp.MustCompile(`:\d+$`)

// NewDialer builds a transport Dialer from a shore address. The scheme
// selects the transport flavor:
//
//	tcp://host:port   plain TCP (default when no scheme is given)
//	tls://host:port   TLS over TCP
//	ws://host[:port]  websocket to the shore's HTTP endpoint
//	wss://host[:port] websocket over TLS
//
// serverName and insecure only apply to the TLS-bearing flavors.
func NewDialer(shoreAddr string, serverName string, insecure bool) (Dialer, error) {
	scheme := "tcp"
	addr := shoreAddr
	if i := strings.Index(shoreAddr, "://"); i >= 0 {
		scheme = shoreAddr[:i]
		addr = shoreAddr[i+3:]
	}

	switch scheme {
	case "tcp":
		if !hasPortRe.MatchString(addr) {
			return nil, fmt.Errorf("shore address \"%s\" needs an explicit port", shoreAddr)
		}
		return &tcpDialer{addr: addr}, nil
	case "tls":
		if !hasPortRe.MatchString(addr) {
			return nil, fmt.Errorf("shore address \"%s\" needs an explicit port", shoreAddr)
		}
		return &tlsDialer{addr: addr, serverName: serverName, insecure: insecure}, nil
	case "ws", "wss":
		u, err := url.Parse(shoreAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid shore URL \"%s\": %s", shoreAddr, err)
		}
		if !hasPortRe.MatchString(u.Host) {
			if u.Scheme == "wss" {
				u.Host += ":443"
			} else {
				u.Host += ":80"
			}
		}
		if u.Path == "" {
			u.Path = "/seawire"
		}
		return &wsDialer{url: u.String(), serverName: serverName, insecure: insecure}, nil
	}
	return nil, fmt.Errorf("unsupported shore address scheme \"%s\"", scheme)
}

type tcpDialer struct {
	addr string
}

func (d *tcpDialer) Dial(ctx context.Context) (net.Conn, error) {
	nd := net.Dialer{Timeout: dialTimeout}
	return nd.DialContext(ctx, "tcp", d.addr)
}

func (d *tcpDialer) String() string {
	return "tcp://" + d.addr
}

type tlsDialer struct {
	addr       string
	serverName string
	insecure   bool
}

func (d *tlsDialer) Dial(ctx context.Context) (net.Conn, error) {
	td := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: dialTimeout},
		Config:    newTLSClientConfig(d.addr, d.serverName, d.insecure),
	}
	return td.DialContext(ctx, "tcp", d.addr)
}

func (d *tlsDialer) String() string {
	return "tls://" + d.addr
}

type wsDialer struct {
	url        string
	serverName string
	insecure   bool
}

func (d *wsDialer) Dial(ctx context.Context) (net.Conn, error) {
	wd := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 45 * time.Second,
		TLSClientConfig:  newTLSClientConfig("", d.serverName, d.insecure),
	}
	wsConn, _, err := wd.DialContext(ctx, d.url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(wsConn), nil
}

func (d *wsDialer) String() string {
	return d.url
}

func newTLSClientConfig(addr string, serverName string, insecure bool) *tls.Config {
	cfg := &tls.Config{InsecureSkipVerify: insecure}
	if serverName != "" {
		cfg.ServerName = serverName
	} else if addr != "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			cfg.ServerName = host
		}
	}
	return cfg
}
