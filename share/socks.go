package swshare

import (
	"context"
	"fmt"
	"io/ioutil"
	"log"
	"net"
	"os"

	socks5 "github.com/armon/go-socks5"
	"github.com/prep/socketpair"
)

// SocksFront runs a local SOCKS5 listener whose outbound dials are
// carried over the satellite link as CONNECT tunnels. Each SOCKS
// connection becomes one tunnel exchange; the socks5 library sees an
// ordinary net.Conn that is really one end of a socketpair.
type SocksFront struct {
	ShutdownHelper
	addr      string
	submitter ExchangeSubmitter
	server    *socks5.Server
	listener  net.Listener
}

// NewSocksFront creates the SOCKS5 front listening on addr. Exchanges are
// submitted to the given dispatcher front end.
func NewSocksFront(logger Logger, addr string, submitter ExchangeSubmitter, debug bool) (*SocksFront, error) {
	f := &SocksFront{
		addr:      addr,
		submitter: submitter,
	}
	f.InitShutdownHelper(logger.Fork("socks"), f)
	var socksLogger *log.Logger
	if debug {
		socksLogger = log.New(os.Stdout, "", log.Ldate|log.Ltime)
	} else {
		socksLogger = log.New(ioutil.Discard, "", 0)
	}
	server, err := socks5.New(&socks5.Config{
		Dial:   f.dial,
		Logger: socksLogger,
	})
	if err != nil {
		return nil, f.Errorf("socks5 init failed: %s", err)
	}
	f.server = server
	return f, nil
}

// Start begins accepting SOCKS5 connections.
func (f *SocksFront) Start(ctx context.Context) error {
	return f.DoOnceActivate(
		func() error {
			l, err := net.Listen("tcp", f.addr)
			if err != nil {
				return f.Errorf("socks5 listen failed on %s: %s", f.addr, err)
			}
			f.Lock.Lock()
			f.listener = l
			f.Lock.Unlock()
			f.ILogf("SOCKS5 proxy listening on %s", l.Addr())
			go func() {
				err := f.server.Serve(l)
				if err != nil && !f.IsStartedShutdown() {
					f.WLogf("SOCKS5 server exited: %s", err)
				}
			}()
			return nil
		},
		true,
	)
}

// dial opens a tunnel to addr through the link and returns a net.Conn
// bridged to it. The connection is only returned once the shore has
// acknowledged the CONNECT.
func (f *SocksFront) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, f.Errorf("socks5: unsupported network %q", network)
	}

	local, remote, err := socketpair.New("unix")
	if err != nil {
		return nil, f.Errorf("socks5: socketpair failed: %s", err)
	}

	request := []byte(fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", addr, addr))
	established := make(chan error, 1)
	x := NewTunnelExchange(f.Logger, request, addr, local, func(ack []byte) (bool, error) {
		status := ResponseStatus(ack)
		if status != 200 {
			established <- f.Errorf("socks5: CONNECT %s refused with status %d", addr, status)
			return false, nil
		}
		established <- nil
		return true, nil
	})
	if err := f.submitter.Submit(x); err != nil {
		local.Close()
		remote.Close()
		return nil, err
	}

	select {
	case err := <-established:
		if err != nil {
			remote.Close()
			return nil, err
		}
		return remote, nil
	case res := <-x.Result():
		// exchange settled before the CONNECT was acknowledged
		remote.Close()
		if res.Err != nil {
			return nil, res.Err
		}
		return nil, f.Errorf("socks5: tunnel to %s ended before establishment", addr)
	case <-ctx.Done():
		x.Cancel()
		remote.Close()
		return nil, ctx.Err()
	}
}

// HandleOnceShutdown closes the listener.
func (f *SocksFront) HandleOnceShutdown(completionErr error) error {
	f.Lock.Lock()
	l := f.listener
	f.listener = nil
	f.Lock.Unlock()
	if l != nil {
		l.Close()
	}
	return completionErr
}
