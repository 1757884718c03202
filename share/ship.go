package swshare

import (
	"context"
	"net"
	"time"
)

// Ship is the shipboard proxy daemon: a local HTTP proxy listener whose
// every request is funneled, one at a time, over the single transport
// connection to the shore egress.
type Ship struct {
	ShutdownHelper
	cfg        *ShipConfig
	transport  *Transport
	dispatcher *Dispatcher
	ledger     *Ledger
	socks      *SocksFront
	listener   net.Listener
	stats      ConnStats
}

// NewShip creates the ship daemon from its configuration. Nothing listens
// or dials until Run or Start.
func NewShip(cfg *ShipConfig) (*Ship, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := NewLogger("ship", cfg.logLevel())

	dialer, err := NewDialer(cfg.ShoreAddr, cfg.TLSServerName, cfg.TLSInsecure)
	if err != nil {
		return nil, err
	}
	transport := NewTransport(logger, dialer, TransportConfig{
		MinBackoff:      time.Duration(cfg.MinBackoff),
		MaxBackoff:      time.Duration(cfg.MaxBackoff),
		MaxFramePayload: cfg.MaxFramePayload,
	})

	var ledger *Ledger
	var recorder TrafficRecorder
	if cfg.LedgerPath != "" {
		ledger, err = NewLedger(logger, cfg.LedgerPath)
		if err != nil {
			return nil, err
		}
		recorder = ledger
	}

	dispatcher := NewDispatcher(logger, transport, DispatcherConfig{
		QueueCapacity: cfg.QueueCapacity,
		RecvTimeout:   time.Duration(cfg.RecvTimeout),
	}, recorder)

	s := &Ship{
		cfg:        cfg,
		transport:  transport,
		dispatcher: dispatcher,
		ledger:     ledger,
	}
	s.InitShutdownHelper(logger, s)
	s.AddShutdownChild(dispatcher)

	if cfg.Socks5 != "" {
		s.socks, err = NewSocksFront(logger, cfg.Socks5, dispatcher, cfg.logLevel() >= LogLevelDebug)
		if err != nil {
			return nil, err
		}
		s.AddShutdownChild(s.socks)
	}
	return s, nil
}

// Run starts the daemon and blocks until it shuts down.
func (s *Ship) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	s.ShutdownOnContext(ctx)
	return s.WaitShutdown()
}

// Start brings the daemon up without blocking.
func (s *Ship) Start(ctx context.Context) error {
	return s.DoOnceActivate(
		func() error {
			if err := s.dispatcher.Start(ctx); err != nil {
				return err
			}
			l, err := net.Listen("tcp", s.cfg.Listen)
			if err != nil {
				return s.Errorf("listen failed on %s: %s", s.cfg.Listen, err)
			}
			s.Lock.Lock()
			s.listener = l
			s.Lock.Unlock()

			if s.socks != nil {
				if err := s.socks.Start(ctx); err != nil {
					return err
				}
			}

			s.ILogf("Proxying on %s via shore %s", l.Addr(), s.cfg.ShoreAddr)
			go s.acceptLoop()

			// warm up the link so the first request does not pay the dial
			go s.transport.Connect(ctx)
			return nil
		},
		true,
	)
}

// Addr returns the proxy listener address, or nil before Start.
func (s *Ship) Addr() net.Addr {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Ship) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.IsStartedShutdown() {
				s.ILogf("Accept error, shutting down accept loop: %s", err)
			}
			return
		}
		serial := s.stats.New()
		go func() {
			s.stats.Open()
			h := newProxyHandler(s.Logger, s.dispatcher, conn, serial, time.Duration(s.cfg.ResultWait))
			h.serve()
			s.stats.Close()
			s.DLogf("%s client connection closed", s.stats.String())
		}()
	}
}

// HandleOnceShutdown closes the listener; child shutdown takes care of the
// dispatcher and the transport beneath it.
func (s *Ship) HandleOnceShutdown(completionErr error) error {
	s.Lock.Lock()
	l := s.listener
	s.listener = nil
	s.Lock.Unlock()
	if l != nil {
		l.Close()
	}
	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			s.WLogf("ledger close: %s", err)
		}
	}
	return completionErr
}
