// Package sshd is the SSH transport for the addr broker. It accepts TCP
// connections, authenticates clients by public key, serves tcpip-forward
// requests with broker-side listeners relayed over forwarded-tcpip channels,
// and hands session channels to the broker's session presenter.
package sshd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/koltyakov/addr/internal/broker"
	"github.com/koltyakov/addr/internal/metrics"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultMaxAuthTries     = 6
	janitorInterval         = time.Minute
	shutdownWait            = 15 * time.Second
)

// Config controls the SSH listener.
type Config struct {
	// ListenAddr is the TCP address to accept on, e.g. ":22".
	ListenAddr string
	// Domain is advertised as the server version, SSH-2.0-<Domain>.
	Domain   string
	HostKeys []ssh.Signer

	HandshakeTimeout  time.Duration
	KeepaliveInterval time.Duration
	KeepaliveCountMax int
	MaxAuthTries      int

	// ConnRate and ConnBurst bound new connections per remote IP. A zero
	// ConnRate disables the limit.
	ConnRate  float64
	ConnBurst int
}

// Server accepts SSH connections and drives a [broker.Conn] for each.
type Server struct {
	cfg     Config
	broker  *broker.Broker
	metrics *metrics.Metrics
	log     *slog.Logger
	limiter *rateLimiter
	hub     *hub

	addrMu sync.Mutex
	addr   net.Addr
	ready  chan struct{}
}

type hub struct {
	mu    sync.RWMutex
	conns map[string]*connState
	wg    sync.WaitGroup
}

// New validates cfg and returns a Server.
func New(cfg Config, b *broker.Broker, m *metrics.Metrics, log *slog.Logger) (*Server, error) {
	if len(cfg.HostKeys) == 0 {
		return nil, ErrNoHostKeys
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.MaxAuthTries == 0 {
		cfg.MaxAuthTries = defaultMaxAuthTries
	}
	if cfg.KeepaliveCountMax <= 0 {
		cfg.KeepaliveCountMax = 1
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		broker:  b,
		metrics: m,
		log:     log,
		hub:     &hub{conns: make(map[string]*connState)},
		ready:   make(chan struct{}),
	}
	if cfg.ConnRate > 0 {
		burst := cfg.ConnBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = newRateLimiter(cfg.ConnRate, burst)
	}
	return s, nil
}

// Run listens on cfg.ListenAddr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("ssh listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Addr returns the bound listener address once serving has started.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

// ActiveConns returns the number of connections that completed the handshake.
func (s *Server) ActiveConns() int {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return len(s.hub.conns)
}

// Serve accepts connections on ln until ctx is cancelled, then closes every
// live connection and waits (bounded) for their goroutines.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()
	close(s.ready)

	s.log.Info("ssh server listening", "addr", ln.Addr().String(), "domain", s.cfg.Domain)

	go s.runJanitor(ctx)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var tempDelay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.shutdown()
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				tempDelay = nextDelay(tempDelay)
				s.log.Warn("ssh accept error", "err", err, "retry_in", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			s.shutdown()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ssh accept: %w", err)
		}
		tempDelay = 0
		s.metrics.RecordConnOpen()

		s.hub.wg.Add(1)
		go func() {
			defer s.hub.wg.Done()
			defer s.metrics.RecordConnClose()
			defer recoverConn(s.log, nc.RemoteAddr().String())
			s.handleConn(ctx, nc)
		}()
	}
}

func nextDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (s *Server) shutdown() {
	s.closeAllConns()
	if !waitGroupWait(&s.hub.wg, shutdownWait) {
		s.log.Warn("timed out waiting for ssh connections to close")
	}
}

func (s *Server) closeAllConns() {
	s.hub.mu.RLock()
	conns := make([]*connState, 0, len(s.hub.conns))
	for _, cs := range s.hub.conns {
		conns = append(conns, cs)
	}
	s.hub.mu.RUnlock()

	for _, cs := range conns {
		_ = cs.sconn.Close()
	}
}

func (s *Server) track(cs *connState) {
	s.hub.mu.Lock()
	s.hub.conns[cs.id] = cs
	s.hub.mu.Unlock()
}

func (s *Server) untrack(id string) {
	s.hub.mu.Lock()
	delete(s.hub.conns, id)
	s.hub.mu.Unlock()
}

func (s *Server) runJanitor(ctx context.Context) {
	if s.limiter == nil {
		return
	}
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.cleanup()
		}
	}
}

// waitGroupWait blocks until wg reaches zero or timeout elapses.
// Returns false if the timeout fired before all goroutines finished.
func waitGroupWait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
