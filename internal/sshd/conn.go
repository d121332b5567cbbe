package sshd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/koltyakov/addr/internal/auth"
	"github.com/koltyakov/addr/internal/broker"
	"github.com/koltyakov/addr/internal/domain"
)

const (
	// extFingerprint carries the accepted key's fingerprint from the
	// public key callback to the post-handshake authorization.
	extFingerprint = "addr-fingerprint"

	// rejectLinger gives a rejection banner time to reach the client before
	// the connection is closed.
	rejectLinger = 250 * time.Millisecond
)

// connState is the transport side of one authenticated connection.
type connState struct {
	id    string
	srv   *Server
	bc    *broker.Conn
	sconn *ssh.ServerConn
	log   *slog.Logger

	mu       sync.Mutex
	forwards map[string]*forwardListener

	wg sync.WaitGroup
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	remote := nc.RemoteAddr().String()
	log := s.log.With("remote", remote)

	if s.limiter != nil && !s.limiter.allow(remoteIP(nc.RemoteAddr())) {
		s.metrics.RecordRateLimited()
		log.Warn("connection rate limited")
		_ = nc.Close()
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		_ = nc.Close()
	}()

	// The handshake deadline covers registry work done before and during
	// authentication, not only the socket.
	_ = nc.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	hsCtx, hsCancel := context.WithTimeout(connCtx, s.cfg.HandshakeTimeout)
	defer hsCancel()

	bc, err := s.broker.Establish(hsCtx, remote)
	if err != nil {
		log.Error("establish connection", "err", err)
		return
	}
	defer func() { _ = bc.Close() }()
	log = log.With("conn_id", bc.ID())

	sconn, chans, reqs, err := ssh.NewServerConn(nc, s.serverConfig(hsCtx, bc, nc))
	hsCancel()
	if err != nil {
		s.metrics.RecordHandshakeError(handshakeReason(err))
		log.Debug("ssh handshake failed", "err", err)
		return
	}
	_ = nc.SetDeadline(time.Time{})

	cs := &connState{
		id:       bc.ID(),
		srv:      s,
		bc:       bc,
		sconn:    sconn,
		log:      log.With("user", sconn.User()),
		forwards: make(map[string]*forwardListener),
	}
	s.track(cs)
	defer s.untrack(cs.id)

	fingerprint := sconn.Permissions.Extensions[extFingerprint]
	if err := bc.Authorize(connCtx, sconn.User(), fingerprint); err != nil {
		cs.serveRejected(chans, reqs, broker.RejectionBanner(domain.NormalizeName(sconn.User()), err))
		return
	}

	go s.keepalive(connCtx, sconn, cs.log)
	cs.serve(connCtx, chans, reqs)
}

// serverConfig builds the per-connection SSH configuration whose callbacks
// consult bc. Callbacks only read the registry; the admission itself runs
// after the handshake proves the client holds the private key.
func (s *Server) serverConfig(ctx context.Context, bc *broker.Conn, nc net.Conn) *ssh.ServerConfig {
	var closeOnce sync.Once
	closeSoon := func() {
		closeOnce.Do(func() {
			time.AfterFunc(rejectLinger, func() { _ = nc.Close() })
		})
	}

	cfg := &ssh.ServerConfig{
		ServerVersion: "SSH-2.0-" + s.cfg.Domain,
		MaxAuthTries:  s.cfg.MaxAuthTries,
		BannerCallback: func(meta ssh.ConnMetadata) string {
			if _, err := bc.OfferUsername(meta.User()); err != nil {
				s.metrics.RecordHandshakeError("invalid_name")
				closeSoon()
				return broker.RejectionBanner(meta.User(), err)
			}
			return broker.WelcomeBanner(s.cfg.Domain)
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			fingerprint := auth.Fingerprint(key)
			if err := bc.OfferPublicKey(ctx, meta.User(), fingerprint); err != nil {
				closeSoon()
				if errors.Is(err, domain.ErrInvalidName) {
					// The syntax banner was already sent.
					return nil, err
				}
				name := domain.NormalizeName(meta.User())
				return nil, &ssh.BannerError{Err: err, Message: broker.RejectionBanner(name, err)}
			}
			return &ssh.Permissions{Extensions: map[string]string{extFingerprint: fingerprint}}, nil
		},
	}
	for _, key := range s.cfg.HostKeys {
		cfg.AddHostKey(key)
	}
	return cfg
}

// serve dispatches global requests and channels until the client goes away,
// then closes the connection's listeners and waits for its goroutines.
func (cs *connState) serve(ctx context.Context, chans <-chan ssh.NewChannel, reqs <-chan *ssh.Request) {
	cs.log.Debug("ssh connection authorized", "name", cs.bc.Name())

	reqsDone := make(chan struct{})
	go func() {
		defer close(reqsDone)
		defer recoverConn(cs.log, "ssh-requests")
		cs.handleGlobalRequests(ctx, reqs)
	}()

	for nch := range chans {
		switch nch.ChannelType() {
		case "session":
			cs.wg.Add(1)
			go func() {
				defer cs.wg.Done()
				defer recoverConn(cs.log, "ssh-session")
				cs.handleSession(ctx, nch)
			}()
		default:
			_ = nch.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}

	_ = cs.sconn.Close()
	<-reqsDone
	cs.closeForwards()
	cs.wg.Wait()
	cs.log.Debug("ssh connection closed")
}

// serveRejected handles a connection whose admission failed after the
// handshake: the first session receives the rejection text and exit status
// 1, everything else is refused, and the connection is closed.
func (cs *connState) serveRejected(chans <-chan ssh.NewChannel, reqs <-chan *ssh.Request, banner string) {
	cs.log.Info("closing unauthorized connection")
	go func() {
		for req := range reqs {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}()

	timer := time.AfterFunc(cs.srv.cfg.HandshakeTimeout, func() { _ = cs.sconn.Close() })
	defer timer.Stop()

	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.Prohibited, "not authorized")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			break
		}
		go ssh.DiscardRequests(chReqs)
		_, _ = ch.Write([]byte(banner))
		sendExitStatus(ch, broker.ExitFailure)
		_ = ch.Close()
		break
	}
	_ = cs.sconn.Close()
}

func remoteIP(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func handshakeReason(err error) string {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		return "timeout"
	case errors.Is(err, net.ErrClosed):
		return "closed"
	default:
		return "auth_failed"
	}
}
