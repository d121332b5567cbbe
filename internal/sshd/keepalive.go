package sshd

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/crypto/ssh"
)

// keepalive probes the client every KeepaliveInterval and closes the
// connection after KeepaliveCountMax consecutive unanswered probes.
func (s *Server) keepalive(ctx context.Context, sconn *ssh.ServerConn, log *slog.Logger) {
	if s.cfg.KeepaliveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if probe(sconn, s.cfg.KeepaliveInterval) {
			missed = 0
			continue
		}
		missed++
		if missed >= s.cfg.KeepaliveCountMax {
			log.Info("client unresponsive, closing", "missed", missed)
			_ = sconn.Close()
			return
		}
	}
}

// probe sends a keepalive request and reports whether any reply arrived
// within timeout. Clients answer unknown requests with a failure, which
// still counts as alive.
func probe(sconn *ssh.ServerConn, timeout time.Duration) bool {
	result := make(chan error, 1)
	go func() {
		_, _, err := sconn.SendRequest(keepaliveRequest, true, nil)
		result <- err
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err == nil
	case <-timer.C:
		return false
	}
}
