package sshd

import (
	"bytes"
	"context"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

type exitStatusMsg struct {
	Status uint32
}

func sendExitStatus(ch ssh.Channel, code int) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(exitStatusMsg{Status: uint32(code)}))
}

// sessionProcess adapts a session channel to [broker.Process].
type sessionProcess struct {
	ch     ssh.Channel
	out    io.Writer
	breaks chan struct{}
	once   sync.Once
}

func newSessionProcess(ch ssh.Channel, pty bool) *sessionProcess {
	p := &sessionProcess{ch: ch, out: ch, breaks: make(chan struct{}, 1)}
	if pty {
		p.out = crlfWriter{w: ch}
	}
	return p
}

func (p *sessionProcess) Stdout() io.Writer { return p.out }
func (p *sessionProcess) Stdin() io.Reader { return p.ch }
func (p *sessionProcess) Breaks() <-chan struct{} { return p.breaks }

func (p *sessionProcess) Exit(code int) {
	p.once.Do(func() {
		sendExitStatus(p.ch, code)
		_ = p.ch.Close()
	})
}

func (p *sessionProcess) signalBreak() {
	select {
	case p.breaks <- struct{}{}:
	default:
	}
}

// handleSession serves one session channel. The first shell or exec request
// starts the broker session; later ones are refused.
func (cs *connState) handleSession(ctx context.Context, nch ssh.NewChannel) {
	ch, reqs, err := nch.Accept()
	if err != nil {
		cs.log.Debug("accept session", "err", err)
		return
	}
	defer func() { _ = ch.Close() }()

	var (
		pty  bool
		proc *sessionProcess
		done chan struct{}
	)
	for req := range reqs {
		ok := false
		switch req.Type {
		case "pty-req":
			ok = proc == nil
			if ok {
				pty = true
			}
		case "env", "window-change":
			ok = true
		case "shell", "exec":
			if proc != nil {
				break
			}
			ok = true
			proc = newSessionProcess(ch, pty)
			done = make(chan struct{})
			go func() {
				defer close(done)
				defer recoverConn(cs.log, "ssh-session-run")
				code := cs.bc.RunSession(ctx, proc)
				cs.log.Debug("session ended", "exit", code)
			}()
		case "break":
			if proc != nil {
				proc.signalBreak()
				ok = true
			}
		}
		if req.WantReply {
			_ = req.Reply(ok, nil)
		}
	}
	if done != nil {
		<-done
	}
}

// crlfWriter turns bare newlines into CRLF for clients with a pty.
type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}
