package broker

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/dustin/go-humanize"

	"github.com/koltyakov/addr/internal/metrics"
)

// Session exit outcomes.
const (
	ExitOK      = 0
	ExitFailure = 1
)

// RunSession waits for the connection's forwarding outcome, reports the
// public addresses, and holds the session open until the client sends a
// break or closes its input. The outcome is passed to p.Exit and returned.
func (c *Conn) RunSession(ctx context.Context, p Process) int {
	code := c.runSession(ctx, p)
	p.Exit(code)
	return code
}

func (c *Conn) runSession(ctx context.Context, p Process) int {
	out := p.Stdout()
	started := c.b.clock.Now()

	outcome, err := c.b.waiters.Await(ctx, c.id)
	waited := c.b.clock.Now().Sub(started)
	switch {
	case errors.Is(err, ErrRendezvousTimeout):
		c.b.metrics.RecordRendezvous(metrics.RendezvousTimeout, waited)
		c.log.Warn("forwarding request did not arrive", "waited", waited)
		_, _ = io.WriteString(out, msgTimeout)
		return ExitFailure
	case err != nil:
		c.b.metrics.RecordRendezvous(metrics.RendezvousFailure, waited)
		c.log.Info("session without pending tunnel", "err", err)
		writeFailure(out, msgFailed)
		return ExitFailure
	case outcome.Kind != Success:
		c.b.metrics.RecordRendezvous(metrics.RendezvousFailure, waited)
		writeFailure(out, outcome.Reason)
		return ExitFailure
	}
	c.b.metrics.RecordRendezvous(metrics.RendezvousSuccess, waited)

	// Re-read: the binding may have changed since the forward handler ran.
	name := c.Name()
	port, err := c.reg.ResolvePortForName(ctx, name)
	if err != nil {
		c.log.Error("resolve port for session", "name", name, "err", err)
	}
	if err != nil || port == 0 {
		writeFailure(out, msgFailed)
		return ExitFailure
	}

	writeAddresses(out, name, c.b.cfg.Domain, port)

	c.b.metrics.RecordTunnelOpen()
	defer c.b.metrics.RecordTunnelClose()
	c.log.Info("tunnel open", "name", name, "port", port)

	broke := c.holdOpen(ctx, p)
	c.log.Info("tunnel closed", "name", name, "port", port,
		"opened", humanize.RelTime(started, c.b.clock.Now(), "ago", "from now"))
	if broke {
		_, _ = io.WriteString(out, msgTunnelClosed)
	}
	return ExitOK
}

// maxInputErrors is how many identical consecutive read errors stop the
// session's input reader.
const maxInputErrors = 5

// holdOpen blocks until end of input, a break, or ctx ends. It reports
// whether a break ended the session. Read errors other than end of input do
// not end the session; a reader that keeps failing the same way is abandoned.
func (c *Conn) holdOpen(ctx context.Context, p Process) bool {
	eof := make(chan struct{})
	go func() {
		buf := make([]byte, 1024)
		in := p.Stdin()
		var last string
		repeats := 0
		for {
			_, err := in.Read(buf)
			if err == nil {
				repeats = 0
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				close(eof)
				return
			}
			if ctx.Err() != nil {
				return
			}
			if msg := err.Error(); repeats > 0 && msg == last {
				repeats++
			} else {
				last, repeats = msg, 1
			}
			if repeats >= maxInputErrors {
				c.log.Debug("session input keeps failing, no longer reading", "err", err, "repeats", repeats)
				return
			}
			c.log.Debug("session input error", "err", err)
		}
	}()

	select {
	case <-p.Breaks():
		return true
	case <-eof:
		return false
	case <-ctx.Done():
		return false
	}
}
