package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/koltyakov/addr/internal/domain"
	"github.com/koltyakov/addr/internal/routes"
)

// ErrNotAuthorized is returned for requests on a connection that has not
// completed [Conn.Authorize].
var ErrNotAuthorized = errors.New("connection not authorized")

// HandleForward serves the client's request to forward remotePort. It opens
// a listener on the name's existing broker-side port, or on a fresh port
// that is then published to the router and recorded in the registry. The
// connection's waiter is resolved exactly once on every path; a resolution
// after the session stopped waiting is a no-op.
func (c *Conn) HandleForward(ctx context.Context, fwd Forwarder, remoteHost string, remotePort int) (Listener, error) {
	name := c.Name()
	if name == "" {
		return nil, ErrNotAuthorized
	}
	log := c.log.With("name", name, "remote_port", remotePort)

	if !domain.IsSupportedRemotePort(remotePort) {
		c.b.waiters.Fail(c.id, unsupportedPortReason(remotePort))
		log.Info("unsupported remote port")
		return nil, fmt.Errorf("%w: %d", domain.ErrUnsupportedPort, remotePort)
	}

	port, err := c.reg.ResolvePortForName(ctx, name)
	if err != nil {
		return nil, c.forwardFailed(name, "resolve port", err)
	}

	ln, err := fwd.OpenForwardingListener(ctx, c.b.cfg.ForwardBindHost, port, remoteHost, remotePort)
	if err != nil {
		c.b.metrics.RecordForwardOpen(false)
		return nil, c.forwardFailed(name, "open listener", err)
	}
	c.b.metrics.RecordForwardOpen(true)

	if port == 0 {
		binding := routes.NewBinding(name, c.b.cfg.Domain, ln.Port())
		if err := c.bind(ctx, binding); err != nil {
			_ = ln.Close()
			return nil, c.forwardFailed(name, "bind port", err)
		}
		log.Info("bound port", "port", binding.Port, "domain", binding.Domain)
	} else {
		log.Info("reusing port", "port", port)
	}

	c.b.waiters.Succeed(c.id)
	return ln, nil
}

// bind publishes the router files before committing the registry binding so
// a committed binding is never missing its files.
func (c *Conn) bind(ctx context.Context, b routes.Binding) error {
	if c.b.sink != nil {
		if err := c.b.sink.Publish(ctx, b); err != nil {
			return fmt.Errorf("publish route: %w", err)
		}
	}
	if err := c.reg.BindPort(ctx, b.Port, b.Name); err != nil {
		return err
	}
	c.b.metrics.RecordRouteEvent()
	if c.b.feed != nil {
		c.b.feed.Notify(b)
	}
	return nil
}

func (c *Conn) forwardFailed(name, op string, err error) error {
	terr := &domain.TunnelError{Name: name, Op: op, Err: err}
	c.log.Error("port forwarding failed", "err", terr)
	c.b.waiters.Fail(c.id, msgFailed)
	return terr
}
