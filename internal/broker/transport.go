package broker

import (
	"context"
	"io"

	"github.com/koltyakov/addr/internal/domain"
)

// Registry is the connection-scoped store handle the broker works through.
// It is opened when the transport connection is established and closed when
// the connection ends.
type Registry interface {
	FindNameFingerprint(ctx context.Context, name string) (string, bool, error)
	FindQuotaFor(ctx context.Context, fingerprint string) (domain.Quota, bool, error)
	Admit(ctx context.Context, name, fingerprint string, plan int) (domain.Admission, error)
	ResolvePortForName(ctx context.Context, name string) (int, error)
	BindPort(ctx context.Context, port int, name string) error
	Close() error
}

// AcquireFunc opens a Registry for one connection.
type AcquireFunc func(ctx context.Context) (Registry, error)

// Forwarder is the transport capability that opens a broker-side listener
// whose accepted connections are relayed to the client.
type Forwarder interface {
	OpenForwardingListener(ctx context.Context, bindHost string, bindPort int, remoteHost string, remotePort int) (Listener, error)
}

// Listener is an open forwarding listener.
type Listener interface {
	// Port is the broker-side port actually bound.
	Port() int
	Close() error
}

// Process is the interactive session surface of a connection.
type Process interface {
	Stdout() io.Writer
	Stdin() io.Reader
	// Breaks delivers one value per break signal from the client.
	Breaks() <-chan struct{}
	// Exit reports the session outcome to the client and ends the session.
	Exit(code int)
}
