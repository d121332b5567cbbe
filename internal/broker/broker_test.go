package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/addr/internal/domain"
	"github.com/koltyakov/addr/internal/metrics"
)

func TestOfferUsernameRejectsInvalidNameForGood(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 10)
	c := env.establish(t)

	_, err := c.OfferUsername("abc")
	require.ErrorIs(t, err, domain.ErrInvalidName)
	assert.Contains(t, RejectionBanner("abc", err), "Name must be 5 - 63 characters")

	// A later valid name on the same connection stays rejected.
	_, err = c.OfferUsername("alpha1")
	require.ErrorIs(t, err, domain.ErrInvalidName)

	name, err := env.establish(t).OfferUsername("  Alpha1 ")
	require.NoError(t, err)
	assert.Equal(t, "alpha1", name)
}

func TestAuthorizeRegistersNameAndOpensWaiter(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 10)
	c := env.authorized(t, "alpha1", "SHA256:dev1")

	assert.Equal(t, "alpha1", c.Name())
	assert.Equal(t, 1, env.broker.Pending())

	rec, err := env.store.GetName(context.Background(), "alpha1")
	require.NoError(t, err)
	assert.Equal(t, "SHA256:dev1", rec.Fingerprint)
	assert.Equal(t, 10, rec.Plan)
	assert.EqualValues(t, 1, testutil.ToFloat64(env.metrics.Admissions.WithLabelValues(metrics.AdmitRegistered)))

	require.NoError(t, c.Close())
	assert.Zero(t, env.broker.Pending())
}

func TestOtherDeviceIsRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 10)
	env.authorized(t, "alpha1", "SHA256:dev1")

	c := env.establish(t)
	err := c.OfferPublicKey(context.Background(), "alpha1", "SHA256:dev2")
	require.ErrorIs(t, err, domain.ErrNameOwned)
	assert.Equal(t,
		"\nalpha1 is already registered with another device. Please choose another domain name.\n",
		RejectionBanner("alpha1", err))

	// Authorize cannot be used to bypass the check.
	err = c.Authorize(context.Background(), "alpha1", "SHA256:dev1")
	require.ErrorIs(t, err, domain.ErrNameOwned)
	assert.Empty(t, c.Name())

	rec, err := env.store.GetName(context.Background(), "alpha1")
	require.NoError(t, err)
	assert.Equal(t, "SHA256:dev1", rec.Fingerprint)
}

func TestAuthorizeRejectsOtherDeviceWithoutPrecheck(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 10)
	env.authorized(t, "alpha1", "SHA256:dev1")

	c := env.establish(t)
	err := c.Authorize(context.Background(), "alpha1", "SHA256:dev2")
	require.ErrorIs(t, err, domain.ErrNameOwned)
	assert.Equal(t, 1, env.broker.Pending())
}

func TestPlanLimitIsEnforced(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 2)
	env.authorized(t, "alpha1", "SHA256:dev1")
	env.authorized(t, "bravo2", "SHA256:dev1")

	c := env.establish(t)
	err := c.OfferPublicKey(context.Background(), "charlie3", "SHA256:dev1")
	var qe *domain.QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "\nPlan limit exceeded (2/2).\n", RejectionBanner("charlie3", err))

	_, err = env.store.GetName(context.Background(), "charlie3")
	require.ErrorIs(t, err, domain.ErrNotFound)

	// Names the device already owns remain usable.
	env.authorized(t, "alpha1", "SHA256:dev1")
}

type unavailableRegistry struct{ Registry }

func (unavailableRegistry) FindNameFingerprint(context.Context, string) (string, bool, error) {
	return "", false, domain.ErrStoreUnavailable
}

func (unavailableRegistry) Close() error { return nil }

func TestStoreFailureRejectsConnection(t *testing.T) {
	t.Parallel()
	b := New(Config{Domain: testDomain}, Deps{
		Acquire: func(context.Context) (Registry, error) { return unavailableRegistry{}, nil },
	})
	c, err := b.Establish(context.Background(), "127.0.0.1:1")
	require.NoError(t, err)
	defer c.Close()

	err = c.OfferPublicKey(context.Background(), "alpha1", "SHA256:dev1")
	var terr *domain.TunnelError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "alpha1", terr.Name)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, "\nFailed to create tunnel.\n", RejectionBanner("alpha1", err))
}

func TestEstablishFailsWhenStoreUnavailable(t *testing.T) {
	t.Parallel()
	b := New(Config{Domain: testDomain}, Deps{
		Acquire: func(context.Context) (Registry, error) { return nil, domain.ErrStoreUnavailable },
	})
	_, err := b.Establish(context.Background(), "127.0.0.1:1")
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestLiveConnectionsDoNotExhaustStorePool(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 10)

	// More live connections than the store's default pool size.
	const live = 24
	for i := range live {
		env.authorized(t, fmt.Sprintf("device-%02d", i), fmt.Sprintf("SHA256:dev%d", i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := env.broker.Establish(ctx, "127.0.0.1:50001")
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.OfferPublicKey(ctx, "latecomer", "SHA256:late"))
	require.NoError(t, c.Authorize(ctx, "latecomer", "SHA256:late"))
	assert.Equal(t, "latecomer", c.Name())
}

func TestForwardThenSessionReportsAddresses(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 10)
	c := env.authorized(t, "alpha1", "SHA256:dev1")
	events, cancel := env.feed.Subscribe(4)
	defer cancel()

	fwd := &fakeForwarder{allocate: 40001}
	ln, err := c.HandleForward(context.Background(), fwd, "localhost", 80)
	require.NoError(t, err)
	assert.Equal(t, 40001, ln.Port())
	assert.Equal(t, []int{0}, fwd.bindPorts)

	raw, err := os.ReadFile(filepath.Join(env.dir, "names", "alpha1.example.com"))
	require.NoError(t, err)
	assert.Equal(t, "40001", string(raw))
	raw, err = os.ReadFile(filepath.Join(env.dir, "ports", "40001"))
	require.NoError(t, err)
	assert.Equal(t, "alpha1.example.com", string(raw))

	select {
	case ev := <-events:
		assert.Equal(t, "alpha1.example.com", ev.Domain)
		assert.Equal(t, 40001, ev.Port)
	default:
		t.Fatal("expected a binding event")
	}

	p := startSession(c)
	p.CloseInput()
	assert.Equal(t, ExitOK, p.waitExit(t))
	assert.Equal(t,
		"\nYou can access your application through the following public addresses:\n"+
			"  HTTP:\thttps://alpha1.example.com\n"+
			"  TCP :\talpha1.example.com:40001\n",
		p.Output())
	assert.Zero(t, env.broker.Pending())
	assert.EqualValues(t, 1, testutil.ToFloat64(env.metrics.Rendezvous.WithLabelValues(metrics.RendezvousSuccess)))
}

func TestSessionBeforeForwardWaits(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 10)
	c := env.authorized(t, "alpha1", "SHA256:dev1")

	p := startSession(c)
	env.clock.Advance(9900 * time.Millisecond)
	_, err := c.HandleForward(context.Background(), &fakeForwarder{allocate: 40002}, "localhost", 443)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(p.Output()) > 0
	}, 5*time.Second, 10*time.Millisecond)
	p.CloseInput()
	assert.Equal(t, ExitOK, p.waitExit(t))
	assert.Contains(t, p.Output(), "alpha1.example.com:40002")
}

func TestSessionTimesOutAndLateForwardIsNoop(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 10)
	c := env.authorized(t, "alpha1", "SHA256:dev1")

	p := startSession(c)
	env.clock.Expire()
	assert.Equal(t, ExitFailure, p.waitExit(t))
	assert.Equal(t, "\nFailed to create tunnel (timeout).\n", p.Output())
	assert.Zero(t, env.broker.Pending())

	_, err := c.HandleForward(context.Background(), &fakeForwarder{allocate: 40003}, "localhost", 80)
	require.NoError(t, err)
	assert.False(t, env.broker.waiters.Succeed(c.ID()))
	assert.EqualValues(t, 1, testutil.ToFloat64(env.metrics.Rendezvous.WithLabelValues(metrics.RendezvousTimeout)))
}

func TestUnsupportedRemotePort(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 10)
	c := env.authorized(t, "alpha1", "SHA256:dev1")

	fwd := &fakeForwarder{allocate: 40004}
	_, err := c.HandleForward(context.Background(), fwd, "localhost", 8080)
	require.ErrorIs(t, err, domain.ErrUnsupportedPort)
	assert.Zero(t, fwd.Calls())

	p := startSession(c)
	assert.Equal(t, ExitFailure, p.waitExit(t))
	assert.Equal(t, "\nPort 8080 is not supported.\n", p.Output())

	rec, err := env.store.GetName(context.Background(), "alpha1")
	require.NoError(t, err)
	assert.Zero(t, rec.Port)
}

func TestForwardingFailureIsReported(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 10)
	c := env.authorized(t, "alpha1", "SHA256:dev1")

	_, err := c.HandleForward(context.Background(), &fakeForwarder{err: syscall.EADDRINUSE}, "localhost", 80)
	require.ErrorIs(t, err, syscall.EADDRINUSE)

	p := startSession(c)
	assert.Equal(t, ExitFailure, p.waitExit(t))
	assert.Equal(t, "\nFailed to create tunnel.\n", p.Output())

	bindings, err := env.store.ListBindings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, bindings)
}

func TestReconnectReusesBoundPort(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 10)
	first := env.authorized(t, "alpha1", "SHA256:dev1")
	_, err := first.HandleForward(context.Background(), &fakeForwarder{allocate: 40005}, "localhost", 80)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := env.authorized(t, "alpha1", "SHA256:dev1")
	fwd := &fakeForwarder{allocate: 49999}
	ln, err := second.HandleForward(context.Background(), fwd, "localhost", 80)
	require.NoError(t, err)
	assert.Equal(t, []int{40005}, fwd.bindPorts)
	assert.Equal(t, 40005, ln.Port())
}

func TestBreakClosesTunnel(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 10)
	c := env.authorized(t, "app.customer.org", "SHA256:dev1")
	_, err := c.HandleForward(context.Background(), &fakeForwarder{allocate: 40006}, "localhost", 443)
	require.NoError(t, err)

	p := startSession(c)
	t.Cleanup(p.CloseInput)
	require.Eventually(t, func() bool {
		return len(p.Output()) > 0
	}, 5*time.Second, 10*time.Millisecond)
	p.Break()

	assert.Equal(t, ExitOK, p.waitExit(t))
	out := p.Output()
	assert.Contains(t, out, "  HTTP:\thttps://app.customer.org.example.com\n")
	assert.Contains(t, out, "\nPoint your domain using CNAME to \"app.customer.org.example.com\" to enable custom domains.\n")
	assert.True(t, strings.HasSuffix(out, msgTunnelClosed))

	_, err = os.Stat(filepath.Join(env.dir, "names", "app.customer.org"))
	require.NoError(t, err)
}

func TestRepeatedInputErrorsStopReaderButKeepTunnel(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 10)
	c := env.authorized(t, "stuck-input", "SHA256:dev1")
	_, err := c.HandleForward(context.Background(), &fakeForwarder{allocate: 40007}, "localhost", 80)
	require.NoError(t, err)

	in := &failingReader{err: errors.New("channel read failed")}
	p := newFakeProcess()
	p.stdin = in
	go c.RunSession(context.Background(), p)

	require.Eventually(t, func() bool {
		return in.reads.Load() == maxInputErrors
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, maxInputErrors, in.reads.Load())

	select {
	case code := <-p.exit:
		t.Fatalf("session ended with %d after input errors", code)
	default:
	}

	p.Break()
	assert.Equal(t, ExitOK, p.waitExit(t))
}

func TestSessionWithoutWaiterFails(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 10)
	c := env.establish(t)

	p := startSession(c)
	assert.Equal(t, ExitFailure, p.waitExit(t))
	assert.Equal(t, "\nFailed to create tunnel.\n", p.Output())
}

func TestForwardRequiresAuthorization(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 10)
	c := env.establish(t)
	_, err := c.HandleForward(context.Background(), &fakeForwarder{}, "localhost", 80)
	require.True(t, errors.Is(err, ErrNotAuthorized))
}

func TestWelcomeBanner(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Welcome to example.com!\n", WelcomeBanner("example.com"))
}
