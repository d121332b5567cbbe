package broker

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/addr/internal/metrics"
	"github.com/koltyakov/addr/internal/routes"
	"github.com/koltyakov/addr/internal/store/sqlite"
)

const testDomain = "example.com"

type testEnv struct {
	broker  *Broker
	store   *sqlite.Store
	sink    *routes.FileSink
	feed    *routes.Feed
	metrics *metrics.Metrics
	clock   *manualClock
	dir     string
}

func newTestEnv(t *testing.T, plan int) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "routes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sink, err := routes.NewFileSink(filepath.Join(dir, "names"), filepath.Join(dir, "ports"))
	require.NoError(t, err)

	env := &testEnv{
		store:   store,
		sink:    sink,
		feed:    routes.NewFeed(),
		metrics: metrics.NewWithRegistry(prometheus.NewRegistry()),
		clock:   newManualClock(),
		dir:     dir,
	}
	env.broker = New(Config{
		Domain:            testDomain,
		DefaultPlan:       plan,
		RendezvousTimeout: 10 * time.Second,
	}, Deps{
		Acquire: func(ctx context.Context) (Registry, error) {
			h, err := store.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			return h, nil
		},
		Sink:    sink,
		Feed:    env.feed,
		Metrics: env.metrics,
		Clock:   env.clock,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return env
}

func (e *testEnv) establish(t *testing.T) *Conn {
	t.Helper()
	c, err := e.broker.Establish(context.Background(), "127.0.0.1:50000")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// authorized returns a connection that passed admission for name.
func (e *testEnv) authorized(t *testing.T, name, fingerprint string) *Conn {
	t.Helper()
	c := e.establish(t)
	ctx := context.Background()
	require.NoError(t, c.OfferPublicKey(ctx, name, fingerprint))
	require.NoError(t, c.Authorize(ctx, name, fingerprint))
	return c
}

// manualClock fires the rendezvous deadline only when the test says so.
type manualClock struct {
	mu   sync.Mutex
	now  time.Time
	fire chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1_700_000_000, 0), fire: make(chan time.Time, 1)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) After(time.Duration) (<-chan time.Time, func()) {
	return c.fire, func() {}
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *manualClock) Expire() {
	c.fire <- c.Now()
}

type fakeListener struct {
	port   int
	mu     sync.Mutex
	closed bool
}

func (l *fakeListener) Port() int { return l.port }

func (l *fakeListener) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

type fakeForwarder struct {
	mu        sync.Mutex
	allocate  int
	err       error
	calls     int
	bindPorts []int
}

func (f *fakeForwarder) OpenForwardingListener(_ context.Context, _ string, bindPort int, _ string, _ int) (Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.bindPorts = append(f.bindPorts, bindPort)
	if f.err != nil {
		return nil, f.err
	}
	port := bindPort
	if port == 0 {
		port = f.allocate
	}
	return &fakeListener{port: port}, nil
}

func (f *fakeForwarder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeProcess struct {
	out    safeBuffer
	stdin  io.Reader
	inR    *io.PipeReader
	inW    *io.PipeWriter
	breaks chan struct{}
	exit   chan int
}

func newFakeProcess() *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{inR: r, inW: w, breaks: make(chan struct{}, 1), exit: make(chan int, 1)}
}

func (p *fakeProcess) Stdin() io.Reader {
	if p.stdin != nil {
		return p.stdin
	}
	return p.inR
}

func (p *fakeProcess) Stdout() io.Writer { return &p.out }
func (p *fakeProcess) Breaks() <-chan struct{} { return p.breaks }
func (p *fakeProcess) Exit(code int) { p.exit <- code }
func (p *fakeProcess) CloseInput() { _ = p.inW.Close() }
func (p *fakeProcess) Break() { p.breaks <- struct{}{} }
func (p *fakeProcess) Output() string { return p.out.String() }

func (p *fakeProcess) waitExit(t *testing.T) int {
	t.Helper()
	select {
	case code := <-p.exit:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("session did not exit")
		return -1
	}
}

// startSession runs the session in the background.
func startSession(c *Conn) *fakeProcess {
	p := newFakeProcess()
	go c.RunSession(context.Background(), p)
	return p
}

// failingReader fails every read with the same error and counts the calls.
type failingReader struct {
	err   error
	reads atomic.Int32
}

func (r *failingReader) Read([]byte) (int, error) {
	r.reads.Add(1)
	return 0, r.err
}
