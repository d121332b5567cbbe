package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/addr/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "routes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func acquire(t *testing.T, s *Store) *Handle {
	t.Helper()
	h, err := s.Acquire(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestOpenEnablesWAL(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	mode, err := s.JournalMode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wal", mode)
	require.NoError(t, s.Ping(context.Background()))
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}

func TestAdmitRegistersNewName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	h := acquire(t, s)

	adm, err := h.Admit(ctx, "alpha1", "SHA256:dev1", 10)
	require.NoError(t, err)
	assert.True(t, adm.Registered)
	assert.Equal(t, domain.Quota{Plan: 10, Usage: 1}, adm.Quota)

	rec, err := s.GetName(ctx, "alpha1")
	require.NoError(t, err)
	assert.Equal(t, domain.NameRecord{Name: "alpha1", Port: 0, Plan: 10, Status: domain.NameStatusActive, Fingerprint: "SHA256:dev1"}, rec)

	fp, err := s.GetFingerprint(ctx, "SHA256:dev1")
	require.NoError(t, err)
	assert.Equal(t, domain.FingerprintRecord{Fingerprint: "SHA256:dev1", Owner: "alpha1", Usage: 1}, fp)
}

func TestAdmitSameDeviceIsNotCountedTwice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	h := acquire(t, s)

	_, err := h.Admit(ctx, "alpha1", "SHA256:dev1", 10)
	require.NoError(t, err)
	adm, err := h.Admit(ctx, "alpha1", "SHA256:dev1", 10)
	require.NoError(t, err)
	assert.False(t, adm.Registered)
	assert.Equal(t, 1, adm.Quota.Usage)

	// Bumping again for an already counted name is a no-op.
	require.NoError(t, h.RegisterOrBumpFingerprint(ctx, "SHA256:dev1", "alpha1"))
	fp, err := s.GetFingerprint(ctx, "SHA256:dev1")
	require.NoError(t, err)
	assert.Equal(t, 1, fp.Usage)
}

func TestAdmitRejectsOtherDevice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	h := acquire(t, s)

	_, err := h.Admit(ctx, "alpha1", "SHA256:dev1", 10)
	require.NoError(t, err)

	_, err = h.Admit(ctx, "alpha1", "SHA256:dev2", 10)
	require.ErrorIs(t, err, domain.ErrNameOwned)

	rec, err := s.GetName(ctx, "alpha1")
	require.NoError(t, err)
	assert.Equal(t, "SHA256:dev1", rec.Fingerprint)
	_, err = s.GetFingerprint(ctx, "SHA256:dev2")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAdmitEnforcesPlan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	h := acquire(t, s)

	for i := range 3 {
		_, err := h.Admit(ctx, fmt.Sprintf("name-%d", i), "SHA256:dev1", 3)
		require.NoError(t, err)
	}

	_, err := h.Admit(ctx, "name-3", "SHA256:dev1", 3)
	var qe *domain.QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 3, qe.Usage)
	assert.Equal(t, 3, qe.Plan)
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)

	_, err = s.GetName(ctx, "name-3")
	require.ErrorIs(t, err, domain.ErrNotFound)

	// Existing names stay usable after the plan is exhausted.
	_, err = h.Admit(ctx, "name-0", "SHA256:dev1", 3)
	require.NoError(t, err)
}

func TestRegisterNameConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	h := acquire(t, s)

	require.NoError(t, h.RegisterName(ctx, "alpha1", "SHA256:dev1", 10))
	err := h.RegisterName(ctx, "alpha1", "SHA256:dev2", 10)
	require.ErrorIs(t, err, domain.ErrNameExists)

	fp, ok, err := h.FindNameFingerprint(ctx, "alpha1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "SHA256:dev1", fp)

	_, ok, err = h.FindNameFingerprint(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindQuotaForUsesOwnerPlan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	h := acquire(t, s)

	_, ok, err := h.FindQuotaFor(ctx, "SHA256:dev1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.Admit(ctx, "owner", "SHA256:dev1", 2)
	require.NoError(t, err)
	// A later name with a larger plan does not raise the device allowance.
	_, err = h.Admit(ctx, "second", "SHA256:dev1", 50)
	require.NoError(t, err)

	q, ok, err := h.FindQuotaFor(ctx, "SHA256:dev1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.Quota{Plan: 2, Usage: 2}, q)
}

func TestConcurrentSameNameHasOneWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	const racers = 8
	var (
		wg       sync.WaitGroup
		winners  atomic.Int32
		rejected atomic.Int32
	)
	for i := range racers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := s.Acquire(ctx)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer h.Close()
			_, err = h.Admit(ctx, "contested", fmt.Sprintf("SHA256:dev%d", i), 10)
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, domain.ErrNameOwned):
				rejected.Add(1)
			default:
				t.Errorf("admit: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, winners.Load())
	assert.EqualValues(t, racers-1, rejected.Load())

	names, err := s.ListNames(ctx)
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestConcurrentQuotaIsExact(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	const plan = 4
	const attempts = 12
	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
	)
	for i := range attempts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := s.Acquire(ctx)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer h.Close()
			_, err = h.Admit(ctx, fmt.Sprintf("device-name-%02d", i), "SHA256:dev1", plan)
			if err == nil {
				admitted.Add(1)
				return
			}
			if !errors.Is(err, domain.ErrQuotaExceeded) {
				t.Errorf("admit: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, plan, admitted.Load())
	fp, err := s.GetFingerprint(ctx, "SHA256:dev1")
	require.NoError(t, err)
	assert.Equal(t, plan, fp.Usage)
}

func TestBindPortRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	h := acquire(t, s)

	_, err := h.Admit(ctx, "alpha1", "SHA256:dev1", 10)
	require.NoError(t, err)

	port, err := h.ResolvePortForName(ctx, "alpha1")
	require.NoError(t, err)
	assert.Zero(t, port)

	require.NoError(t, h.BindPort(ctx, 40001, "alpha1"))
	port, err = h.ResolvePortForName(ctx, "alpha1")
	require.NoError(t, err)
	assert.Equal(t, 40001, port)

	bindings, err := s.ListBindings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.PortRecord{{Port: 40001, Owner: "alpha1"}}, bindings)
}

func TestBindPortRecycledPortInvalidatesStaleOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	h := acquire(t, s)

	_, err := h.Admit(ctx, "alpha1", "SHA256:dev1", 10)
	require.NoError(t, err)
	_, err = h.Admit(ctx, "bravo2", "SHA256:dev2", 10)
	require.NoError(t, err)

	require.NoError(t, h.BindPort(ctx, 40001, "alpha1"))
	require.NoError(t, h.BindPort(ctx, 40001, "bravo2"))

	port, err := h.ResolvePortForName(ctx, "alpha1")
	require.NoError(t, err)
	assert.Zero(t, port, "stale binding must not resolve")

	port, err = h.ResolvePortForName(ctx, "bravo2")
	require.NoError(t, err)
	assert.Equal(t, 40001, port)

	bindings, err := s.ListBindings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.PortRecord{{Port: 40001, Owner: "bravo2"}}, bindings)
}

func TestBindPortUnknownNameRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)
	h := acquire(t, s)

	err := h.BindPort(ctx, 40002, "ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)

	bindings, err := s.ListBindings(ctx)
	require.NoError(t, err)
	assert.Empty(t, bindings)

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(1) FROM ports`).Scan(&count))
	assert.Zero(t, count)
}

func TestGetNameNotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	_, err := s.GetName(context.Background(), "nobody")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHandlesDoNotHoldPoolConnections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := OpenWithOptions(filepath.Join(t.TempDir(), "routes.db"), OpenOptions{MaxOpenConns: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	handles := make([]*Handle, 6)
	for i := range handles {
		handles[i] = acquire(t, s)
	}

	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for i, h := range handles {
		_, err := h.Admit(opCtx, fmt.Sprintf("pooled-name-%d", i), fmt.Sprintf("SHA256:dev%d", i), 10)
		require.NoError(t, err)
	}
	require.NoError(t, s.Ping(opCtx))

	names, err := s.ListNames(ctx)
	require.NoError(t, err)
	assert.Len(t, names, len(handles))
}

func TestClosedHandleRefusesOperations(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	h, err := s.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Close())

	_, _, err = h.FindNameFingerprint(context.Background(), "alpha1")
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	err = h.BindPort(context.Background(), 40001, "alpha1")
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestAcquireHonorsCanceledContext(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Acquire(ctx)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.ErrorIs(t, err, context.Canceled)
}
