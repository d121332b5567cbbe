package routes

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/addr/internal/domain"
)

type staticLister []domain.PortRecord

func (l staticLister) ListBindings(context.Context) ([]domain.PortRecord, error) {
	return l, nil
}

type recordingSink struct {
	got  []Binding
	fail map[string]bool
}

func (s *recordingSink) Publish(_ context.Context, b Binding) error {
	if s.fail[b.Name] {
		return errors.New("boom")
	}
	s.got = append(s.got, b)
	return nil
}

func TestSyncRepublishesBindings(t *testing.T) {
	t.Parallel()

	lister := staticLister{{Port: 40001, Owner: "alpha1"}, {Port: 40002, Owner: "app.customer.org"}}
	sink := &recordingSink{}

	n, err := Sync(context.Background(), lister, "example.com", sink)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []Binding{
		{Name: "alpha1", Domain: "alpha1.example.com", Port: 40001},
		{Name: "app.customer.org", Domain: "app.customer.org", Port: 40002},
	}, sink.got)
}

func TestSyncContinuesPastFailures(t *testing.T) {
	t.Parallel()

	lister := staticLister{{Port: 40001, Owner: "alpha1"}, {Port: 40002, Owner: "bravo2"}}
	sink := &recordingSink{fail: map[string]bool{"alpha1": true}}

	n, err := Sync(context.Background(), lister, "example.com", sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alpha1.example.com")
	assert.Equal(t, 1, n)
}

func TestMultiStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	first := &recordingSink{fail: map[string]bool{"alpha1": true}}
	second := &recordingSink{}
	err := Multi{first, nil, second}.Publish(context.Background(), NewBinding("alpha1", "example.com", 1))
	require.Error(t, err)
	assert.Empty(t, second.got)

	require.NoError(t, Multi{second}.Publish(context.Background(), NewBinding("bravo2", "example.com", 2)))
	assert.Len(t, second.got, 1)
}

func TestFeedDeliversAndDrops(t *testing.T) {
	t.Parallel()

	feed := NewFeed()
	ch, cancel := feed.Subscribe(1)
	assert.Equal(t, 1, feed.Subscribers())

	feed.Notify(NewBinding("alpha1", "example.com", 40001))
	feed.Notify(NewBinding("bravo2", "example.com", 40002))

	got := <-ch
	assert.Equal(t, "alpha1", got.Name)
	assert.EqualValues(t, 1, feed.Dropped())

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, feed.Subscribers())
}
