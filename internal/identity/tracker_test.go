package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predictgate/internal/cache"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr := NewTracker(cache.NewLocalStore(0), time.Hour)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestTracker_Lifecycle(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	sid, err := tr.Begin(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, sid)

	snap, err := tr.Snapshot(ctx, sid)
	require.NoError(t, err)
	assert.True(t, snap.Loading, "loading until the first notification")
	assert.Nil(t, snap.User)

	user := &User{Subject: "42", Username: "ops"}
	require.NoError(t, tr.Notify(ctx, sid, user))
	snap, err = tr.Snapshot(ctx, sid)
	require.NoError(t, err)
	assert.False(t, snap.Loading)
	require.True(t, snap.SignedIn())
	assert.Equal(t, "ops", snap.User.Username)

	require.NoError(t, tr.Notify(ctx, sid, nil))
	snap, err = tr.Snapshot(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, Snapshot{}, snap)
}

func TestTracker_SnapshotIsACopy(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	user := &User{Username: "ops"}
	require.NoError(t, tr.Notify(ctx, "sid", user))
	user.Username = "changed"

	snap, err := tr.Snapshot(ctx, "sid")
	require.NoError(t, err)
	snap.User.Username = "mutated"

	again, err := tr.Snapshot(ctx, "sid")
	require.NoError(t, err)
	assert.Equal(t, "ops", again.User.Username)
}

func TestTracker_UnknownSession(t *testing.T) {
	tr := newTestTracker(t)

	snap, err := tr.Snapshot(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Equal(t, Snapshot{}, snap)

	snap, err = tr.Snapshot(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, Snapshot{}, snap)
}

func TestTracker_SessionsAreIndependent(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	a, err := tr.Begin(ctx)
	require.NoError(t, err)
	b, err := tr.Begin(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	require.NoError(t, tr.Notify(ctx, a, &User{Username: "alice"}))

	snapB, err := tr.Snapshot(ctx, b)
	require.NoError(t, err)
	assert.True(t, snapB.Loading)
	assert.Nil(t, snapB.User)
}

func TestTracker_Close(t *testing.T) {
	tr := NewTracker(cache.NewLocalStore(0), time.Hour)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err := tr.Begin(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
	assert.ErrorIs(t, tr.Notify(context.Background(), "sid", nil), ErrClosed)
	_, err = tr.Snapshot(context.Background(), "sid")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTracker_NotifyRequiresSessionID(t *testing.T) {
	tr := newTestTracker(t)
	assert.Error(t, tr.Notify(context.Background(), "", &User{}))
}

func TestTracker_ConcurrentNotify(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sid, err := tr.Begin(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			if err := tr.Notify(ctx, sid, &User{Username: sid}); err != nil {
				t.Error(err)
				return
			}
			snap, err := tr.Snapshot(ctx, sid)
			if err != nil || snap.User == nil || snap.User.Username != sid {
				t.Errorf("unexpected snapshot for %s: %+v %v", sid, snap, err)
			}
		}()
	}
	wg.Wait()
}
