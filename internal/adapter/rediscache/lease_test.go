package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLeaseManager wires a LeaseManager against a miniredis instance,
// grounded on the teacher's db/dragonflydb_test.go use of miniredis in place
// of a real Redis/Dragonfly server.
func newTestLeaseManager(t *testing.T) *LeaseManager {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewLeaseManager(client, 30*time.Second)
}

func TestLeaseManager_AcquireRelease(t *testing.T) {
	m := newTestLeaseManager(t)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "doc-1", "token-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Acquire(ctx, "doc-1", "token-b")
	require.NoError(t, err)
	assert.False(t, ok, "a second holder must not acquire an already-held lease")

	require.NoError(t, m.Release(ctx, "doc-1", "token-a"))

	ok, err = m.Acquire(ctx, "doc-1", "token-b")
	require.NoError(t, err)
	assert.True(t, ok, "the lease must be acquirable again once released")
}

func TestLeaseManager_Release_WrongTokenIsNoOp(t *testing.T) {
	m := newTestLeaseManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "doc-1", "token-a")
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, "doc-1", "token-b"))

	holder, held, err := m.CurrentHolder(ctx, "doc-1")
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, "token-a", holder)
}

func TestLeaseManager_Renew_OnlyCurrentHolderCanRenew(t *testing.T) {
	m := newTestLeaseManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "doc-1", "token-a")
	require.NoError(t, err)

	renewed, err := m.Renew(ctx, "doc-1", "token-b")
	require.NoError(t, err)
	assert.False(t, renewed)

	renewed, err = m.Renew(ctx, "doc-1", "token-a")
	require.NoError(t, err)
	assert.True(t, renewed)
}

func TestLeaseManager_CurrentHolder_UnheldLease(t *testing.T) {
	m := newTestLeaseManager(t)
	_, held, err := m.CurrentHolder(context.Background(), "doc-never-locked")
	require.NoError(t, err)
	assert.False(t, held)
}
