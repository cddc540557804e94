package snowflake

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLeaseOptions() LeaseOptions {
	return LeaseOptions{
		Prefix:        "snowflake:node",
		TTL:           time.Second,
		RenewInterval: 20 * time.Millisecond,
		Logger:        zerolog.Nop(),
	}
}

func assignConcurrently(t *testing.T, store LeaseStore, n int) []*Lease {
	t.Helper()

	leases := make([]*Lease, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			leases[i], errs[i] = AssignNode(t.Context(), store, testLeaseOptions())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "generator %d", i)
	}
	t.Cleanup(func() {
		for _, l := range leases {
			_ = l.Stop(context.Background())
		}
	})
	return leases
}

func requireDisjoint(t *testing.T, leases []*Lease) {
	t.Helper()

	seen := make(map[int64]bool, len(leases))
	for _, l := range leases {
		require.False(t, seen[l.Node()], "node %d claimed twice", l.Node())
		seen[l.Node()] = true
	}
}

func TestAssignNodeClaimsAreDisjointInMemory(t *testing.T) {
	leases := assignConcurrently(t, NewMemoryLeaseStore(), 200)
	requireDisjoint(t, leases)
}

func TestAssignNodeClaimsAreDisjointInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	leases := assignConcurrently(t, NewRedisLeaseStore(client), 50)
	requireDisjoint(t, leases)
	assert.Len(t, mr.Keys(), 50)
}

func TestAssignNodeSkipsTakenSlots(t *testing.T) {
	store := NewMemoryLeaseStore()
	for n := int64(0); n <= MaxNode; n++ {
		if n == 42 {
			continue
		}
		ok, err := store.Acquire(t.Context(), "snowflake:node:"+strconv.FormatInt(n, 10), "someone-else", time.Hour)
		require.NoError(t, err)
		require.True(t, ok)
	}

	lease, err := AssignNode(t.Context(), store, testLeaseOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = lease.Stop(context.Background()) })

	assert.Equal(t, int64(42), lease.Node())
}

type unreachableStore struct{}

func (unreachableStore) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("dial tcp: connection refused")
}

func (unreachableStore) Renew(context.Context, string, string, time.Duration) error {
	return errors.New("dial tcp: connection refused")
}

func TestAssignNodeFailsWhenStoreUnreachable(t *testing.T) {
	_, err := AssignNode(t.Context(), unreachableStore{}, testLeaseOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestAssignNodeStopsWhenContextEnds(t *testing.T) {
	store := NewMemoryLeaseStore()
	for n := int64(0); n <= MaxNode; n++ {
		_, err := store.Acquire(t.Context(), "snowflake:node:"+strconv.FormatInt(n, 10), "someone-else", time.Hour)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	_, err := AssignNode(ctx, store, testLeaseOptions())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAssignNodeRejectsRenewIntervalNotShorterThanTTL(t *testing.T) {
	opts := testLeaseOptions()
	opts.RenewInterval = opts.TTL

	_, err := AssignNode(t.Context(), NewMemoryLeaseStore(), opts)
	assert.Error(t, err)
}

func TestLeaseRenewalExtendsRedisKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	lease, err := AssignNode(t.Context(), NewRedisLeaseStore(client), testLeaseOptions())
	require.NoError(t, err)

	mr.SetTTL(lease.Key(), 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return mr.TTL(lease.Key()) == time.Second
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, lease.Stop(t.Context()))
}

func TestRedisRenewRefusesForeignOwner(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisLeaseStore(client)

	ok, err := store.Acquire(t.Context(), "lease", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, store.Renew(t.Context(), "lease", "b", time.Minute), ErrLeaseLost)
	assert.NoError(t, store.Renew(t.Context(), "lease", "a", time.Minute))

	mr.Del("lease")
	assert.NoError(t, store.Renew(t.Context(), "lease", "b", time.Minute))
	got, err := mr.Get("lease")
	require.NoError(t, err)
	assert.Equal(t, "b", got)
}

func TestMemoryLeaseExpires(t *testing.T) {
	now := time.Unix(1000, 0)
	store := NewMemoryLeaseStore()
	store.now = func() time.Time { return now }

	ok, err := store.Acquire(t.Context(), "k", "a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Acquire(t.Context(), "k", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, err = store.Acquire(t.Context(), "k", "b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	owner, held := store.Owner("k")
	assert.True(t, held)
	assert.Equal(t, "b", owner)
}
