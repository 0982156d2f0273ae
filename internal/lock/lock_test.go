package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/training-booking/internal/lock"
)

func newLocker(t *testing.T) (lock.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lock.Locker{R: client, RetryBackoff: 5 * time.Millisecond}, mr
}

func TestWithLockSerialisesHolders(t *testing.T) {
	locker, _ := newLocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var order []string
	var mu sync.Mutex
	firstDone := make(chan struct{})
	releaseFirst := make(chan struct{})
	key := lock.LedgerKey("user-1")

	go func() {
		_ = locker.WithLock(ctx, key, 100*time.Millisecond, func(context.Context) error {
			mu.Lock()
			order = append(order, "first")
			mu.Unlock()
			close(firstDone)
			<-releaseFirst
			return nil
		})
	}()

	<-firstDone

	go func() {
		_ = locker.WithLock(ctx, key, 100*time.Millisecond, func(context.Context) error {
			mu.Lock()
			order = append(order, "second")
			mu.Unlock()
			return nil
		})
	}()

	close(releaseFirst)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first", "second"}, order)
}

func TestWithLockGivesUpAfterMaxWait(t *testing.T) {
	locker, mr := newLocker(t)
	locker.MaxWait = 20 * time.Millisecond
	key := lock.SlotKey("user-1", "date-1")
	require.NoError(t, mr.Set(key, "someone-else"))

	called := false
	err := locker.WithLock(context.Background(), key, time.Second, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, lock.ErrNotAcquired)
	require.False(t, called)
}

func TestWithLockReleasesOnlyOwnToken(t *testing.T) {
	locker, mr := newLocker(t)
	key := lock.LedgerKey("user-2")

	err := locker.WithLock(context.Background(), key, time.Second, func(context.Context) error {
		// simulate expiry and takeover by another holder
		mr.Del(key)
		return mr.Set(key, "other-token")
	})
	require.NoError(t, err)

	v, err := mr.Get(key)
	require.NoError(t, err)
	require.Equal(t, "other-token", v)
}

func TestWithLockRenewsLeaseWhileHeld(t *testing.T) {
	locker, mr := newLocker(t)
	key := lock.SettleKey("b-1")

	err := locker.WithLock(context.Background(), key, 60*time.Millisecond, func(context.Context) error {
		for range 3 {
			time.Sleep(30 * time.Millisecond)
			mr.FastForward(40 * time.Millisecond)
		}
		require.True(t, mr.Exists(key), "lease lapsed while holder was running")
		return nil
	})
	require.NoError(t, err)
	require.False(t, mr.Exists(key))
}

func TestWithLockRequiresClientAndCallback(t *testing.T) {
	err := lock.Locker{}.WithLock(context.Background(), "k", time.Second, func(context.Context) error { return nil })
	require.Error(t, err)

	locker, _ := newLocker(t)
	require.Error(t, locker.WithLock(context.Background(), "k", time.Second, nil))
}

func TestReplayGuard(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	g := lock.ReplayGuard{R: client}
	ctx := context.Background()

	fresh, err := g.Claim(ctx, "wh:midtrans:abc", time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)
	fresh, err = g.Claim(ctx, "wh:midtrans:abc", time.Minute)
	require.NoError(t, err)
	require.False(t, fresh)

	require.NoError(t, g.Forget(ctx, "wh:midtrans:abc"))
	fresh, err = g.Claim(ctx, "wh:midtrans:abc", time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)

	mr.FastForward(2 * time.Minute)
	fresh, err = g.Claim(ctx, "wh:midtrans:abc", time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = lock.ReplayGuard{}.Claim(ctx, "anything", time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)
}
