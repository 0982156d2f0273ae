package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/training-booking/internal/booking"
	"github.com/noah-isme/training-booking/internal/cache"
	"github.com/noah-isme/training-booking/internal/repo/memrepo"
)

type countingStore struct {
	*memrepo.Store
	courseReads int
}

func (c *countingStore) Course(ctx context.Context, id string) (booking.Course, error) {
	c.courseReads++
	return c.Store.Course(ctx, id)
}

func newCourses(t *testing.T, ttl time.Duration) (cache.Courses, *countingStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := &countingStore{Store: memrepo.New()}
	require.NoError(t, store.UpsertCourse(context.Background(), booking.Course{
		ID: "c-ethics", Title: "Ethics", CPDHours: decimal.NewFromInt(3), Active: true,
		Variants: map[string]decimal.Decimal{"half-day": decimal.NewFromInt(2)},
	}))
	return cache.Courses{Store: store, Cache: cache.NewJSON(rdb, "t:cache:", ttl), Logger: zerolog.Nop()}, store, mr
}

func TestCoursesReadThrough(t *testing.T) {
	courses, store, mr := newCourses(t, time.Minute)
	ctx := context.Background()

	first, err := courses.Course(ctx, "c-ethics")
	require.NoError(t, err)
	second, err := courses.Course(ctx, "c-ethics")
	require.NoError(t, err)

	require.Equal(t, 1, store.courseReads)
	require.True(t, first.CPDHours.Equal(second.CPDHours))
	require.True(t, second.Variants["half-day"].Equal(decimal.NewFromInt(2)))
	require.True(t, mr.Exists("t:cache:course:c-ethics"))

	mr.FastForward(2 * time.Minute)
	_, err = courses.Course(ctx, "c-ethics")
	require.NoError(t, err)
	require.Equal(t, 2, store.courseReads)
}

func TestCoursesInvalidate(t *testing.T) {
	courses, store, mr := newCourses(t, time.Minute)
	ctx := context.Background()

	_, err := courses.Course(ctx, "c-ethics")
	require.NoError(t, err)
	require.NoError(t, courses.Invalidate(ctx, "c-ethics"))
	require.False(t, mr.Exists("t:cache:course:c-ethics"))

	_, err = courses.Course(ctx, "c-ethics")
	require.NoError(t, err)
	require.Equal(t, 2, store.courseReads)
}

func TestCoursesMissIsNotCached(t *testing.T) {
	courses, _, mr := newCourses(t, time.Minute)

	_, err := courses.Course(context.Background(), "ghost")
	require.ErrorIs(t, err, booking.ErrNotFound)
	require.False(t, mr.Exists("t:cache:course:ghost"))
}

func TestCoursesFallBackWhenRedisDown(t *testing.T) {
	courses, store, mr := newCourses(t, time.Minute)
	mr.Close()

	c, err := courses.Course(context.Background(), "c-ethics")
	require.NoError(t, err)
	require.Equal(t, "Ethics", c.Title)
	require.Equal(t, 1, store.courseReads)
}

func TestDisabledCachePassesThrough(t *testing.T) {
	store := &countingStore{Store: memrepo.New()}
	require.NoError(t, store.UpsertCourse(context.Background(), booking.Course{ID: "c1", CPDHours: decimal.NewFromInt(1)}))
	courses := cache.Courses{Store: store, Cache: cache.NewJSON(nil, "", time.Minute), Logger: zerolog.Nop()}

	for i := 0; i < 2; i++ {
		_, err := courses.Course(context.Background(), "c1")
		require.NoError(t, err)
	}
	require.Equal(t, 2, store.courseReads)
}
