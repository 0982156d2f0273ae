package cache

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/noah-isme/training-booking/internal/booking"
)

// CourseKey is the cache key of a course row.
func CourseKey(id string) string { return "course:" + id }

// Courses serves booking.Store with course rows read through Redis. Course dates are not
// cached: their capacity gates new bookings and must be read fresh.
type Courses struct {
	booking.Store
	Cache  *JSON
	Logger zerolog.Logger
}

// Course returns the cached course, loading and caching it on a miss. Redis errors fall
// back to the store.
func (c Courses) Course(ctx context.Context, id string) (booking.Course, error) {
	var course booking.Course
	hit, err := c.Cache.Get(ctx, CourseKey(id), &course)
	if err != nil {
		c.Logger.Warn().Err(err).Str("course_id", id).Msg("course_cache_read_failed")
	}
	if hit {
		return course, nil
	}
	course, err = c.Store.Course(ctx, id)
	if err != nil {
		return booking.Course{}, err
	}
	if err := c.Cache.Set(ctx, CourseKey(id), course); err != nil {
		c.Logger.Warn().Err(err).Str("course_id", id).Msg("course_cache_write_failed")
	}
	return course, nil
}

// Invalidate drops cached course rows after they were rewritten.
func (c Courses) Invalidate(ctx context.Context, ids ...string) error {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, CourseKey(id))
	}
	return c.Cache.Delete(ctx, keys...)
}
