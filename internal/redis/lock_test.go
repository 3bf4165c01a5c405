package redisclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCalendarLocker(client, 5*time.Second), mr
}

func TestWithCalendarLock(t *testing.T) {
	locker, mr := newTestLocker(t)
	profID := uuid.New()
	date := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)

	var ran bool
	err := locker.WithCalendarLock(context.Background(), profID, date, func(ctx context.Context) error {
		ran = true
		// The lock key exists while the section runs.
		assert.True(t, mr.Exists("lock:calendar:"+profID.String()+":2026-09-07"))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// Released afterwards.
	assert.False(t, mr.Exists("lock:calendar:"+profID.String()+":2026-09-07"))
}

func TestWithCalendarLock_Contention(t *testing.T) {
	locker, _ := newTestLocker(t)
	profID := uuid.New()
	date := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)

	err := locker.WithCalendarLock(context.Background(), profID, date, func(ctx context.Context) error {
		// A second acquisition of the same calendar fails while held.
		inner := locker.WithCalendarLock(ctx, profID, date, func(context.Context) error { return nil })
		assert.ErrorIs(t, inner, ErrLockNotAcquired)
		return nil
	})
	require.NoError(t, err)

	// Released now, so the calendar can be locked again.
	err = locker.WithCalendarLock(context.Background(), profID, date, func(context.Context) error { return nil })
	require.NoError(t, err)
}

func TestWithCalendarLock_DistinctCalendarsDoNotContend(t *testing.T) {
	locker, _ := newTestLocker(t)
	date := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
	profA, profB := uuid.New(), uuid.New()

	err := locker.WithCalendarLock(context.Background(), profA, date, func(ctx context.Context) error {
		// Same professional, next day.
		if err := locker.WithCalendarLock(ctx, profA, date.AddDate(0, 0, 1), func(context.Context) error { return nil }); err != nil {
			return err
		}
		// Different professional, same day.
		return locker.WithCalendarLock(ctx, profB, date, func(context.Context) error { return nil })
	})
	require.NoError(t, err)
}

func TestWithCalendarLock_ErrorPropagatesAndReleases(t *testing.T) {
	locker, mr := newTestLocker(t)
	profID := uuid.New()
	date := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)

	sentinel := errors.New("boom")
	err := locker.WithCalendarLock(context.Background(), profID, date, func(context.Context) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.False(t, mr.Exists("lock:calendar:"+profID.String()+":2026-09-07"))
}

func TestWithCalendarLock_DoesNotReleaseForeignToken(t *testing.T) {
	locker, mr := newTestLocker(t)
	profID := uuid.New()
	date := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
	key := "lock:calendar:" + profID.String() + ":2026-09-07"

	err := locker.WithCalendarLock(context.Background(), profID, date, func(context.Context) error {
		// Simulate the TTL firing and another worker grabbing the lock.
		mr.Set(key, "someone-else")
		return nil
	})
	require.NoError(t, err)

	// The foreign holder's lock survives our release.
	val, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
}
