package upload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQuota() *Quota {
	return &Quota{
		UserID:          "u1",
		DailyResetAt:    time.Now(),
		MaxFileSize:     10 << 20,
		MaxDailyUploads: 5,
		MaxDailyBytes:   20 << 20,
		MaxTotalStorage: 100 << 20,
	}
}

func TestCheckReserve(t *testing.T) {
	t.Run("fits", func(t *testing.T) {
		q := testQuota()
		assert.Nil(t, q.checkReserve(1<<20))
	})

	t.Run("file too large", func(t *testing.T) {
		q := testQuota()
		err := q.checkReserve(q.MaxFileSize + 1)
		require.NotNil(t, err)
		assert.Equal(t, "max_file_size", err.Limit)
	})

	t.Run("daily upload count includes pending", func(t *testing.T) {
		q := testQuota()
		q.DailyUploads = 3
		q.PendingUploads = 2
		err := q.checkReserve(1)
		require.NotNil(t, err)
		assert.Equal(t, "max_daily_uploads", err.Limit)
	})

	t.Run("daily bytes include pending", func(t *testing.T) {
		q := testQuota()
		q.DailyBytes = 9 << 20
		q.PendingBytes = 10 << 20
		err := q.checkReserve(2 << 20)
		require.NotNil(t, err)
		assert.Equal(t, "max_daily_bytes", err.Limit)
	})

	t.Run("lifetime storage", func(t *testing.T) {
		q := testQuota()
		q.LifetimeBytes = q.MaxTotalStorage - 1
		err := q.checkReserve(2)
		require.NotNil(t, err)
		assert.Equal(t, "max_total_storage", err.Limit)
	})
}

// Mirrors the worked example: 10MB daily cap, 9MB used, a 2MB request is
// rejected untouched while a 1MB request in the same state fits.
func TestCheckReserveBoundary(t *testing.T) {
	q := testQuota()
	q.MaxDailyBytes = 10 << 20
	q.DailyBytes = 9 << 20

	err := q.checkReserve(2 << 20)
	require.NotNil(t, err)
	assert.Equal(t, "max_daily_bytes", err.Limit)
	assert.Zero(t, q.PendingBytes, "a rejected check must not mutate")

	assert.Nil(t, q.checkReserve(1<<20))
}

func TestReserveConfirmRelease(t *testing.T) {
	q := testQuota()

	q.reserve(1 << 20)
	assert.Equal(t, 1, q.PendingUploads)
	assert.Equal(t, int64(1<<20), q.PendingBytes)

	q.confirm(1 << 20)
	assert.Zero(t, q.PendingUploads)
	assert.Zero(t, q.PendingBytes)
	assert.Equal(t, 1, q.DailyUploads)
	assert.Equal(t, int64(1<<20), q.DailyBytes)
	assert.Equal(t, int64(1), q.LifetimeUploads)
	assert.Equal(t, int64(1<<20), q.LifetimeBytes)

	q.reserve(2 << 20)
	q.release(2 << 20)
	assert.Zero(t, q.PendingUploads)
	assert.Zero(t, q.PendingBytes)
	assert.Equal(t, int64(1<<20), q.DailyBytes, "release must not touch daily totals")
}

func TestReleaseClampsAtZero(t *testing.T) {
	q := testQuota()
	q.release(5 << 20)
	assert.Zero(t, q.PendingUploads)
	assert.Zero(t, q.PendingBytes)
}

func TestResetIfDue(t *testing.T) {
	q := testQuota()
	q.DailyUploads = 4
	q.DailyBytes = 15 << 20
	q.LifetimeBytes = 50 << 20

	now := time.Now()
	q.DailyResetAt = now.Add(-23 * time.Hour)
	assert.False(t, q.resetIfDue(now), "window not elapsed")
	assert.Equal(t, 4, q.DailyUploads)

	q.DailyResetAt = now.Add(-25 * time.Hour)
	assert.True(t, q.resetIfDue(now))
	assert.Zero(t, q.DailyUploads)
	assert.Zero(t, q.DailyBytes)
	assert.Equal(t, now, q.DailyResetAt)
	assert.Equal(t, int64(50<<20), q.LifetimeBytes, "lifetime totals survive the reset")
}
