package upload

import (
	"time"
)

const dailyWindow = 24 * time.Hour

// Quota is one user's accounting row: daily counters, in-flight
// reservations, lifetime totals, and the limits they are checked against.
// Limits are seeded from config when the row is first created, so individual
// accounts can be raised later without a redeploy.
type Quota struct {
	UserID          string
	DailyUploads    int
	DailyBytes      int64
	DailyResetAt    time.Time
	PendingUploads  int
	PendingBytes    int64
	LifetimeUploads int64
	LifetimeBytes   int64

	MaxFileSize     int64
	MaxDailyUploads int
	MaxDailyBytes   int64
	MaxTotalStorage int64
}

// QuotaDefaults holds the limits applied to a quota row created lazily on a
// user's first reservation.
type QuotaDefaults struct {
	MaxFileSize     int64
	MaxDailyUploads int
	MaxDailyBytes   int64
	MaxTotalStorage int64
}

// resetIfDue zeroes the daily counters when the 24h window has elapsed.
// Every ledger access runs this before applying its operation, so no
// scheduled reset job is needed. Returns true when a reset happened.
func (q *Quota) resetIfDue(now time.Time) bool {
	if now.Sub(q.DailyResetAt) < dailyWindow {
		return false
	}
	q.DailyUploads = 0
	q.DailyBytes = 0
	q.DailyResetAt = now
	return true
}

// checkReserve reports whether a reservation of size bytes would violate any
// limit. Returns nil when the reservation fits, otherwise the violated limit.
// Read-only: callers re-run it under the row lock before mutating.
func (q *Quota) checkReserve(size int64) *QuotaExceededError {
	switch {
	case size > q.MaxFileSize:
		return &QuotaExceededError{Limit: "max_file_size"}
	case q.DailyUploads+q.PendingUploads+1 > q.MaxDailyUploads:
		return &QuotaExceededError{Limit: "max_daily_uploads"}
	case q.DailyBytes+q.PendingBytes+size > q.MaxDailyBytes:
		return &QuotaExceededError{Limit: "max_daily_bytes"}
	case q.LifetimeBytes+size > q.MaxTotalStorage:
		return &QuotaExceededError{Limit: "max_total_storage"}
	}
	return nil
}

// reserve applies a reservation to the in-flight counters.
func (q *Quota) reserve(size int64) {
	q.PendingUploads++
	q.PendingBytes += size
}

// confirm moves a reservation into the daily and lifetime totals. Called
// once per session, after the finalize pipeline succeeds.
func (q *Quota) confirm(size int64) {
	q.release(size)
	q.DailyUploads++
	q.DailyBytes += size
	q.LifetimeUploads++
	q.LifetimeBytes += size
}

// release drops a reservation without counting it. Clamped at zero so a
// stray release can never drive the counters negative.
func (q *Quota) release(size int64) {
	q.PendingUploads--
	q.PendingBytes -= size
	if q.PendingUploads < 0 {
		q.PendingUploads = 0
	}
	if q.PendingBytes < 0 {
		q.PendingBytes = 0
	}
}
