// Package balance computes prepaid time balances from warp job timestamps.
//
// Estimates are read-only and based on the current time; finalization is
// authoritative, needs both job timestamps and rounds the charge up to the
// next whole second.
package balance

import (
	"errors"
	"math"
	"time"
)

// ErrMissingTimestamps is returned when finalizing without a start and an end.
var ErrMissingTimestamps = errors.New("balance: finalization requires job start and end timestamps")

// Elapsed returns the billable duration. It is zero when the job never started
// and never negative, so a remote end timestamp before the local start is ignored.
func Elapsed(startedAt, endedAt *time.Time, now time.Time) time.Duration {
	if startedAt == nil {
		return 0
	}
	end := now
	if endedAt != nil {
		end = *endedAt
	}
	d := end.Sub(*startedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Estimate returns the balance in (fractional) seconds the user would have if
// the session ended now. The value may be negative and must never be persisted.
func Estimate(storedSeconds int64, startedAt, endedAt *time.Time, now time.Time) float64 {
	return float64(storedSeconds) - Elapsed(startedAt, endedAt, now).Seconds()
}

// Finalize returns the balance to persist once the job has ended.
func Finalize(storedSeconds int64, startedAt, endedAt *time.Time) (int64, error) {
	if startedAt == nil || endedAt == nil {
		return 0, ErrMissingTimestamps
	}
	return storedSeconds - ChargeSeconds(Elapsed(startedAt, endedAt, *endedAt)), nil
}

// Settle finalizes a warp that may already have been billed. Only the part of
// the charge exceeding billedSeconds is deducted, so settling the same interval
// twice never charges twice.
func Settle(storedSeconds, billedSeconds int64, startedAt, endedAt *time.Time) (newBalance, charged int64, err error) {
	if startedAt == nil || endedAt == nil {
		return storedSeconds, 0, ErrMissingTimestamps
	}
	charged = ChargeSeconds(Elapsed(startedAt, endedAt, *endedAt)) - billedSeconds
	if charged < 0 {
		charged = 0
	}
	return storedSeconds - charged, charged, nil
}

// ChargeSeconds rounds a duration up to whole seconds.
func ChargeSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}
