// Package core defines decision models.
package core

import "time"

// Decision captures the evaluated rate limit outcome. Decisions are returned
// to callers and never stored.
type Decision struct {
	Allowed   bool
	Remaining int64
	Limit     int64
	// RetryAfter is how long a denied caller should wait before retrying.
	// Zero when allowed.
	RetryAfter time.Duration
	// ResetAfter is how long until the counter state fully resets.
	ResetAfter time.Duration
}

// ResetAt converts ResetAfter into an absolute timestamp.
func (d *Decision) ResetAt(now time.Time) time.Time {
	if d == nil {
		return now
	}
	return now.Add(d.ResetAfter)
}
