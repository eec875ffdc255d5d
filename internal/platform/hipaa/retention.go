package hipaa

import (
	"time"
)

// DefaultAuditRetentionDays is the HIPAA six-year minimum for audit trails.
const DefaultAuditRetentionDays = 2190

// RetentionWindow decides when a record has outlived its retention period.
// Stores apply the cutoff and skip records under legal hold.
type RetentionWindow struct {
	Days int
	now  func() time.Time
}

// NewRetentionWindow returns a window of the given number of days. A
// non-positive value falls back to DefaultAuditRetentionDays.
func NewRetentionWindow(days int) RetentionWindow {
	if days <= 0 {
		days = DefaultAuditRetentionDays
	}
	return RetentionWindow{Days: days, now: time.Now}
}

// WithClock returns a copy of the window that reads time from fn.
func (w RetentionWindow) WithClock(fn func() time.Time) RetentionWindow {
	w.now = fn
	return w
}

// Cutoff returns the instant before which records are expired.
func (w RetentionWindow) Cutoff() time.Time {
	now := time.Now
	if w.now != nil {
		now = w.now
	}
	return now().UTC().AddDate(0, 0, -w.Days)
}
