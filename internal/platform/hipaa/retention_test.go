package hipaa

import (
	"testing"
	"time"
)

func TestRetentionWindow_Defaults(t *testing.T) {
	w := NewRetentionWindow(0)
	if w.Days != DefaultAuditRetentionDays {
		t.Errorf("expected default %d days, got %d", DefaultAuditRetentionDays, w.Days)
	}
}

func TestRetentionWindow_Cutoff(t *testing.T) {
	now := time.Date(2030, 6, 1, 12, 0, 0, 0, time.FixedZone("EST", -5*3600))
	w := NewRetentionWindow(30).WithClock(func() time.Time { return now })

	got := w.Cutoff()
	if !got.Equal(now.AddDate(0, 0, -30)) {
		t.Errorf("cutoff = %v", got)
	}
	if got.Location() != time.UTC {
		t.Errorf("cutoff location = %v, want UTC", got.Location())
	}
}
