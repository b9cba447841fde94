package traffic

import (
	"sync"
	"testing"
	"time"
)

func newTestTracker(now *time.Time) *Tracker {
	t := NewTracker(5 * time.Minute)
	t.now = func() time.Time { return *now }
	return t
}

// TestErrorRate_Empty verifies that an empty tracker reports no traffic.
func TestErrorRate_Empty(t *testing.T) {
	tr := NewTracker(0)
	if errs, total := tr.ErrorRate(time.Minute); errs != 0 || total != 0 {
		t.Errorf("ErrorRate() = (%d, %d), want (0, 0)", errs, total)
	}
	if tr.retention != DefaultRetention {
		t.Errorf("retention = %v, want %v", tr.retention, DefaultRetention)
	}
}

// TestErrorRate_SuccessAndError verifies that ErrorRate correctly calculates
// error rate from recorded success and error events.
func TestErrorRate_SuccessAndError(t *testing.T) {
	tr := NewTracker(0)
	tr.RecordSuccess()
	tr.RecordSuccess()
	tr.RecordError()
	errs, total := tr.ErrorRate(time.Minute)
	if errs != 1 || total != 3 {
		t.Errorf("ErrorRate() = (%d, %d), want (1, 3)", errs, total)
	}
}

// TestErrorRate_DeniedExcluded verifies that denials count toward DenialCount only.
func TestErrorRate_DeniedExcluded(t *testing.T) {
	tr := NewTracker(0)
	tr.RecordSuccess()
	tr.RecordDenied()
	tr.RecordDenied()
	errs, total := tr.ErrorRate(time.Minute)
	if errs != 0 || total != 1 {
		t.Errorf("ErrorRate() = (%d, %d), want (0, 1)", errs, total)
	}
	if n := tr.DenialCount(time.Minute); n != 2 {
		t.Errorf("DenialCount() = %d, want 2", n)
	}
}

// TestWindow_ExcludesOldOutcomes verifies the window cutoff and retention pruning.
func TestWindow_ExcludesOldOutcomes(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := newTestTracker(&now)

	tr.RecordError()
	now = now.Add(2 * time.Minute)
	tr.RecordSuccess()

	if errs, total := tr.ErrorRate(time.Minute); errs != 0 || total != 1 {
		t.Errorf("ErrorRate(1m) = (%d, %d), want (0, 1)", errs, total)
	}
	if errs, total := tr.ErrorRate(5 * time.Minute); errs != 1 || total != 2 {
		t.Errorf("ErrorRate(5m) = (%d, %d), want (1, 2)", errs, total)
	}

	now = now.Add(4 * time.Minute)
	tr.RecordSuccess()
	tr.mu.Lock()
	nErr := len(tr.errorTimes)
	tr.mu.Unlock()
	if nErr != 0 {
		t.Errorf("errorTimes = %d after retention, want pruned", nErr)
	}
}

// TestWindow_RetentionLongerThanDefault verifies that a tracker sized for a
// long health window still counts outcomes older than DefaultRetention.
func TestWindow_RetentionLongerThanDefault(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(10 * time.Minute)
	tr.now = func() time.Time { return now }

	tr.RecordError()
	now = now.Add(7 * time.Minute)
	tr.RecordSuccess()

	if errs, total := tr.ErrorRate(10 * time.Minute); errs != 1 || total != 2 {
		t.Errorf("ErrorRate(10m) = (%d, %d), want (1, 2)", errs, total)
	}
	if n := tr.DenialCount(10 * time.Minute); n != 0 {
		t.Errorf("DenialCount(10m) = %d, want 0", n)
	}
}

func TestReset(t *testing.T) {
	tr := NewTracker(0)
	tr.RecordError()
	tr.RecordDenied()
	tr.Reset()
	if errs, total := tr.ErrorRate(time.Minute); errs != 0 || total != 0 {
		t.Errorf("ErrorRate() after Reset = (%d, %d)", errs, total)
	}
	if tr.DenialCount(time.Minute) != 0 {
		t.Error("DenialCount() after Reset != 0")
	}
}

func TestTracker_Concurrent(t *testing.T) {
	tr := NewTracker(0)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				tr.RecordSuccess()
			} else {
				tr.RecordError()
			}
		}(i)
	}
	wg.Wait()
	if errs, total := tr.ErrorRate(time.Minute); errs != 50 || total != 100 {
		t.Errorf("ErrorRate() = (%d, %d), want (50, 100)", errs, total)
	}
}
