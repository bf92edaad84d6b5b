package placement

import (
	"testing"
)

func TestUnlimitedRejectLimiter_NeverDenies(t *testing.T) {
	l := NewUnlimitedRejectLimiter()
	for i := 0; i < 100; i++ {
		if !l.TryReject() {
			t.Fatalf("unlimited limiter denied rejection on iteration %d", i)
		}
	}
}

func TestRateRejectLimiter_CapsBurst(t *testing.T) {
	l := NewRateRejectLimiter(0, 2)
	if !l.TryReject() {
		t.Errorf("expected first rejection within burst to be allowed")
	}
	if !l.TryReject() {
		t.Errorf("expected second rejection within burst to be allowed")
	}
	if l.TryReject() {
		t.Errorf("expected third rejection to be denied once burst is exhausted and rate is zero")
	}
}
