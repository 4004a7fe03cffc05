package ratelimit

import "testing"

func TestParseErrorTrackerThreshold(t *testing.T) {
	tr := NewParseErrorTracker()
	if tr.Strike("peer1") {
		t.Fatal("1st error must not close")
	}
	if tr.Strike("peer1") {
		t.Fatal("2nd error must not close")
	}
	if tr.Strike("peer1") {
		t.Fatal("3rd error must still be accepted")
	}
	if !tr.Strike("peer1") {
		t.Fatal("4th error must close the connection")
	}
}

func TestParseErrorTrackerResetClearsCount(t *testing.T) {
	tr := NewParseErrorTracker()
	tr.Strike("peer1")
	tr.Strike("peer1")
	tr.Reset("peer1")
	if tr.Strike("peer1") {
		t.Fatal("count must restart from zero after Reset")
	}
}

func TestPerKeyLimiterIsolatesKeys(t *testing.T) {
	l := NewPerKeyLimiter(1, 1)
	if !l.Allow("a") {
		t.Fatal("first event for a fresh key must be allowed")
	}
	if l.Allow("a") {
		t.Fatal("burst of 1 must reject the immediate second event")
	}
	if !l.Allow("b") {
		t.Fatal("a different key must have its own independent bucket")
	}
}
