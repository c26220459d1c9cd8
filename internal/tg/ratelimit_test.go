package tg

import (
	"testing"
	"time"
)

func TestSendLimiterDropsWithinInterval(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	l := newSendLimiter()
	l.now = func() time.Time { return now }

	if !l.Allow(1, time.Second) {
		t.Fatalf("first send should be accepted")
	}
	now = now.Add(500 * time.Millisecond)
	if l.Allow(1, time.Second) {
		t.Fatalf("send within interval should be dropped")
	}
	now = now.Add(600 * time.Millisecond)
	if !l.Allow(1, time.Second) {
		t.Fatalf("send after interval should be accepted")
	}
}

func TestSendLimiterDroppedSendDoesNotResetWindow(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	l := newSendLimiter()
	l.now = func() time.Time { return now }

	l.Allow(1, time.Second)
	now = now.Add(900 * time.Millisecond)
	l.Allow(1, time.Second) // dropped
	now = now.Add(200 * time.Millisecond)
	if !l.Allow(1, time.Second) {
		t.Fatalf("dropped send must not extend the window")
	}
}

func TestSendLimiterPerDestination(t *testing.T) {
	t.Parallel()

	l := newSendLimiter()
	if !l.Allow(1, time.Minute) {
		t.Fatalf("destination 1 should be accepted")
	}
	if !l.Allow(2, time.Minute) {
		t.Fatalf("destination 2 should be independent")
	}
}
