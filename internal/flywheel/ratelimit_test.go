package flywheel

import (
	"testing"
	"time"
)

func TestRateLimiter_CapEnforced(t *testing.T) {
	r := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !r.Allow() {
			t.Fatalf("event %d should be allowed", i)
		}
		r.Record()
	}

	if r.Allow() {
		t.Fatal("fourth event within the window should be denied")
	}
	if got := r.InWindow(); got != 3 {
		t.Fatalf("expected 3 events in window, got %d", got)
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	r := NewRateLimiter(2, 50*time.Millisecond)

	r.Record()
	r.Record()
	if r.Allow() {
		t.Fatal("window full, should deny")
	}

	time.Sleep(60 * time.Millisecond)
	if !r.Allow() {
		t.Fatal("events should have slid out of the window")
	}
	if got := r.InWindow(); got != 0 {
		t.Fatalf("expected empty window, got %d", got)
	}
}

func TestRateLimiter_SetLimit(t *testing.T) {
	r := NewRateLimiter(1, time.Minute)
	r.Record()
	if r.Allow() {
		t.Fatal("limit 1 exhausted, should deny")
	}

	r.SetLimit(5)
	if !r.Allow() {
		t.Fatal("raised limit should allow more events")
	}
}
