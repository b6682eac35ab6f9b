package queue_test

import (
	"testing"

	"github.com/conveyorhq/conveyor/queue"
)

func TestLimiter_ConcurrencyBound(t *testing.T) {
	l := queue.NewLimiter(queue.Config{Name: "video", Concurrency: 2})

	if !l.Acquire("video") || !l.Acquire("video") {
		t.Fatal("first two acquires should succeed")
	}
	if l.Acquire("video") {
		t.Fatal("third acquire must be rejected at concurrency 2")
	}
	if l.ActiveCount("video") != 2 {
		t.Errorf("active = %d, want 2", l.ActiveCount("video"))
	}

	l.Release("video")
	if !l.Acquire("video") {
		t.Fatal("acquire after release should succeed")
	}
}

func TestLimiter_RateLimit(t *testing.T) {
	l := queue.NewLimiter(queue.Config{Name: "email", RateLimit: 1, RateBurst: 2})

	granted := 0
	for range 10 {
		if l.Acquire("email") {
			granted++
			l.Release("email")
		}
	}
	// Token bucket starts full with burst 2; the refill over a tight
	// loop is negligible.
	if granted < 2 || granted > 3 {
		t.Errorf("granted = %d, want burst-bounded (2..3)", granted)
	}
}

func TestLimiter_UnknownQueueUnlimited(t *testing.T) {
	l := queue.NewLimiter()

	for range 100 {
		if !l.Acquire("anything") {
			t.Fatal("unconfigured queue must never be limited")
		}
	}
	if l.ActiveCount("anything") != 0 {
		t.Errorf("unconfigured queue should not track active count")
	}
}

func TestLimiter_SetConfig(t *testing.T) {
	l := queue.NewLimiter(queue.Config{Name: "video", Concurrency: 1})

	if !l.Acquire("video") {
		t.Fatal("acquire")
	}
	if l.Acquire("video") {
		t.Fatal("second acquire at concurrency 1 must fail")
	}

	// Raising the bound keeps the in-flight count.
	l.SetConfig(queue.Config{Name: "video", Concurrency: 3})
	if l.ActiveCount("video") != 1 {
		t.Fatalf("active = %d after reconfigure, want 1", l.ActiveCount("video"))
	}
	if !l.Acquire("video") || !l.Acquire("video") {
		t.Fatal("acquires up to new bound should succeed")
	}
	if l.Acquire("video") {
		t.Fatal("acquire past new bound must fail")
	}

	l.Release("video")
	l.Release("video")
	l.Release("video")
	if l.ActiveCount("video") != 0 {
		t.Errorf("active = %d after releases, want 0", l.ActiveCount("video"))
	}
}
