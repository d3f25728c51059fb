package logchain

import (
	"testing"
	"time"
)

func TestSlidingLimiter_Window(t *testing.T) {
	l := newSlidingLimiter(3, time.Minute)
	clock := time.UnixMilli(0)
	l.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		if !l.allow("1.2.3.4") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.allow("1.2.3.4") {
		t.Error("fourth request inside the window should be rejected")
	}
	if !l.allow("5.6.7.8") {
		t.Error("a different remote has its own window")
	}

	// Once the window slides past the first hits, capacity returns.
	clock = clock.Add(61 * time.Second)
	if !l.allow("1.2.3.4") {
		t.Error("request after the window slid should be allowed")
	}
}

func TestSlidingLimiter_Disabled(t *testing.T) {
	l := newSlidingLimiter(0, time.Minute)
	for i := 0; i < 1000; i++ {
		if !l.allow("1.2.3.4") {
			t.Fatal("disabled limiter must always allow")
		}
	}
}
