package tools

import (
	"testing"
	"time"
)

func TestRateLimiter_AllowsWithinBudget(t *testing.T) {
	l := NewRateLimiter()
	for i := 0; i < 3; i++ {
		if !l.Allow("tool", "u1", 3) {
			t.Fatalf("call %d rejected within budget", i)
		}
	}
	if l.Allow("tool", "u1", 3) {
		t.Error("fourth call allowed over a budget of 3")
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	now := time.Now()
	l := NewRateLimiter()
	l.now = func() time.Time { return now }

	if !l.Allow("tool", "u1", 1) {
		t.Fatal("first call rejected")
	}
	if l.Allow("tool", "u1", 1) {
		t.Fatal("second call allowed inside the window")
	}

	now = now.Add(61 * time.Second)
	if !l.Allow("tool", "u1", 1) {
		t.Error("call rejected after the window slid past the first attempt")
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	l := NewRateLimiter()
	if !l.Allow("tool", "u1", 1) {
		t.Fatal("u1 first call rejected")
	}
	if !l.Allow("tool", "u2", 1) {
		t.Error("u2 throttled by u1's usage")
	}
	if !l.Allow("other", "u1", 1) {
		t.Error("other tool throttled by tool's usage")
	}
}

func TestRateLimiter_ZeroLimitUnlimited(t *testing.T) {
	l := NewRateLimiter()
	for i := 0; i < 100; i++ {
		if !l.Allow("tool", "u1", 0) {
			t.Fatal("zero limit throttled")
		}
	}
}

func TestRateLimiter_RetryAfter(t *testing.T) {
	now := time.Now()
	l := NewRateLimiter()
	l.now = func() time.Time { return now }

	l.Allow("tool", "u1", 1)
	now = now.Add(20 * time.Second)

	wait := l.RetryAfter("tool", "u1")
	if wait != 40*time.Second {
		t.Errorf("RetryAfter = %v, want 40s", wait)
	}
	if l.RetryAfter("tool", "u2") != 0 {
		t.Error("RetryAfter non-zero for an empty window")
	}
}
