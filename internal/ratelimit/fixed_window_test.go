package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestLimiter(t *testing.T, limit int, window time.Duration) (*miniredis.Miniredis, *FixedWindowLimiter) {
	t.Helper()
	backend := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(backend.Addr(), "", "test:quota", limit, window)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return backend, limiter
}

func TestAllowEnforcesQuotaPerKey(t *testing.T) {
	_, limiter := newTestLimiter(t, 2, time.Minute)

	for i := 0; i < 2; i++ {
		if !limiter.Allow("grant|198.51.100.7") {
			t.Fatalf("request %d should be within quota", i+1)
		}
	}
	if limiter.Allow("grant|198.51.100.7") {
		t.Fatal("request over quota should be refused")
	}
	// A different key has its own counter.
	if !limiter.Allow("grant|198.51.100.8") {
		t.Fatal("fresh key should start with full quota")
	}
}

func TestAllowResetsWhenWindowRolls(t *testing.T) {
	backend, limiter := newTestLimiter(t, 1, 50*time.Millisecond)

	if !limiter.Allow("callback") {
		t.Fatal("first request should pass")
	}
	if limiter.Allow("callback") {
		t.Fatal("second request in the same window should be refused")
	}

	backend.FastForward(time.Second)
	time.Sleep(60 * time.Millisecond)
	if !limiter.Allow("callback") {
		t.Fatal("new window should grant fresh quota")
	}
}

func TestAllowFailsClosedWithoutRedis(t *testing.T) {
	backend, limiter := newTestLimiter(t, 5, time.Minute)
	backend.Close()

	if limiter.Allow("grant|198.51.100.7") {
		t.Fatal("unreachable counter store must refuse the request")
	}
	var nilLimiter *FixedWindowLimiter
	if nilLimiter.Allow("anything") {
		t.Fatal("nil limiter must refuse")
	}
}

func TestConstructorValidation(t *testing.T) {
	if _, err := NewRedisFixedWindowLimiter("", "", "p", 1, time.Second); err == nil {
		t.Fatal("empty addr should be rejected")
	}
	if _, err := NewRedisFixedWindowLimiter("localhost:6379", "", "p", 0, time.Second); err == nil {
		t.Fatal("zero limit should be rejected")
	}
	if _, err := NewRedisFixedWindowLimiter("localhost:6379", "", "p", 1, 0); err == nil {
		t.Fatal("zero window should be rejected")
	}
}
