package auth

import "testing"

func TestRateLimiterBurst(t *testing.T) {
	l := NewRateLimiter(6, 2)
	defer l.Stop()

	if !l.Allow("login", "10.0.0.1") {
		t.Fatal("first request should pass")
	}
	if !l.Allow("login", "10.0.0.1") {
		t.Fatal("second request should pass within burst")
	}
	if l.Allow("login", "10.0.0.1") {
		t.Fatal("third immediate request should be limited")
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	l := NewRateLimiter(6, 1)
	defer l.Stop()

	if !l.Allow("login", "10.0.0.1") {
		t.Fatal("first key should pass")
	}
	if l.Allow("login", "10.0.0.1") {
		t.Fatal("first key should now be limited")
	}
	if !l.Allow("login", "10.0.0.2") {
		t.Fatal("second key must have its own budget")
	}
	// Same key under a different bucket is a separate budget too.
	if !l.Allow("refresh", "10.0.0.1") {
		t.Fatal("buckets must not share budgets")
	}
}

func TestRateLimiterEmptyKeyCollapses(t *testing.T) {
	l := NewRateLimiter(6, 1)
	defer l.Stop()

	if !l.Allow("login", "") {
		t.Fatal("first anonymous request should pass")
	}
	if l.Allow("login", "") {
		t.Fatal("anonymous requests share one budget")
	}
}
