package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New(1, 5, 10)
	for i := 0; i < 5; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("request beyond burst should be denied")
	}
}

func TestRefillOverTime(t *testing.T) {
	l := New(1, 2, 10)
	current := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return current }

	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.1") {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("expected third request to be denied before refill")
	}

	current = current.Add(1 * time.Second)
	if !l.Allow("10.0.0.1") {
		t.Fatal("expected one token to have refilled after 1s at rate=1")
	}
}

func TestPerIPIsolation(t *testing.T) {
	l := New(1, 1, 10)
	if !l.Allow("10.0.0.1") {
		t.Fatal("first IP should be allowed")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("a different IP must have its own bucket")
	}
}

func TestLRUEviction(t *testing.T) {
	l := New(1, 1, 2)
	l.Allow("10.0.0.1")
	l.Allow("10.0.0.2")
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}
	l.Allow("10.0.0.3") // evicts 10.0.0.1 (least recently used)
	if l.Len() != 2 {
		t.Fatalf("Len after eviction = %d, want 2", l.Len())
	}
	// 10.0.0.1 should now behave as a brand-new bucket (full burst again).
	if !l.Allow("10.0.0.1") {
		t.Fatal("evicted IP should be treated as new")
	}
}

func TestReset(t *testing.T) {
	l := New(1, 1, 10)
	l.Allow("10.0.0.1")
	l.Reset()
	if l.Len() != 0 {
		t.Fatalf("Len after Reset = %d, want 0", l.Len())
	}
}
