package dedup

import "testing"

func TestSetThenHas(t *testing.T) {
	l := NewLRU(4)
	if l.Has("a1") {
		t.Fatalf("expected a1 unseen before Set")
	}
	l.Set("a1")
	if !l.Has("a1") {
		t.Fatalf("expected a1 seen after Set")
	}
}

func TestEvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	l := NewLRU(2)
	l.Set("a1")
	l.Set("a2")
	l.Set("a3") // evicts a1
	if l.Has("a1") {
		t.Fatalf("expected a1 evicted once capacity exceeded")
	}
	if !l.Has("a2") || !l.Has("a3") {
		t.Fatalf("expected a2 and a3 to remain")
	}
}

func TestDegradedAlwaysTrue(t *testing.T) {
	if !NewLRU(1).Degraded() {
		t.Fatalf("expected in-process LRU to always report degraded")
	}
}
