package cache

import (
	"testing"
	"time"
)

func TestTTLMapTakeFreshConsumesOnce(t *testing.T) {
	m := NewTTLMap[string, int]()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetWithTTL("a", 7, now, time.Minute)

	v, ok := m.TakeFresh("a", now.Add(10*time.Second))
	if !ok || v != 7 {
		t.Fatalf("expected first take to return 7, got %d ok=%v", v, ok)
	}
	if _, ok := m.TakeFresh("a", now.Add(11*time.Second)); ok {
		t.Fatalf("expected second take to miss")
	}
}

func TestTTLMapTakeFreshDropsExpired(t *testing.T) {
	m := NewTTLMap[string, int]()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetWithTTL("a", 7, now, time.Minute)

	if _, ok := m.TakeFresh("a", now.Add(2*time.Minute)); ok {
		t.Fatalf("expected expired entry to miss")
	}
	if m.Len() != 0 {
		t.Fatalf("expected expired entry to be removed, len=%d", m.Len())
	}
}

func TestTTLMapPruneExpired(t *testing.T) {
	m := NewTTLMap[string, int]()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetWithTTL("old", 1, now.Add(-10*time.Minute), time.Minute)
	m.SetWithTTL("fresh", 2, now, time.Minute)
	m.SetWithExpiry("pinned", 3, time.Time{})

	if removed := m.PruneExpired(now); removed != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", removed)
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 remaining entries, got %d", m.Len())
	}
	if _, ok := m.GetFresh("fresh", now); !ok {
		t.Fatalf("expected fresh entry to survive prune")
	}
}
