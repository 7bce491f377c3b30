package core

import (
	"testing"
	"time"
)

func TestDenyCache_MarkAndExpire(t *testing.T) {
	t.Parallel()

	cache := NewDenyCache(10*time.Second, 0)
	now := time.Unix(1000, 0)

	if denied, _ := cache.KnownDenied("user:1", "api", now); denied {
		t.Fatalf("expected miss on empty cache")
	}
	cache.MarkDenied("user:1", "api", now.Add(5*time.Second), now)
	denied, until := cache.KnownDenied("user:1", "api", now)
	if !denied {
		t.Fatalf("expected cached denial")
	}
	if !until.Equal(now.Add(5 * time.Second)) {
		t.Fatalf("expected until %v, got %v", now.Add(5*time.Second), until)
	}
	if denied, _ := cache.KnownDenied("user:1", "other", now); denied {
		t.Fatalf("denial must be scoped per policy")
	}
	if denied, _ := cache.KnownDenied("user:1", "api", now.Add(5*time.Second)); denied {
		t.Fatalf("expected expiry at the deadline")
	}
}

func TestDenyCache_ClampsToTTL(t *testing.T) {
	t.Parallel()

	cache := NewDenyCache(2*time.Second, 0)
	now := time.Unix(1000, 0)
	cache.MarkDenied("user:1", "api", now.Add(time.Hour), now)
	_, until := cache.KnownDenied("user:1", "api", now)
	if !until.Equal(now.Add(2 * time.Second)) {
		t.Fatalf("expected denial clamped to ttl, got %v", until)
	}
}

func TestDenyCache_Disabled(t *testing.T) {
	t.Parallel()

	cache := NewDenyCache(0, 0)
	now := time.Unix(1000, 0)
	cache.MarkDenied("user:1", "api", now.Add(time.Minute), now)
	if denied, _ := cache.KnownDenied("user:1", "api", now); denied {
		t.Fatalf("disabled cache must never report denials")
	}
	var nilCache *DenyCache
	nilCache.MarkDenied("user:1", "api", now.Add(time.Minute), now)
	if denied, _ := nilCache.KnownDenied("user:1", "api", now); denied {
		t.Fatalf("nil cache must be inert")
	}
}

func TestDenyCache_SweepsWhenFull(t *testing.T) {
	t.Parallel()

	cache := NewDenyCache(10*time.Second, 2)
	now := time.Unix(1000, 0)
	cache.MarkDenied("a", "api", now.Add(time.Second), now)
	cache.MarkDenied("b", "api", now.Add(time.Second), now)

	// Both entries are expired by the time the third arrives; the sweep
	// makes room.
	later := now.Add(2 * time.Second)
	cache.MarkDenied("c", "api", later.Add(time.Second), later)
	if denied, _ := cache.KnownDenied("c", "api", later); !denied {
		t.Fatalf("expected room after sweeping expired entries")
	}
	if cache.Len() > 2 {
		t.Fatalf("expected at most 2 entries, got %d", cache.Len())
	}
}
