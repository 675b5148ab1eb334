package cache

import (
	"errors"
	"testing"
	"time"
)

func TestGetSetRoundTrip(t *testing.T) {
	c := New[string](time.Minute)
	c.Set("a", "1", 0)

	v, ok := c.Get("a")
	if !ok || v != "1" {
		t.Fatalf("expected hit with value 1, got %q ok=%v", v, ok)
	}
}

func TestExpiryIncrementsMisses(t *testing.T) {
	c := New[int](time.Millisecond)
	c.Set("k", 42, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("k")
	if ok {
		t.Fatal("expected entry to have expired")
	}
	if c.Stats().Misses != 1 {
		t.Fatalf("expected 1 miss, got %d", c.Stats().Misses)
	}
}

func TestLRUEvictionOrder(t *testing.T) {
	c := New[int](time.Minute, WithMaxEntries[int](2))
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	// touch "a" so it has more hits than "b" and "c"
	c.Get("a")
	c.Get("a")
	c.Set("c", 3, 0) // "b" and "c" tie on zero hits; the newer "c" is evicted

	if c.Has("c") {
		t.Fatal("expected c to be evicted: fewest hits, newest among the tied entries")
	}
	if !c.Has("a") || !c.Has("b") {
		t.Fatal("expected a and b to survive eviction")
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %d", c.Stats().Evictions)
	}
}

func TestGetOrSetDoesNotHoldLockDuringFactory(t *testing.T) {
	c := New[int](time.Minute)
	calls := 0
	factory := func() (int, error) {
		calls++
		// Concurrent unrelated access must not deadlock; exercised indirectly
		// by calling Get/Set on a different key inside the factory.
		c.Set("other", 99, 0)
		return 7, nil
	}

	v, err := c.GetOrSet("k", 0, factory)
	if err != nil || v != 7 {
		t.Fatalf("unexpected result v=%d err=%v", v, err)
	}
	if calls != 1 {
		t.Fatalf("expected factory called once, got %d", calls)
	}

	// second call is a hit, factory not invoked again
	v2, err := c.GetOrSet("k", 0, factory)
	if err != nil || v2 != 7 || calls != 1 {
		t.Fatalf("expected cached hit without a second factory call")
	}
}

func TestGetOrSetPropagatesFactoryError(t *testing.T) {
	c := New[int](time.Minute)
	wantErr := errors.New("boom")
	_, err := c.GetOrSet("k", 0, func() (int, error) { return 0, wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected factory error to propagate, got %v", err)
	}
	if c.Has("k") {
		t.Fatal("expected failed factory to not populate the cache")
	}
}
