package session

import (
	"fmt"
	"sync"
	"testing"
)

func testSession(sessionID string) *Session {
	return &Session{
		ID:          "row-" + sessionID,
		SessionID:   sessionID,
		VisitorID:   "visitor-1",
		WorkspaceID: "ws-1",
		PageID:      "page-1",
	}
}

func TestCache_GetMiss(t *testing.T) {
	c := NewCache(10)
	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss on empty cache")
	}
}

func TestCache_AddAndGet(t *testing.T) {
	c := NewCache(10)
	c.Add("s1", testSession("s1"))

	got, ok := c.Get("s1")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.SessionID != "s1" {
		t.Errorf("expected session s1, got %s", got.SessionID)
	}
}

func TestCache_ReturnsCopies(t *testing.T) {
	c := NewCache(10)
	c.Add("s1", testSession("s1"))

	first, _ := c.Get("s1")
	first.VisitorID = "mutated"

	second, _ := c.Get("s1")
	if second.VisitorID != "visitor-1" {
		t.Error("cache leaked internal state to callers")
	}
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache(2)
	c.Add("s1", testSession("s1"))
	c.Add("s2", testSession("s2"))

	// Touch s1 so s2 becomes the eviction candidate.
	if _, ok := c.Get("s1"); !ok {
		t.Fatal("expected s1 hit")
	}

	c.Add("s3", testSession("s3"))

	if _, ok := c.Get("s2"); ok {
		t.Error("s2 should have been evicted")
	}
	if _, ok := c.Get("s1"); !ok {
		t.Error("s1 should have survived")
	}
	if _, ok := c.Get("s3"); !ok {
		t.Error("s3 should be present")
	}
	if c.Len() != 2 {
		t.Errorf("expected len 2, got %d", c.Len())
	}
}

func TestCache_AddExistingUpdates(t *testing.T) {
	c := NewCache(2)
	c.Add("s1", testSession("s1"))

	updated := testSession("s1")
	updated.VisitorID = "visitor-2"
	c.Add("s1", updated)

	got, _ := c.Get("s1")
	if got.VisitorID != "visitor-2" {
		t.Errorf("expected updated record, got visitor %s", got.VisitorID)
	}
	if c.Len() != 1 {
		t.Errorf("expected len 1, got %d", c.Len())
	}
}

func TestCache_DefaultCapacity(t *testing.T) {
	c := NewCache(0)
	if c.capacity != DefaultCacheCapacity {
		t.Errorf("expected default capacity %d, got %d", DefaultCacheCapacity, c.capacity)
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := NewCache(100)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("s-%d-%d", n, j%20)
				c.Add(key, testSession(key))
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	if c.Len() > 100 {
		t.Errorf("cache exceeded capacity: %d", c.Len())
	}
}
