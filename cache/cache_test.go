package cache

import (
	"testing"

	"github.com/hunglin/concourse"
)

func TestCacheBasicOperations(t *testing.T) {
	c := NewCache[int, string](2, 4)
	c.Set([]concourse.KeyValuePair[int, string]{
		{Key: 1, Value: "one"},
		{Key: 2, Value: "two"},
	})
	if c.Count() != 2 {
		t.Fatalf("Count = %d, want 2", c.Count())
	}
	got := c.Get([]int{1, 2, 3})
	if got[0] != "one" || got[1] != "two" || got[2] != "" {
		t.Fatalf("Get = %v, want [one two \"\"]", got)
	}
	c.Delete([]int{1})
	if c.Count() != 1 {
		t.Fatalf("Count after Delete = %d, want 1", c.Count())
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache[int, string](1, 3)
	c.Set([]concourse.KeyValuePair[int, string]{
		{Key: 1, Value: "one"},
		{Key: 2, Value: "two"},
	})
	// Touch key 1 so key 2 becomes least-recently-used.
	c.Get([]int{1})
	c.Set([]concourse.KeyValuePair[int, string]{{Key: 3, Value: "three"}})

	got := c.Get([]int{1, 2, 3})
	if got[0] != "one" {
		t.Fatalf("key 1 (recently touched) should survive eviction")
	}
	if got[1] != "" {
		t.Fatalf("key 2 (least recently used) should have been evicted")
	}
	if got[2] != "three" {
		t.Fatalf("newly inserted key 3 should be present")
	}
}

func TestCacheClear(t *testing.T) {
	c := NewCache[int, string](1, 2)
	c.Set([]concourse.KeyValuePair[int, string]{{Key: 1, Value: "one"}})
	c.Clear()
	if c.Count() != 0 {
		t.Fatalf("Count after Clear = %d, want 0", c.Count())
	}
}
