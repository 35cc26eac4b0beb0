package table

import "testing"

func TestOrderedCacheFIFOEviction(t *testing.T) {
	c := newOrderedCache()
	c.SetSize(2)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	c.Put("c", []byte("3"))

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a evicted")
	}
	if v, ok := c.Get("b"); !ok || string(v) != "2" {
		t.Fatal("expected b retained")
	}
	if v, ok := c.Get("c"); !ok || string(v) != "3" {
		t.Fatal("expected c retained")
	}
}

func TestOrderedCacheUpdateDoesNotMovePosition(t *testing.T) {
	c := newOrderedCache()
	c.SetSize(2)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	c.Put("a", []byte("updated")) // update, not a fresh insert
	c.Put("c", []byte("3"))       // should evict "a", the oldest by insertion, not "b"

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a evicted despite being updated more recently than b")
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatal("expected b retained")
	}
}

func TestOrderedCacheUnboundedByDefault(t *testing.T) {
	c := newOrderedCache()
	for i := 0; i < 1000; i++ {
		c.Put(string(rune('a'+i%26))+string(rune(i)), []byte("v"))
	}
	if c.Len() == 0 {
		t.Fatal("expected entries retained with no size set")
	}
}

func TestOrderedCacheSetSizeDoesNotEvictImmediately(t *testing.T) {
	c := newOrderedCache()
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	c.Put("c", []byte("3"))

	c.SetSize(2) // shrink below current length; must not evict retroactively
	if c.Len() != 3 {
		t.Fatalf("expected SetSize to leave existing entries untouched, got len %d", c.Len())
	}

	c.Put("d", []byte("4")) // next insertion truncates down to the new bound
	if c.Len() != 2 {
		t.Fatalf("expected truncation to take effect on next insertion, got len %d", c.Len())
	}
	if _, ok := c.Get("d"); !ok {
		t.Fatal("expected newly inserted key retained")
	}
}

func TestOrderedCacheDisabledWhenSizeNonPositive(t *testing.T) {
	c := newOrderedCache()
	c.SetSize(0)
	c.Put("a", []byte("1"))
	if c.Len() != 0 {
		t.Fatal("expected caching disabled when size <= 0")
	}
}
