package gridcache

import "testing"

func TestCellItem_PutGet(t *testing.T) {
	item := NewCellItem("G_000_000")
	item.Put("G_000_000|1.0000000|2.0000000", []byte("v1"))

	v, ok := item.Get("G_000_000|1.0000000|2.0000000")
	if !ok || string(v) != "v1" {
		t.Fatalf("Get = (%q,%v), want (v1,true)", v, ok)
	}
	if item.Len() != 1 {
		t.Fatalf("Len = %d, want 1", item.Len())
	}
}

func TestCache_PutGetPromotesRecency(t *testing.T) {
	c := New(2)
	a := NewCellItem("A")
	b := NewCellItem("B")
	cc := NewCellItem("C")

	c.Put("A", a)
	c.Put("B", b)
	// touch A so it becomes more recently used than B
	if _, ok := c.Get("A"); !ok {
		t.Fatalf("expected A resident")
	}

	// Inserting C should evict B (least recently used), not A.
	c.Put("C", cc)

	if _, ok := c.Get("B"); ok {
		t.Fatalf("B should have been evicted")
	}
	if _, ok := c.Get("A"); !ok {
		t.Fatalf("A should still be resident")
	}
	if _, ok := c.Get("C"); !ok {
		t.Fatalf("C should be resident")
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
}

func TestCache_ReplacePromotes(t *testing.T) {
	c := New(2)
	c.Put("A", NewCellItem("A"))
	c.Put("B", NewCellItem("B"))
	// Replacing A promotes it; inserting C should evict B.
	c.Put("A", NewCellItem("A-v2"))
	c.Put("C", NewCellItem("C"))

	if _, ok := c.Get("B"); ok {
		t.Fatalf("B should have been evicted after A was replaced/promoted")
	}
}

func TestCache_RemoveAndClear(t *testing.T) {
	c := New(4)
	c.Put("A", NewCellItem("A"))
	c.Put("B", NewCellItem("B"))

	c.Remove("A")
	if _, ok := c.Get("A"); ok {
		t.Fatalf("A should be removed")
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}

	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("Len = %d after Clear, want 0", c.Len())
	}
}

func TestNew_NonPositiveCapacityUsesDefault(t *testing.T) {
	c := New(0)
	for i := 0; i < DefaultCapacity+5; i++ {
		c.Put(string(rune('a'+i%26))+string(rune(i)), NewCellItem("x"))
	}
	if c.Len() > DefaultCapacity {
		t.Fatalf("Len = %d exceeds DefaultCapacity %d", c.Len(), DefaultCapacity)
	}
}

func TestCache_ResidentSetIsLastNTouched(t *testing.T) {
	c := New(3)
	order := []string{"A", "B", "C", "D", "E"}
	for _, id := range order {
		c.Put(id, NewCellItem(id))
	}
	// Only the last 3 distinct touched cells should remain resident.
	want := map[string]bool{"C": true, "D": true, "E": true}
	for _, id := range order {
		_, ok := c.Get(id)
		if ok != want[id] {
			t.Errorf("residency of %q = %v, want %v", id, ok, want[id])
		}
	}
}
