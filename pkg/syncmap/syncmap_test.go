package syncmap

import (
	"sync"
	"testing"
)

func TestPutGet(t *testing.T) {
	m := New[string, int]()

	if _, ok := m.Get("a"); ok {
		t.Fatal("expected missing key to report ok=false")
	}

	m.Put("a", 1)
	v, ok := m.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v; want 1, true", v, ok)
	}
}

func TestDelete(t *testing.T) {
	m := New[string, int]()
	m.Put("a", 1)
	m.Put("b", 2)

	m.Delete("a")
	if _, ok := m.Get("a"); ok {
		t.Fatal("expected deleted key to be gone")
	}
	if _, ok := m.Get("b"); !ok {
		t.Fatal("expected untouched key to remain")
	}

	m.Delete("b", "nonexistent")
	if m.Len() != 0 {
		t.Fatalf("expected empty map after deleting all keys, got len %d", m.Len())
	}
}

func TestLen(t *testing.T) {
	m := New[int, int]()
	for i := 0; i < 5; i++ {
		m.Put(i, i*i)
	}

	if m.Len() != 5 {
		t.Fatalf("expected len 5, got %d", m.Len())
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	m := New[string, int]()
	m.Put("a", 1)

	snap := m.Snapshot()
	snap["a"] = 999
	snap["b"] = 2

	if v, _ := m.Get("a"); v != 1 {
		t.Fatal("mutating the snapshot should not affect the underlying map")
	}
	if _, ok := m.Get("b"); ok {
		t.Fatal("snapshot additions should not leak back into the map")
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := New[int, int]()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m.Put(n, n)
			m.Get(n)
			m.Snapshot()
		}(i)
	}
	wg.Wait()

	if m.Len() != 50 {
		t.Fatalf("expected 50 entries after concurrent puts, got %d", m.Len())
	}
}
