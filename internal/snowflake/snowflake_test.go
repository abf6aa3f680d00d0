package snowflake

import "testing"

func TestMonotonicAndUnique(t *testing.T) {
	g, err := New(1, 1)
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[uint64]struct{}, 1_000_000)
	var last uint64
	for i := 0; i < 1_000_000; i++ {
		id := g.Gen()
		if id <= last && i != 0 {
			t.Fatalf("id %d not strictly monotonic after %d", id, last)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = struct{}{}
		last = id
		if id>>63 == 0 {
			t.Fatalf("id not renderable as 64 bits")
		}
	}
}

func TestDistinctGeneratorsNeverCollide(t *testing.T) {
	g1, _ := New(1, 1)
	g2, _ := New(2, 1)

	seen := make(map[uint64]struct{})
	for i := 0; i < 1000; i++ {
		seen[g1.Gen()] = struct{}{}
	}
	for i := 0; i < 1000; i++ {
		id := g2.Gen()
		if _, dup := seen[id]; dup {
			t.Fatalf("collision between generators with different node_id: %d", id)
		}
	}
}

func TestOverflow(t *testing.T) {
	if _, err := New(MaxNodeID+1, 0); err == nil {
		t.Fatalf("expected error for node_id overflow")
	}
	if _, err := New(0, MaxCoreID+1); err == nil {
		t.Fatalf("expected error for core_id overflow")
	}
}
