package ringlog

import (
	"sync"
	"testing"
)

// TestLogBasic tests basic push and retrieval operations.
func TestLogBasic(t *testing.T) {
	l := New[int](3)

	if l.Size() != 0 {
		t.Fatalf("expected size 0, got %d", l.Size())
	}
	if l.Capacity() != 3 {
		t.Fatalf("expected capacity 3, got %d", l.Capacity())
	}

	l.Push(1)
	l.Push(2)
	l.Push(3)

	if l.Size() != 3 {
		t.Fatalf("expected size 3, got %d", l.Size())
	}

	all := l.Items()
	expected := []int{1, 2, 3}
	for i, val := range all {
		if val != expected[i] {
			t.Errorf("at index %d: expected %d, got %d", i, expected[i], val)
		}
	}
}

// TestLogOverwrite tests that pushing past capacity overwrites the oldest
// items and keeps insertion order in Items().
func TestLogOverwrite(t *testing.T) {
	l := New[int](3)

	l.Push(1)
	l.Push(2)
	l.Push(3)
	l.Push(4) // evicts 1

	if l.Size() != 3 {
		t.Fatalf("expected size 3 after wrap, got %d", l.Size())
	}

	all := l.Items()
	expected := []int{2, 3, 4}
	for i, val := range all {
		if val != expected[i] {
			t.Errorf("at index %d: expected %d, got %d", i, expected[i], val)
		}
	}

	l.Push(5)
	l.Push(6)

	all = l.Items()
	expected = []int{4, 5, 6}
	for i, val := range all {
		if val != expected[i] {
			t.Errorf("at index %d: expected %d, got %d", i, expected[i], val)
		}
	}
}

// TestLogNextID tests that IDs are strictly increasing independent of
// buffer overwrites.
func TestLogNextID(t *testing.T) {
	l := New[int](2)

	var prev int64
	for i := 0; i < 10; i++ {
		id := l.NextID()
		if id <= prev {
			t.Fatalf("expected strictly increasing IDs, got %d after %d", id, prev)
		}
		prev = id
		l.Push(i) // overwrites constantly; must not affect the counter
	}
}

// TestLogSetNextID tests that restoring moves the counter forward but never
// backward.
func TestLogSetNextID(t *testing.T) {
	l := New[int](4)

	l.SetNextID(100)
	if id := l.NextID(); id != 100 {
		t.Fatalf("expected next ID 100 after SetNextID, got %d", id)
	}

	// Moving backward is ignored.
	l.SetNextID(5)
	if id := l.NextID(); id != 101 {
		t.Fatalf("expected next ID 101, got %d", id)
	}
}

// TestLogLatest tests the Latest method.
func TestLogLatest(t *testing.T) {
	l := New[int](10)

	for i := 0; i < 5; i++ {
		l.Push(i)
	}

	recent := l.Latest(3)
	expected := []int{2, 3, 4}
	if len(recent) != 3 {
		t.Fatalf("expected 3 recent items, got %d", len(recent))
	}
	for i, val := range recent {
		if val != expected[i] {
			t.Errorf("at index %d: expected %d, got %d", i, expected[i], val)
		}
	}

	if got := l.Latest(10); len(got) != 5 {
		t.Fatalf("expected 5 items when requesting more than available, got %d", len(got))
	}
}

// TestLogOnPush tests single-slot subscriber semantics: fired synchronously
// after each push, last registration wins, nil unregisters.
func TestLogOnPush(t *testing.T) {
	l := New[int](3)

	var first, second []int
	l.OnPush(func(v int) { first = append(first, v) })
	l.Push(1)

	l.OnPush(func(v int) { second = append(second, v) })
	l.Push(2)
	l.Push(3)

	if len(first) != 1 || first[0] != 1 {
		t.Fatalf("expected first subscriber to see only [1], got %v", first)
	}
	if len(second) != 2 || second[0] != 2 || second[1] != 3 {
		t.Fatalf("expected second subscriber to see [2 3], got %v", second)
	}

	l.OnPush(nil)
	l.Push(4)
	if len(second) != 2 {
		t.Fatalf("expected no callback after unregister, got %v", second)
	}
}

// TestLogOnPushCanReadLog tests that the subscriber may read the log without
// deadlocking.
func TestLogOnPushCanReadLog(t *testing.T) {
	l := New[int](3)

	var seen int
	l.OnPush(func(v int) {
		seen = l.Size()
	})
	l.Push(7)

	if seen != 1 {
		t.Fatalf("expected subscriber to observe size 1, got %d", seen)
	}
}

// TestLogLoad tests bulk-replacing the contents from persisted records.
func TestLogLoad(t *testing.T) {
	l := New[int](3)
	l.Push(99)

	l.Load([]int{1, 2})
	all := l.Items()
	if len(all) != 2 || all[0] != 1 || all[1] != 2 {
		t.Fatalf("expected [1 2] after load, got %v", all)
	}

	// Pushing after a partial load appends after the loaded items.
	l.Push(3)
	l.Push(4) // evicts 1
	all = l.Items()
	expected := []int{2, 3, 4}
	for i, val := range all {
		if val != expected[i] {
			t.Errorf("at index %d: expected %d, got %d", i, expected[i], val)
		}
	}

	// Loading more than capacity keeps the newest capacity-many.
	l.Load([]int{10, 20, 30, 40, 50})
	all = l.Items()
	expected = []int{30, 40, 50}
	if len(all) != 3 {
		t.Fatalf("expected 3 items after oversized load, got %d", len(all))
	}
	for i, val := range all {
		if val != expected[i] {
			t.Errorf("at index %d: expected %d, got %d", i, expected[i], val)
		}
	}
}

// TestLogClear tests the Clear method.
func TestLogClear(t *testing.T) {
	l := New[int](5)

	l.Push(1)
	l.Push(2)
	id := l.NextID()

	l.Clear()

	if l.Size() != 0 {
		t.Fatalf("expected size 0 after clear, got %d", l.Size())
	}
	if all := l.Items(); all != nil {
		t.Fatalf("expected nil after clear, got %v", all)
	}

	// The ID counter survives a clear.
	if next := l.NextID(); next != id+1 {
		t.Fatalf("expected ID counter to survive clear: got %d, want %d", next, id+1)
	}

	l.Push(10)
	if l.Size() != 1 {
		t.Fatalf("expected size 1 after pushing post-clear, got %d", l.Size())
	}
}

// TestLogConcurrent tests thread-safety under concurrent access.
func TestLogConcurrent(t *testing.T) {
	l := New[int](1000)

	var wg sync.WaitGroup

	writers := 10
	writesPerWriter := 100
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(start int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				l.Push(start*writesPerWriter + j)
				_ = l.NextID()
			}
		}(i)
	}

	readers := 5
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = l.Items()
				_ = l.Latest(10)
				_ = l.Size()
			}
		}()
	}

	wg.Wait()

	if l.Size() != 1000 {
		t.Fatalf("expected 1000 items after concurrent writes, got %d", l.Size())
	}
}
