package launcher

import (
	"sync"
	"testing"
	"time"

	"github.com/five82/gvlauncher/internal/testcase"
)

func dispatchTests(names ...string) []*testcase.Test {
	var out []*testcase.Test
	for _, n := range names {
		out = append(out, testcase.New(testcase.Params{Application: "true", Classname: n}, nil))
	}
	return out
}

func drain(d *Dispatcher) []string {
	var got []string
	for {
		t, ok := d.Next()
		if !ok {
			return got
		}
		got = append(got, t.Classname)
	}
}

func TestDispatcher_KeepsOrderWithoutDurations(t *testing.T) {
	d := NewDispatcher(dispatchTests("a", "b", "c"), nil)
	if d.Remaining() != 3 {
		t.Fatalf("Remaining() = %d, want 3", d.Remaining())
	}

	got := drain(d)
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Next() #%d = %s, want %s", i, got[i], want[i])
		}
	}
	if d.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", d.Remaining())
	}
}

func TestDispatcher_LongestFirst(t *testing.T) {
	durations := map[string]time.Duration{
		"b": 3 * time.Second,
		"d": 10 * time.Second,
	}
	d := NewDispatcher(dispatchTests("a", "b", "c", "d"), durations)

	// Unknown durations keep their relative order after the known ones.
	got := drain(d)
	want := []string{"d", "b", "a", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Next() #%d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDispatcher_DoesNotModifyInput(t *testing.T) {
	tests := dispatchTests("a", "b")
	d := NewDispatcher(tests, map[string]time.Duration{"b": time.Second})
	drain(d)
	if tests[0] == nil || tests[0].Classname != "a" {
		t.Error("NewDispatcher() reordered or cleared the input slice")
	}
}

func TestDispatcher_Concurrent(t *testing.T) {
	names := make([]string, 100)
	for i := range names {
		names[i] = string(rune('A'+i%26)) + string(rune('a'+i/26))
	}
	d := NewDispatcher(dispatchTests(names...), nil)

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				tc, ok := d.Next()
				if !ok {
					return
				}
				mu.Lock()
				seen[tc.Classname]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != len(names) {
		t.Errorf("dispatched %d distinct tests, want %d", len(seen), len(names))
	}
	for name, n := range seen {
		if n != 1 {
			t.Errorf("test %s dispatched %d times", name, n)
		}
	}
}
