package ids

import (
	"sort"
	"testing"
)

func TestNewIsSortedAndUnique(t *testing.T) {
	const n = 1000
	got := make([]string, 0, n)
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		id := New()
		if len(id) != 26 {
			t.Fatalf("id %q length = %d, want 26", id, len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
		got = append(got, id)
	}
	if !sort.StringsAreSorted(got) {
		t.Fatal("ids generated in sequence must sort in generation order")
	}
}
