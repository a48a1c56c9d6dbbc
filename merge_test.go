package docsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestThreeWayMergeShortcuts(t *testing.T) {
	assert.Equal(t, ThreeWayMerge("base", "same", "same"), "same")
	assert.Equal(t, ThreeWayMerge("base", "local", "base"), "local")
	assert.Equal(t, ThreeWayMerge("base", "base", "remote"), "remote")
}

func TestThreeWayMergeDisjointInserts(t *testing.T) {
	// remote prepends, local appends
	merged := ThreeWayMerge("hello", "hello local", "REMOTE hello")
	assert.Equal(t, merged, "REMOTE hello local")
}

func TestThreeWayMergeBothInsertEmptyBase(t *testing.T) {
	// local inserts first at a shared boundary
	merged := ThreeWayMerge("", "A", "B")
	assert.Equal(t, merged, "AB")
}

func TestThreeWayMergeIdenticalInsertsDedup(t *testing.T) {
	// both sides insert X at the same boundary; local adds L as well.
	// the shared insert is emitted once
	merged := ThreeWayMerge("ab", "aXbL", "aXb")
	assert.Equal(t, merged, "aXbL")
}

func TestThreeWayMergeDeletes(t *testing.T) {
	// either side deleting a span drops it
	assert.Equal(t, ThreeWayMerge("abc", "ac", "abc"), "ac")
	assert.Equal(t, ThreeWayMerge("abc", "abc", "ac"), "ac")
	// both delete different spans
	assert.Equal(t, ThreeWayMerge("abcd", "acd", "abd"), "ad")
}

func TestThreeWayMergeInsertAndDelete(t *testing.T) {
	// local deletes a word, remote appends one
	merged := ThreeWayMerge("one two", "one", " two three")
	// local deleted "one"? no: local "one" deletes " two"; remote
	// deleted "one" and appended " three"
	assert.Equal(t, merged, " three")
}

func TestThreeWayMergeDeterministic(t *testing.T) {
	a := ThreeWayMerge("shared base text", "shared base text with local", "remote shared base text")
	b := ThreeWayMerge("shared base text", "shared base text with local", "remote shared base text")
	assert.Equal(t, a, b)
	assert.Equal(t, a, "remote shared base text with local")
}

func TestThreeWayMergeNoConflictMarkers(t *testing.T) {
	merged := ThreeWayMerge("line\n", "line one\n", "line two\n")
	if len(merged) == 0 {
		t.Fatal("empty merge")
	}
	for _, marker := range []string{"<<<<<<<", ">>>>>>>", "======="} {
		if contains(merged, marker) {
			t.Fatalf("conflict marker in %q", merged)
		}
	}
}

func contains(s string, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i += 1 {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
