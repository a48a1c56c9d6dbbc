package docsync

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func textBody(t *testing.T, codec DocCodec, fromText string, toText string) PatchBody {
	from, err := codec.FromString(fromText)
	assert.Equal(t, err, nil)
	to, err := codec.FromString(toText)
	assert.Equal(t, err, nil)
	body, err := codec.MakePatch(from, to)
	assert.Equal(t, err, nil)
	return body
}

func TestGraphLinearHistory(t *testing.T) {
	codec := NewTextCodec()
	graph := NewPatchGraph(codec)

	t1 := RequirePatchId(10, "a")
	t2 := RequirePatchId(20, "a")
	err := graph.Add([]*Patch{
		{Id: t1, Parents: []PatchId{}, Body: textBody(t, codec, "", "hello")},
		{Id: t2, Parents: []PatchId{t1}, Body: textBody(t, codec, "hello", "hello world")},
	})
	assert.Equal(t, err, nil)

	assert.Equal(t, graph.GetHeads(), []PatchId{t2})
	doc, err := graph.Value(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.String(), "hello world")
}

func TestGraphDivergentBranchesMergedAsSnapshot(t *testing.T) {
	codec := NewTextCodec()
	graph := NewPatchGraph(codec)

	id1 := RequirePatchId(10, "a")
	id2 := RequirePatchId(20, "b")
	id3 := RequirePatchId(30, "a")
	snapshotText := ThreeWayMerge("", "A", "B")
	err := graph.Add([]*Patch{
		{Id: id1, Parents: []PatchId{}, Body: textBody(t, codec, "", "A")},
		{Id: id2, Parents: []PatchId{}, Body: textBody(t, codec, "", "B")},
		{Id: id3, Parents: []PatchId{id1, id2}, IsSnapshot: true, SnapshotText: &snapshotText},
	})
	assert.Equal(t, err, nil)

	assert.Equal(t, graph.GetHeads(), []PatchId{id3})
	doc, err := graph.Value(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.String(), "AB")

	v1, err := graph.Version(id1)
	assert.Equal(t, err, nil)
	assert.Equal(t, v1.String(), "A")
	v2, err := graph.Version(id2)
	assert.Equal(t, err, nil)
	assert.Equal(t, v2.String(), "B")
}

func TestGraphWithoutTimes(t *testing.T) {
	codec := NewTextCodec()
	graph := NewPatchGraph(codec)

	id1 := RequirePatchId(10, "a")
	id2 := RequirePatchId(20, "a")
	err := graph.Add([]*Patch{
		{Id: id1, Parents: []PatchId{}, Body: textBody(t, codec, "", "A")},
		{Id: id2, Parents: []PatchId{id1}, Body: textBody(t, codec, "A", "AB")},
	})
	assert.Equal(t, err, nil)

	doc, err := graph.Value(&ValueOptions{
		WithoutTimes: []PatchId{id2},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.String(), "A")
}

func TestGraphDeterminismAcrossInsertionOrders(t *testing.T) {
	codec := NewTextCodec()

	patches := []*Patch{}
	texts := []string{"", "a", "ab", "abc", "abcd", "abcde"}
	var prev PatchId
	for i := 1; i < len(texts); i += 1 {
		id := RequirePatchId(int64(i*10), "c")
		parents := []PatchId{}
		if prev != "" {
			parents = append(parents, prev)
		}
		patches = append(patches, &Patch{
			Id:      id,
			Parents: parents,
			Body:    textBody(t, codec, texts[i-1], texts[i]),
		})
		prev = id
	}

	expected := ""
	for trial := 0; trial < 10; trial += 1 {
		shuffled := make([]*Patch, len(patches))
		copy(shuffled, patches)
		rand.New(rand.NewSource(int64(trial))).Shuffle(len(shuffled), func(i int, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		graph := NewPatchGraph(codec)
		// deliver one at a time, as a store subscription would
		for _, patch := range shuffled {
			err := graph.Add([]*Patch{patch})
			assert.Equal(t, err, nil)
		}
		doc, err := graph.Value(nil)
		assert.Equal(t, err, nil)
		if trial == 0 {
			expected = doc.String()
			assert.Equal(t, expected, "abcde")
		} else {
			assert.Equal(t, doc.String(), expected)
		}
	}
}

func TestGraphDuplicateAddIsNoOp(t *testing.T) {
	codec := NewTextCodec()
	graph := NewPatchGraph(codec)

	id := RequirePatchId(10, "a")
	patch := &Patch{Id: id, Parents: []PatchId{}, Body: textBody(t, codec, "", "x")}
	assert.Equal(t, graph.Add([]*Patch{patch}), nil)
	assert.Equal(t, graph.Add([]*Patch{patch}), nil)
	assert.Equal(t, graph.PatchCount(), 1)
}

func TestGraphSnapshotAttachesToExistingId(t *testing.T) {
	codec := NewTextCodec()
	graph := NewPatchGraph(codec)

	id1 := RequirePatchId(10, "a")
	id2 := RequirePatchId(20, "a")
	err := graph.Add([]*Patch{
		{Id: id1, Parents: []PatchId{}, Body: textBody(t, codec, "", "base")},
		{Id: id2, Parents: []PatchId{id1}, Body: textBody(t, codec, "base", "base more")},
	})
	assert.Equal(t, err, nil)

	// snapshot data arrives later on the same id
	snapshotText := "base more"
	err = graph.Add([]*Patch{
		{Id: id2, Parents: []PatchId{id1}, IsSnapshot: true, SnapshotText: &snapshotText},
	})
	assert.Equal(t, err, nil)

	patch, err := graph.GetPatch(id2)
	assert.Equal(t, err, nil)
	assert.Equal(t, patch.HasSnapshot(), true)

	doc, err := graph.Value(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.String(), "base more")
}

func TestGraphSnapshotFloorSkipsAncestors(t *testing.T) {
	codec := NewTextCodec()
	graph := NewPatchGraph(codec)

	id1 := RequirePatchId(10, "a")
	id2 := RequirePatchId(20, "a")
	id3 := RequirePatchId(30, "a")
	snapshotText := "snapshotted"
	err := graph.Add([]*Patch{
		{Id: id1, Parents: []PatchId{}, Body: textBody(t, codec, "", "junk that must not replay")},
		{Id: id2, Parents: []PatchId{id1}, IsSnapshot: true, SnapshotText: &snapshotText},
		{Id: id3, Parents: []PatchId{id2}, Body: textBody(t, codec, "snapshotted", "snapshotted plus")},
	})
	assert.Equal(t, err, nil)

	doc, err := graph.Value(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.String(), "snapshotted plus")
}

func TestGraphFileLoadDedup(t *testing.T) {
	codec := NewTextCodec()
	body := textBody(t, codec, "", "loaded")

	build := func(secondTime int64) string {
		graph := NewPatchGraph(codec)
		id1 := RequirePatchId(1000, "a")
		id2 := RequirePatchId(secondTime, "b")
		err := graph.Add([]*Patch{
			{Id: id1, Parents: []PatchId{}, Body: body, File: true},
			{Id: id2, Parents: []PatchId{}, Body: body, File: true},
		})
		assert.Equal(t, err, nil)
		doc, err := graph.Value(nil)
		assert.Equal(t, err, nil)
		return doc.String()
	}

	// within the window the duplicate collapses
	assert.Equal(t, build(1500), "loaded")
	// outside the window both replay
	assert.Equal(t, build(10000), "loadedloaded")
}

func TestGraphPrefixReuseMatchesFreshCompute(t *testing.T) {
	codec := NewTextCodec()
	graph := NewPatchGraph(codec)

	texts := []string{""}
	ids := []PatchId{}
	var prev PatchId
	for i := 1; i <= 20; i += 1 {
		texts = append(texts, fmt.Sprintf("%sline %d\n", texts[i-1], i))
		id := RequirePatchId(int64(i*10), "a")
		parents := []PatchId{}
		if prev != "" {
			parents = append(parents, prev)
		}
		err := graph.Add([]*Patch{
			{Id: id, Parents: parents, Body: textBody(t, codec, texts[i-1], texts[i])},
		})
		assert.Equal(t, err, nil)
		ids = append(ids, id)
		prev = id

		// computing after each add exercises the prefix reuse path
		doc, err := graph.Value(nil)
		assert.Equal(t, err, nil)
		assert.Equal(t, doc.String(), texts[i])
	}

	// every historical version still computes from scratch identically
	fresh := NewPatchGraph(codec)
	for _, id := range ids {
		patch, err := graph.GetPatch(id)
		assert.Equal(t, err, nil)
		assert.Equal(t, fresh.Add([]*Patch{patch}), nil)
	}
	for i, id := range ids {
		cached, err := graph.Version(id)
		assert.Equal(t, err, nil)
		scratch, err := fresh.Version(id)
		assert.Equal(t, err, nil)
		assert.Equal(t, cached.String(), scratch.String())
		assert.Equal(t, cached.String(), texts[i+1])
	}
}

func TestGraphCacheInvalidationOnAdd(t *testing.T) {
	codec := NewTextCodec()
	graph := NewPatchGraph(codec)

	id1 := RequirePatchId(10, "a")
	err := graph.Add([]*Patch{
		{Id: id1, Parents: []PatchId{}, Body: textBody(t, codec, "", "one")},
	})
	assert.Equal(t, err, nil)
	doc, err := graph.Value(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.String(), "one")

	id2 := RequirePatchId(20, "a")
	err = graph.Add([]*Patch{
		{Id: id2, Parents: []PatchId{id1}, Body: textBody(t, codec, "one", "one two")},
	})
	assert.Equal(t, err, nil)
	doc, err = graph.Value(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.String(), "one two")
}

func TestGraphEmpty(t *testing.T) {
	codec := NewTextCodec()
	graph := NewPatchGraph(codec)

	assert.Equal(t, graph.GetHeads(), []PatchId{})
	doc, err := graph.Value(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.String(), "")
}

func TestGraphUnknownId(t *testing.T) {
	codec := NewTextCodec()
	graph := NewPatchGraph(codec)

	_, err := graph.GetPatch(RequirePatchId(1, "x"))
	assert.Equal(t, errors.Is(err, ErrUnknownPatchId), true)

	_, err = graph.Version(RequirePatchId(1, "x"))
	assert.Equal(t, errors.Is(err, ErrUnknownPatchId), true)
}

func TestGraphAncestors(t *testing.T) {
	codec := NewTextCodec()
	graph := NewPatchGraph(codec)

	id1 := RequirePatchId(10, "a")
	id2 := RequirePatchId(20, "a")
	id3 := RequirePatchId(30, "a")
	snapshotText := "ab"
	err := graph.Add([]*Patch{
		{Id: id1, Parents: []PatchId{}, Body: textBody(t, codec, "", "a")},
		{Id: id2, Parents: []PatchId{id1}, IsSnapshot: true, SnapshotText: &snapshotText},
		{Id: id3, Parents: []PatchId{id2}, Body: textBody(t, codec, "ab", "abc")},
	})
	assert.Equal(t, err, nil)

	ancestors, err := graph.GetAncestors([]PatchId{id3}, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, ancestors, []PatchId{id1, id2})

	ancestors, err = graph.GetAncestors([]PatchId{id3}, &AncestorOptions{
		IncludeSelf:     true,
		StopAtSnapshots: true,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, ancestors, []PatchId{id2, id3})
}

func TestGraphParentChains(t *testing.T) {
	codec := NewTextCodec()
	graph := NewPatchGraph(codec)

	id1 := RequirePatchId(10, "a")
	id2 := RequirePatchId(20, "b")
	id3 := RequirePatchId(30, "a")
	err := graph.Add([]*Patch{
		{Id: id1, Parents: []PatchId{}, Body: textBody(t, codec, "", "A")},
		{Id: id2, Parents: []PatchId{}, Body: textBody(t, codec, "", "B")},
		{Id: id3, Parents: []PatchId{id1, id2}, Body: PatchBody(nil)},
	})
	assert.Equal(t, err, nil)

	chains, err := graph.GetParentChains(id3, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(chains), 2)
	assert.Equal(t, chains[0], []PatchId{id3, id1})
	assert.Equal(t, chains[1], []PatchId{id3, id2})

	_, err = graph.GetParentChains(id3, &ParentChainOptions{Limit: 1})
	assert.Equal(t, errors.Is(err, ErrChainLimitExceeded), true)
}

func TestGraphVersionsInRange(t *testing.T) {
	codec := NewTextCodec()
	graph := NewPatchGraph(codec)

	ids := []PatchId{}
	var prev PatchId
	for i := 1; i <= 5; i += 1 {
		id := RequirePatchId(int64(i*10), "a")
		parents := []PatchId{}
		if prev != "" {
			parents = append(parents, prev)
		}
		err := graph.Add([]*Patch{{Id: id, Parents: parents}})
		assert.Equal(t, err, nil)
		ids = append(ids, id)
		prev = id
	}

	assert.Equal(t, graph.Versions(), ids)
	assert.Equal(t, graph.VersionsInRange(&VersionRange{Start: ids[1], End: ids[3]}), ids[1:4])
	assert.Equal(t, graph.VersionsInRange(&VersionRange{Start: ids[4]}), ids[4:])
}

func TestGraphHistoryFilters(t *testing.T) {
	codec := NewTextCodec()
	graph := NewPatchGraph(codec)

	id1 := RequirePatchId(10, "a")
	id2 := RequirePatchId(20, "a")
	snapshotText := "x"
	err := graph.Add([]*Patch{
		{Id: id1, Parents: []PatchId{}, Body: textBody(t, codec, "", "x")},
		{Id: id2, Parents: []PatchId{id1}, IsSnapshot: true, SnapshotText: &snapshotText},
	})
	assert.Equal(t, err, nil)

	all := graph.History(nil)
	assert.Equal(t, len(all), 2)

	noSnapshots := graph.History(&HistoryOptions{})
	assert.Equal(t, len(noSnapshots), 1)
	assert.Equal(t, noSnapshots[0].Id, id1)
}

func TestGraphSnapshotEquivalence(t *testing.T) {
	// replacing the ancestors of a snapshot with the snapshot yields the
	// same value
	codec := NewTextCodec()

	full := NewPatchGraph(codec)
	id1 := RequirePatchId(10, "a")
	id2 := RequirePatchId(20, "a")
	id3 := RequirePatchId(30, "a")
	err := full.Add([]*Patch{
		{Id: id1, Parents: []PatchId{}, Body: textBody(t, codec, "", "a")},
		{Id: id2, Parents: []PatchId{id1}, Body: textBody(t, codec, "a", "ab")},
		{Id: id3, Parents: []PatchId{id2}, Body: textBody(t, codec, "ab", "abc")},
	})
	assert.Equal(t, err, nil)
	fullDoc, err := full.Value(nil)
	assert.Equal(t, err, nil)

	snapshotText := "ab"
	pruned := NewPatchGraph(codec)
	err = pruned.Add([]*Patch{
		{Id: id2, Parents: []PatchId{}, IsSnapshot: true, SnapshotText: &snapshotText},
		{Id: id3, Parents: []PatchId{id2}, Body: textBody(t, codec, "ab", "abc")},
	})
	assert.Equal(t, err, nil)
	prunedDoc, err := pruned.Value(nil)
	assert.Equal(t, err, nil)

	assert.Equal(t, fullDoc.String(), prunedDoc.String())
}
