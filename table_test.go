package docsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testTableCodec(t *testing.T) *TableCodec {
	codec, err := NewTableCodec([]string{"id"}, []string{"body"})
	assert.Equal(t, err, nil)
	return codec
}

func tableBody(t *testing.T, parts ...any) PatchBody {
	body, err := json.Marshal(parts)
	assert.Equal(t, err, nil)
	return PatchBody(body)
}

func TestTableCodecRequiresPrimaryKey(t *testing.T) {
	_, err := NewTableCodec(nil, nil)
	assert.Equal(t, errors.Is(err, ErrConfig), true)
}

func TestTableUpsertAndDelete(t *testing.T) {
	codec := testTableCodec(t)
	doc, err := codec.FromString("")
	assert.Equal(t, err, nil)

	// insert two records
	doc1, err := codec.ApplyPatch(doc, tableBody(t,
		1, []any{
			map[string]any{"id": 1, "body": "hello"},
			map[string]any{"id": 2, "body": "bye"},
		},
	))
	assert.Equal(t, err, nil)
	assert.Equal(t, doc1.Count(), 2)

	// update id=1
	doc2, err := codec.ApplyPatch(doc1, tableBody(t,
		1, []any{
			map[string]any{"id": 1, "body": "hello world"},
		},
	))
	assert.Equal(t, err, nil)
	assert.Equal(t, doc2.Count(), 2)

	// delete id=2
	doc3, err := codec.ApplyPatch(doc2, tableBody(t,
		-1, []any{
			map[string]any{"id": 2},
		},
	))
	assert.Equal(t, err, nil)
	assert.Equal(t, doc3.Count(), 1)
	assert.Equal(t, doc3.String(), `{"body":"hello world","id":1}`)

	// the intermediate documents are unchanged
	assert.Equal(t, doc1.Count(), 2)
	record, err := doc1.(*TableDocument).GetOne(TableRecord{"id": 1})
	assert.Equal(t, err, nil)
	assert.Equal(t, record["body"], "hello")
}

func TestTableStringColumnDiff(t *testing.T) {
	codec := testTableCodec(t)

	from, err := codec.FromString(`{"body":"hello","id":1}`)
	assert.Equal(t, err, nil)
	to, err := codec.FromString(`{"body":"1hello2","id":1}`)
	assert.Equal(t, err, nil)

	body, err := codec.MakePatch(from, to)
	assert.Equal(t, err, nil)

	// the body carries a text patch array for the string column
	var parts []any
	err = json.Unmarshal(body, &parts)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(parts), 2)
	assert.Equal(t, parts[0], float64(1))
	upserts := parts[1].([]any)
	update := upserts[0].(map[string]any)
	if _, isArray := update["body"].([]any); !isArray {
		t.Fatalf("expected patch array body, got %T", update["body"])
	}

	patched, err := codec.ApplyPatch(from, body)
	assert.Equal(t, err, nil)
	record, err := patched.(*TableDocument).GetOne(TableRecord{"id": 1})
	assert.Equal(t, err, nil)
	assert.Equal(t, record["body"], "1hello2")
}

func TestTablePatchRoundTrip(t *testing.T) {
	codec := testTableCodec(t)

	cases := [][2]string{
		{"", `{"body":"x","id":1}`},
		{`{"body":"x","id":1}`, ""},
		{
			`{"body":"x","id":1}` + "\n" + `{"body":"y","id":2}`,
			`{"body":"x2","id":1}` + "\n" + `{"body":"z","id":3}`,
		},
		{
			`{"id":1,"tags":{"a":1,"b":2}}`,
			`{"id":1,"tags":{"a":1,"c":3}}`,
		},
	}
	for _, pair := range cases {
		from, err := codec.FromString(pair[0])
		assert.Equal(t, err, nil)
		to, err := codec.FromString(pair[1])
		assert.Equal(t, err, nil)

		body, err := codec.MakePatch(from, to)
		assert.Equal(t, err, nil)
		patched, err := codec.ApplyPatch(from, body)
		assert.Equal(t, err, nil)
		assert.Equal(t, patched.IsEqual(to), true)
		assert.Equal(t, patched.String(), to.String())
	}
}

func TestTableMapMerge(t *testing.T) {
	codec := testTableCodec(t)
	doc, err := codec.FromString(`{"id":1,"tags":{"a":1,"b":2}}`)
	assert.Equal(t, err, nil)

	// shallow merge: null deletes a key, other values overwrite
	next, err := codec.ApplyPatch(doc, tableBody(t,
		1, []any{
			map[string]any{"id": 1, "tags": map[string]any{"b": nil, "c": 3}},
		},
	))
	assert.Equal(t, err, nil)
	record, err := next.(*TableDocument).GetOne(TableRecord{"id": 1})
	assert.Equal(t, err, nil)
	assert.Equal(t, stableJson(record["tags"]), `{"a":1,"c":3}`)
}

func TestTableFieldDelete(t *testing.T) {
	codec := testTableCodec(t)
	doc, err := codec.FromString(`{"extra":true,"id":1}`)
	assert.Equal(t, err, nil)

	next, err := codec.ApplyPatch(doc, tableBody(t,
		1, []any{
			map[string]any{"id": 1, "extra": nil},
		},
	))
	assert.Equal(t, err, nil)
	assert.Equal(t, next.String(), `{"id":1}`)
}

func TestTableInsertStripsNullsAndPatches(t *testing.T) {
	codec := testTableCodec(t)
	doc, err := codec.FromString("")
	assert.Equal(t, err, nil)

	// a string column patch with no base is dropped on insert
	next, err := codec.ApplyPatch(doc, tableBody(t,
		1, []any{
			map[string]any{"id": 1, "gone": nil, "body": []any{}},
		},
	))
	assert.Equal(t, err, nil)
	assert.Equal(t, next.String(), `{"id":1}`)
}

func TestTableInvalidWhere(t *testing.T) {
	codec := testTableCodec(t)
	doc, err := codec.FromString(`{"id":1}`)
	assert.Equal(t, err, nil)

	_, err = doc.(*TableDocument).Get(TableRecord{"notakey": 1})
	assert.Equal(t, errors.Is(err, ErrInvalidWhere), true)

	_, err = codec.ApplyPatch(doc, tableBody(t,
		-1, []any{
			map[string]any{"notakey": 1},
		},
	))
	assert.Equal(t, errors.Is(err, ErrInvalidWhere), true)
}

func TestTableInvalidFieldType(t *testing.T) {
	codec := testTableCodec(t)
	doc, err := codec.FromString(`{"id":1,"body":"x"}`)
	assert.Equal(t, err, nil)

	_, err = codec.ApplyPatch(doc, tableBody(t,
		1, []any{
			map[string]any{"id": 1, "body": 42},
		},
	))
	assert.Equal(t, errors.Is(err, ErrInvalidFieldType), true)
}

func TestTableCorruptBody(t *testing.T) {
	codec := testTableCodec(t)
	doc, err := codec.FromString("")
	assert.Equal(t, err, nil)

	_, err = codec.ApplyPatch(doc, PatchBody(`{"not":"an array"}`))
	assert.Equal(t, errors.Is(err, ErrCorruptPatchBody), true)

	_, err = codec.ApplyPatch(doc, PatchBody(`[2, []]`))
	assert.Equal(t, errors.Is(err, ErrCorruptPatchBody), true)

	_, err = codec.ApplyPatch(doc, PatchBody(`[1]`))
	assert.Equal(t, errors.Is(err, ErrCorruptPatchBody), true)
}

func TestTableFromStringDropsCorruptLines(t *testing.T) {
	codec := testTableCodec(t)
	doc, err := codec.FromString(`{"id":1}` + "\n" + "not json\n\n" + `{"id":2}`)
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.Count(), 2)
}

func TestTableRoundTrip(t *testing.T) {
	codec := testTableCodec(t)
	text := `{"body":"x","id":1}` + "\n" + `{"body":"y","id":2}`
	doc, err := codec.FromString(text)
	assert.Equal(t, err, nil)
	assert.Equal(t, codec.ToString(doc), text)

	again, err := codec.FromString(codec.ToString(doc))
	assert.Equal(t, err, nil)
	assert.Equal(t, again.IsEqual(doc), true)
}

func TestTableBatchApply(t *testing.T) {
	codec := testTableCodec(t)
	doc, err := codec.FromString("")
	assert.Equal(t, err, nil)

	bodies := []PatchBody{}
	for i := 0; i < 50; i += 1 {
		bodies = append(bodies, tableBody(t,
			1, []any{
				map[string]any{"id": i, "body": fmt.Sprintf("v%d", i)},
			},
		))
	}
	// delete the even ids
	deletes := []any{}
	for i := 0; i < 50; i += 2 {
		deletes = append(deletes, map[string]any{"id": i})
	}
	bodies = append(bodies, tableBody(t, -1, deletes))

	batched, err := codec.ApplyPatchBatch(doc, bodies)
	assert.Equal(t, err, nil)

	iterated := Document(doc)
	for _, body := range bodies {
		iterated, err = codec.ApplyPatch(iterated, body)
		assert.Equal(t, err, nil)
	}
	assert.Equal(t, batched.Count(), 25)
	assert.Equal(t, batched.IsEqual(iterated), true)
	assert.Equal(t, batched.String(), iterated.String())
}

func TestTableBatchUpdatesExistingInsert(t *testing.T) {
	// an upsert inside the same batch sees the earlier insert
	codec := testTableCodec(t)
	doc, err := codec.FromString("")
	assert.Equal(t, err, nil)

	next, err := codec.ApplyPatchBatch(doc, []PatchBody{
		tableBody(t, 1, []any{map[string]any{"id": 1, "body": "a"}}),
		tableBody(t, 1, []any{map[string]any{"id": 1, "body": "b"}}),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, next.Count(), 1)
	record, err := next.(*TableDocument).GetOne(TableRecord{"id": 1})
	assert.Equal(t, err, nil)
	assert.Equal(t, record["body"], "b")
}

func TestTableMultiColumnPrimaryKey(t *testing.T) {
	codec, err := NewTableCodec([]string{"a", "b"}, nil)
	assert.Equal(t, err, nil)

	doc, err := codec.FromString("")
	assert.Equal(t, err, nil)
	doc, err = codec.ApplyPatch(doc, tableBody(t,
		1, []any{
			map[string]any{"a": 1, "b": 1, "v": "x"},
			map[string]any{"a": 1, "b": 2, "v": "y"},
		},
	))
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.Count(), 2)

	// the intersection selects exactly one record
	doc, err = codec.ApplyPatch(doc, tableBody(t,
		1, []any{
			map[string]any{"a": 1, "b": 2, "v": "z"},
		},
	))
	assert.Equal(t, err, nil)
	records, err := doc.(*TableDocument).Get(TableRecord{"a": 1})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(records), 2)
	record, err := doc.(*TableDocument).GetOne(TableRecord{"a": 1, "b": 2})
	assert.Equal(t, err, nil)
	assert.Equal(t, record["v"], "z")
}
