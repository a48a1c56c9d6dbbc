package docsync

import (
	"bufio"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/golang/glog"
)

// the table document family: an ordered sequence of JSON records with
// primary key secondary indexes. Deleted slots stay as tombstones; the
// serialized form is one stable JSON object per line, lines sorted.

type TableRecord = map[string]any

const tableRecordSizeEstimate = ByteCount(128)

type TableDocument struct {
	codec *TableCodec
	// nil entries are tombstones
	slots []TableRecord
	// primary key column -> stable JSON of value -> slot set
	indexes     map[string]map[string]map[int]bool
	recordCount int
}

func newEmptyTableDocument(codec *TableCodec) *TableDocument {
	indexes := map[string]map[string]map[int]bool{}
	for _, primaryKey := range codec.primaryKeys {
		indexes[primaryKey] = map[string]map[int]bool{}
	}
	return &TableDocument{
		codec:   codec,
		slots:   []TableRecord{},
		indexes: indexes,
	}
}

func (self *TableDocument) Count() int {
	return self.recordCount
}

func (self *TableDocument) Size() ByteCount {
	return ByteCount(self.recordCount) * tableRecordSizeEstimate
}

// selectSlots resolves a where object to slot ids via index intersection.
// An empty where selects every defined slot. Using a non primary key
// column in where is an error.
func (self *TableDocument) selectSlots(where TableRecord) ([]int, error) {
	if len(where) == 0 {
		slots := make([]int, 0, self.recordCount)
		for slot, record := range self.slots {
			if record != nil {
				slots = append(slots, slot)
			}
		}
		return slots, nil
	}
	var intersection map[int]bool
	for column, value := range where {
		buckets, ok := self.indexes[column]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrInvalidWhere, column)
		}
		bucket := buckets[stableJson(value)]
		if len(bucket) == 0 {
			return nil, nil
		}
		if intersection == nil {
			intersection = bucket
			continue
		}
		next := map[int]bool{}
		for slot := range intersection {
			if bucket[slot] {
				next[slot] = true
			}
		}
		if len(next) == 0 {
			return nil, nil
		}
		intersection = next
	}
	slots := make([]int, 0, len(intersection))
	for slot := range intersection {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots, nil
}

// Get returns the records matching where, in slot order.
func (self *TableDocument) Get(where TableRecord) ([]TableRecord, error) {
	normalized, err := self.codec.normalizeRecord(where)
	if err != nil {
		return nil, err
	}
	slots, err := self.selectSlots(normalized)
	if err != nil {
		return nil, err
	}
	records := make([]TableRecord, 0, len(slots))
	for _, slot := range slots {
		records = append(records, self.slots[slot])
	}
	return records, nil
}

// GetOne returns the first record matching where, or nil.
func (self *TableDocument) GetOne(where TableRecord) (TableRecord, error) {
	records, err := self.Get(where)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// primaryKeyId is the identity of a record for comparison purposes:
// the stable JSON of its primary key values in column order.
func (self *TableDocument) primaryKeyId(record TableRecord) string {
	values := make([]any, len(self.codec.primaryKeys))
	for i, primaryKey := range self.codec.primaryKeys {
		values[i] = record[primaryKey]
	}
	return stableJson(values)
}

// recordsByPrimaryKey maps primary key ids to records. Later slots win
// on duplicate keys.
func (self *TableDocument) recordsByPrimaryKey() map[string]TableRecord {
	out := map[string]TableRecord{}
	for _, record := range self.slots {
		if record == nil {
			continue
		}
		out[self.primaryKeyId(record)] = record
	}
	return out
}

// IsEqual compares record content per primary key, order insensitive.
func (self *TableDocument) IsEqual(other Document) bool {
	otherTable, ok := other.(*TableDocument)
	if !ok {
		return false
	}
	if self.recordCount != otherTable.recordCount {
		return false
	}
	records := self.recordsByPrimaryKey()
	otherRecords := otherTable.recordsByPrimaryKey()
	if len(records) != len(otherRecords) {
		return false
	}
	for key, record := range records {
		otherRecord, ok := otherRecords[key]
		if !ok {
			return false
		}
		if !jsonEqual(record, otherRecord) {
			return false
		}
	}
	return true
}

func (self *TableDocument) String() string {
	lines := make([]string, 0, self.recordCount)
	for _, record := range self.slots {
		if record == nil {
			continue
		}
		lines = append(lines, stableJson(record))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

func (self *TableDocument) ApplyPatch(body PatchBody) (Document, error) {
	return self.codec.ApplyPatch(self, body)
}

func (self *TableDocument) ApplyPatchBatch(bodies []PatchBody) (Document, error) {
	return self.codec.ApplyPatchBatch(self, bodies)
}

func (self *TableDocument) MakePatch(other Document) (PatchBody, error) {
	return self.codec.MakePatch(self, other)
}

func parseTableLines(codec *TableCodec, text string) (*TableDocument, error) {
	doc := newEmptyTableDocument(codec)
	tx := newTableTx(doc)
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record TableRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			glog.Warningf("[table]dropping corrupt line: %s\n", err)
			continue
		}
		tx.insert(record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return tx.freeze(), nil
}
