package docsync

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
)

// tableTx is the mutable working copy a patch batch runs in. Indexes are
// maintained incrementally with copy on write at the bucket level, so a
// batch costs the affected records plus per patch overhead rather than
// an index rebuild per patch. freeze() produces the immutable document.

type tableTx struct {
	codec *TableCodec
	slots []TableRecord
	// column -> stable JSON of value -> slot set
	indexes map[string]map[string]map[int]bool
	// copy on write bookkeeping against the source document
	clonedColumns map[string]bool
	clonedBuckets map[string]map[string]bool
	recordCount   int
}

func newTableTx(doc *TableDocument) *tableTx {
	indexes := map[string]map[string]map[int]bool{}
	for column, buckets := range doc.indexes {
		indexes[column] = buckets
	}
	return &tableTx{
		codec:         doc.codec,
		slots:         slices.Clone(doc.slots),
		indexes:       indexes,
		clonedColumns: map[string]bool{},
		clonedBuckets: map[string]map[string]bool{},
		recordCount:   doc.recordCount,
	}
}

func (self *tableTx) freeze() *TableDocument {
	return &TableDocument{
		codec:       self.codec,
		slots:       self.slots,
		indexes:     self.indexes,
		recordCount: self.recordCount,
	}
}

func (self *tableTx) mutableColumn(column string) map[string]map[int]bool {
	buckets := self.indexes[column]
	if !self.clonedColumns[column] {
		next := make(map[string]map[int]bool, len(buckets))
		for key, bucket := range buckets {
			next[key] = bucket
		}
		self.indexes[column] = next
		self.clonedColumns[column] = true
		self.clonedBuckets[column] = map[string]bool{}
		buckets = next
	}
	return buckets
}

func (self *tableTx) mutableBucket(column string, key string) map[int]bool {
	buckets := self.mutableColumn(column)
	bucket := buckets[key]
	if !self.clonedBuckets[column][key] {
		next := make(map[int]bool, len(bucket)+1)
		for slot := range bucket {
			next[slot] = true
		}
		buckets[key] = next
		self.clonedBuckets[column][key] = true
		bucket = next
	}
	return bucket
}

func (self *tableTx) indexRecord(slot int, record TableRecord) {
	for _, primaryKey := range self.codec.primaryKeys {
		value, ok := record[primaryKey]
		if !ok {
			continue
		}
		self.mutableBucket(primaryKey, stableJson(value))[slot] = true
	}
}

func (self *tableTx) unindexRecord(slot int, record TableRecord) {
	for _, primaryKey := range self.codec.primaryKeys {
		value, ok := record[primaryKey]
		if !ok {
			continue
		}
		key := stableJson(value)
		bucket := self.mutableBucket(primaryKey, key)
		delete(bucket, slot)
		if len(bucket) == 0 {
			delete(self.indexes[primaryKey], key)
			delete(self.clonedBuckets[primaryKey], key)
		}
	}
}

func (self *tableTx) selectSlots(where TableRecord) ([]int, error) {
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

// insert appends a new record. Null fields are stripped; string column
// values that arrived as patch arrays have no base on insert and are
// dropped.
func (self *tableTx) insert(record TableRecord) {
	next := TableRecord{}
	for field, value := range record {
		if value == nil {
			continue
		}
		if self.codec.stringCols[field] {
			if _, isPatch := value.([]any); isPatch {
				continue
			}
		}
		next[field] = value
	}
	slot := len(self.slots)
	self.slots = append(self.slots, next)
	self.indexRecord(slot, next)
	self.recordCount += 1
}

// update applies setFields to one existing slot. The slot is removed
// from every old index bucket before reinsertion, which keeps the
// indexes right when a primary key field itself changes or is deleted.
func (self *tableTx) update(slot int, setFields TableRecord) error {
	old := self.slots[slot]
	next := make(TableRecord, len(old)+len(setFields))
	for field, value := range old {
		next[field] = value
	}
	for field, value := range setFields {
		if value == nil {
			delete(next, field)
			continue
		}
		if self.codec.stringCols[field] {
			if patchValue, isPatch := value.([]any); isPatch {
				patch, err := decodeTextPatchValue(patchValue)
				if err != nil {
					return err
				}
				current, _ := next[field].(string)
				patched, _ := self.codec.diff.ApplyPatch(current, patch)
				next[field] = patched
				continue
			}
			if _, isString := value.(string); !isString {
				return fmt.Errorf("%w: %s", ErrInvalidFieldType, field)
			}
			next[field] = value
			continue
		}
		if currentMap, ok := next[field].(map[string]any); ok {
			if valueMap, ok := value.(map[string]any); ok {
				merged := make(map[string]any, len(currentMap)+len(valueMap))
				for k, v := range currentMap {
					merged[k] = v
				}
				for k, v := range valueMap {
					if v == nil {
						delete(merged, k)
					} else {
						merged[k] = v
					}
				}
				next[field] = merged
				continue
			}
		}
		next[field] = value
	}
	self.unindexRecord(slot, old)
	self.slots[slot] = next
	self.indexRecord(slot, next)
	return nil
}

// upsert splits the payload into primary key where values and set fields,
// updates every matching slot or inserts when nothing matches.
func (self *tableTx) upsert(record TableRecord) error {
	whereKeys := TableRecord{}
	setFields := TableRecord{}
	for field, value := range record {
		if slices.Contains(self.codec.primaryKeys, field) && value != nil {
			whereKeys[field] = value
		} else {
			setFields[field] = value
		}
	}
	if 0 < len(whereKeys) {
		slots, err := self.selectSlots(whereKeys)
		if err != nil {
			return err
		}
		if 0 < len(slots) {
			for _, slot := range slots {
				if err := self.update(slot, setFields); err != nil {
					return err
				}
			}
			return nil
		}
	}
	self.insert(record)
	return nil
}

func (self *tableTx) deleteWhere(where TableRecord) error {
	slots, err := self.selectSlots(where)
	if err != nil {
		return err
	}
	for _, slot := range slots {
		record := self.slots[slot]
		self.unindexRecord(slot, record)
		self.slots[slot] = nil
		self.recordCount -= 1
	}
	return nil
}

func decodeTextPatchValue(value []any) (TextPatch, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var patch TextPatch
	if err := json.Unmarshal(b, &patch); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptPatchBody, err)
	}
	return patch, nil
}
