package docsync

import (
	"encoding/json"
	"fmt"
	"sort"
)

// table patch bodies are arrays alternating (op, payload):
//   op = -1, payload = [where ...]   delete by primary key pattern
//   op =  1, payload = [record ...]  upsert
// a single body may carry any number of pairs

const (
	tableOpDelete = -1
	tableOpUpsert = 1
)

type tableOp struct {
	op      int
	records []TableRecord
}

func parseTableBody(body PatchBody) ([]tableOp, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil {
		return nil, fmt.Errorf("%w: body is not an array: %s", ErrCorruptPatchBody, err)
	}
	if len(parts)%2 != 0 {
		return nil, fmt.Errorf("%w: odd body length %d", ErrCorruptPatchBody, len(parts))
	}
	ops := make([]tableOp, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		var op int
		if err := json.Unmarshal(parts[i], &op); err != nil {
			return nil, fmt.Errorf("%w: bad op: %s", ErrCorruptPatchBody, err)
		}
		if op != tableOpDelete && op != tableOpUpsert {
			return nil, fmt.Errorf("%w: bad op %d", ErrCorruptPatchBody, op)
		}
		var records []TableRecord
		if err := json.Unmarshal(parts[i+1], &records); err != nil {
			return nil, fmt.Errorf("%w: bad payload: %s", ErrCorruptPatchBody, err)
		}
		ops = append(ops, tableOp{
			op:      op,
			records: records,
		})
	}
	return ops, nil
}

type TableCodec struct {
	primaryKeys []string
	stringCols  map[string]bool
	diff        TextDiff
}

func NewTableCodec(primaryKeys []string, stringCols []string) (*TableCodec, error) {
	return NewTableCodecWithDiff(primaryKeys, stringCols, NewLineDiff())
}

func NewTableCodecWithDiff(primaryKeys []string, stringCols []string, diff TextDiff) (*TableCodec, error) {
	if len(primaryKeys) == 0 {
		return nil, fmt.Errorf("%w: table codec requires at least one primary key", ErrConfig)
	}
	stringColSet := map[string]bool{}
	for _, stringCol := range stringCols {
		stringColSet[stringCol] = true
	}
	return &TableCodec{
		primaryKeys: primaryKeys,
		stringCols:  stringColSet,
		diff:        diff,
	}, nil
}

func (self *TableCodec) normalizeRecord(record TableRecord) (TableRecord, error) {
	normalized, err := normalizeValue(record)
	if err != nil {
		return nil, err
	}
	if normalized == nil {
		return TableRecord{}, nil
	}
	out, ok := normalized.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: record is not an object", ErrCorruptPatchBody)
	}
	return out, nil
}

func (self *TableCodec) FromString(text string) (Document, error) {
	return parseTableLines(self, text)
}

func (self *TableCodec) ToString(doc Document) string {
	return doc.String()
}

func (self *TableCodec) tableDocument(doc Document) (*TableDocument, error) {
	tableDoc, ok := doc.(*TableDocument)
	if !ok {
		return nil, fmt.Errorf("%w: not a table document", ErrConfig)
	}
	return tableDoc, nil
}

func (self *TableCodec) ApplyPatch(doc Document, body PatchBody) (Document, error) {
	return self.ApplyPatchBatch(doc, []PatchBody{body})
}

// ApplyPatchBatch runs every body in one transaction over a working copy
// of the slot vector and indexes.
func (self *TableCodec) ApplyPatchBatch(doc Document, bodies []PatchBody) (Document, error) {
	tableDoc, err := self.tableDocument(doc)
	if err != nil {
		return nil, err
	}
	tx := newTableTx(tableDoc)
	for _, body := range bodies {
		if body.IsEmpty() {
			continue
		}
		ops, err := parseTableBody(body)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			switch op.op {
			case tableOpDelete:
				for _, where := range op.records {
					if err := tx.deleteWhere(where); err != nil {
						return nil, err
					}
				}
			case tableOpUpsert:
				for _, record := range op.records {
					if err := tx.upsert(record); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	return tx.freeze(), nil
}

// MakePatch diffs two documents by primary key:
// deletes carry only the key fields, new keys the full record, common keys
// a per field diff (string columns as text patches, maps as shallow merge
// patches, anything else the new value).
func (self *TableCodec) MakePatch(from Document, to Document) (PatchBody, error) {
	fromDoc, err := self.tableDocument(from)
	if err != nil {
		return nil, err
	}
	toDoc, err := self.tableDocument(to)
	if err != nil {
		return nil, err
	}
	fromRecords := fromDoc.recordsByPrimaryKey()
	toRecords := toDoc.recordsByPrimaryKey()

	deletes := []TableRecord{}
	upserts := []TableRecord{}

	fromKeys := sortedKeys(fromRecords)
	for _, key := range fromKeys {
		if _, ok := toRecords[key]; ok {
			continue
		}
		record := fromRecords[key]
		where := TableRecord{}
		for _, primaryKey := range self.primaryKeys {
			if value, ok := record[primaryKey]; ok {
				where[primaryKey] = value
			}
		}
		deletes = append(deletes, where)
	}

	toKeys := sortedKeys(toRecords)
	for _, key := range toKeys {
		toRecord := toRecords[key]
		fromRecord, ok := fromRecords[key]
		if !ok {
			upserts = append(upserts, toRecord)
			continue
		}
		changed := self.diffRecords(fromRecord, toRecord)
		if len(changed) == 0 {
			continue
		}
		update := TableRecord{}
		for _, primaryKey := range self.primaryKeys {
			if value, ok := toRecord[primaryKey]; ok && value != nil {
				update[primaryKey] = value
			}
		}
		for field, value := range changed {
			update[field] = value
		}
		upserts = append(upserts, update)
	}

	if len(deletes) == 0 && len(upserts) == 0 {
		return nil, nil
	}
	parts := []any{}
	if 0 < len(deletes) {
		parts = append(parts, tableOpDelete, deletes)
	}
	if 0 < len(upserts) {
		parts = append(parts, tableOpUpsert, upserts)
	}
	body, err := json.Marshal(parts)
	if err != nil {
		return nil, err
	}
	return PatchBody(body), nil
}

// diffRecords returns the fields of to that differ from from, encoded for
// an upsert payload. nil marks a deleted field.
func (self *TableCodec) diffRecords(fromRecord TableRecord, toRecord TableRecord) TableRecord {
	changed := TableRecord{}
	for field, toValue := range toRecord {
		fromValue, ok := fromRecord[field]
		if ok && jsonEqual(fromValue, toValue) {
			continue
		}
		if self.stringCols[field] {
			fromText, fromIsString := fromValue.(string)
			toText, toIsString := toValue.(string)
			if ok && fromIsString && toIsString {
				changed[field] = self.diff.MakePatch(fromText, toText)
				continue
			}
		}
		fromMap, fromIsMap := fromValue.(map[string]any)
		toMap, toIsMap := toValue.(map[string]any)
		if ok && fromIsMap && toIsMap {
			mergePatch := map[string]any{}
			for k, v := range toMap {
				if fv, ok := fromMap[k]; !ok || !jsonEqual(fv, v) {
					mergePatch[k] = v
				}
			}
			for k := range fromMap {
				if _, ok := toMap[k]; !ok {
					mergePatch[k] = nil
				}
			}
			changed[field] = mergePatch
			continue
		}
		changed[field] = toValue
	}
	for field := range fromRecord {
		if _, ok := toRecord[field]; !ok {
			changed[field] = nil
		}
	}
	return changed
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
