package docsync

import (
	"encoding/json"
)

// stable JSON encoding: object keys sorted, used for index keys,
// table serialization and semantic equality. encoding/json already
// writes map keys in sorted order.

func stableJson(value any) string {
	b, err := json.Marshal(value)
	if err != nil {
		// values reaching here are JSON derived; non encodable values
		// indicate a programmer error
		panic(err)
	}
	return string(b)
}

// normalizeValue round trips a value through JSON so that
// programmatically built values compare equal to parsed ones
// (int vs float64, struct vs map).
func normalizeValue(value any) (any, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func jsonEqual(a any, b any) bool {
	return stableJson(a) == stableJson(b)
}
