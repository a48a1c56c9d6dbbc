package docsync

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// PatchBody is the codec specific delta payload, carried as raw JSON.
// The graph never interprets it; only the active codec does.
type PatchBody []byte

func (self PatchBody) MarshalJSON() ([]byte, error) {
	if len(self) == 0 {
		return []byte("null"), nil
	}
	return self, nil
}

func (self *PatchBody) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*self = nil
		return nil
	}
	*self = slices.Clone(data)
	return nil
}

func (self PatchBody) IsEmpty() bool {
	return len(self) == 0
}

func (self PatchBody) Equal(other PatchBody) bool {
	return bytes.Equal(self, other)
}

// Fingerprint is a cheap prefilter for body equality checks.
// Equal fingerprints still require a byte compare.
func (self PatchBody) Fingerprint() uint64 {
	return xxhash.Sum64(self)
}

type SeqInfo struct {
	Seq     int64 `json:"seq"`
	PrevSeq int64 `json:"prevSeq"`
}

// Patch is one node of the DAG. Immutable after insertion into a graph,
// except that snapshot data arriving later on the same id is attached.
type Patch struct {
	Id           PatchId        `json:"id"`
	Wall         int64          `json:"wall,omitempty"`
	Body         PatchBody      `json:"body,omitempty"`
	Parents      []PatchId      `json:"parents"`
	UserId       *uint32        `json:"userId,omitempty"`
	Version      uint64         `json:"version,omitempty"`
	IsSnapshot   bool           `json:"isSnapshot,omitempty"`
	SnapshotText *string        `json:"snapshotText,omitempty"`
	File         bool           `json:"file,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
	Source       string         `json:"source,omitempty"`
	SeqInfo      *SeqInfo       `json:"seqInfo,omitempty"`
}

func (self *Patch) HasSnapshot() bool {
	return self.IsSnapshot && self.SnapshotText != nil
}

func (self *Patch) Clone() *Patch {
	out := *self
	out.Parents = slices.Clone(self.Parents)
	out.Body = slices.Clone(self.Body)
	if self.UserId != nil {
		userId := *self.UserId
		out.UserId = &userId
	}
	if self.SnapshotText != nil {
		snapshotText := *self.SnapshotText
		out.SnapshotText = &snapshotText
	}
	if self.Meta != nil {
		out.Meta = map[string]any{}
		for k, v := range self.Meta {
			out.Meta[k] = v
		}
	}
	if self.SeqInfo != nil {
		seqInfo := *self.SeqInfo
		out.SeqInfo = &seqInfo
	}
	return &out
}

// newline delimited JSON, the wire and persistence form used by the
// reference store adapters

func EncodePatchLine(patch *Patch) ([]byte, error) {
	return json.Marshal(patch)
}

func DecodePatchLine(line []byte) (*Patch, error) {
	patch := &Patch{}
	if err := json.Unmarshal(line, patch); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptPatchBody, err)
	}
	if patch.Id == "" {
		return nil, fmt.Errorf("%w: missing id", ErrCorruptPatchBody)
	}
	if _, _, err := DecodePatchId(patch.Id); err != nil {
		return nil, err
	}
	return patch, nil
}

func EncodePatchLines(patches []*Patch) (string, error) {
	lines := make([]string, 0, len(patches))
	for _, patch := range patches {
		line, err := EncodePatchLine(patch)
		if err != nil {
			return "", err
		}
		lines = append(lines, string(line))
	}
	return strings.Join(lines, "\n"), nil
}

func DecodePatchLines(data string) ([]*Patch, error) {
	patches := []*Patch{}
	scanner := bufio.NewScanner(strings.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		patch, err := DecodePatchLine(line)
		if err != nil {
			return nil, err
		}
		patches = append(patches, patch)
	}
	return patches, scanner.Err()
}
