package docsync

import (
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// three way text merge used by working copy rebase. Deterministic weave of
// the base->local and base->remote edits, character granularity:
//   - at each edit boundary local inserts come first, then remote inserts
//     not already emitted by local (identical strings de-duplicate)
//   - a base segment deleted by either side is dropped (local wins on
//     conflicting deletes by construction)
// conflict markers are never produced

type textEdits struct {
	// base position -> inserted strings in diff order
	inserts map[int][]string
	// deleted base spans, ascending, non overlapping
	deletes [][2]int
}

func runeItems(s string) []string {
	runes := []rune(s)
	items := make([]string, len(runes))
	for i, r := range runes {
		items[i] = string(r)
	}
	return items
}

func diffEdits(baseItems []string, otherItems []string) *textEdits {
	edits := &textEdits{
		inserts: map[int][]string{},
		deletes: [][2]int{},
	}
	matcher := difflib.NewMatcherWithJunk(baseItems, otherItems, false, nil)
	for _, opCode := range matcher.GetOpCodes() {
		switch opCode.Tag {
		case 'd':
			edits.deletes = append(edits.deletes, [2]int{opCode.I1, opCode.I2})
		case 'i':
			edits.inserts[opCode.I1] = append(
				edits.inserts[opCode.I1],
				strings.Join(otherItems[opCode.J1:opCode.J2], ""),
			)
		case 'r':
			edits.deletes = append(edits.deletes, [2]int{opCode.I1, opCode.I2})
			edits.inserts[opCode.I1] = append(
				edits.inserts[opCode.I1],
				strings.Join(otherItems[opCode.J1:opCode.J2], ""),
			)
		}
	}
	return edits
}

func (self *textEdits) deleted(pos int) bool {
	for _, span := range self.deletes {
		if span[0] <= pos && pos < span[1] {
			return true
		}
	}
	return false
}

func (self *textEdits) boundaries(out map[int]bool) {
	for pos := range self.inserts {
		out[pos] = true
	}
	for _, span := range self.deletes {
		out[span[0]] = true
		out[span[1]] = true
	}
}

func ThreeWayMerge(base string, local string, remote string) string {
	if local == remote {
		return local
	}
	if base == remote {
		return local
	}
	if base == local {
		return remote
	}

	baseItems := runeItems(base)
	localEdits := diffEdits(baseItems, runeItems(local))
	remoteEdits := diffEdits(baseItems, runeItems(remote))

	boundarySet := map[int]bool{
		0:              true,
		len(baseItems): true,
	}
	localEdits.boundaries(boundarySet)
	remoteEdits.boundaries(boundarySet)
	boundaries := make([]int, 0, len(boundarySet))
	for pos := range boundarySet {
		boundaries = append(boundaries, pos)
	}
	sort.Ints(boundaries)

	out := &strings.Builder{}
	emitInserts := func(pos int) {
		emitted := map[string]bool{}
		for _, insert := range localEdits.inserts[pos] {
			out.WriteString(insert)
			emitted[insert] = true
		}
		for _, insert := range remoteEdits.inserts[pos] {
			if emitted[insert] {
				// both sides made the same insert here
				continue
			}
			out.WriteString(insert)
		}
	}
	for boundaryIndex, pos := range boundaries {
		emitInserts(pos)
		if boundaryIndex == len(boundaries)-1 {
			break
		}
		end := boundaries[boundaryIndex+1]
		if localEdits.deleted(pos) || remoteEdits.deleted(pos) {
			continue
		}
		out.WriteString(strings.Join(baseItems[pos:end], ""))
	}
	return out.String()
}
