package docsync

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// the text diff service. Produces and applies line level patches in the form
//   [[[op, text], ...], start1, start2, length1, length2]
// per hunk, op in {-1, 0, 1}. Application is exact: if any hunk fails to
// match its expected context the whole patch degrades to a no-op.

type TextOp struct {
	Op   int
	Text string
}

func (self TextOp) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{self.Op, self.Text})
}

func (self *TextOp) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 2 {
		return fmt.Errorf("%w: op must have two elements", ErrCorruptPatchBody)
	}
	if err := json.Unmarshal(parts[0], &self.Op); err != nil {
		return err
	}
	if self.Op < -1 || 1 < self.Op {
		return fmt.Errorf("%w: bad op %d", ErrCorruptPatchBody, self.Op)
	}
	return json.Unmarshal(parts[1], &self.Text)
}

type TextHunk struct {
	Ops     []TextOp
	Start1  int
	Start2  int
	Length1 int
	Length2 int
}

func (self *TextHunk) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{self.Ops, self.Start1, self.Start2, self.Length1, self.Length2})
}

func (self *TextHunk) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 5 {
		return fmt.Errorf("%w: hunk must have five elements", ErrCorruptPatchBody)
	}
	if err := json.Unmarshal(parts[0], &self.Ops); err != nil {
		return err
	}
	for i, target := range []*int{&self.Start1, &self.Start2, &self.Length1, &self.Length2} {
		if err := json.Unmarshal(parts[1+i], target); err != nil {
			return err
		}
	}
	return nil
}

type TextPatch []*TextHunk

func (self TextPatch) IsEmpty() bool {
	return len(self) == 0
}

type TextDiff interface {
	MakePatch(a string, b string) TextPatch
	// ApplyPatch returns the patched text and whether every hunk applied
	// cleanly. On a dirty patch the unchanged input is returned.
	ApplyPatch(text string, patch TextPatch) (string, bool)
}

// LineDiff is the reference TextDiff built on difflib's sequence matcher.
type LineDiff struct {
	// equal lines of context captured on each side of a hunk
	context int
}

func NewLineDiff() *LineDiff {
	return &LineDiff{
		context: 1,
	}
}

// splits into lines keeping the newline characters, so that joining the
// pieces reproduces the input exactly
func splitLinesKeepNL(s string) []string {
	if s == "" {
		return []string{}
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func (self *LineDiff) MakePatch(a string, b string) TextPatch {
	if a == b {
		return nil
	}
	aLines := splitLinesKeepNL(a)
	bLines := splitLinesKeepNL(b)
	// autojunk skews matches on inputs past a few hundred lines
	matcher := difflib.NewMatcherWithJunk(aLines, bLines, false, nil)
	opCodes := matcher.GetOpCodes()

	patch := TextPatch{}
	var hunk *TextHunk
	flush := func() {
		if hunk != nil {
			patch = append(patch, hunk)
			hunk = nil
		}
	}
	for opIndex, opCode := range opCodes {
		if opCode.Tag == 'e' {
			length := opCode.I2 - opCode.I1
			if hunk == nil {
				continue
			}
			if length <= 2*self.context && opIndex < len(opCodes)-1 {
				// short equal run joins the adjacent hunks
				hunk.Ops = append(hunk.Ops, TextOp{
					Op:   0,
					Text: strings.Join(aLines[opCode.I1:opCode.I2], ""),
				})
				hunk.Length1 += length
				hunk.Length2 += length
				continue
			}
			// trailing context then close the hunk
			trail := min(self.context, length)
			if 0 < trail {
				hunk.Ops = append(hunk.Ops, TextOp{
					Op:   0,
					Text: strings.Join(aLines[opCode.I1:opCode.I1+trail], ""),
				})
				hunk.Length1 += trail
				hunk.Length2 += trail
			}
			flush()
			continue
		}
		if hunk == nil {
			lead := 0
			start1 := opCode.I1
			start2 := opCode.J1
			if 0 < opIndex && opCodes[opIndex-1].Tag == 'e' {
				lead = min(self.context, opCodes[opIndex-1].I2-opCodes[opIndex-1].I1)
				start1 -= lead
				start2 -= lead
			}
			hunk = &TextHunk{
				Start1: start1,
				Start2: start2,
			}
			if 0 < lead {
				hunk.Ops = append(hunk.Ops, TextOp{
					Op:   0,
					Text: strings.Join(aLines[start1:start1+lead], ""),
				})
				hunk.Length1 += lead
				hunk.Length2 += lead
			}
		}
		switch opCode.Tag {
		case 'd', 'r':
			hunk.Ops = append(hunk.Ops, TextOp{
				Op:   -1,
				Text: strings.Join(aLines[opCode.I1:opCode.I2], ""),
			})
			hunk.Length1 += opCode.I2 - opCode.I1
		}
		switch opCode.Tag {
		case 'i', 'r':
			hunk.Ops = append(hunk.Ops, TextOp{
				Op:   1,
				Text: strings.Join(bLines[opCode.J1:opCode.J2], ""),
			})
			hunk.Length2 += opCode.J2 - opCode.J1
		}
	}
	flush()
	return patch
}

func (self *LineDiff) ApplyPatch(text string, patch TextPatch) (string, bool) {
	if patch.IsEmpty() {
		return text, true
	}
	lines := splitLinesKeepNL(text)
	out := make([]string, 0, len(lines))
	cursor := 0
	for _, hunk := range patch {
		if hunk.Start1 < cursor || len(lines) < hunk.Start1 {
			return text, false
		}
		out = append(out, lines[cursor:hunk.Start1]...)
		cursor = hunk.Start1
		for _, op := range hunk.Ops {
			switch op.Op {
			case 0, -1:
				opLines := splitLinesKeepNL(op.Text)
				end := cursor + len(opLines)
				if len(lines) < end {
					return text, false
				}
				if strings.Join(lines[cursor:end], "") != op.Text {
					return text, false
				}
				if op.Op == 0 {
					out = append(out, lines[cursor:end]...)
				}
				cursor = end
			case 1:
				out = append(out, op.Text)
			}
		}
	}
	out = append(out, lines[cursor:]...)
	return strings.Join(out, ""), true
}
