package docsync

import (
	"fmt"
	"strings"
)

// history helpers. All delegate to the graph after the init guard.

func (self *Session) Versions() ([]PatchId, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if err := self.requireInit(); err != nil {
		return nil, err
	}
	return self.graph.Versions(), nil
}

func (self *Session) VersionsInRange(versionRange *VersionRange) ([]PatchId, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if err := self.requireInit(); err != nil {
		return nil, err
	}
	return self.graph.VersionsInRange(versionRange), nil
}

func (self *Session) Value(options *ValueOptions) (Document, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if err := self.requireInit(); err != nil {
		return nil, err
	}
	return self.graph.Value(options)
}

func (self *Session) History(options *HistoryOptions) ([]*Patch, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if err := self.requireInit(); err != nil {
		return nil, err
	}
	return self.graph.History(options), nil
}

func (self *Session) GetPatch(id PatchId) (*Patch, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if err := self.requireInit(); err != nil {
		return nil, err
	}
	return self.graph.GetPatch(id)
}

// SummarizeHistory renders one line per patch: id, version, user, wall
// clock, parents, patch or snapshot marker, and the document at that
// patch, middle truncated.
func (self *Session) SummarizeHistory() (string, error) {
	self.stateLock.Lock()
	if err := self.requireInit(); err != nil {
		self.stateLock.Unlock()
		return "", err
	}
	graph := self.graph
	maxTextLength := self.settings.SummaryTextLength
	self.stateLock.Unlock()

	lines := []string{}
	for _, patch := range graph.History(nil) {
		doc, err := graph.Version(patch.Id)
		if err != nil {
			return "", err
		}
		kind := "patch"
		if patch.IsSnapshot {
			kind = "snapshot"
		}
		user := "-"
		if patch.UserId != nil {
			user = fmt.Sprintf("%d", *patch.UserId)
		}
		parents := make([]string, len(patch.Parents))
		for i, parent := range patch.Parents {
			parents[i] = string(parent)
		}
		lines = append(lines, fmt.Sprintf(
			"%s v%d user=%s wall=%d parents=[%s] %s: %s",
			patch.Id,
			patch.Version,
			user,
			patch.Wall,
			strings.Join(parents, ","),
			kind,
			middleTruncate(doc.String(), maxTextLength),
		))
	}
	return strings.Join(lines, "\n"), nil
}

func middleTruncate(s string, maxLength int) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	runes := []rune(s)
	if len(runes) <= maxLength {
		return s
	}
	if maxLength < 5 {
		return string(runes[:maxLength])
	}
	half := (maxLength - 3) / 2
	return string(runes[:half]) + "..." + string(runes[len(runes)-(maxLength-3-half):])
}
