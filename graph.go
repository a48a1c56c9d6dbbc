package docsync

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// MergeStrategy selects how divergent heads combine into one value.
// apply-all is canonical: deterministic replay in id order converges for
// both codecs. three-way is reserved and currently behaves as apply-all.
type MergeStrategy string

const (
	MergeApplyAll MergeStrategy = "apply-all"
	MergeThreeWay MergeStrategy = "three-way"
)

// PatchGraph owns the patch DAG: topology queries, deterministic value
// computation at any head set, and bounded caches. All operations are
// pure over the graph state; none perform I/O.
type PatchGraph struct {
	settings *GraphSettings
	codec    DocCodec

	stateLock sync.Mutex
	patches   map[PatchId]*Patch
	// parent -> children
	children map[PatchId]map[PatchId]bool

	valueCache *valueCache
	// single head, no exclusions
	reachCache map[PatchId]*reachability
	// sorted head set key, no exclusions
	mergeCache    map[string]Document
	sortedIds     []PatchId
	sortedIdsMoot bool
}

type reachability struct {
	floor   PatchId
	ordered []PatchId
}

func NewPatchGraph(codec DocCodec) *PatchGraph {
	return NewPatchGraphWithSettings(codec, DefaultGraphSettings())
}

func NewPatchGraphWithSettings(codec DocCodec, settings *GraphSettings) *PatchGraph {
	return &PatchGraph{
		settings:   settings,
		codec:      codec,
		patches:    map[PatchId]*Patch{},
		children:   map[PatchId]map[PatchId]bool{},
		valueCache: newValueCache(settings.ValueCacheMaxCount, settings.ValueCacheMaxBytes),
		reachCache: map[PatchId]*reachability{},
		mergeCache: map[string]Document{},
	}
}

func (self *PatchGraph) Codec() DocCodec {
	return self.codec
}

// Add inserts patches. Appending an id twice is a no-op, except that
// snapshot data arriving on an existing node missing it is attached.
// Any mutation invalidates the topology caches.
func (self *PatchGraph) Add(patches []*Patch) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	mutated := false
	for _, patch := range patches {
		if _, _, err := DecodePatchId(patch.Id); err != nil {
			if mutated {
				self.invalidate()
			}
			return err
		}
		if existing, ok := self.patches[patch.Id]; ok {
			if patch.HasSnapshot() && !existing.HasSnapshot() {
				snapshotText := *patch.SnapshotText
				existing.IsSnapshot = true
				existing.SnapshotText = &snapshotText
				mutated = true
				glog.V(2).Infof("[graph]attach snapshot %s\n", patch.Id)
			}
			continue
		}
		inserted := patch.Clone()
		self.patches[inserted.Id] = inserted
		for _, parent := range inserted.Parents {
			childSet, ok := self.children[parent]
			if !ok {
				childSet = map[PatchId]bool{}
				self.children[parent] = childSet
			}
			childSet[inserted.Id] = true
		}
		mutated = true
		glog.V(2).Infof("[graph]add %s parents=%d\n", inserted.Id, len(inserted.Parents))
	}
	if mutated {
		self.invalidate()
	}
	return nil
}

// must be called inside the state lock
func (self *PatchGraph) invalidate() {
	self.reachCache = map[PatchId]*reachability{}
	self.mergeCache = map[string]Document{}
	self.sortedIdsMoot = true
}

func (self *PatchGraph) PatchCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.patches)
}

func (self *PatchGraph) Contains(id PatchId) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.patches[id]
	return ok
}

// GetHeads returns the ids that are a parent of no patch, ascending.
func (self *PatchGraph) GetHeads() []PatchId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.heads()
}

// must be called inside the state lock
func (self *PatchGraph) heads() []PatchId {
	heads := []PatchId{}
	for id := range self.patches {
		if len(self.children[id]) == 0 {
			heads = append(heads, id)
		}
	}
	slices.Sort(heads)
	return heads
}

func (self *PatchGraph) GetPatch(id PatchId) (*Patch, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	patch, ok := self.patches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPatchId, id)
	}
	return patch, nil
}

func (self *PatchGraph) GetParents(id PatchId) ([]PatchId, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	patch, ok := self.patches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPatchId, id)
	}
	return slices.Clone(patch.Parents), nil
}

type AncestorOptions struct {
	IncludeSelf     bool
	StopAtSnapshots bool
}

// GetAncestors walks rootward from ids. With StopAtSnapshots the walk
// does not descend past a snapshot node. Ascending order.
func (self *PatchGraph) GetAncestors(ids []PatchId, options *AncestorOptions) ([]PatchId, error) {
	if options == nil {
		options = &AncestorOptions{}
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	visited := map[PatchId]bool{}
	out := map[PatchId]bool{}
	stack := []PatchId{}
	for _, id := range ids {
		if _, ok := self.patches[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPatchId, id)
		}
		stack = append(stack, id)
		if options.IncludeSelf {
			out[id] = true
		}
	}
	for 0 < len(stack) {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		patch := self.patches[id]
		if options.StopAtSnapshots && patch.IsSnapshot {
			continue
		}
		for _, parent := range patch.Parents {
			if _, ok := self.patches[parent]; !ok {
				return nil, fmt.Errorf("%w: %s of %s", ErrParentMissing, parent, id)
			}
			out[parent] = true
			stack = append(stack, parent)
		}
	}
	ancestors := make([]PatchId, 0, len(out))
	for id := range out {
		ancestors = append(ancestors, id)
	}
	slices.Sort(ancestors)
	return ancestors, nil
}

type ParentChainOptions struct {
	StopAtSnapshots bool
	// 0 means the settings default
	Limit int
}

// GetParentChains enumerates rootward paths from id. A path terminates
// at a parentless node or, with StopAtSnapshots, at a snapshot. Throws
// past Limit paths.
func (self *PatchGraph) GetParentChains(id PatchId, options *ParentChainOptions) ([][]PatchId, error) {
	if options == nil {
		options = &ParentChainOptions{}
	}
	limit := options.Limit
	if limit == 0 {
		limit = self.settings.ParentChainLimit
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.patches[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPatchId, id)
	}

	chains := [][]PatchId{}
	var walk func(chain []PatchId) error
	walk = func(chain []PatchId) error {
		tip := chain[len(chain)-1]
		patch := self.patches[tip]
		terminal := len(patch.Parents) == 0 ||
			(options.StopAtSnapshots && patch.IsSnapshot && len(chain) > 1)
		if terminal {
			if limit < len(chains)+1 {
				return fmt.Errorf("%w: over %d", ErrChainLimitExceeded, limit)
			}
			chains = append(chains, slices.Clone(chain))
			return nil
		}
		for _, parent := range patch.Parents {
			if _, ok := self.patches[parent]; !ok {
				return fmt.Errorf("%w: %s of %s", ErrParentMissing, parent, tip)
			}
			if err := walk(append(chain, parent)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk([]PatchId{id}); err != nil {
		return nil, err
	}
	return chains, nil
}

type VersionRange struct {
	// inclusive bounds, "" for unbounded
	Start PatchId
	End   PatchId
}

// Versions returns all ids ascending.
func (self *PatchGraph) Versions() []PatchId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.allSorted())
}

func (self *PatchGraph) VersionsInRange(versionRange *VersionRange) []PatchId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := []PatchId{}
	for _, id := range self.allSorted() {
		if versionRange.Start != "" && id < versionRange.Start {
			continue
		}
		if versionRange.End != "" && versionRange.End < id {
			continue
		}
		out = append(out, id)
	}
	return out
}

// must be called inside the state lock
func (self *PatchGraph) allSorted() []PatchId {
	if self.sortedIdsMoot || self.sortedIds == nil {
		sorted := make([]PatchId, 0, len(self.patches))
		for id := range self.patches {
			sorted = append(sorted, id)
		}
		slices.Sort(sorted)
		self.sortedIds = sorted
		self.sortedIdsMoot = false
	}
	return self.sortedIds
}

type HistoryOptions struct {
	Start            PatchId
	End              PatchId
	IncludeSnapshots bool
}

// History returns patches in sorted order, filtered.
func (self *PatchGraph) History(options *HistoryOptions) []*Patch {
	if options == nil {
		options = &HistoryOptions{IncludeSnapshots: true}
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := []*Patch{}
	for _, id := range self.allSorted() {
		if options.Start != "" && id < options.Start {
			continue
		}
		if options.End != "" && options.End < id {
			continue
		}
		patch := self.patches[id]
		if patch.IsSnapshot && !options.IncludeSnapshots {
			continue
		}
		out = append(out, patch)
	}
	return out
}

// Version is the document as of one patch id.
func (self *PatchGraph) Version(id PatchId) (Document, error) {
	return self.Value(&ValueOptions{
		Time: id,
	})
}

type ValueOptions struct {
	// compute at this single head instead of the current heads
	Time PatchId
	// exclude these ids (and nothing else) from replay
	WithoutTimes []PatchId
	// default apply-all
	MergeStrategy MergeStrategy
}

// Value computes the document at the requested heads: replay of the
// reachable patches in ascending id order on top of the floor snapshot.
func (self *PatchGraph) Value(options *ValueOptions) (Document, error) {
	if options == nil {
		options = &ValueOptions{}
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var heads []PatchId
	if options.Time != "" {
		if _, ok := self.patches[options.Time]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPatchId, options.Time)
		}
		heads = []PatchId{options.Time}
	} else {
		heads = self.heads()
	}
	if len(heads) == 0 {
		return self.codec.FromString("")
	}

	cacheable := len(options.WithoutTimes) == 0

	mergeKey := ""
	if cacheable && 1 < len(heads) {
		parts := make([]string, len(heads))
		for i, head := range heads {
			parts[i] = string(head)
		}
		mergeKey = strings.Join(parts, "|")
		if doc, ok := self.mergeCache[mergeKey]; ok {
			return doc, nil
		}
	}

	reach, err := self.reach(heads, options.WithoutTimes, cacheable)
	if err != nil {
		return nil, err
	}
	if len(reach.ordered) == 0 && reach.floor == "" {
		return self.codec.FromString("")
	}

	doc, err := self.replay(reach, cacheable && len(heads) == 1, heads)
	if err != nil {
		return nil, err
	}
	if mergeKey != "" {
		self.mergeCache[mergeKey] = doc
	}
	return doc, nil
}

// reach computes the replay plan for a head set: the floor snapshot and
// the ordered, deduplicated id list above it.
// must be called inside the state lock
func (self *PatchGraph) reach(heads []PatchId, withoutTimes []PatchId, cacheable bool) (*reachability, error) {
	if cacheable && len(heads) == 1 {
		if reach, ok := self.reachCache[heads[0]]; ok {
			return reach, nil
		}
	}

	excluded := map[PatchId]bool{}
	for _, id := range withoutTimes {
		excluded[id] = true
	}

	// snapshots terminate the walk
	reachable := map[PatchId]bool{}
	visited := map[PatchId]bool{}
	stack := slices.Clone(heads)
	for 0 < len(stack) {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		patch, ok := self.patches[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrParentMissing, id)
		}
		reachable[id] = true
		if patch.HasSnapshot() {
			continue
		}
		for _, parent := range patch.Parents {
			stack = append(stack, parent)
		}
	}
	for id := range excluded {
		delete(reachable, id)
	}

	// the latest snapshot reachable and not excluded is the floor
	floor := PatchId("")
	for id := range reachable {
		if self.patches[id].HasSnapshot() && floor < id {
			floor = id
		}
	}

	ordered := make([]PatchId, 0, len(reachable))
	for id := range reachable {
		if floor != "" && id <= floor {
			continue
		}
		ordered = append(ordered, id)
	}
	slices.Sort(ordered)
	ordered = self.dedupFileLoads(ordered)

	reach := &reachability{
		floor:   floor,
		ordered: ordered,
	}
	if cacheable && len(heads) == 1 {
		self.reachCache[heads[0]] = reach
	}
	return reach, nil
}

// dedupFileLoads drops a patch whose last kept predecessor is also file
// origin, has a byte identical body, and decodes within the dedup window.
// must be called inside the state lock
func (self *PatchGraph) dedupFileLoads(ordered []PatchId) []PatchId {
	if len(ordered) < 2 {
		return ordered
	}
	windowMs := self.settings.FileDedupWindow.Milliseconds()
	out := make([]PatchId, 0, len(ordered))
	var last *Patch
	for _, id := range ordered {
		patch := self.patches[id]
		if last != nil && last.File && patch.File &&
			patch.Body.Fingerprint() == last.Body.Fingerprint() &&
			patch.Body.Equal(last.Body) {
			lastTime, _, err1 := DecodePatchId(last.Id)
			patchTime, _, err2 := DecodePatchId(patch.Id)
			if err1 == nil && err2 == nil && patchTime-lastTime <= windowMs {
				glog.V(2).Infof("[graph]file dedup drop %s\n", patch.Id)
				continue
			}
		}
		out = append(out, id)
		last = patch
	}
	return out
}

// replay computes the document for a plan, reusing a cached prefix for
// single head requests when possible.
// must be called inside the state lock
func (self *PatchGraph) replay(reach *reachability, cacheable bool, heads []PatchId) (Document, error) {
	var doc Document
	var err error
	suffix := reach.ordered

	reused := false
	if cacheable {
		// walk backwards looking for a cached prefix
		for i := len(reach.ordered) - 1; 0 <= i; i -= 1 {
			entry, ok := self.valueCache.get(reach.ordered[i])
			if !ok {
				continue
			}
			if entry.appliedCount != i+1 || entry.floor != reach.floor {
				continue
			}
			doc = entry.doc
			suffix = reach.ordered[i+1:]
			reused = true
			break
		}
	}
	if !reused {
		if reach.floor != "" {
			floorPatch := self.patches[reach.floor]
			doc, err = self.codec.FromString(*floorPatch.SnapshotText)
		} else {
			doc, err = self.codec.FromString("")
		}
		if err != nil {
			return nil, err
		}
	}

	if 0 < len(suffix) {
		bodies := make([]PatchBody, 0, len(suffix))
		for _, id := range suffix {
			patch := self.patches[id]
			if patch.Body.IsEmpty() {
				// pure snapshots contribute nothing above the floor
				continue
			}
			bodies = append(bodies, patch.Body)
		}
		if 0 < len(bodies) {
			start := time.Now()
			doc, err = self.codec.ApplyPatchBatch(doc, bodies)
			if err != nil {
				return nil, err
			}
			glog.V(2).Infof("[graph]replay %d bodies (%.2fms)\n", len(bodies), float64(time.Since(start).Microseconds())/1000)
		}
	}

	if cacheable && len(heads) == 1 {
		self.valueCache.put(heads[0], reach.floor, doc, len(reach.ordered))
	}
	return doc, nil
}

// sortPatches orders patches ascending by id in place.
func sortPatches(patches []*Patch) {
	sort.Slice(patches, func(i int, j int) bool {
		return patches[i].Id < patches[j].Id
	})
}
