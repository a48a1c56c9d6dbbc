package docsync

import (
	"container/list"

	"github.com/golang/glog"
)

// LRU cache of computed document values keyed by head id. Bounded by
// entry count and by the sum of the documents' estimated sizes. The
// estimate drives eviction, not correctness.

type valueCacheEntry struct {
	headId PatchId
	// floor snapshot id the value was computed over, "" for none.
	// prefix reuse requires an exact floor match.
	floor        PatchId
	doc          Document
	appliedCount int
	size         ByteCount
}

type valueCache struct {
	maxCount int
	maxBytes ByteCount

	// front is most recently used
	lru        *list.List
	elements   map[PatchId]*list.Element
	totalBytes ByteCount
}

func newValueCache(maxCount int, maxBytes ByteCount) *valueCache {
	return &valueCache{
		maxCount: maxCount,
		maxBytes: maxBytes,
		lru:      list.New(),
		elements: map[PatchId]*list.Element{},
	}
}

func (self *valueCache) get(headId PatchId) (*valueCacheEntry, bool) {
	element, ok := self.elements[headId]
	if !ok {
		return nil, false
	}
	self.lru.MoveToFront(element)
	return element.Value.(*valueCacheEntry), true
}

func (self *valueCache) put(headId PatchId, floor PatchId, doc Document, appliedCount int) {
	if element, ok := self.elements[headId]; ok {
		entry := element.Value.(*valueCacheEntry)
		self.totalBytes -= entry.size
		entry.floor = floor
		entry.doc = doc
		entry.appliedCount = appliedCount
		entry.size = doc.Size()
		self.totalBytes += entry.size
		self.lru.MoveToFront(element)
	} else {
		entry := &valueCacheEntry{
			headId:       headId,
			floor:        floor,
			doc:          doc,
			appliedCount: appliedCount,
			size:         doc.Size(),
		}
		self.elements[headId] = self.lru.PushFront(entry)
		self.totalBytes += entry.size
	}
	self.evict()
}

func (self *valueCache) evict() {
	for (self.maxCount < self.lru.Len()) ||
		(self.maxBytes < self.totalBytes && 1 < self.lru.Len()) {
		element := self.lru.Back()
		if element == nil {
			return
		}
		entry := element.Value.(*valueCacheEntry)
		glog.V(2).Infof("[graph]value cache evict %s\n", entry.headId)
		self.lru.Remove(element)
		delete(self.elements, entry.headId)
		self.totalBytes -= entry.size
	}
}

func (self *valueCache) clear() {
	self.lru.Init()
	self.elements = map[PatchId]*list.Element{}
	self.totalBytes = 0
}
