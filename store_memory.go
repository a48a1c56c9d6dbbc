package docsync

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

// in memory reference adapters. Used by tests and demos, and as the
// model implementations for the durable adapters.

type MemoryPatchStore struct {
	storeId ulid.ULID

	stateLock sync.Mutex
	patches   []*Patch

	subscribers callbackList[func(*Patch)]
}

func NewMemoryPatchStore() *MemoryPatchStore {
	return &MemoryPatchStore{
		storeId: ulid.Make(),
	}
}

func (self *MemoryPatchStore) LoadInitial(ctx context.Context, since PatchId) (*PatchStoreLoad, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	patches := make([]*Patch, 0, len(self.patches))
	for _, patch := range self.patches {
		if since != "" && patch.Id <= since {
			continue
		}
		patches = append(patches, patch.Clone())
	}
	sortPatches(patches)
	return &PatchStoreLoad{
		Patches: patches,
	}, nil
}

func (self *MemoryPatchStore) Append(ctx context.Context, patch *Patch) error {
	stored := patch.Clone()
	self.stateLock.Lock()
	self.patches = append(self.patches, stored)
	self.stateLock.Unlock()

	glog.V(2).Infof("[store]%s append %s\n", self.storeId, stored.Id)
	self.subscribers.dispatch(func(callback func(*Patch)) {
		callback(stored.Clone())
	})
	return nil
}

func (self *MemoryPatchStore) Subscribe(callback func(*Patch)) func() {
	return self.subscribers.add(callback)
}

// MemoryFileAdapter mirrors a file in memory. WriteDelay simulates a
// slow sink for write serialization tests. SetContent simulates an
// external editor touching the file.
type MemoryFileAdapter struct {
	WriteDelay time.Duration

	stateLock sync.Mutex
	content   string
	writes    []*FileWrite

	watchers callbackList[func()]
}

type FileWrite struct {
	Content string
	Base    *string
}

func NewMemoryFileAdapter() *MemoryFileAdapter {
	return &MemoryFileAdapter{}
}

func (self *MemoryFileAdapter) Read(ctx context.Context) (string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.content, nil
}

func (self *MemoryFileAdapter) Write(ctx context.Context, content string, options *FileWriteOptions) error {
	if 0 < self.WriteDelay {
		select {
		case <-time.After(self.WriteDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	self.stateLock.Lock()
	self.content = content
	write := &FileWrite{
		Content: content,
	}
	if options != nil {
		write.Base = options.Base
	}
	self.writes = append(self.writes, write)
	self.stateLock.Unlock()

	self.watchers.dispatch(func(callback func()) {
		callback()
	})
	return nil
}

func (self *MemoryFileAdapter) Watch(callback func()) func() {
	return self.watchers.add(callback)
}

// Writes returns the observed write sequence.
func (self *MemoryFileAdapter) Writes() []*FileWrite {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	out := make([]*FileWrite, len(self.writes))
	copy(out, self.writes)
	return out
}

// SetContent replaces the content from outside the core and notifies
// watchers.
func (self *MemoryFileAdapter) SetContent(content string) {
	self.stateLock.Lock()
	self.content = content
	self.stateLock.Unlock()

	self.watchers.dispatch(func(callback func()) {
		callback()
	})
}

// MemoryPresenceBus is a loopback presence fabric. Each Connect returns
// an adapter; a publish reaches every other adapter on the bus.
type MemoryPresenceBus struct {
	stateLock sync.Mutex
	adapters  []*memoryPresenceAdapter
}

func NewMemoryPresenceBus() *MemoryPresenceBus {
	return &MemoryPresenceBus{}
}

func (self *MemoryPresenceBus) Connect() PresenceAdapter {
	adapter := &memoryPresenceAdapter{
		bus: self,
	}
	self.stateLock.Lock()
	self.adapters = append(self.adapters, adapter)
	self.stateLock.Unlock()
	return adapter
}

func (self *MemoryPresenceBus) publish(from *memoryPresenceAdapter, state PresenceState) {
	self.stateLock.Lock()
	adapters := make([]*memoryPresenceAdapter, len(self.adapters))
	copy(adapters, self.adapters)
	self.stateLock.Unlock()

	for _, adapter := range adapters {
		if adapter == from {
			continue
		}
		adapter.subscribers.dispatch(func(callback func(PresenceState)) {
			callback(state)
		})
	}
}

type memoryPresenceAdapter struct {
	bus         *MemoryPresenceBus
	subscribers callbackList[func(PresenceState)]
}

func (self *memoryPresenceAdapter) Publish(state PresenceState) {
	self.bus.publish(self, state)
}

func (self *memoryPresenceAdapter) Subscribe(callback func(PresenceState)) func() {
	return self.subscribers.add(callback)
}
