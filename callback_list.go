package docsync

import (
	"sync"

	"github.com/golang/glog"
)

// makes a copy of the list on update so that dispatch never holds the lock
type callbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	callbacks []*callbackEntry[T]
}

type callbackEntry[T any] struct {
	callbackId int
	callback   T
}

func (self *callbackList[T]) get() []*callbackEntry[T] {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

// add returns a remove function to use as the unsubscriber
func (self *callbackList[T]) add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.nextId += 1
	callbackId := self.nextId
	nextCallbacks := make([]*callbackEntry[T], len(self.callbacks), len(self.callbacks)+1)
	copy(nextCallbacks, self.callbacks)
	nextCallbacks = append(nextCallbacks, &callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.callbacks = nextCallbacks

	return func() {
		self.remove(callbackId)
	}
}

func (self *callbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	nextCallbacks := []*callbackEntry[T]{}
	for _, entry := range self.callbacks {
		if entry.callbackId != callbackId {
			nextCallbacks = append(nextCallbacks, entry)
		}
	}
	self.callbacks = nextCallbacks
}

func (self *callbackList[T]) clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.callbacks = nil
}

// note all callbacks are wrapped to recover from errors so that one
// listener cannot take down the dispatching session
func (self *callbackList[T]) dispatch(call func(callback T)) {
	for _, entry := range self.get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Warningf("[cb]listener panic: %v\n", r)
				}
			}()
			call(entry.callback)
		}()
	}
}
