package main

import (
	"context"
	"os"
	"sync"
	"time"

	"bringyour.com/docsync"
)

// osFileAdapter mirrors the document into a plain file, with a polling
// watcher for external edits.

type osFileAdapter struct {
	path string

	stateLock sync.Mutex
	lastStat  time.Time
	watchers  []func()
	stop      chan struct{}
}

func newOsFileAdapter(path string) *osFileAdapter {
	return &osFileAdapter{
		path: path,
	}
}

func (self *osFileAdapter) Read(ctx context.Context) (string, error) {
	data, err := os.ReadFile(self.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (self *osFileAdapter) Write(ctx context.Context, content string, options *docsync.FileWriteOptions) error {
	return os.WriteFile(self.path, []byte(content), 0644)
}

func (self *osFileAdapter) Watch(callback func()) func() {
	self.stateLock.Lock()
	self.watchers = append(self.watchers, callback)
	if self.stop == nil {
		self.stop = make(chan struct{})
		go self.poll(self.stop)
	}
	stop := self.stop
	self.stateLock.Unlock()

	return func() {
		self.stateLock.Lock()
		self.watchers = nil
		if self.stop == stop {
			close(stop)
			self.stop = nil
		}
		self.stateLock.Unlock()
	}
}

func (self *osFileAdapter) poll(stop chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		info, err := os.Stat(self.path)
		if err != nil {
			continue
		}
		self.stateLock.Lock()
		changed := info.ModTime().After(self.lastStat) && !self.lastStat.IsZero()
		self.lastStat = info.ModTime()
		watchers := make([]func(), len(self.watchers))
		copy(watchers, self.watchers)
		self.stateLock.Unlock()
		if changed {
			for _, watcher := range watchers {
				watcher()
			}
		}
	}
}
