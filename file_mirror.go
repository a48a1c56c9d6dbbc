package docsync

import (
	"github.com/golang/glog"
)

// the file adapter is a single writer sink. At most one write is in
// flight; while a write runs, newer content coalesces into dirtyContent
// and only the latest is written next. Self induced watch events are
// suppressed by counter and, as a guard against counter drift, by
// comparing the read content against the last persisted content.

// queueFileWrite records the next desired file content. If no write is
// in flight the content is claimed immediately, so the first write after
// a commit always carries that commit's content.
// must be called inside the state lock
func (self *Session) queueFileWrite(content string) {
	if self.persistedContent != nil && *self.persistedContent == content && self.dirtyContent == nil {
		return
	}
	self.dirtyContent = &content
	if self.fileFlushing {
		return
	}
	self.fileFlushing = true
	first := *self.dirtyContent
	self.dirtyContent = nil
	base := self.persistedContent
	self.suppressFileChanges += 1
	go self.flushFileQueue(first, base)
}

// flushFileQueue writes content, then drains any dirty content that
// accumulated, one write at a time. A write error surfaces as a
// file-error event; the queue continues with subsequent dirty content.
func (self *Session) flushFileQueue(content string, base *string) {
	for {
		err := self.fileAdapter.Write(self.ctx, content, &FileWriteOptions{
			Base: base,
		})

		self.stateLock.Lock()
		if 0 < self.suppressFileChanges {
			self.suppressFileChanges -= 1
		}
		if err == nil {
			persisted := content
			self.persistedContent = &persisted
			glog.V(2).Infof("[fq]wrote %d bytes\n", len(content))
		}
		if self.dirtyContent == nil {
			self.fileFlushing = false
			self.stateLock.Unlock()
			if err != nil {
				self.fireFileError(err)
			}
			return
		}
		next := *self.dirtyContent
		self.dirtyContent = nil
		base = self.persistedContent
		self.suppressFileChanges += 1
		self.stateLock.Unlock()

		if err != nil {
			self.fireFileError(err)
		}
		content = next
	}
}

func (self *Session) fireFileError(err error) {
	glog.Infof("[fq]write failed: %s\n", err)
	self.fileErrorCallbacks.dispatch(func(callback func(error)) {
		callback(err)
	})
}

// handleFileChange reacts to an external modification notification.
// Self induced events are ignored; a real external edit is persisted as
// a new patch authored by this session.
func (self *Session) handleFileChange() {
	self.stateLock.Lock()
	if 0 < self.suppressFileChanges {
		self.suppressFileChanges -= 1
		self.stateLock.Unlock()
		return
	}
	self.stateLock.Unlock()

	content, err := self.fileAdapter.Read(self.ctx)
	if err != nil {
		glog.V(2).Infof("[fq]read failed, ignoring change: %s\n", err)
		return
	}

	self.stateLock.Lock()
	if !self.initialized {
		self.stateLock.Unlock()
		return
	}
	if self.persistedContent != nil && *self.persistedContent == content {
		self.stateLock.Unlock()
		return
	}
	externalDoc, err := self.codec.FromString(content)
	if err != nil {
		self.stateLock.Unlock()
		glog.V(2).Infof("[fq]unparseable external content ignored: %s\n", err)
		return
	}
	self.persistedContent = &content
	if externalDoc.IsEqual(self.doc) {
		self.stateLock.Unlock()
		return
	}
	patch, err := self.commitPatch(self.doc, externalDoc, &CommitOptions{
		File:   true,
		Source: "file",
	})
	if err != nil {
		self.stateLock.Unlock()
		glog.Infof("[fq]external change commit failed: %s\n", err)
		return
	}
	events, err := self.syncDoc()
	if err != nil {
		self.stateLock.Unlock()
		glog.Infof("[fq]external change sync failed: %s\n", err)
		return
	}
	self.stateLock.Unlock()

	glog.V(1).Infof("[fq]external change ingested as %s\n", patch.Id)
	self.fire(events)
	self.appendAsync(patch)
}
