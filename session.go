package docsync

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/golang/glog"
)

// Session is one participant's view of a document: local state, commit
// and remote apply, undo over the local patch sequence, working copy
// rebase across remote changes, serialized file mirroring and cursor
// presence relay. A session exclusively owns its graph.

type SessionConfig struct {
	Codec      DocCodec
	PatchStore PatchStore

	// optional
	FileAdapter     FileAdapter
	PresenceAdapter PresenceAdapter
	ClientId        string
	UserId          *uint32
	DocId           string
	Settings        *SessionSettings
}

type workingCopy struct {
	base  Document
	draft Document
}

type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings        *SessionSettings
	codec           DocCodec
	patchStore      PatchStore
	fileAdapter     FileAdapter
	presenceAdapter PresenceAdapter
	clientId        string
	userId          *uint32
	docId           string

	stateLock         sync.Mutex
	graph             *PatchGraph
	initialized       bool
	hasMoreHistory    bool
	lastEncodedTimeMs int64
	committedDoc      Document
	// the currently displayed document: committed value, undo view, or
	// working draft
	doc         Document
	localTimes  []PatchId
	undoPtr     int
	workingCopy *workingCopy

	// file mirror state machine, see file_mirror.go
	persistedContent    *string
	dirtyContent        *string
	suppressFileChanges int
	fileFlushing        bool

	cursors *cursorMap

	unsubscribers []func()

	patchCallbacks     callbackList[func(*Patch)]
	changeCallbacks    callbackList[func(Document)]
	cursorCallbacks    callbackList[func([]*Cursor)]
	presenceCallbacks  callbackList[func(PresenceState)]
	fileErrorCallbacks callbackList[func(error)]
}

func NewSession(ctx context.Context, config *SessionConfig) (*Session, error) {
	if config.Codec == nil {
		return nil, fmt.Errorf("%w: session requires a codec", ErrConfig)
	}
	if config.PatchStore == nil {
		return nil, fmt.Errorf("%w: session requires a patch store", ErrConfig)
	}
	settings := config.Settings
	if settings == nil {
		settings = DefaultSessionSettings()
	}
	clientId := config.ClientId
	if clientId == "" {
		clientId = NewClientToken()
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:             cancelCtx,
		cancel:          cancel,
		settings:        settings,
		codec:           config.Codec,
		patchStore:      config.PatchStore,
		fileAdapter:     config.FileAdapter,
		presenceAdapter: config.PresenceAdapter,
		clientId:        clientId,
		userId:          config.UserId,
		docId:           config.DocId,
		graph:           NewPatchGraphWithSettings(config.Codec, settings.GraphSettings),
		cursors:         newCursorMap(settings),
	}, nil
}

func (self *Session) ClientId() string {
	return self.clientId
}

func (self *Session) DocId() string {
	return self.docId
}

// Init loads the initial history, computes the committed document and
// wires the adapter subscriptions.
func (self *Session) Init(ctx context.Context) error {
	load, err := self.patchStore.LoadInitial(ctx, "")
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	if self.initialized {
		self.stateLock.Unlock()
		return fmt.Errorf("%w: already initialized", ErrConfig)
	}
	if err := self.graph.Add(load.Patches); err != nil {
		self.stateLock.Unlock()
		return err
	}
	self.hasMoreHistory = load.HasMore
	for _, id := range self.graph.Versions() {
		if timeMs, _, err := DecodePatchId(id); err == nil && self.lastEncodedTimeMs < timeMs {
			self.lastEncodedTimeMs = timeMs
		}
	}
	doc, err := self.graph.Value(nil)
	if err != nil {
		self.stateLock.Unlock()
		return err
	}
	self.committedDoc = doc
	self.doc = doc
	if self.fileAdapter != nil {
		persisted := self.codec.ToString(doc)
		self.persistedContent = &persisted
	}
	self.initialized = true
	self.stateLock.Unlock()

	self.unsubscribers = append(self.unsubscribers, self.patchStore.Subscribe(func(patch *Patch) {
		if err := self.ApplyRemote(patch); err != nil {
			glog.Infof("[session]remote apply error: %s\n", err)
		}
	}))
	if self.presenceAdapter != nil {
		self.unsubscribers = append(self.unsubscribers, self.presenceAdapter.Subscribe(func(state PresenceState) {
			self.handlePresence(state)
		}))
	}
	if self.fileAdapter != nil {
		if unsubscribe := self.fileAdapter.Watch(func() {
			self.handleFileChange()
		}); unsubscribe != nil {
			self.unsubscribers = append(self.unsubscribers, unsubscribe)
		}
	}
	glog.V(1).Infof("[session]%s init patches=%d hasMore=%t\n", self.clientId, len(load.Patches), load.HasMore)
	return nil
}

// must be called inside the state lock
func (self *Session) requireInit() error {
	if !self.initialized {
		return ErrNotInitialized
	}
	return nil
}

// nextPatchId returns a strictly increasing id for this client, even
// when the clock stalls or runs backwards.
// must be called inside the state lock
func (self *Session) nextPatchId() (PatchId, error) {
	t := self.settings.Clock()
	if self.lastEncodedTimeMs < t {
		self.lastEncodedTimeMs = t
	} else {
		self.lastEncodedTimeMs += 1
	}
	return EncodePatchId(self.lastEncodedTimeMs, self.clientId)
}

type CommitOptions struct {
	File   bool
	Source string
	Meta   map[string]any
}

// Commit records nextDoc as a new local patch. The locally observable
// state (graph, committed doc, undo history) updates synchronously; the
// store append completes in the background.
func (self *Session) Commit(nextDoc Document, options *CommitOptions) (*Patch, error) {
	if options == nil {
		options = &CommitOptions{}
	}
	self.stateLock.Lock()
	if err := self.requireInit(); err != nil {
		self.stateLock.Unlock()
		return nil, err
	}
	base := self.committedDoc
	if self.workingCopy != nil {
		base = self.workingCopy.base
	}
	patch, err := self.commitPatch(base, nextDoc, options)
	if err != nil {
		self.stateLock.Unlock()
		return nil, err
	}
	events, err := self.syncDoc()
	if err != nil {
		self.stateLock.Unlock()
		return nil, err
	}
	self.stateLock.Unlock()

	self.fire(events)
	self.appendAsync(patch)
	self.publishPresence(PresenceState{
		"userId": self.userId,
		"time":   string(patch.Id),
	})
	return patch, nil
}

// commitPatch builds the envelope from base to nextDoc, ingests it
// locally and advances the undo history.
// must be called inside the state lock
func (self *Session) commitPatch(base Document, nextDoc Document, options *CommitOptions) (*Patch, error) {
	body, err := self.codec.MakePatch(base, nextDoc)
	if err != nil {
		return nil, err
	}
	id, err := self.nextPatchId()
	if err != nil {
		return nil, err
	}
	patch := &Patch{
		Id:      id,
		Wall:    self.settings.Clock(),
		Body:    body,
		Parents: self.graph.GetHeads(),
		UserId:  self.userId,
		Version: uint64(len(self.graph.Versions()) + 1),
		File:    options.File,
		Source:  options.Source,
		Meta:    options.Meta,
	}
	if err := self.graph.Add([]*Patch{patch}); err != nil {
		return nil, err
	}
	self.committedDoc = nextDoc
	self.workingCopy = nil
	self.localTimes = append(slices.Clone(self.localTimes[:self.undoPtr]), id)
	self.undoPtr = len(self.localTimes)
	glog.V(2).Infof("[session]%s commit %s\n", self.clientId, id)
	return patch, nil
}

func (self *Session) appendAsync(patch *Patch) {
	go func() {
		if err := self.patchStore.Append(self.ctx, patch); err != nil {
			glog.Infof("[session]store append failed for %s: %s\n", patch.Id, err)
		}
	}()
}

// ApplyRemote ingests an envelope delivered by the store subscription.
func (self *Session) ApplyRemote(patch *Patch) error {
	self.stateLock.Lock()
	if err := self.requireInit(); err != nil {
		self.stateLock.Unlock()
		return err
	}
	if err := self.graph.Add([]*Patch{patch}); err != nil {
		self.stateLock.Unlock()
		return err
	}
	if timeMs, _, err := DecodePatchId(patch.Id); err == nil && self.lastEncodedTimeMs < timeMs {
		self.lastEncodedTimeMs = timeMs
	}
	// the committed document is the everything-applied value, so the next
	// commit or working copy diffs from a base that includes this patch
	committedDoc, err := self.graph.Value(nil)
	if err != nil {
		self.stateLock.Unlock()
		return err
	}
	self.committedDoc = committedDoc
	events, err := self.syncDoc()
	if err != nil {
		self.stateLock.Unlock()
		return err
	}
	self.stateLock.Unlock()

	self.firePatch(patch)
	self.fire(events)
	return nil
}

// syncDoc recomputes the displayed document from the graph, rebases any
// working copy and queues a file mirror write. Returns the change events
// to fire outside the lock.
// must be called inside the state lock
func (self *Session) syncDoc() ([]func(), error) {
	liveBase, err := self.graph.Value(&ValueOptions{
		WithoutTimes: self.withoutTimes(),
	})
	if err != nil {
		return nil, err
	}
	liveDoc := liveBase
	if self.workingCopy != nil {
		liveDoc, err = self.rebaseDraft(self.workingCopy.base, self.workingCopy.draft, liveBase)
		if err != nil {
			return nil, err
		}
		self.workingCopy.base = liveBase
		self.workingCopy.draft = liveDoc
	}

	events := []func(){}
	if self.doc == nil || !self.doc.IsEqual(liveDoc) {
		self.doc = liveDoc
		events = append(events, self.changeEvent(liveDoc))
	}
	if self.fileAdapter != nil {
		self.queueFileWrite(self.codec.ToString(liveDoc))
	}
	return events, nil
}

// must be called inside the state lock
func (self *Session) withoutTimes() []PatchId {
	if self.undoPtr == len(self.localTimes) {
		return nil
	}
	return slices.Clone(self.localTimes[self.undoPtr:])
}

// GetDocument returns the currently displayed document.
func (self *Session) GetDocument() (Document, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if err := self.requireInit(); err != nil {
		return nil, err
	}
	return self.doc, nil
}

func (self *Session) GetCommittedDocument() (Document, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if err := self.requireInit(); err != nil {
		return nil, err
	}
	return self.committedDoc, nil
}

func (self *Session) HasMoreHistory() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.hasMoreHistory
}

// undo and redo move the pointer over the local patch sequence. The
// hidden tail is excluded from replay rather than removed from the
// graph.

func (self *Session) CanUndo() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return 0 < self.undoPtr
}

func (self *Session) CanRedo() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.undoPtr < len(self.localTimes)
}

func (self *Session) Undo() error {
	return self.moveUndoPtr(-1)
}

func (self *Session) Redo() error {
	return self.moveUndoPtr(1)
}

func (self *Session) moveUndoPtr(delta int) error {
	self.stateLock.Lock()
	if err := self.requireInit(); err != nil {
		self.stateLock.Unlock()
		return err
	}
	next := self.undoPtr + delta
	if next < 0 || len(self.localTimes) < next {
		self.stateLock.Unlock()
		return nil
	}
	self.undoPtr = next
	events, err := self.syncDoc()
	if err != nil {
		self.stateLock.Unlock()
		return err
	}
	undoPtr := self.undoPtr
	self.stateLock.Unlock()

	self.fire(events)
	self.publishPresence(PresenceState{
		"userId":  self.userId,
		"undoPtr": undoPtr,
	})
	return nil
}

// ResetUndo makes the current undo view permanent. If the displayed doc
// differs from the everything-applied value, a new patch transforms the
// full value into the displayed doc, preserving the undone state as a
// forward edit and clearing the redo region.
func (self *Session) ResetUndo() error {
	self.stateLock.Lock()
	if err := self.requireInit(); err != nil {
		self.stateLock.Unlock()
		return err
	}
	full, err := self.graph.Value(nil)
	if err != nil {
		self.stateLock.Unlock()
		return err
	}
	if self.doc.IsEqual(full) {
		self.undoPtr = len(self.localTimes)
		self.stateLock.Unlock()
		return nil
	}
	displayed := self.doc
	self.undoPtr = len(self.localTimes)
	patch, err := self.commitPatch(full, displayed, &CommitOptions{
		Source: "reset-undo",
	})
	if err != nil {
		self.stateLock.Unlock()
		return err
	}
	events, err := self.syncDoc()
	if err != nil {
		self.stateLock.Unlock()
		return err
	}
	self.stateLock.Unlock()

	self.fire(events)
	self.appendAsync(patch)
	return nil
}

// Close unsubscribes the adapters, publishes an empty presence and
// clears the listeners. In flight file writes complete on their own.
func (self *Session) Close() {
	self.stateLock.Lock()
	unsubscribers := self.unsubscribers
	self.unsubscribers = nil
	self.stateLock.Unlock()

	for _, unsubscribe := range unsubscribers {
		unsubscribe()
	}
	if self.presenceAdapter != nil {
		self.presenceAdapter.Publish(nil)
	}
	self.cancel()
	self.cursors.clear()
	self.patchCallbacks.clear()
	self.changeCallbacks.clear()
	self.cursorCallbacks.clear()
	self.presenceCallbacks.clear()
	self.fileErrorCallbacks.clear()
	glog.V(1).Infof("[session]%s close\n", self.clientId)
}

// events

func (self *Session) AddPatchListener(callback func(*Patch)) func() {
	return self.patchCallbacks.add(callback)
}

func (self *Session) AddChangeListener(callback func(Document)) func() {
	return self.changeCallbacks.add(callback)
}

func (self *Session) AddCursorsListener(callback func([]*Cursor)) func() {
	return self.cursorCallbacks.add(callback)
}

func (self *Session) AddPresenceListener(callback func(PresenceState)) func() {
	return self.presenceCallbacks.add(callback)
}

func (self *Session) AddFileErrorListener(callback func(error)) func() {
	return self.fileErrorCallbacks.add(callback)
}

func (self *Session) changeEvent(doc Document) func() {
	return func() {
		self.changeCallbacks.dispatch(func(callback func(Document)) {
			callback(doc)
		})
	}
}

func (self *Session) firePatch(patch *Patch) {
	self.patchCallbacks.dispatch(func(callback func(*Patch)) {
		callback(patch)
	})
}

func (self *Session) fire(events []func()) {
	for _, event := range events {
		event()
	}
}

func (self *Session) publishPresence(state PresenceState) {
	if self.presenceAdapter == nil {
		return
	}
	self.presenceAdapter.Publish(state)
}
