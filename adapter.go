package docsync

import (
	"context"
)

// the core is transport and storage agnostic. Concrete persistence, file
// mirroring and presence are external collaborators behind these
// adapters. Stores may redeliver patches (the graph dedups by id), but a
// delivered patch's ancestry must already be delivered or reported
// incomplete via HasMore.

type PatchStoreLoad struct {
	Patches []*Patch
	HasMore bool
}

type PatchStore interface {
	// LoadInitial returns the known patches, optionally only those after
	// since ("" for all).
	LoadInitial(ctx context.Context, since PatchId) (*PatchStoreLoad, error)
	// Append persists one envelope. May be asynchronous under the hood;
	// errors surface from the call.
	Append(ctx context.Context, patch *Patch) error
	// Subscribe registers for incoming envelopes and returns the
	// unsubscriber.
	Subscribe(callback func(*Patch)) func()
}

type FileWriteOptions struct {
	// the content the writer believes is on disk, nil for unknown
	Base *string
}

type FileAdapter interface {
	// Read returns the file content, empty on a missing file.
	Read(ctx context.Context) (string, error)
	// Write replaces the file content. Writes may assume no concurrent
	// writer from this core.
	Write(ctx context.Context, content string, options *FileWriteOptions) error
	// Watch registers for external change notifications and returns the
	// unsubscriber. Adapters without watch support return nil.
	Watch(callback func()) func()
}

// PresenceState is a freeform payload. Cursor payloads carry
// type/time/locs/userId/docId and are classified by the session; anything
// else is forwarded as a raw presence event. No ordering or delivery
// guarantees.
type PresenceState map[string]any

type PresenceAdapter interface {
	Publish(state PresenceState)
	Subscribe(callback func(PresenceState)) func()
}
