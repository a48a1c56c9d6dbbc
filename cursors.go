package docsync

import (
	"fmt"
	"sort"

	"github.com/jellydator/ttlcache/v3"
)

// cursor presence. Cursor payloads ride the presence adapter as
//   {type: "cursor", time, locs, userId?, docId?, clientId}
// and are folded into a TTL bounded state map keyed by
// "user-<userId>" when a user id is present, else the client id.

type Cursor struct {
	Key      string
	ClientId string
	UserId   *uint32
	DocId    string
	Time     int64
	Locs     []any
}

type cursorMap struct {
	settings *SessionSettings
	cache    *ttlcache.Cache[string, *Cursor]
}

func newCursorMap(settings *SessionSettings) *cursorMap {
	cache := ttlcache.New[string, *Cursor](
		ttlcache.WithTTL[string, *Cursor](settings.CursorTtl),
		ttlcache.WithCapacity[string, *Cursor](settings.CursorMaxCount),
	)
	return &cursorMap{
		settings: settings,
		cache:    cache,
	}
}

func (self *cursorMap) set(cursor *Cursor) {
	self.cache.Set(cursor.Key, cursor, ttlcache.DefaultTTL)
}

// list returns a snapshot pruned to entries newer than ttlMs before now.
func (self *cursorMap) list(nowMs int64, ttlMs int64) []*Cursor {
	out := []*Cursor{}
	for _, item := range self.cache.Items() {
		cursor := item.Value()
		if nowMs-cursor.Time <= ttlMs {
			out = append(out, cursor)
		}
	}
	sort.Slice(out, func(i int, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out
}

func (self *cursorMap) clear() {
	self.cache.DeleteAll()
}

func cursorKey(userId *uint32, clientId string) string {
	if userId != nil {
		return fmt.Sprintf("user-%d", *userId)
	}
	return clientId
}

// UpdateCursors publishes this session's cursor locations and folds them
// into the local state so the local entry appears in Cursors().
func (self *Session) UpdateCursors(locs []any) error {
	self.stateLock.Lock()
	if err := self.requireInit(); err != nil {
		self.stateLock.Unlock()
		return err
	}
	now := self.settings.Clock()
	self.stateLock.Unlock()

	state := PresenceState{
		"type":     "cursor",
		"time":     now,
		"locs":     locs,
		"clientId": self.clientId,
	}
	if self.userId != nil {
		state["userId"] = *self.userId
	}
	if self.docId != "" {
		state["docId"] = self.docId
	}
	self.publishPresence(state)

	self.cursors.set(&Cursor{
		Key:      cursorKey(self.userId, self.clientId),
		ClientId: self.clientId,
		UserId:   self.userId,
		DocId:    self.docId,
		Time:     now,
		Locs:     locs,
	})
	self.fireCursors()
	return nil
}

type CursorsOptions struct {
	// 0 means the settings default
	TtlMs int64
}

// Cursors returns the known cursor states, pruning entries older than
// the ttl.
func (self *Session) Cursors(options *CursorsOptions) []*Cursor {
	ttlMs := self.settings.CursorTtl.Milliseconds()
	if options != nil && 0 < options.TtlMs {
		ttlMs = options.TtlMs
	}
	return self.cursors.list(self.settings.Clock(), ttlMs)
}

func (self *Session) fireCursors() {
	cursors := self.Cursors(nil)
	self.cursorCallbacks.dispatch(func(callback func([]*Cursor)) {
		callback(cursors)
	})
}

// handlePresence classifies an incoming presence payload: matching
// cursor payloads fold into the cursor state, everything else forwards
// as a raw presence event.
func (self *Session) handlePresence(state PresenceState) {
	if state != nil && state["type"] == "cursor" {
		docId, _ := state["docId"].(string)
		if docId == self.docId {
			cursor := &Cursor{
				DocId: docId,
			}
			if clientId, ok := state["clientId"].(string); ok {
				cursor.ClientId = clientId
			}
			if userId, ok := toUint32(state["userId"]); ok {
				cursor.UserId = &userId
			}
			if timeMs, ok := toInt64(state["time"]); ok {
				cursor.Time = timeMs
			}
			if locs, ok := state["locs"].([]any); ok {
				cursor.Locs = locs
			}
			cursor.Key = cursorKey(cursor.UserId, cursor.ClientId)
			self.cursors.set(cursor)
			self.fireCursors()
			return
		}
	}
	self.presenceCallbacks.dispatch(func(callback func(PresenceState)) {
		callback(state)
	})
}

func toInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case uint32:
		return int64(v), true
	}
	return 0, false
}

func toUint32(value any) (uint32, bool) {
	n, ok := toInt64(value)
	if !ok || n < 0 {
		return 0, false
	}
	return uint32(n), true
}
