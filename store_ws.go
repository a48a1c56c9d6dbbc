package docsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// WsPatchStore speaks newline free JSON patch envelopes over a websocket
// relay, one message per envelope. The relay is history free: LoadInitial
// returns nothing and reports HasMore so callers can pair this store
// with a durable one for bootstrap. The read loop reconnects with
// exponential backoff.

type WsPatchStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	url          string
	connectionId ulid.ULID

	stateLock sync.Mutex
	conn      *websocket.Conn
	writeLock sync.Mutex

	subscribers callbackList[func(*Patch)]
}

func NewWsPatchStore(ctx context.Context, url string) *WsPatchStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &WsPatchStore{
		ctx:          cancelCtx,
		cancel:       cancel,
		url:          url,
		connectionId: ulid.Make(),
	}
	go store.run()
	return store
}

func (self *WsPatchStore) run() {
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0
	for {
		if self.ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(self.ctx, self.url, nil)
		if err != nil {
			wait := retry.NextBackOff()
			glog.Infof("[store]%s ws dial failed, retry in %s: %s\n", self.connectionId, wait, err)
			select {
			case <-time.After(wait):
			case <-self.ctx.Done():
				return
			}
			continue
		}
		retry.Reset()
		glog.V(1).Infof("[store]%s ws connected to %s\n", self.connectionId, self.url)

		self.stateLock.Lock()
		self.conn = conn
		self.stateLock.Unlock()

		self.readLoop(conn)

		self.stateLock.Lock()
		if self.conn == conn {
			self.conn = nil
		}
		self.stateLock.Unlock()
		conn.Close()
	}
}

func (self *WsPatchStore) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[store]%s ws read ended: %s\n", self.connectionId, err)
			return
		}
		patch, err := DecodePatchLine(message)
		if err != nil {
			glog.Warningf("[store]%s ws dropping corrupt envelope: %s\n", self.connectionId, err)
			continue
		}
		self.subscribers.dispatch(func(callback func(*Patch)) {
			callback(patch.Clone())
		})
	}
}

func (self *WsPatchStore) LoadInitial(ctx context.Context, since PatchId) (*PatchStoreLoad, error) {
	// the relay carries no history
	return &PatchStoreLoad{
		HasMore: true,
	}, nil
}

func (self *WsPatchStore) Append(ctx context.Context, patch *Patch) error {
	line, err := EncodePatchLine(patch)
	if err != nil {
		return err
	}
	self.stateLock.Lock()
	conn := self.conn
	self.stateLock.Unlock()
	if conn == nil {
		return fmt.Errorf("relay not connected")
	}
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	return conn.WriteMessage(websocket.TextMessage, line)
}

func (self *WsPatchStore) Subscribe(callback func(*Patch)) func() {
	return self.subscribers.add(callback)
}

func (self *WsPatchStore) Close() {
	self.cancel()
	self.stateLock.Lock()
	conn := self.conn
	self.conn = nil
	self.stateLock.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// WsPresence rides the same relay family for presence payloads, one
// JSON object per message. No ordering or delivery guarantees.
type WsPresence struct {
	ctx    context.Context
	cancel context.CancelFunc

	url          string
	connectionId ulid.ULID

	stateLock sync.Mutex
	conn      *websocket.Conn
	writeLock sync.Mutex

	subscribers callbackList[func(PresenceState)]
}

func NewWsPresence(ctx context.Context, url string) *WsPresence {
	cancelCtx, cancel := context.WithCancel(ctx)
	presence := &WsPresence{
		ctx:          cancelCtx,
		cancel:       cancel,
		url:          url,
		connectionId: ulid.Make(),
	}
	go presence.run()
	return presence
}

func (self *WsPresence) run() {
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0
	for {
		if self.ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(self.ctx, self.url, nil)
		if err != nil {
			wait := retry.NextBackOff()
			glog.Infof("[presence]%s ws dial failed, retry in %s: %s\n", self.connectionId, wait, err)
			select {
			case <-time.After(wait):
			case <-self.ctx.Done():
				return
			}
			continue
		}
		retry.Reset()

		self.stateLock.Lock()
		self.conn = conn
		self.stateLock.Unlock()

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				break
			}
			state, err := decodePresenceState(message)
			if err != nil {
				glog.V(2).Infof("[presence]%s dropping corrupt payload: %s\n", self.connectionId, err)
				continue
			}
			self.subscribers.dispatch(func(callback func(PresenceState)) {
				callback(state)
			})
		}

		self.stateLock.Lock()
		if self.conn == conn {
			self.conn = nil
		}
		self.stateLock.Unlock()
		conn.Close()
	}
}

func (self *WsPresence) Publish(state PresenceState) {
	message, err := encodePresenceState(state)
	if err != nil {
		glog.V(2).Infof("[presence]%s encode failed: %s\n", self.connectionId, err)
		return
	}
	self.stateLock.Lock()
	conn := self.conn
	self.stateLock.Unlock()
	if conn == nil {
		return
	}
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
		glog.V(2).Infof("[presence]%s publish failed: %s\n", self.connectionId, err)
	}
}

func (self *WsPresence) Subscribe(callback func(PresenceState)) func() {
	return self.subscribers.add(callback)
}

func (self *WsPresence) Close() {
	self.cancel()
	self.stateLock.Lock()
	conn := self.conn
	self.conn = nil
	self.stateLock.Unlock()
	if conn != nil {
		conn.Close()
	}
}
