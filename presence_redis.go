package docsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// RedisPresence relays presence payloads over a redis pub/sub channel
// per doc id. Payloads from this instance are filtered out on receive so
// publishes do not loop back.

type RedisPresence struct {
	ctx    context.Context
	cancel context.CancelFunc

	client  *redis.Client
	docId   string
	localId string

	pubsub *redis.PubSub

	subscribers callbackList[func(PresenceState)]
}

func NewRedisPresence(ctx context.Context, client *redis.Client, docId string, localId string) *RedisPresence {
	cancelCtx, cancel := context.WithCancel(ctx)
	presence := &RedisPresence{
		ctx:     cancelCtx,
		cancel:  cancel,
		client:  client,
		docId:   docId,
		localId: localId,
	}
	presence.pubsub = client.Subscribe(cancelCtx, presence.channel())
	go presence.run()
	return presence
}

func (self *RedisPresence) channel() string {
	return fmt.Sprintf("docsync-presence:%s", self.docId)
}

type redisPresenceEnvelope struct {
	From  string        `json:"from"`
	State PresenceState `json:"state"`
}

func (self *RedisPresence) run() {
	for message := range self.pubsub.Channel() {
		var envelope redisPresenceEnvelope
		if err := json.Unmarshal([]byte(message.Payload), &envelope); err != nil {
			glog.V(2).Infof("[presence]redis dropping corrupt payload: %s\n", err)
			continue
		}
		if envelope.From == self.localId {
			continue
		}
		self.subscribers.dispatch(func(callback func(PresenceState)) {
			callback(envelope.State)
		})
	}
}

func (self *RedisPresence) Publish(state PresenceState) {
	payload, err := json.Marshal(&redisPresenceEnvelope{
		From:  self.localId,
		State: state,
	})
	if err != nil {
		glog.V(2).Infof("[presence]redis encode failed: %s\n", err)
		return
	}
	if err := self.client.Publish(self.ctx, self.channel(), payload).Err(); err != nil {
		glog.V(2).Infof("[presence]redis publish failed: %s\n", err)
	}
}

func (self *RedisPresence) Subscribe(callback func(PresenceState)) func() {
	return self.subscribers.add(callback)
}

func (self *RedisPresence) Close() {
	self.cancel()
	self.pubsub.Close()
}

// presence payload codec shared by the transport adapters

func encodePresenceState(state PresenceState) ([]byte, error) {
	return json.Marshal(state)
}

func decodePresenceState(data []byte) (PresenceState, error) {
	var state PresenceState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return state, nil
}
