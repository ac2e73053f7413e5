package eventbus

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/isqad/livemeet-sfu/internal/eventbus/rpc"
)

type Channel string

const (
	ClientMessages Channel = "client_messages"
)

func (c Channel) buildChannel(peerID core.PeerID) string {
	return string(c) + ":" + string(peerID)
}

type Publisher interface {
	PublishClient(peerID core.PeerID, rpc rpc.Rpc) error
}

type Subscriber interface {
	SubscribeClient(peerID core.PeerID) (*Subscription, error)
}

type Subscription struct {
	pubsub *redis.PubSub
}

func (s *Subscription) Channel() <-chan *redis.Message {
	return s.pubsub.Channel()
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// Eventbus fans signaling frames out to the websocket pumps through redis
// pubsub, one channel per peer.
type Eventbus struct {
	rdb *redis.Client
}

// RedisPubSub is factory for building Eventbus based on redis pubsub
func RedisPubSub(rdb *redis.Client) *Eventbus {
	return &Eventbus{rdb: rdb}
}

func (e *Eventbus) PublishClient(peerID core.PeerID, r rpc.Rpc) error {
	msg, err := r.ToJSON()
	if err != nil {
		return err
	}
	return e.rdb.Publish(context.Background(), ClientMessages.buildChannel(peerID), msg).Err()
}

func (e *Eventbus) SubscribeClient(peerID core.PeerID) (*Subscription, error) {
	ctx := context.Background()
	pubsub := e.rdb.Subscribe(ctx, ClientMessages.buildChannel(peerID))
	// Wait until subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}

	return &Subscription{pubsub: pubsub}, nil
}
