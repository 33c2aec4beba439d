package bus

import (
	"context"
	"sync"

	"github.com/petervdpas/playsync/internal/proto"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

// GossipOpener attaches to channels as GossipSub topics. Frames published by
// self are filtered out.
func GossipOpener(ps *pubsub.PubSub, self peer.ID) Opener {
	return func(_ context.Context, channel string) (Transport, error) {
		topic, err := ps.Join(proto.TopicPrefix + channel)
		if err != nil {
			return nil, err
		}
		sub, err := topic.Subscribe()
		if err != nil {
			_ = topic.Close()
			return nil, err
		}
		return &gossipTransport{self: self, topic: topic, sub: sub}, nil
	}
}

type gossipTransport struct {
	self  peer.ID
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	mu     sync.Mutex
	closed bool
}

func (g *gossipTransport) Send(ctx context.Context, data []byte) error {
	if err := g.Err(); err != nil {
		return err
	}
	return g.topic.Publish(ctx, data)
}

func (g *gossipTransport) Next(ctx context.Context) ([]byte, error) {
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return nil, err
		}
		if msg.ReceivedFrom == g.self {
			continue
		}
		return msg.Data, nil
	}
}

func (g *gossipTransport) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	return nil
}

func (g *gossipTransport) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	g.sub.Cancel()
	return g.topic.Close()
}
