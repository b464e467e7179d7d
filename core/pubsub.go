package core

import (
	"context"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/sirupsen/logrus"
)

// Broadcast publishes data on topic, joining it lazily on first use.
func (n *Node) Broadcast(ctx context.Context, topic string, data []byte) error {
	t, err := n.joinTopic(topic)
	if err != nil {
		return err
	}
	if err := t.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish topic %s: %w", topic, err)
	}
	return nil
}

func (n *Node) joinTopic(topic string) (*pubsub.Topic, error) {
	n.topicsMu.Lock()
	defer n.topicsMu.Unlock()
	if t, ok := n.topics[topic]; ok {
		return t, nil
	}
	t, err := n.PubSub.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", topic, err)
	}
	n.topics[topic] = t
	return t, nil
}

// Subscribe subscribes to topic (joining it lazily) and delivers every
// message, including our own, on the returned channel until ctx is
// cancelled or the subscription ends.
func (n *Node) Subscribe(ctx context.Context, topic string, log *logrus.Logger) (<-chan PubSubMessage, error) {
	n.subsMu.Lock()
	sub, ok := n.subs[topic]
	if !ok {
		t, err := n.joinTopic(topic)
		if err != nil {
			n.subsMu.Unlock()
			return nil, err
		}
		sub, err = t.Subscribe()
		if err != nil {
			n.subsMu.Unlock()
			return nil, fmt.Errorf("subscribe topic %s: %w", topic, err)
		}
		n.subs[topic] = sub
	}
	n.subsMu.Unlock()

	out := make(chan PubSubMessage)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				log.WithError(err).WithField("topic", topic).Debug("subscription ended")
				return
			}
			select {
			case out <- PubSubMessage{From: msg.GetFrom().String(), Topic: topic, Data: msg.Data}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
