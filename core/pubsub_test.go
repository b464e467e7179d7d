package core

import (
	"context"
	"testing"
	"time"
)

func TestBroadcastDeliversToOwnSubscription(t *testing.T) {
	n := newTestNode(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := n.Subscribe(ctx, "test-topic", newTestLogger())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Give the subscription loop a moment to start reading before the first
	// publish, since pubsub delivery to a brand new subscription can race
	// with Subscribe's own setup.
	time.Sleep(100 * time.Millisecond)

	if err := n.Broadcast(ctx, "test-topic", []byte("hello")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	select {
	case msg := <-msgs:
		if string(msg.Data) != "hello" {
			t.Fatalf("data = %q, want hello", msg.Data)
		}
		if msg.Topic != "test-topic" {
			t.Fatalf("topic = %q, want test-topic", msg.Topic)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for self-published message")
	}
}

func TestJoinTopicIsCached(t *testing.T) {
	n := newTestNode(t)
	t1, err := n.joinTopic("cached-topic")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	t2, err := n.joinTopic("cached-topic")
	if err != nil {
		t.Fatalf("join again: %v", err)
	}
	if t1 != t2 {
		t.Fatalf("expected the same *pubsub.Topic to be reused")
	}
}
