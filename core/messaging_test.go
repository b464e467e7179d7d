package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestHandlerSendAndDispatch(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connectNodes(t, a, b)

	handlerA := NewHandler(a, nil, 0, newTestLogger())
	handlerB := NewHandler(b, nil, 0, newTestLogger())
	_ = handlerA

	received := make(chan Envelope, 1)
	handlerB.OnMessage(MsgText, func(from peer.ID, env Envelope) {
		received <- env
	})

	env := Envelope{
		ID:   "msg-1",
		Type: MsgText,
		From: a.ID().String(),
		To:   b.ID().String(),
	}
	if err := handlerA.Send(context.Background(), b.ID(), env); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != "msg-1" {
			t.Fatalf("id = %q, want msg-1", got.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for dispatched message")
	}
}

func TestHandlerOnInboundStreamRejectsSpoofedFrom(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connectNodes(t, a, b)

	_ = NewHandler(a, nil, 0, newTestLogger())
	handlerB := NewHandler(b, nil, 0, newTestLogger())

	received := make(chan Envelope, 1)
	handlerB.OnMessage(MsgText, func(from peer.ID, env Envelope) {
		received <- env
	})

	env := Envelope{
		ID:   "msg-spoofed",
		Type: MsgText,
		From: "not-the-real-sender",
		To:   b.ID().String(),
	}

	stream, err := a.NewStream(context.Background(), b.ID(), ProtocolMessage)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := WriteFramed(stream, raw); err != nil {
		t.Fatalf("write framed: %v", err)
	}
	stream.CloseWrite()

	select {
	case <-received:
		t.Fatalf("expected spoofed envelope to be rejected, not dispatched")
	case <-time.After(1 * time.Second):
	}
}

func TestHandlerOnInboundStreamRejectsUnsignedPaymentMessage(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connectNodes(t, a, b)

	_ = NewHandler(a, nil, 0, newTestLogger())
	handlerB := NewHandler(b, nil, 0, newTestLogger())

	received := make(chan Envelope, 1)
	handlerB.OnMessage(MsgPayment, func(from peer.ID, env Envelope) {
		received <- env
	})

	payload, err := json.Marshal(PaymentPayload{TxID: "abc", Amount: 1000})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := Envelope{
		ID:      "msg-unsigned",
		Type:    MsgPayment,
		From:    a.ID().String(),
		To:      b.ID().String(),
		Payload: payload,
	}

	stream, err := a.NewStream(context.Background(), b.ID(), ProtocolMessage)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := WriteFramed(stream, raw); err != nil {
		t.Fatalf("write framed: %v", err)
	}
	stream.CloseWrite()

	select {
	case <-received:
		t.Fatalf("expected unsigned payment message to be rejected")
	case <-time.After(1 * time.Second):
	}
}

func TestHandlerRequestTimesOutWithoutResponder(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connectNodes(t, a, b)

	handlerA := NewHandler(a, nil, 0, newTestLogger())
	// b never subscribes to MsgRequest, so onInboundStream drops it silently
	// and the request side must time out on its own.
	NewHandler(b, nil, 0, newTestLogger())

	_, err := handlerA.Request(context.Background(), b.ID(), "echo", json.RawMessage(`{}`), 500*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}
