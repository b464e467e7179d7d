package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// Protocol errors recognized by the message handler (see external spec §7).
var (
	ErrNotConnected       = errors.New("peer-not-connected")
	ErrDialFailed         = errors.New("dial-failed")
	ErrSendTimeout        = errors.New("send-timeout")
	ErrUnknownMessageType = errors.New("unknown-message-type")
	ErrCorrelationReused  = errors.New("correlation-id-reused")
	ErrFromSpoofed        = errors.New("from-field-spoofed")
	ErrTimeout            = errors.New("timeout")
)

const defaultMaxMessageSize = 1 << 20 // 1 MiB

// typesRequiringSignature enumerates the message types whose payload must
// carry a non-empty signature. An empty-string placeholder is treated as
// the bug it is, not a feature: decoding rejects it outright.
var typesRequiringSignature = map[MessageType]bool{
	MsgPayment:       true,
	MsgChannelOpen:   true,
	MsgChannelAccept: true,
	MsgChannelUpdate: true,
	MsgChannelClose:  true,
}

// pendingRequest is the transient, per-request correlation state held only
// for the lifetime of one outstanding request/response exchange. Its
// presence in the correlation map is what Cancel/timeout remove; the reply
// itself travels back over the same stream that carried the request.
type pendingRequest struct{}

// Subscriber receives every accepted inbound envelope of the type it
// registered for.
type Subscriber func(from peer.ID, env Envelope)

// Handler implements the C3 message handler: framing, transport, and
// request/response correlation over ProtocolMessage.
type Handler struct {
	node     *Node
	notifier Notifier
	log      *logrus.Logger

	maxMessageSize int

	mu           sync.Mutex
	correlations map[string]*pendingRequest
	subscribers  map[MessageType][]Subscriber
}

// NewHandler wires a message handler on top of an already-constructed
// transport node. It registers itself as the stream handler for
// ProtocolMessage.
func NewHandler(n *Node, notifier Notifier, maxMessageSize int, log *logrus.Logger) *Handler {
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	h := &Handler{
		node:           n,
		notifier:       notifier,
		log:            log,
		maxMessageSize: maxMessageSize,
		correlations:   make(map[string]*pendingRequest),
		subscribers:    make(map[MessageType][]Subscriber),
	}
	n.Handle(ProtocolMessage, h.onInboundStream)
	return h
}

// OnMessage registers fn to receive every accepted inbound envelope of the
// given type. Multiple subscribers may register for the same type.
func (h *Handler) OnMessage(t MessageType, fn Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[t] = append(h.subscribers[t], fn)
}

// Send opens a stream to `to`, writes one framed envelope, and closes it:
// fire-and-forget, per §4.3.
func (h *Handler) Send(ctx context.Context, to peer.ID, env Envelope) error {
	if h.node.Connectedness(to) != network.Connected {
		return ErrNotConnected
	}
	stream, err := h.node.NewStream(ctx, to, ProtocolMessage)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	defer stream.Close()

	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := WriteFramed(stream, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrSendTimeout, err)
	}
	return stream.CloseWrite()
}

// Request sends a `request` envelope and blocks until the single-shot
// stream's reply arrives, the context is cancelled, or timeout elapses. On
// timeout the correlation entry is removed synchronously and any late reply
// is discarded without error. A stream the peer closes without replying
// counts as no reply: the call waits out its timeout and fails with
// ErrTimeout.
func (h *Handler) Request(ctx context.Context, to peer.ID, service string, params json.RawMessage, timeout time.Duration) (*ResponsePayload, error) {
	id := uuid.NewString()
	reqPayload, err := json.Marshal(RequestPayload{Service: service, Params: params})
	if err != nil {
		return nil, err
	}
	env := Envelope{
		ID:        id,
		Type:      MsgRequest,
		From:      h.node.ID().String(),
		To:        to.String(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   reqPayload,
	}

	pending := &pendingRequest{}
	h.mu.Lock()
	if _, exists := h.correlations[id]; exists {
		h.mu.Unlock()
		return nil, ErrCorrelationReused
	}
	h.correlations[id] = pending
	h.mu.Unlock()
	defer h.removeCorrelation(id)

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if h.node.Connectedness(to) != network.Connected {
		return nil, ErrNotConnected
	}
	stream, err := h.node.NewStream(reqCtx, to, ProtocolMessage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	defer stream.Close()

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if err := WriteFramed(stream, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSendTimeout, err)
	}
	if err := stream.CloseWrite(); err != nil {
		return nil, err
	}

	replyCh := make(chan result, 1)
	go func() {
		body, err := ReadFramed(stream, h.maxMessageSize)
		if err != nil {
			replyCh <- result{err: err}
			return
		}
		var respEnv Envelope
		if err := json.Unmarshal(body, &respEnv); err != nil {
			replyCh <- result{err: err}
			return
		}
		replyCh <- result{env: respEnv}
	}()

	select {
	case r := <-replyCh:
		if r.err != nil {
			if errors.Is(r.err, io.EOF) {
				<-reqCtx.Done()
				return nil, ErrTimeout
			}
			return nil, r.err
		}
		return decodeResponse(r.env)
	case <-reqCtx.Done():
		return nil, ErrTimeout
	}
}

type result struct {
	env Envelope
	err error
}

func decodeResponse(env Envelope) (*ResponsePayload, error) {
	var resp ResponsePayload
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel removes a pending request's correlation entry without error. It
// does not interrupt a Request call that is still waiting: that call ends on
// its own context or timeout, and a reply arriving before then is still
// returned to it.
func (h *Handler) Cancel(id string) {
	h.removeCorrelation(id)
}

func (h *Handler) removeCorrelation(id string) {
	h.mu.Lock()
	delete(h.correlations, id)
	h.mu.Unlock()
}

// onInboundStream implements §4.3's on-inbound-stream contract: read one
// framed envelope, authenticate `from`, dispatch by type, and fan out an
// agent notification for every accepted message.
func (h *Handler) onInboundStream(remote peer.ID, stream Stream) {
	defer stream.Close()

	body, err := ReadFramed(stream, h.maxMessageSize)
	if err != nil {
		if errors.Is(err, ErrOversizeMessage) {
			h.log.WithField("peer", remote.String()).Warn("oversize-message")
		} else {
			h.log.WithError(err).WithField("peer", remote.String()).Debug("framing-error")
		}
		return
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.log.WithError(err).WithField("peer", remote.String()).Warn("malformed envelope")
		return
	}

	if env.From != remote.String() {
		h.log.WithFields(logrus.Fields{"claimed": env.From, "actual": remote.String()}).Warn(ErrFromSpoofed.Error())
		return
	}

	if typesRequiringSignature[env.Type] {
		if sig, ok := extractSignature(env.Payload); !ok || sig == "" {
			h.log.WithField("type", string(env.Type)).Warn("rejecting message with missing signature")
			return
		}
	}

	h.mu.Lock()
	subs := append([]Subscriber(nil), h.subscribers[env.Type]...)
	h.mu.Unlock()

	if len(subs) == 0 {
		h.log.WithField("type", string(env.Type)).Warn("no subscriber for message type, dropping")
		return
	}
	for _, sub := range subs {
		sub(remote, env)
	}

	go h.notifyInbound(remote, env)
}

func (h *Handler) notifyInbound(from peer.ID, env Envelope) {
	if h.notifier == nil {
		return
	}
	summary := fmt.Sprintf("message %s (%s) from %s", env.ID, env.Type, from.String())
	if err := h.notifier.NotifyWake(summary); err != nil {
		h.log.WithError(err).Debug("agent notification failed")
	}
}

func extractSignature(payload json.RawMessage) (string, bool) {
	var probe struct {
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", false
	}
	return probe.Signature, true
}
