// Package core implements the relay lifecycle, peer messaging, and
// payment-channel state machine that make up a relaymesh node.
package core

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// NodeID is the textual encoding of a libp2p peer identity.
type NodeID string

// Address is a 20-byte hash of a payment-system public key, the destination
// format used by payout scripts.
type Address [20]byte

// Hash is a generic 32-byte digest.
type Hash [32]byte

// Config is the full set of options a relaymesh node accepts. Field names
// match the options table in the external spec verbatim.
type Config struct {
	Port           int      `mapstructure:"port" json:"port"`
	ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
	BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	AnnounceAddrs  []string `mapstructure:"announce_addrs" json:"announce_addrs"`
	EnableMdns     bool     `mapstructure:"enable_mdns" json:"enable_mdns"`
	DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`

	RelayAddr                 string        `mapstructure:"relay_addr" json:"relay_addr"`
	RelayReservationTimeoutMs int           `mapstructure:"relay_reservation_timeout_ms" json:"relay_reservation_timeout_ms"`
	HealthCheckIntervalMs     int           `mapstructure:"health_check_interval_ms" json:"health_check_interval_ms"`
	AnnounceIntervalMs        int           `mapstructure:"announce_interval_ms" json:"announce_interval_ms"`
	RelayDisconnectWait       time.Duration `mapstructure:"-" json:"-"`

	AutoAcceptChannelsBelowSats uint64 `mapstructure:"auto_accept_channels_below_sats" json:"auto_accept_channels_below_sats"`
	DefaultChannelLifetimeMs    int64  `mapstructure:"default_channel_lifetime_ms" json:"default_channel_lifetime_ms"`
	MinCapacity                 uint64 `mapstructure:"min_capacity" json:"min_capacity"`
	MaxCapacity                 uint64 `mapstructure:"max_capacity" json:"max_capacity"`
	FeeRatePerByte               int64  `mapstructure:"fee_rate_per_byte" json:"fee_rate_per_byte"`
	DustThreshold                int64  `mapstructure:"dust_threshold" json:"dust_threshold"`

	MaxMessageSizeBytes int `mapstructure:"max_message_size_bytes" json:"max_message_size_bytes"`

	AgentNotifyURL   string `mapstructure:"agent_notify_url" json:"agent_notify_url"`
	AgentNotifyToken string `mapstructure:"agent_notify_token" json:"agent_notify_token"`

	ChainServiceURL string `mapstructure:"chain_service_url" json:"chain_service_url"`

	DataDir string `mapstructure:"data_dir" json:"data_dir"`
}

// AcceptAllThreshold is the distinguished configuration value meaning
// "accept every incoming channel regardless of capacity". It replaces the
// float Infinity sentinel the original design used.
const AcceptAllThreshold = ^uint64(0)

// Protocol ids and pub-sub topics. The namespace prefix must reproduce
// bit-exactly across interoperating implementations.
const (
	namespace       = "relaymesh"
	ProtocolMessage = protocol.ID("/" + namespace + "/message/1.0.0")
	ProtocolChannel = protocol.ID("/" + namespace + "/channel/1.0.0")
	ProtocolPing    = protocol.ID("/" + namespace + "/ping/1.0.0")
	TopicAnnounce   = "/" + namespace + "/announce/1.0.0"
	TopicNodeStatus = "/" + namespace + "/node-status/1.0.0"
)

// Node is the live libp2p host plus the bookkeeping relaymesh layers on top
// of it.
type Node struct {
	Host   host.Host
	PubSub *pubsub.PubSub

	handlers   map[protocol.ID]StreamHandler
	handlersMu sync.RWMutex

	topics    map[string]*pubsub.Topic
	topicsMu  sync.Mutex
	subs      map[string]*pubsub.Subscription
	subsMu    sync.Mutex

	cfg Config
}

// PubSubMessage is one decoded gossip message delivered to a topic
// subscriber.
type PubSubMessage struct {
	From  string
	Topic string
	Data  []byte
}

// StreamHandler is invoked for every inbound stream opened against a
// registered protocol id.
type StreamHandler func(remote peer.ID, stream Stream)

// Stream is the minimal surface the messaging layer needs from a
// multiplexed, authenticated byte stream. libp2p's network.Stream already
// satisfies this.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	CloseWrite() error
}

// MessageType enumerates the discriminator values carried on the wire.
// These are string constants, not language-level symbols, per the wire
// contract.
type MessageType string

const (
	MsgText          MessageType = "text"
	MsgRequest       MessageType = "request"
	MsgResponse      MessageType = "response"
	MsgPayment       MessageType = "payment"
	MsgPaymentAck    MessageType = "payment_ack"
	MsgChannelOpen   MessageType = "channel_open"
	MsgChannelAccept MessageType = "channel_accept"
	MsgChannelReject MessageType = "channel_reject"
	MsgChannelUpdate MessageType = "channel_update"
	MsgChannelClose  MessageType = "channel_close"
	MsgPaidRequest   MessageType = "paid_request"
	MsgPaidResult    MessageType = "paid_result"
)

// Envelope is the canonical textual message header shared by every typed
// variant on the wire.
type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// RequestPayload carries a service request bundled inside a `request` or
// `paid_request` envelope.
type RequestPayload struct {
	Service string          `json:"service"`
	Params  json.RawMessage `json:"params"`
	Payment *PaymentPayload `json:"payment,omitempty"`
}

// ResponsePayload carries the reply to a `request`/`paid_request` envelope.
type ResponsePayload struct {
	RequestID       string          `json:"requestId"`
	Result          json.RawMessage `json:"result"`
	Error           string          `json:"error,omitempty"`
	PaymentAccepted bool            `json:"paymentAccepted,omitempty"`
}

// PaymentPayload notifies the peer of an on-chain payment.
type PaymentPayload struct {
	TxID        string `json:"txid"`
	Vout        uint32 `json:"vout"`
	Amount      uint64 `json:"amount"`
	Destination string `json:"destination"`
	RawTx       []byte `json:"rawTx,omitempty"`
	Proof       []byte `json:"proof,omitempty"`
	Memo        string `json:"memo,omitempty"`
	Signature   string `json:"signature"`
}

// PaymentAckPayload acknowledges a PaymentPayload by id.
type PaymentAckPayload struct {
	PaymentTxID string `json:"paymentTxId"`
	Accepted    bool   `json:"accepted"`
	Reason      string `json:"reason,omitempty"`
}

// ChannelOpenPayload proposes opening a channel.
type ChannelOpenPayload struct {
	ChannelID   string `json:"channelId"`
	PubKey      []byte `json:"pubKey"`
	Capacity    uint64 `json:"capacity"`
	NLockTime   int64  `json:"nLockTime"`
	Signature   string `json:"signature"`
}

// ChannelAcceptPayload accepts a previously proposed channel.
type ChannelAcceptPayload struct {
	ChannelID string `json:"channelId"`
	PubKey    []byte `json:"pubKey"`
	Signature string `json:"signature"`
}

// ChannelRejectPayload rejects a channel open or update.
type ChannelRejectPayload struct {
	ChannelID string `json:"channelId"`
	Reason    string `json:"reason"`
}

// ChannelUpdatePayload carries one off-chain commitment update.
type ChannelUpdatePayload struct {
	ChannelID         string `json:"channelId"`
	NewSequenceNumber uint64 `json:"newSequenceNumber"`
	NewLocalBalance   uint64 `json:"newLocalBalance"`
	NewRemoteBalance  uint64 `json:"newRemoteBalance"`
	Signature         string `json:"signature"`
}

// ChannelClosePayload carries a cooperative settlement proposal.
type ChannelClosePayload struct {
	ChannelID       string `json:"channelId"`
	Cooperative     bool   `json:"cooperative"`
	SettlementTx    []byte `json:"settlementTx"`
	FinalLocal      uint64 `json:"finalLocal"`
	FinalRemote     uint64 `json:"finalRemote"`
	Signature       string `json:"signature"`
}

// ChannelState is one of the five states a Channel may occupy.
type ChannelState string

const (
	ChannelPending  ChannelState = "pending"
	ChannelOpen     ChannelState = "open"
	ChannelClosing  ChannelState = "closing"
	ChannelClosed   ChannelState = "closed"
	ChannelDisputed ChannelState = "disputed"
)

// Channel is the C4 entity: the full state of a two-party payment channel as
// seen by the local node.
type Channel struct {
	ID             string
	State          ChannelState
	LocalPeerID    string
	RemotePeerID   string
	LocalPubKey    []byte
	RemotePubKey   []byte
	Capacity       uint64
	LocalBalance   uint64
	RemoteBalance  uint64
	SequenceNumber uint64

	FundingTxID         string
	FundingOutputIndex  uint32
	NLockTime           int64

	// KeyIndex is the HD account-key index the local per-channel private
	// key is deterministically re-derived from; the key itself is never
	// persisted.
	KeyIndex     uint32
	RedeemScript []byte
	ChannelAddr  string

	// PendingOutgoing holds an optimistically-applied payment awaiting
	// counterparty acknowledgement. Nil when there is none in flight.
	PendingOutgoing *PendingPayment

	SettlementTxID string

	CreatedAt int64
	UpdatedAt int64
}

// PendingPayment is the sender-side phase of an optimistic update: applied
// locally, rolled back on counterparty rejection, never re-sent with an
// incremented sequence number.
type PendingPayment struct {
	Amount            uint64
	NewSequenceNumber uint64
	PriorLocalBalance  uint64
	PriorRemoteBalance uint64
}

// PaymentRecord is one accepted channel-update entry in the append-only log.
type PaymentRecord struct {
	ChannelID         string
	Amount            uint64
	NewSequenceNumber uint64
	NewLocalBalance   uint64
	NewRemoteBalance  uint64
	Signature         []byte
	Timestamp         int64
}

// PeerInfo is a directory entry cached about a previously-seen peer.
type PeerInfo struct {
	ID       string
	Addrs    []string
	LastSeen int64
}
