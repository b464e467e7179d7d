package core

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/host/autorelay"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"github.com/relaymesh/node/pkg/utils"
)

const dialTimeout = 15 * time.Second

// NewNode constructs the C1 transport fabric: a libp2p host with the given
// persisted identity, listening on cfg.ListenAddr, with gossip pub-sub ready
// for the announce/node-status topics and, optionally, local mDNS peer
// discovery. When cfg.RelayAddr names a relay, the host is built with
// circuit-relay and auto-relay enabled against it up front: without these
// options a later explicit reservation request never causes the host to
// advertise a /p2p-circuit address, which is what RelayManager observes to
// decide a reservation is live.
func NewNode(ctx context.Context, cfg Config, identity crypto.PrivKey, log *logrus.Logger) (*Node, error) {
	opts := []libp2p.Option{
		libp2p.Identity(identity),
		libp2p.ListenAddrStrings(cfg.ListenAddr),
	}

	if cfg.RelayAddr != "" {
		relayInfo, err := ParseRelayAddr(cfg.RelayAddr)
		if err != nil {
			return nil, utils.Wrap(err, "parse configured relay address")
		}
		opts = append(opts,
			libp2p.EnableRelay(),
			libp2p.EnableHolePunching(),
			libp2p.EnableAutoRelayWithStaticRelays([]peer.AddrInfo{relayInfo},
				autorelay.WithBootDelay(0),
				autorelay.WithBackoff(relayBackoffFloor),
			),
			libp2p.ForceReachabilityPrivate(),
		)
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, utils.Wrap(err, "construct libp2p host")
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, utils.Wrap(err, "construct pubsub")
	}

	n := &Node{
		Host:     h,
		PubSub:   ps,
		handlers: make(map[protocol.ID]StreamHandler),
		topics:   make(map[string]*pubsub.Topic),
		subs:     make(map[string]*pubsub.Subscription),
		cfg:      cfg,
	}

	if cfg.EnableMdns {
		svc := mdns.NewMdnsService(h, cfg.DiscoveryTag, &mdnsNotifee{node: n, log: log})
		if err := svc.Start(); err != nil {
			log.WithError(err).Warn("mdns discovery failed to start")
		}
	}

	for _, seed := range cfg.BootstrapPeers {
		if err := n.Dial(ctx, seed); err != nil {
			log.WithError(err).WithField("peer", seed).Warn("bootstrap dial failed")
		}
	}

	return n, nil
}

type mdnsNotifee struct {
	node *Node
	log  *logrus.Logger
}

// HandlePeerFound implements mdns.Notifee.
func (m *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := m.node.Host.Connect(ctx, info); err != nil {
		m.log.WithError(err).WithField("peer", info.ID.String()).Debug("mdns peer connect failed")
	}
}

// Dial connects to a peer given its full multi-address string, including
// one with a /p2p-circuit hop; the circuit-relay transport negotiates that
// hop transparently.
func (n *Node) Dial(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return utils.Wrap(err, "parse multiaddr")
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return utils.Wrap(err, "parse addr info")
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := n.Host.Connect(dctx, *info); err != nil {
		return utils.Wrap(err, "connect")
	}
	return nil
}

// Handle registers a handler invoked for every inbound stream opened
// against proto. Only one handler may be registered per protocol id.
func (n *Node) Handle(proto protocol.ID, handler StreamHandler) {
	n.handlersMu.Lock()
	n.handlers[proto] = handler
	n.handlersMu.Unlock()

	n.Host.SetStreamHandler(proto, func(s network.Stream) {
		handler(s.Conn().RemotePeer(), s)
	})
}

// NewStream opens one outbound stream to peer p over proto.
func (n *Node) NewStream(ctx context.Context, p peer.ID, proto protocol.ID) (network.Stream, error) {
	return n.Host.NewStream(ctx, p, proto)
}

// Connectedness reports whether the transport currently has an open
// connection to p.
func (n *Node) Connectedness(p peer.ID) network.Connectedness {
	return n.Host.Network().Connectedness(p)
}

// ConnsToPeer returns the open connections to p, if any.
func (n *Node) ConnsToPeer(p peer.ID) []network.Conn {
	return n.Host.Network().ConnsToPeer(p)
}

// Addrs returns the node's currently advertised self multi-addresses.
func (n *Node) Addrs() []ma.Multiaddr {
	return n.Host.Addrs()
}

// Peers enumerates peers the transport currently holds a connection to.
func (n *Node) Peers() []peer.ID {
	return n.Host.Network().Peers()
}

// Close stops the host and every background service attached to it.
func (n *Node) Close() error {
	return n.Host.Close()
}

// ID returns the node's own peer identifier.
func (n *Node) ID() peer.ID {
	return n.Host.ID()
}
