package core

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/net/swarm"
	relayv2client "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/client"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"github.com/relaymesh/node/pkg/utils"
)

const (
	relayPollInterval = 500 * time.Millisecond
	relayBackoffFloor = 30 * time.Second
	relayBackoffCap   = 5 * time.Minute
)

// RelayManager owns the lifecycle of a single circuit-relay (v2) reservation:
// dialing the relay, obtaining and polling for the reservation, and
// recovering from a lost circuit address without ever tearing down a
// currently-healthy relay connection.
type RelayManager struct {
	node     *Node
	relay    peer.AddrInfo
	log      *logrus.Logger

	mu         sync.Mutex
	backoff    time.Duration
	recovering bool
}

// RelayHealthState is the externally observable status of a relay
// reservation, independent of whether it is actively being retried.
type RelayHealthState string

const (
	RelayHealthOK                RelayHealthState = "healthy"
	RelayHealthNotConnected      RelayHealthState = "not-connected"
	RelayHealthNoReservation     RelayHealthState = "no-reservation"
	RelayHealthDisconnectedRetry RelayHealthState = "disconnected-and-retrying"
)

// NewRelayManager builds a manager for the given relay, identified by its
// full dialable AddrInfo.
func NewRelayManager(n *Node, relay peer.AddrInfo, log *logrus.Logger) *RelayManager {
	return &RelayManager{node: n, relay: relay, log: log}
}

// ParseRelayAddr parses a relay's full dialable multiaddr (including its
// /p2p/<peerID> suffix) into an AddrInfo suitable for NewRelayManager.
func ParseRelayAddr(addr string) (peer.AddrInfo, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return peer.AddrInfo{}, utils.Wrap(err, "parse relay multiaddr")
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return peer.AddrInfo{}, utils.Wrap(err, "parse relay addr info")
	}
	return *info, nil
}

func isCircuitAddr(a ma.Multiaddr) bool {
	for _, p := range a.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

// HasReservation reports whether the host currently advertises any
// /p2p-circuit address, i.e. whether a relay reservation is live.
func (r *RelayManager) HasReservation() bool {
	for _, a := range r.node.Host.Addrs() {
		if isCircuitAddr(a) {
			return true
		}
	}
	return false
}

// Dial connects to the relay peer. It does not by itself request a
// reservation; AutoRelay-style circuit negotiation happens via Reserve.
func (r *RelayManager) Dial(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := r.node.Host.Connect(dctx, r.relay); err != nil {
		return utils.Wrap(err, "dial relay")
	}
	return nil
}

// Reserve makes one explicit circuit-v2 reservation request against the
// relay. The relay must already be connected.
func (r *RelayManager) Reserve(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	rsvp, err := relayv2client.Reserve(rctx, r.node.Host, r.relay)
	if err != nil {
		return utils.Wrap(err, "reserve relay slot")
	}
	r.log.WithFields(logrus.Fields{
		"relay":      r.relay.ID.String(),
		"expiration": rsvp.Expiration,
	}).Info("relay reservation obtained")
	return nil
}

// WaitForReservation polls the host's advertised addresses until a circuit
// address appears or the timeout elapses.
func (r *RelayManager) WaitForReservation(ctx context.Context, timeout time.Duration) bool {
	deadline := time.After(timeout)
	ticker := time.NewTicker(relayPollInterval)
	defer ticker.Stop()

	if r.HasReservation() {
		return true
	}
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-ticker.C:
			if r.HasReservation() {
				return true
			}
		}
	}
}

// Health reports whether the reservation is currently live and, when it is
// not, which of the failure-model states applies: not connected to the
// relay, connected but without a reservation yet, or lost and actively
// being recovered.
func (r *RelayManager) Health() (bool, RelayHealthState) {
	if r.HasReservation() {
		return true, RelayHealthOK
	}
	r.mu.Lock()
	recovering := r.recovering
	r.mu.Unlock()
	if recovering {
		return false, RelayHealthDisconnectedRetry
	}
	if r.node.Host.Network().Connectedness(r.relay.ID) != network.Connected {
		return false, RelayHealthNotConnected
	}
	return false, RelayHealthNoReservation
}

// EstablishAndWait performs the full connect/reserve/confirm sequence once,
// used both for the initial reservation and for post-loss recovery.
func (r *RelayManager) EstablishAndWait(ctx context.Context, confirmTimeout time.Duration) error {
	if err := r.Dial(ctx); err != nil {
		return err
	}
	if err := r.Reserve(ctx); err != nil {
		return err
	}
	if !r.WaitForReservation(ctx, confirmTimeout) {
		return utils.Wrap(context.DeadlineExceeded, "reservation not confirmed")
	}
	return nil
}

// nextBackoff advances the retry delay geometrically from 30s to a 5-minute
// cap; resetBackoff, called on a successful reservation, makes the next
// call start again from the floor.
func (r *RelayManager) nextBackoff() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backoff == 0 {
		r.backoff = relayBackoffFloor
	} else {
		r.backoff *= 2
		if r.backoff > relayBackoffCap {
			r.backoff = relayBackoffCap
		}
	}
	return r.backoff
}

func (r *RelayManager) resetBackoff() {
	r.mu.Lock()
	r.backoff = 0
	r.mu.Unlock()
}

// Supervise runs until ctx is cancelled. It performs the initial reservation
// (retrying indefinitely with exponential backoff until one is obtained),
// watches for the circuit address disappearing and reconnects immediately
// when that happens, and independently polls connectedness to the relay
// peer every healthCheckInterval so a silent drop that never raises an
// EvtLocalAddressesUpdated event is still caught. It never closes an
// existing relay connection on a healthy tick — only a detected loss
// triggers recovery.
func (r *RelayManager) Supervise(ctx context.Context, healthCheckInterval time.Duration) {
	go r.runInitial(ctx)
	go r.watchAddressChanges(ctx)
	if healthCheckInterval > 0 {
		go r.runHealthCheck(ctx, healthCheckInterval)
	}
}

// runHealthCheck independently polls connectedness to the relay peer on a
// fixed interval. Address-change events cover most disconnects, but a relay
// that vanishes without emitting one (e.g. a hard crash on its end) would
// otherwise go unnoticed until the next unrelated address change.
func (r *RelayManager) runHealthCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.node.Host.Network().Connectedness(r.relay.ID) != network.Connected {
				r.log.Warn("relay health check: not connected to relay, recovering")
				r.tryRecover(ctx)
			}
		}
	}
}

// tryRecover spawns recover unless a recovery attempt is already in
// flight, so the address-change watcher and the health-check ticker never
// race each other into running two concurrent recoveries.
func (r *RelayManager) tryRecover(ctx context.Context) {
	r.mu.Lock()
	if r.recovering {
		r.mu.Unlock()
		return
	}
	r.recovering = true
	r.mu.Unlock()
	go r.recover(ctx)
}

func (r *RelayManager) runInitial(ctx context.Context) {
	for {
		if r.HasReservation() {
			r.resetBackoff()
			return
		}
		if err := r.EstablishAndWait(ctx, 10*time.Second); err == nil {
			r.resetBackoff()
			return
		} else {
			r.log.WithError(err).Warn("relay reservation attempt failed, retrying")
		}
		wait := r.nextBackoff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (r *RelayManager) watchAddressChanges(ctx context.Context) {
	sub, err := r.node.Host.EventBus().Subscribe(new(event.EvtLocalAddressesUpdated))
	if err != nil {
		r.log.WithError(err).Warn("relay: failed to subscribe to address changes")
		return
	}
	defer sub.Close()

	hadReservation := r.HasReservation()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Out():
			has := r.HasReservation()
			if has != hadReservation {
				hadReservation = has
				if !has {
					r.log.Warn("relay reservation lost, reconnecting")
					r.tryRecover(ctx)
				}
			}
		}
	}
}

// recover reacquires a lost reservation. It clears swarm dial backoff for
// the relay peer and refreshes its peerstore addresses before reconnecting;
// it never closes a connection itself, since this path only runs after the
// circuit address has disappeared or the relay connection has dropped. A
// circuit address that is still advertised while the relay is not connected
// does not count as a live reservation here.
func (r *RelayManager) recover(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.recovering = false
		r.mu.Unlock()
	}()

	if sw, ok := r.node.Host.Network().(*swarm.Swarm); ok {
		sw.Backoff().Clear(r.relay.ID)
	}
	r.node.Host.Peerstore().AddAddrs(r.relay.ID, r.relay.Addrs, 10*time.Minute)

	for {
		if r.HasReservation() && r.node.Connectedness(r.relay.ID) == network.Connected {
			r.resetBackoff()
			return
		}
		if err := r.EstablishAndWait(ctx, 10*time.Second); err == nil {
			r.resetBackoff()
			return
		} else {
			r.log.WithError(err).Warn("relay recovery attempt failed, retrying")
		}
		wait := r.nextBackoff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
