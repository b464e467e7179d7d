package core

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/txscript"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// Channel lifecycle errors (see external spec §5 error taxonomy).
var (
	ErrChannelNotFound       = errors.New("channel-not-found")
	ErrChannelWrongState     = errors.New("channel-wrong-state")
	ErrCapacityOutOfRange    = errors.New("capacity-out-of-range")
	ErrSequenceNotMonotonic  = errors.New("sequence-not-monotonic")
	ErrInsufficientBalance   = errors.New("insufficient-channel-balance")
	ErrNoPendingPayment      = errors.New("no-pending-payment")
	ErrChannelAboveThreshold = errors.New("channel-above-auto-accept-threshold")
)

// kmutex is a keyed mutex: Lock(key) blocks only callers sharing that key,
// never callers working on a different channel.
type kmutex struct {
	m sync.Map
}

func (k *kmutex) Lock(key string) {
	for {
		m := &sync.Mutex{}
		actual, _ := k.m.LoadOrStore(key, m)
		lock := actual.(*sync.Mutex)
		lock.Lock()
		// Unlock deletes the key before releasing its mutex, so a waiter
		// can wake holding a mutex that is no longer stored while a newer
		// caller holds a fresh one. Only the mutex currently stored for key
		// grants the lock; otherwise release it and try again.
		if cur, ok := k.m.Load(key); ok && cur == lock {
			return
		}
		lock.Unlock()
	}
}

func (k *kmutex) Unlock(key string) {
	actual, ok := k.m.Load(key)
	if !ok {
		panic("kmutex: unlock of unlocked channel " + key)
	}
	k.m.Delete(key)
	actual.(*sync.Mutex).Unlock()
}

// Sender is the narrow outbound capability the channel manager needs to
// push proposals, acceptances, and closes to a counterparty. The manager
// holds this interface rather than a *Handler so the two layers depend on
// each other in one direction only: the handler dispatches accepted inbound
// channel envelopes into the manager via a registered subscriber, and the
// manager replies through Sender without ever importing the handler type.
type Sender interface {
	Send(ctx context.Context, to peer.ID, env Envelope) error
}

// ChannelManager implements the C4 payment-channel state machine: creation,
// acceptance, funding, balance updates with optimistic-send rollback, and
// cooperative close.
type ChannelManager struct {
	store  *Store
	chain  ChainService
	wallet *PayWallet
	params *chaincfg.Params
	cfg    Config
	log    *logrus.Logger
	sender Sender

	locks kmutex
}

// NewChannelManager builds a channel manager over the given persistence,
// chain access, and payment wallet.
func NewChannelManager(store *Store, chain ChainService, wallet *PayWallet, params *chaincfg.Params, cfg Config, log *logrus.Logger) *ChannelManager {
	return &ChannelManager{store: store, chain: chain, wallet: wallet, params: params, cfg: cfg, log: log}
}

// SetSender wires the outbound channel the manager uses to reply to peers.
// It must be called before any of the Handle* dispatch methods or Propose*
// helpers below are used.
func (m *ChannelManager) SetSender(s Sender) {
	m.sender = s
}

// signDigest produces a hex-encoded ECDSA signature over the sha256 of
// data, used for the liveness/authenticity proofs on channel_open and
// channel_accept envelopes (separate from the commitment-transaction
// signatures carried on channel_update/channel_close).
func signDigest(priv *bchec.PrivateKey, data []byte) (string, error) {
	digest := sha256.Sum256(data)
	sig, err := priv.Sign(digest[:])
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

func (m *ChannelManager) sendEnvelope(ctx context.Context, localPeerID string, to peer.ID, t MessageType, payload interface{}) error {
	if m.sender == nil {
		return errors.New("channel manager: no sender configured")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := Envelope{
		ID:        uuid.NewString(),
		Type:      t,
		From:      localPeerID,
		To:        to.String(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}
	return m.sender.Send(ctx, to, env)
}

func (m *ChannelManager) sendReject(ctx context.Context, localPeerID string, to peer.ID, channelID string, cause error) error {
	return m.sendEnvelope(ctx, localPeerID, to, MsgChannelReject, ChannelRejectPayload{
		ChannelID: channelID,
		Reason:    cause.Error(),
	})
}

func (m *ChannelManager) localKey(keyIndex uint32) (*bchec.PrivateKey, error) {
	return m.wallet.AccountKey(0, keyIndex)
}

// CreateChannel starts a new outgoing channel proposal: it allocates a
// fresh per-channel key, computes the channel id, and persists the record
// in the pending state. The caller is responsible for sending the resulting
// ChannelOpenPayload to the counterparty.
func (m *ChannelManager) CreateChannel(ctx context.Context, localPeerID, remotePeerID string, capacity uint64, lifetime time.Duration) (*Channel, error) {
	if capacity < m.cfg.MinCapacity || (m.cfg.MaxCapacity != AcceptAllThreshold && capacity > m.cfg.MaxCapacity) {
		return nil, ErrCapacityOutOfRange
	}
	idx, err := m.store.NextKeyIndex()
	if err != nil {
		return nil, err
	}
	priv, err := m.localKey(idx)
	if err != nil {
		return nil, err
	}
	pub := priv.PubKey().SerializeCompressed()

	now := time.Now()
	id := channelID(localPeerID, remotePeerID, pub, now)

	ch := &Channel{
		ID:            id,
		State:         ChannelPending,
		LocalPeerID:   localPeerID,
		RemotePeerID:  remotePeerID,
		LocalPubKey:   pub,
		Capacity:      capacity,
		LocalBalance:  capacity,
		RemoteBalance: 0,
		NLockTime:     now.Add(lifetime).Unix(),
		KeyIndex:      idx,
		CreatedAt:     now.UnixMilli(),
		UpdatedAt:     now.UnixMilli(),
	}
	if err := m.store.SaveChannel(ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// ProposeChannel creates a new channel and sends the signed channel_open
// proposal to the counterparty over the configured Sender.
func (m *ChannelManager) ProposeChannel(ctx context.Context, localPeerID string, remotePeerID peer.ID, capacity uint64, lifetime time.Duration) (*Channel, error) {
	ch, err := m.CreateChannel(ctx, localPeerID, remotePeerID.String(), capacity, lifetime)
	if err != nil {
		return nil, err
	}
	priv, err := m.localKey(ch.KeyIndex)
	if err != nil {
		return nil, err
	}
	sig, err := signDigest(priv, []byte(fmt.Sprintf("%s|%x|%d|%d", ch.ID, ch.LocalPubKey, ch.Capacity, ch.NLockTime)))
	if err != nil {
		return nil, err
	}
	payload := ChannelOpenPayload{
		ChannelID: ch.ID,
		PubKey:    ch.LocalPubKey,
		Capacity:  ch.Capacity,
		NLockTime: ch.NLockTime,
		Signature: sig,
	}
	if err := m.sendEnvelope(ctx, localPeerID, remotePeerID, MsgChannelOpen, payload); err != nil {
		return nil, err
	}
	return ch, nil
}

func channelID(localPeerID, remotePeerID string, localPub []byte, t time.Time) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%x|%d", localPeerID, remotePeerID, localPub, t.UnixNano())))
	return hex.EncodeToString(h[:])
}

// AcceptChannel processes a peer's ChannelOpenPayload: enforces the
// capacity/auto-accept policy, allocates the local key, derives the
// multisig redeem script and address, and persists the accepted channel.
// There is no override: a capacity above AutoAcceptChannelsBelowSats is
// always rejected with ErrChannelAboveThreshold.
func (m *ChannelManager) AcceptChannel(ctx context.Context, localPeerID string, open ChannelOpenPayload, remotePeerID string) (*Channel, error) {
	if m.cfg.AutoAcceptChannelsBelowSats != AcceptAllThreshold && open.Capacity > m.cfg.AutoAcceptChannelsBelowSats {
		return nil, ErrChannelAboveThreshold
	}
	if open.Capacity < m.cfg.MinCapacity || (m.cfg.MaxCapacity != AcceptAllThreshold && open.Capacity > m.cfg.MaxCapacity) {
		return nil, ErrCapacityOutOfRange
	}

	idx, err := m.store.NextKeyIndex()
	if err != nil {
		return nil, err
	}
	priv, err := m.localKey(idx)
	if err != nil {
		return nil, err
	}
	pub := priv.PubKey().SerializeCompressed()

	redeemScript, err := BuildMultisigRedeemScript(open.PubKey, pub)
	if err != nil {
		return nil, err
	}
	addr, err := MultisigAddress(redeemScript, m.params)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ch := &Channel{
		ID:            open.ChannelID,
		State:         ChannelPending,
		LocalPeerID:   localPeerID,
		RemotePeerID:  remotePeerID,
		LocalPubKey:   pub,
		RemotePubKey:  open.PubKey,
		Capacity:      open.Capacity,
		LocalBalance:  0,
		RemoteBalance: open.Capacity,
		NLockTime:     open.NLockTime,
		KeyIndex:      idx,
		RedeemScript:  redeemScript,
		ChannelAddr:   addr.EncodeAddress(),
		CreatedAt:     now.UnixMilli(),
		UpdatedAt:     now.UnixMilli(),
	}
	if err := m.store.SaveChannel(ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// HandleChannelOpen is the inbound dispatch target for a channel_open
// envelope: it runs AcceptChannel and replies with a signed channel_accept,
// or a channel_reject carrying the failure reason.
func (m *ChannelManager) HandleChannelOpen(ctx context.Context, localPeerID string, from peer.ID, open ChannelOpenPayload) error {
	ch, err := m.AcceptChannel(ctx, localPeerID, open, from.String())
	if err != nil {
		return m.sendReject(ctx, localPeerID, from, open.ChannelID, err)
	}
	priv, err := m.localKey(ch.KeyIndex)
	if err != nil {
		return err
	}
	sig, err := signDigest(priv, []byte(fmt.Sprintf("%s|%x", ch.ID, ch.LocalPubKey)))
	if err != nil {
		return err
	}
	return m.sendEnvelope(ctx, localPeerID, from, MsgChannelAccept, ChannelAcceptPayload{
		ChannelID: ch.ID,
		PubKey:    ch.LocalPubKey,
		Signature: sig,
	})
}

// ApplyAccept merges the counterparty's ChannelAcceptPayload into the
// opener-side pending channel, completing the redeem script/address and
// transitioning it toward funding.
func (m *ChannelManager) ApplyAccept(ctx context.Context, channelID string, accept ChannelAcceptPayload) (*Channel, error) {
	m.locks.Lock(channelID)
	defer m.locks.Unlock(channelID)

	ch, err := m.store.LoadChannel(channelID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, ErrChannelNotFound
	}
	if ch.State != ChannelPending {
		return nil, ErrChannelWrongState
	}

	redeemScript, err := BuildMultisigRedeemScript(ch.LocalPubKey, accept.PubKey)
	if err != nil {
		return nil, err
	}
	addr, err := MultisigAddress(redeemScript, m.params)
	if err != nil {
		return nil, err
	}

	ch.RemotePubKey = accept.PubKey
	ch.RedeemScript = redeemScript
	ch.ChannelAddr = addr.EncodeAddress()
	ch.UpdatedAt = time.Now().UnixMilli()
	if err := m.store.SaveChannel(ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// HandleChannelAccept is the inbound dispatch target for a channel_accept
// envelope. A channel_accept plays one of two roles depending on the
// channel's current state: completing the open handshake (state pending),
// or acknowledging the counterparty's signature on an in-flight payment
// update (state open with a pending outgoing payment).
func (m *ChannelManager) HandleChannelAccept(ctx context.Context, localPeerID string, from peer.ID, accept ChannelAcceptPayload) error {
	ch, err := m.GetChannel(accept.ChannelID)
	if err != nil {
		return err
	}
	switch {
	case ch.State == ChannelPending:
		_, err := m.ApplyAccept(ctx, accept.ChannelID, accept)
		return err
	case ch.State == ChannelOpen && ch.PendingOutgoing != nil:
		sig, err := hex.DecodeString(accept.Signature)
		if err != nil {
			return fmt.Errorf("decode accept signature: %w", err)
		}
		_, err = m.ConfirmPayment(ctx, accept.ChannelID, sig)
		return err
	default:
		m.log.WithField("channel", accept.ChannelID).Warn("unexpected channel_accept, ignoring")
		return nil
	}
}

// HandleChannelReject is the inbound dispatch target for a channel_reject
// envelope: an in-flight payment is rolled back, an open proposal is just
// logged since it never mutated local state beyond the pending record.
func (m *ChannelManager) HandleChannelReject(ctx context.Context, reject ChannelRejectPayload) error {
	ch, err := m.GetChannel(reject.ChannelID)
	if err != nil {
		return err
	}
	if ch.PendingOutgoing != nil {
		m.log.WithFields(logrus.Fields{"channel": reject.ChannelID, "reason": reject.Reason}).Warn("counterparty rejected payment update, rolling back")
		_, err := m.RollbackPayment(ctx, reject.ChannelID)
		return err
	}
	m.log.WithFields(logrus.Fields{"channel": reject.ChannelID, "reason": reject.Reason}).Warn("counterparty rejected channel proposal")
	return nil
}

// SetFunding records the broadcast funding transaction and moves the
// channel to the open state. Both parties call this once they observe (or
// construct and sign) the same funding transaction.
func (m *ChannelManager) SetFunding(ctx context.Context, channelID, fundingTxID string, outputIndex uint32) (*Channel, error) {
	m.locks.Lock(channelID)
	defer m.locks.Unlock(channelID)

	ch, err := m.store.LoadChannel(channelID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, ErrChannelNotFound
	}
	if ch.State != ChannelPending {
		return nil, ErrChannelWrongState
	}
	ch.FundingTxID = fundingTxID
	ch.FundingOutputIndex = outputIndex
	ch.State = ChannelOpen
	ch.UpdatedAt = time.Now().UnixMilli()
	return ch, m.store.SaveChannel(ch)
}

// fundingOutpoint builds the wire.OutPoint the channel's commitment chain
// spends from.
func (ch *Channel) fundingOutpoint() (wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(ch.FundingTxID)
	if err != nil {
		return wire.OutPoint{}, err
	}
	return wire.OutPoint{Hash: *hash, Index: ch.FundingOutputIndex}, nil
}

// CreatePayment optimistically applies an outgoing payment of amount
// satoshis: local balance decreases, remote balance increases, and the next
// sequence number and the prior balances are stashed in PendingOutgoing so
// a counterparty rejection can roll the state back exactly (ch.SequenceNumber
// itself advances only in ConfirmPayment). It returns the signed
// ChannelUpdatePayload to send, and the raw local signature over the new
// commitment transaction.
func (m *ChannelManager) CreatePayment(ctx context.Context, channelID string, amount uint64, localPayoutScript, remotePayoutScript []byte) (ChannelUpdatePayload, []byte, error) {
	m.locks.Lock(channelID)
	defer m.locks.Unlock(channelID)

	ch, err := m.store.LoadChannel(channelID)
	if err != nil {
		return ChannelUpdatePayload{}, nil, err
	}
	if ch == nil {
		return ChannelUpdatePayload{}, nil, ErrChannelNotFound
	}
	if ch.State != ChannelOpen {
		return ChannelUpdatePayload{}, nil, ErrChannelWrongState
	}
	if ch.PendingOutgoing != nil {
		return ChannelUpdatePayload{}, nil, fmt.Errorf("payment already in flight for channel %s", channelID)
	}
	if amount > ch.LocalBalance {
		return ChannelUpdatePayload{}, nil, ErrInsufficientBalance
	}

	pending := &PendingPayment{
		Amount:             amount,
		NewSequenceNumber:  ch.SequenceNumber + 1,
		PriorLocalBalance:  ch.LocalBalance,
		PriorRemoteBalance: ch.RemoteBalance,
	}
	ch.PendingOutgoing = pending
	ch.LocalBalance -= amount
	ch.RemoteBalance += amount
	ch.UpdatedAt = time.Now().UnixMilli()

	sig, err := m.signCommitment(ch, localPayoutScript, remotePayoutScript, pending.NewSequenceNumber)
	if err != nil {
		ch.PendingOutgoing = nil
		ch.LocalBalance = pending.PriorLocalBalance
		ch.RemoteBalance = pending.PriorRemoteBalance
		return ChannelUpdatePayload{}, nil, err
	}

	if err := m.store.SaveChannel(ch); err != nil {
		return ChannelUpdatePayload{}, nil, err
	}

	return ChannelUpdatePayload{
		ChannelID:         channelID,
		NewSequenceNumber: pending.NewSequenceNumber,
		NewLocalBalance:   ch.LocalBalance,
		NewRemoteBalance:  ch.RemoteBalance,
		Signature:         hex.EncodeToString(sig),
	}, sig, nil
}

// ProposePayment creates an optimistic outgoing payment via CreatePayment and
// sends the resulting channel_update to the counterparty for countersigning.
func (m *ChannelManager) ProposePayment(ctx context.Context, localPeerID string, to peer.ID, channelID string, amount uint64, localPayoutScript, remotePayoutScript []byte) (ChannelUpdatePayload, error) {
	update, _, err := m.CreatePayment(ctx, channelID, amount, localPayoutScript, remotePayoutScript)
	if err != nil {
		return ChannelUpdatePayload{}, err
	}
	if err := m.sendEnvelope(ctx, localPeerID, to, MsgChannelUpdate, update); err != nil {
		return ChannelUpdatePayload{}, err
	}
	return update, nil
}

// ConfirmPayment finalizes the in-flight outgoing payment once the
// counterparty acknowledges it: the sequence number is committed and
// PendingOutgoing is cleared. The amount is logged to the append-only
// payment record.
func (m *ChannelManager) ConfirmPayment(ctx context.Context, channelID string, sig []byte) (*Channel, error) {
	m.locks.Lock(channelID)
	defer m.locks.Unlock(channelID)

	ch, err := m.store.LoadChannel(channelID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, ErrChannelNotFound
	}
	if ch.PendingOutgoing == nil {
		return nil, ErrNoPendingPayment
	}
	pending := ch.PendingOutgoing
	ch.SequenceNumber = pending.NewSequenceNumber
	ch.PendingOutgoing = nil
	ch.UpdatedAt = time.Now().UnixMilli()

	rec := &PaymentRecord{
		ChannelID:         channelID,
		Amount:            pending.Amount,
		NewSequenceNumber: pending.NewSequenceNumber,
		NewLocalBalance:   ch.LocalBalance,
		NewRemoteBalance:  ch.RemoteBalance,
		Signature:         sig,
		Timestamp:         time.Now().UnixMilli(),
	}
	if err := m.store.AppendPayment(channelID, rec); err != nil {
		return nil, err
	}
	return ch, m.store.SaveChannel(ch)
}

// RollbackPayment undoes the in-flight outgoing payment after a
// counterparty rejection: balances and sequence number revert to their
// pre-payment values and the payment is never retried with an incremented
// sequence number.
func (m *ChannelManager) RollbackPayment(ctx context.Context, channelID string) (*Channel, error) {
	m.locks.Lock(channelID)
	defer m.locks.Unlock(channelID)

	ch, err := m.store.LoadChannel(channelID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, ErrChannelNotFound
	}
	if ch.PendingOutgoing == nil {
		return nil, ErrNoPendingPayment
	}
	ch.LocalBalance = ch.PendingOutgoing.PriorLocalBalance
	ch.RemoteBalance = ch.PendingOutgoing.PriorRemoteBalance
	ch.PendingOutgoing = nil
	ch.UpdatedAt = time.Now().UnixMilli()
	return ch, m.store.SaveChannel(ch)
}

// ProcessIncomingUpdate applies a counterparty's ChannelUpdatePayload from
// the receiving side's perspective: the sequence number must strictly
// increase, and the balances are mirrored (the sender's remote is our
// local). It verifies the sender's commitment signature before committing.
func (m *ChannelManager) ProcessIncomingUpdate(ctx context.Context, channelID string, update ChannelUpdatePayload, remoteLocalScript, remoteRemoteScript []byte) (*Channel, error) {
	m.locks.Lock(channelID)
	defer m.locks.Unlock(channelID)

	ch, err := m.store.LoadChannel(channelID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, ErrChannelNotFound
	}
	if ch.State != ChannelOpen {
		return nil, ErrChannelWrongState
	}
	if update.NewSequenceNumber <= ch.SequenceNumber {
		return nil, ErrSequenceNotMonotonic
	}

	sig, err := hex.DecodeString(update.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	// From the sender's perspective remoteLocalScript/remoteRemoteScript
	// pay them/us respectively; here, "local" is the counterparty who
	// sent the update, so their commitment pays us what they call
	// NewRemoteBalance.
	if err := m.verifyCommitment(ch, remoteLocalScript, remoteRemoteScript, update.NewSequenceNumber, update.NewLocalBalance, update.NewRemoteBalance, sig); err != nil {
		return nil, err
	}

	ch.SequenceNumber = update.NewSequenceNumber
	ch.LocalBalance = update.NewRemoteBalance
	ch.RemoteBalance = update.NewLocalBalance
	ch.UpdatedAt = time.Now().UnixMilli()
	return ch, m.store.SaveChannel(ch)
}

// HandleChannelUpdate is the inbound dispatch target for a channel_update
// envelope: it verifies and applies the counterparty's proposed balance
// split via ProcessIncomingUpdate, then replies with our own commitment
// signature over the same state as a channel_accept, or a channel_reject
// carrying the failure reason.
func (m *ChannelManager) HandleChannelUpdate(ctx context.Context, localPeerID string, from peer.ID, update ChannelUpdatePayload) error {
	ch, err := m.GetChannel(update.ChannelID)
	if err != nil {
		return err
	}
	remoteLocalScript, err := payoutScriptForPubKey(ch.RemotePubKey, m.params)
	if err != nil {
		return err
	}
	remoteRemoteScript, err := payoutScriptForPubKey(ch.LocalPubKey, m.params)
	if err != nil {
		return err
	}
	updated, err := m.ProcessIncomingUpdate(ctx, update.ChannelID, update, remoteLocalScript, remoteRemoteScript)
	if err != nil {
		return m.sendReject(ctx, localPeerID, from, update.ChannelID, err)
	}
	counterSig, err := m.signCommitment(updated, remoteRemoteScript, remoteLocalScript, updated.SequenceNumber)
	if err != nil {
		return err
	}
	return m.sendEnvelope(ctx, localPeerID, from, MsgChannelAccept, ChannelAcceptPayload{
		ChannelID: updated.ID,
		Signature: hex.EncodeToString(counterSig),
	})
}

func (m *ChannelManager) signCommitment(ch *Channel, localScript, remoteScript []byte, sequenceNumber uint64) ([]byte, error) {
	outpoint, err := ch.fundingOutpoint()
	if err != nil {
		return nil, err
	}
	tx, err := BuildCommitmentTx(outpoint, localScript, remoteScript, int64(ch.LocalBalance), int64(ch.RemoteBalance), sequenceNumber, ch.NLockTime, m.cfg.FeeRatePerByte, m.cfg.DustThreshold)
	if err != nil {
		return nil, err
	}
	priv, err := m.localKey(ch.KeyIndex)
	if err != nil {
		return nil, err
	}
	return SignMultisigInput(tx, 0, ch.RedeemScript, priv, int64(ch.Capacity))
}

func (m *ChannelManager) verifyCommitment(ch *Channel, localScript, remoteScript []byte, sequenceNumber uint64, localAmount, remoteAmount uint64, sig []byte) error {
	outpoint, err := ch.fundingOutpoint()
	if err != nil {
		return err
	}
	tx, err := BuildCommitmentTx(outpoint, localScript, remoteScript, int64(localAmount), int64(remoteAmount), sequenceNumber, ch.NLockTime, m.cfg.FeeRatePerByte, m.cfg.DustThreshold)
	if err != nil {
		return err
	}
	// Build the counterparty's signature alongside ours so the script can
	// execute the full 2-of-2 multisig spend.
	priv, err := m.localKey(ch.KeyIndex)
	if err != nil {
		return err
	}
	localSig, err := SignMultisigInput(tx, 0, ch.RedeemScript, priv, int64(ch.Capacity))
	if err != nil {
		return err
	}
	first, _ := sortedMultisigPubkeys(ch.LocalPubKey, ch.RemotePubKey)
	var scriptSig []byte
	if string(first) == string(ch.LocalPubKey) {
		scriptSig, err = BuildMultisigScriptSig(localSig, sig, ch.RedeemScript)
	} else {
		scriptSig, err = BuildMultisigScriptSig(sig, localSig, ch.RedeemScript)
	}
	if err != nil {
		return err
	}
	tx.TxIn[0].SignatureScript = scriptSig

	channelAddr, err := bchutil.DecodeAddress(ch.ChannelAddr, m.params)
	if err != nil {
		return fmt.Errorf("decode channel address: %w", err)
	}
	pkScript, err := txscript.PayToAddrScript(channelAddr)
	if err != nil {
		return err
	}
	return VerifyMultisigSpend(tx, 0, pkScript, int64(ch.Capacity))
}

// CloseChannel builds the settlement transaction for a cooperative close,
// signs it with the local key only, and moves the channel to the closing
// state. It returns the transaction, whose scriptSig is not yet filled in,
// and the local signature; FinalizeClose adds the counterparty's.
func (m *ChannelManager) CloseChannel(ctx context.Context, channelID string, localPayoutScript, remotePayoutScript []byte) (*wire.MsgTx, []byte, error) {
	m.locks.Lock(channelID)
	defer m.locks.Unlock(channelID)

	ch, err := m.store.LoadChannel(channelID)
	if err != nil {
		return nil, nil, err
	}
	if ch == nil {
		return nil, nil, ErrChannelNotFound
	}
	if ch.State != ChannelOpen {
		return nil, nil, ErrChannelWrongState
	}

	outpoint, err := ch.fundingOutpoint()
	if err != nil {
		return nil, nil, err
	}
	tx, err := BuildSettlementTx(outpoint, localPayoutScript, remotePayoutScript, int64(ch.LocalBalance), int64(ch.RemoteBalance), m.cfg.FeeRatePerByte, m.cfg.DustThreshold)
	if err != nil {
		return nil, nil, err
	}
	priv, err := m.localKey(ch.KeyIndex)
	if err != nil {
		return nil, nil, err
	}
	sig, err := SignMultisigInput(tx, 0, ch.RedeemScript, priv, int64(ch.Capacity))
	if err != nil {
		return nil, nil, err
	}

	ch.State = ChannelClosing
	ch.UpdatedAt = time.Now().UnixMilli()
	if err := m.store.SaveChannel(ch); err != nil {
		return nil, nil, err
	}
	return tx, sig, nil
}

// ProposeCooperativeClose builds and signs the settlement transaction via
// CloseChannel, then sends it to the counterparty as a channel_close
// envelope for them to countersign and broadcast.
func (m *ChannelManager) ProposeCooperativeClose(ctx context.Context, localPeerID string, to peer.ID, channelID string, localPayoutScript, remotePayoutScript []byte) error {
	tx, sig, err := m.CloseChannel(ctx, channelID, localPayoutScript, remotePayoutScript)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return err
	}
	return m.sendEnvelope(ctx, localPeerID, to, MsgChannelClose, ChannelClosePayload{
		ChannelID:    channelID,
		Cooperative:  true,
		SettlementTx: buf.Bytes(),
		Signature:    hex.EncodeToString(sig),
	})
}

// markClosing transitions an open channel into the closing state ahead of
// countersigning a peer-proposed settlement transaction.
func (m *ChannelManager) markClosing(channelID string) (*Channel, error) {
	m.locks.Lock(channelID)
	defer m.locks.Unlock(channelID)

	ch, err := m.store.LoadChannel(channelID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, ErrChannelNotFound
	}
	if ch.State != ChannelOpen {
		return nil, ErrChannelWrongState
	}
	ch.State = ChannelClosing
	ch.UpdatedAt = time.Now().UnixMilli()
	return ch, m.store.SaveChannel(ch)
}

// FinalizeClose completes a cooperative close once both signatures are
// available: it assembles the final scriptSig, broadcasts the settlement
// transaction, and marks the channel closed.
func (m *ChannelManager) FinalizeClose(ctx context.Context, channelID string, tx *wire.MsgTx, localSig, remoteSig []byte) (string, error) {
	m.locks.Lock(channelID)
	defer m.locks.Unlock(channelID)

	ch, err := m.store.LoadChannel(channelID)
	if err != nil {
		return "", err
	}
	if ch == nil {
		return "", ErrChannelNotFound
	}
	if ch.State != ChannelClosing {
		return "", ErrChannelWrongState
	}

	first, _ := sortedMultisigPubkeys(ch.LocalPubKey, ch.RemotePubKey)
	var scriptSig []byte
	if string(first) == string(ch.LocalPubKey) {
		scriptSig, err = BuildMultisigScriptSig(localSig, remoteSig, ch.RedeemScript)
	} else {
		scriptSig, err = BuildMultisigScriptSig(remoteSig, localSig, ch.RedeemScript)
	}
	if err != nil {
		return "", err
	}
	tx.TxIn[0].SignatureScript = scriptSig

	txid, err := m.chain.Broadcast(ctx, tx)
	if err != nil {
		return "", err
	}

	ch.SettlementTxID = txid
	ch.State = ChannelClosed
	ch.UpdatedAt = time.Now().UnixMilli()
	return txid, m.store.SaveChannel(ch)
}

// HandleChannelClose is the inbound dispatch target for a channel_close
// envelope: it decodes the proposed settlement transaction, countersigns
// it, moves the channel to the closing state if it was still open, and
// finalizes (broadcasts) the jointly-signed transaction.
func (m *ChannelManager) HandleChannelClose(ctx context.Context, payload ChannelClosePayload) error {
	ch, err := m.GetChannel(payload.ChannelID)
	if err != nil {
		return err
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(payload.SettlementTx)); err != nil {
		return fmt.Errorf("decode settlement tx: %w", err)
	}
	remoteSig, err := hex.DecodeString(payload.Signature)
	if err != nil {
		return fmt.Errorf("decode settlement signature: %w", err)
	}
	priv, err := m.localKey(ch.KeyIndex)
	if err != nil {
		return err
	}
	localSig, err := SignMultisigInput(&tx, 0, ch.RedeemScript, priv, int64(ch.Capacity))
	if err != nil {
		return err
	}
	if ch.State == ChannelOpen {
		if _, err := m.markClosing(payload.ChannelID); err != nil {
			return err
		}
	}
	txid, err := m.FinalizeClose(ctx, payload.ChannelID, &tx, localSig, remoteSig)
	if err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"channel": payload.ChannelID, "settlementTxid": txid}).Info("cooperative close finalized")
	return nil
}

// GetChannel returns the persisted channel record, or ErrChannelNotFound.
func (m *ChannelManager) GetChannel(channelID string) (*Channel, error) {
	ch, err := m.store.LoadChannel(channelID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, ErrChannelNotFound
	}
	return ch, nil
}

// ListChannels returns every channel this node knows about.
func (m *ChannelManager) ListChannels() ([]*Channel, error) {
	return m.store.ListChannels()
}
