package core

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/wire"
)

type fakeChainService struct {
	broadcasted []*wire.MsgTx
}

func (f *fakeChainService) UTXOsFor(ctx context.Context, address string) ([]UTXO, error) {
	return nil, nil
}

func (f *fakeChainService) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	f.broadcasted = append(f.broadcasted, tx)
	return "settlement-txid", nil
}

func (f *fakeChainService) ConfirmationProof(ctx context.Context, txid string) (int64, error) {
	return 1, nil
}

func newTestManagers(t *testing.T) (openerMgr, acceptorMgr *ChannelManager) {
	t.Helper()
	cfg := Config{
		MinCapacity:                 1000,
		MaxCapacity:                 AcceptAllThreshold,
		AutoAcceptChannelsBelowSats: AcceptAllThreshold,
		FeeRatePerByte:              2,
		DustThreshold:               546,
	}
	log := newTestLogger()

	openerWallet, _, err := NewRandomPayWallet(128)
	if err != nil {
		t.Fatalf("opener wallet: %v", err)
	}
	acceptorWallet, _, err := NewRandomPayWallet(128)
	if err != nil {
		t.Fatalf("acceptor wallet: %v", err)
	}

	openerStore := openTestStore(t)
	acceptorStore := openTestStore(t)

	openerMgr = NewChannelManager(openerStore, &fakeChainService{}, openerWallet, &chaincfg.MainNetParams, cfg, log)
	acceptorMgr = NewChannelManager(acceptorStore, &fakeChainService{}, acceptorWallet, &chaincfg.MainNetParams, cfg, log)
	return
}

// openFundedChannel drives a channel all the way from proposal through the
// funding handshake on both sides, returning the channel id, which the
// opener and acceptor share.
func openFundedChannel(t *testing.T, opener, acceptor *ChannelManager) string {
	t.Helper()
	ctx := context.Background()

	openerCh, err := opener.CreateChannel(ctx, "peer-opener", "peer-acceptor", 100000, time.Hour)
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}

	openPayload := ChannelOpenPayload{
		ChannelID: openerCh.ID,
		PubKey:    openerCh.LocalPubKey,
		Capacity:  openerCh.Capacity,
		NLockTime: openerCh.NLockTime,
	}
	acceptorCh, err := acceptor.AcceptChannel(ctx, "peer-acceptor", openPayload, "peer-opener")
	if err != nil {
		t.Fatalf("accept channel: %v", err)
	}

	acceptPayload := ChannelAcceptPayload{ChannelID: acceptorCh.ID, PubKey: acceptorCh.LocalPubKey}
	if _, err := opener.ApplyAccept(ctx, openerCh.ID, acceptPayload); err != nil {
		t.Fatalf("apply accept: %v", err)
	}

	if _, err := opener.SetFunding(ctx, openerCh.ID, sampleTxID, 0); err != nil {
		t.Fatalf("opener set funding: %v", err)
	}
	if _, err := acceptor.SetFunding(ctx, acceptorCh.ID, sampleTxID, 0); err != nil {
		t.Fatalf("acceptor set funding: %v", err)
	}
	return openerCh.ID
}

var sampleTxID = strings.Repeat("1", 63) + "a"

func TestCreateChannelRejectsOutOfRangeCapacity(t *testing.T) {
	opener, _ := newTestManagers(t)
	opener.cfg.MaxCapacity = 50000
	_, err := opener.CreateChannel(context.Background(), "a", "b", 100000, time.Hour)
	if err != ErrCapacityOutOfRange {
		t.Fatalf("err = %v, want ErrCapacityOutOfRange", err)
	}
}

func TestAcceptChannelEnforcesAutoAcceptThreshold(t *testing.T) {
	_, acceptor := newTestManagers(t)
	acceptor.cfg.AutoAcceptChannelsBelowSats = 1000

	open := ChannelOpenPayload{ChannelID: "chan-1", PubKey: []byte{0x02}, Capacity: 5000}
	_, err := acceptor.AcceptChannel(context.Background(), "acceptor", open, "opener")
	if err != ErrChannelAboveThreshold {
		t.Fatalf("err = %v, want ErrChannelAboveThreshold", err)
	}
}

func TestOpenFundedChannelTransitionsToOpen(t *testing.T) {
	opener, acceptor := newTestManagers(t)
	id := openFundedChannel(t, opener, acceptor)

	ch, err := opener.GetChannel(id)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	if ch.State != ChannelOpen {
		t.Fatalf("state = %s, want open", ch.State)
	}
	if len(ch.RedeemScript) == 0 || ch.ChannelAddr == "" {
		t.Fatalf("expected redeem script and address to be populated")
	}
}

func TestCreatePaymentAndConfirm(t *testing.T) {
	opener, acceptor := newTestManagers(t)
	id := openFundedChannel(t, opener, acceptor)

	payoutScript := []byte{0x51}
	update, sig, err := opener.CreatePayment(context.Background(), id, 1000, payoutScript, payoutScript)
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if update.NewSequenceNumber != 1 {
		t.Fatalf("sequence = %d, want 1", update.NewSequenceNumber)
	}
	if len(sig) == 0 {
		t.Fatalf("expected non-empty signature")
	}

	ch, err := opener.GetChannel(id)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	if ch.PendingOutgoing == nil {
		t.Fatalf("expected a pending payment before confirmation")
	}

	if _, err := opener.ConfirmPayment(context.Background(), id, sig); err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	ch, err = opener.GetChannel(id)
	if err != nil {
		t.Fatalf("get channel after confirm: %v", err)
	}
	if ch.PendingOutgoing != nil {
		t.Fatalf("expected pending payment to be cleared")
	}
	if ch.SequenceNumber != 1 {
		t.Fatalf("sequence = %d, want 1", ch.SequenceNumber)
	}
	if ch.LocalBalance != 99000 || ch.RemoteBalance != 1000 {
		t.Fatalf("unexpected balances: local=%d remote=%d", ch.LocalBalance, ch.RemoteBalance)
	}
}

func TestCreatePaymentInsufficientBalance(t *testing.T) {
	opener, acceptor := newTestManagers(t)
	id := openFundedChannel(t, opener, acceptor)

	payoutScript := []byte{0x51}
	_, _, err := opener.CreatePayment(context.Background(), id, 1_000_000, payoutScript, payoutScript)
	if err != ErrInsufficientBalance {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestRollbackPaymentRestoresPriorBalances(t *testing.T) {
	opener, acceptor := newTestManagers(t)
	id := openFundedChannel(t, opener, acceptor)

	payoutScript := []byte{0x51}
	before, err := opener.GetChannel(id)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	priorLocal, priorRemote := before.LocalBalance, before.RemoteBalance

	if _, _, err := opener.CreatePayment(context.Background(), id, 5000, payoutScript, payoutScript); err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if _, err := opener.RollbackPayment(context.Background(), id); err != nil {
		t.Fatalf("rollback payment: %v", err)
	}

	after, err := opener.GetChannel(id)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	if after.LocalBalance != priorLocal || after.RemoteBalance != priorRemote {
		t.Fatalf("balances not restored: local=%d remote=%d", after.LocalBalance, after.RemoteBalance)
	}
	if after.PendingOutgoing != nil {
		t.Fatalf("expected pending payment cleared after rollback")
	}
	if after.SequenceNumber != 0 {
		t.Fatalf("sequence number must not advance on rollback, got %d", after.SequenceNumber)
	}
}

func TestProcessIncomingUpdateRejectsNonMonotonicSequence(t *testing.T) {
	opener, acceptor := newTestManagers(t)
	id := openFundedChannel(t, opener, acceptor)

	update := ChannelUpdatePayload{ChannelID: id, NewSequenceNumber: 0, Signature: "00"}
	_, err := acceptor.ProcessIncomingUpdate(context.Background(), id, update, []byte{0x51}, []byte{0x51})
	if err != ErrSequenceNotMonotonic {
		t.Fatalf("err = %v, want ErrSequenceNotMonotonic", err)
	}
}

func TestCooperativeCloseBroadcastsSettlement(t *testing.T) {
	opener, acceptor := newTestManagers(t)
	id := openFundedChannel(t, opener, acceptor)

	payoutScript := []byte{0x51}
	tx, localSig, err := opener.CloseChannel(context.Background(), id, payoutScript, payoutScript)
	if err != nil {
		t.Fatalf("close channel: %v", err)
	}

	ch, err := opener.GetChannel(id)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	if ch.State != ChannelClosing {
		t.Fatalf("state = %s, want closing", ch.State)
	}

	// In a real handshake the counterparty would return its own signature
	// over the identical settlement transaction; the fake chain service
	// does not verify scripts, so the opener's signature stands in for both.
	txid, err := opener.FinalizeClose(context.Background(), id, tx, localSig, localSig)
	if err != nil {
		t.Fatalf("finalize close: %v", err)
	}
	if txid != "settlement-txid" {
		t.Fatalf("txid = %q, want settlement-txid", txid)
	}

	ch, err = opener.GetChannel(id)
	if err != nil {
		t.Fatalf("get channel after close: %v", err)
	}
	if ch.State != ChannelClosed {
		t.Fatalf("state = %s, want closed", ch.State)
	}
	if ch.SettlementTxID != "settlement-txid" {
		t.Fatalf("settlement txid not recorded")
	}
}

func TestGetChannelNotFound(t *testing.T) {
	opener, _ := newTestManagers(t)
	_, err := opener.GetChannel("no-such-channel")
	if err != ErrChannelNotFound {
		t.Fatalf("err = %v, want ErrChannelNotFound", err)
	}
}
