package core

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "relaymesh.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreIdentityKeyRoundTrip(t *testing.T) {
	store := openTestStore(t)

	raw, err := store.LoadIdentityKey()
	if err != nil {
		t.Fatalf("load identity key: %v", err)
	}
	if raw != nil {
		t.Fatalf("expected no identity key on a fresh store")
	}

	want := []byte{0x01, 0x02, 0x03}
	if err := store.SaveIdentityKey(want); err != nil {
		t.Fatalf("save identity key: %v", err)
	}
	got, err := store.LoadIdentityKey()
	if err != nil {
		t.Fatalf("load identity key: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestStoreNextKeyIndexMonotonic(t *testing.T) {
	store := openTestStore(t)

	for i := uint32(0); i < 5; i++ {
		idx, err := store.NextKeyIndex()
		if err != nil {
			t.Fatalf("next key index: %v", err)
		}
		if idx != i {
			t.Fatalf("index %d, want %d", idx, i)
		}
	}
}

func TestStoreChannelRoundTrip(t *testing.T) {
	store := openTestStore(t)

	ch := &Channel{
		ID:            "chan-1",
		State:         ChannelPending,
		LocalPeerID:   "peer-a",
		RemotePeerID:  "peer-b",
		Capacity:      100000,
		LocalBalance:  100000,
		RemoteBalance: 0,
	}
	if err := store.SaveChannel(ch); err != nil {
		t.Fatalf("save channel: %v", err)
	}

	got, err := store.LoadChannel("chan-1")
	if err != nil {
		t.Fatalf("load channel: %v", err)
	}
	if got == nil {
		t.Fatalf("expected channel to be found")
	}
	if got.RemotePeerID != "peer-b" || got.LocalBalance != 100000 {
		t.Fatalf("unexpected channel contents: %+v", got)
	}

	missing, err := store.LoadChannel("no-such-channel")
	if err != nil {
		t.Fatalf("load missing channel: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown channel")
	}
}

func TestStoreListChannels(t *testing.T) {
	store := openTestStore(t)

	for _, id := range []string{"chan-1", "chan-2", "chan-3"} {
		if err := store.SaveChannel(&Channel{ID: id, State: ChannelPending}); err != nil {
			t.Fatalf("save channel %s: %v", id, err)
		}
	}

	chans, err := store.ListChannels()
	if err != nil {
		t.Fatalf("list channels: %v", err)
	}
	if len(chans) != 3 {
		t.Fatalf("got %d channels, want 3", len(chans))
	}
}

func TestStoreAppendAndReadPaymentLog(t *testing.T) {
	store := openTestStore(t)

	for seq := uint64(1); seq <= 3; seq++ {
		rec := &PaymentRecord{ChannelID: "chan-1", Amount: 1000, NewSequenceNumber: seq}
		if err := store.AppendPayment("chan-1", rec); err != nil {
			t.Fatalf("append payment %d: %v", seq, err)
		}
	}

	log, err := store.PaymentLog("chan-1")
	if err != nil {
		t.Fatalf("payment log: %v", err)
	}
	if len(log) != 3 {
		t.Fatalf("got %d records, want 3", len(log))
	}
	for i, rec := range log {
		want := uint64(i + 1)
		if rec.NewSequenceNumber != want {
			t.Fatalf("record %d has sequence %d, want %d (log must be ordered)", i, rec.NewSequenceNumber, want)
		}
	}
}

func TestStoreWalletSeedRoundTrip(t *testing.T) {
	store := openTestStore(t)

	seed, err := store.LoadWalletSeed()
	if err != nil {
		t.Fatalf("load wallet seed: %v", err)
	}
	if seed != nil {
		t.Fatalf("expected no wallet seed on a fresh store")
	}

	want := []byte("test mnemonic seed")
	if err := store.SaveWalletSeed(want); err != nil {
		t.Fatalf("save wallet seed: %v", err)
	}
	got, err := store.LoadWalletSeed()
	if err != nil {
		t.Fatalf("load wallet seed: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q want %q", got, want)
	}
}
