package core

import (
	"bytes"
	"testing"
)

func TestNewRandomPayWalletProducesValidMnemonic(t *testing.T) {
	w, mnemonic, err := NewRandomPayWallet(256)
	if err != nil {
		t.Fatalf("new random wallet: %v", err)
	}
	if mnemonic == "" {
		t.Fatalf("expected non-empty mnemonic")
	}
	if w == nil {
		t.Fatalf("expected non-nil wallet")
	}
}

func TestPayWalletFromMnemonicRejectsGarbage(t *testing.T) {
	if _, err := PayWalletFromMnemonic("not a real mnemonic at all", ""); err == nil {
		t.Fatalf("expected error for invalid mnemonic")
	}
}

func TestPayWalletFromMnemonicIsDeterministic(t *testing.T) {
	_, mnemonic, err := NewRandomPayWallet(128)
	if err != nil {
		t.Fatalf("new random wallet: %v", err)
	}

	w1, err := PayWalletFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("restore 1: %v", err)
	}
	w2, err := PayWalletFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("restore 2: %v", err)
	}

	k1, err := w1.AccountKey(0, 0)
	if err != nil {
		t.Fatalf("account key 1: %v", err)
	}
	k2, err := w2.AccountKey(0, 0)
	if err != nil {
		t.Fatalf("account key 2: %v", err)
	}
	if !bytes.Equal(k1.Serialize(), k2.Serialize()) {
		t.Fatalf("expected deterministic derivation from the same mnemonic")
	}
}

func TestAccountKeyDiffersByIndex(t *testing.T) {
	w, _, err := NewRandomPayWallet(128)
	if err != nil {
		t.Fatalf("new random wallet: %v", err)
	}
	k0, err := w.AccountKey(0, 0)
	if err != nil {
		t.Fatalf("account key 0: %v", err)
	}
	k1, err := w.AccountKey(0, 1)
	if err != nil {
		t.Fatalf("account key 1: %v", err)
	}
	if bytes.Equal(k0.Serialize(), k1.Serialize()) {
		t.Fatalf("expected distinct keys for distinct indices")
	}
}

func TestPubKeyToAddress(t *testing.T) {
	w, _, err := NewRandomPayWallet(128)
	if err != nil {
		t.Fatalf("new random wallet: %v", err)
	}
	priv, err := w.AccountKey(0, 0)
	if err != nil {
		t.Fatalf("account key: %v", err)
	}
	addr, err := PubKeyToAddress(priv.PubKey().SerializeCompressed())
	if err != nil {
		t.Fatalf("pub key to address: %v", err)
	}
	var zero Address
	if addr == zero {
		t.Fatalf("expected non-zero address")
	}
}

func TestWalletWipeZeroesKeyMaterial(t *testing.T) {
	w, _, err := NewRandomPayWallet(128)
	if err != nil {
		t.Fatalf("new random wallet: %v", err)
	}
	w.Wipe()
	for _, b := range w.masterKey {
		if b != 0 {
			t.Fatalf("expected master key to be zeroed after Wipe")
		}
	}
	for _, b := range w.masterChain {
		if b != 0 {
			t.Fatalf("expected master chain code to be zeroed after Wipe")
		}
	}
}
