package core

import (
	"github.com/libp2p/go-libp2p/core/crypto"
)

// LoadOrCreateIdentity returns the persisted libp2p private key for this
// node, generating and storing a fresh ed25519 key pair on first run.
//
// Peer identity is intentionally kept on a different curve than the
// payment-system key in wallet.go: the two serve unrelated trust domains
// and must not be derivable from one another.
func LoadOrCreateIdentity(store *Store) (crypto.PrivKey, error) {
	raw, err := store.LoadIdentityKey()
	if err != nil {
		return nil, err
	}
	if raw != nil {
		return crypto.UnmarshalPrivateKey(raw)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	marshaled, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := store.SaveIdentityKey(marshaled); err != nil {
		return nil, err
	}
	return priv, nil
}
