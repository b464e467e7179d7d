package core

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"math/big"

	"github.com/gcash/bchd/bchec"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // kept for payout-address derivation, matches the chain's P2PKH hashing
)

const (
	hardenedOffset = uint32(0x80000000)
	masterHMACKey  = "Bitcoin seed"
)

// PayWallet is the payment-system HD wallet. It is deliberately built over
// secp256k1 (via bchec), a different curve than the ed25519 peer identity
// key in identity.go, so that compromise of one key family never implies
// compromise of the other.
type PayWallet struct {
	masterKey   []byte
	masterChain []byte
}

// NewRandomPayWallet generates a fresh mnemonic of the requested entropy
// strength (128 bits -> 12 words, 256 bits -> 24 words) and the wallet
// derived from it.
func NewRandomPayWallet(entropyBits int) (*PayWallet, string, error) {
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return nil, "", fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", fmt.Errorf("derive mnemonic: %w", err)
	}
	w, err := PayWalletFromMnemonic(mnemonic, "")
	return w, mnemonic, err
}

// PayWalletFromMnemonic rebuilds a wallet from a BIP-39 mnemonic and
// optional passphrase.
func PayWalletFromMnemonic(mnemonic, passphrase string) (*PayWallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return NewPayWalletFromSeed(seed)
}

// NewPayWalletFromSeed derives the master key pair from a raw BIP-39 seed.
func NewPayWalletFromSeed(seed []byte) (*PayWallet, error) {
	mac := hmac.New(sha512.New, []byte(masterHMACKey))
	mac.Write(seed)
	sum := mac.Sum(nil)
	return &PayWallet{masterKey: sum[:32], masterChain: sum[32:]}, nil
}

// derivePrivate walks a hardened-only derivation path, mirroring the
// SLIP-0010/BIP-32 hardened child formula:
//
//	I = HMAC-SHA512(chainCode, 0x00 || parentKey || ser32(index))
//	childKey = (parentKey + I_L) mod n, childChain = I_R
func (w *PayWallet) derivePrivate(path ...uint32) ([]byte, []byte, error) {
	key, chain := w.masterKey, w.masterChain
	curveOrder := bchec.S256().N
	for _, index := range path {
		idx := index | hardenedOffset
		data := make([]byte, 1+len(key)+4)
		data[0] = 0x00
		copy(data[1:], key)
		data[len(data)-4] = byte(idx >> 24)
		data[len(data)-3] = byte(idx >> 16)
		data[len(data)-2] = byte(idx >> 8)
		data[len(data)-1] = byte(idx)

		mac := hmac.New(sha512.New, chain)
		mac.Write(data)
		sum := mac.Sum(nil)

		il := new(big.Int).SetBytes(sum[:32])
		parent := new(big.Int).SetBytes(key)
		child := new(big.Int).Add(il, parent)
		child.Mod(child, curveOrder)
		if child.Sign() == 0 {
			return nil, nil, errors.New("invalid child key, retry with next index")
		}

		key = padTo32(child.Bytes())
		chain = sum[32:]
	}
	return key, chain, nil
}

func padTo32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

// AccountKey derives the channel-signing key pair for (account, index) under
// a fixed purpose level, hardened throughout.
func (w *PayWallet) AccountKey(account, index uint32) (*bchec.PrivateKey, error) {
	keyBytes, _, err := w.derivePrivate(44, account, index)
	if err != nil {
		return nil, err
	}
	priv, _ := bchec.PrivKeyFromBytes(bchec.S256(), keyBytes)
	return priv, nil
}

// PubKeyToAddress hashes a serialized compressed public key the way P2PKH
// payout scripts expect: RIPEMD160(SHA256(pubkey)).
func PubKeyToAddress(pubKey []byte) (Address, error) {
	sum := sha256.Sum256(pubKey)
	h := ripemd160.New()
	if _, err := h.Write(sum[:]); err != nil {
		return Address{}, err
	}
	var addr Address
	copy(addr[:], h.Sum(nil))
	return addr, nil
}

// Wipe zeroes the in-memory master key material. It does not affect any
// derived keys already handed out.
func (w *PayWallet) Wipe() {
	for i := range w.masterKey {
		w.masterKey[i] = 0
	}
	for i := range w.masterChain {
		w.masterChain[i] = 0
	}
}
