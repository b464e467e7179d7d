package core

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/txscript"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
)

// estimateSerializeSize approximates a transaction's on-wire size given a
// count of (P2SH 2-of-2) inputs and its actual outputs. Redeem-script
// multisig inputs are bulkier than the P2PKH inputs the bchwallet sizing
// helpers assume, so this is sized for two compressed-pubkey signatures plus
// the bare-multisig redeem script rather than reused from elsewhere.
const estimatedMultisigInputSize = 299 // outpoint(36) + 2 DER sigs(~144) + redeem script(~71) + overhead

func estimateSerializeSize(inputCount int, outs []*wire.TxOut, hasChange bool) int {
	const txOverhead = 10
	const outputOverhead = 9
	size := txOverhead + inputCount*estimatedMultisigInputSize
	for _, out := range outs {
		size += outputOverhead + len(out.PkScript)
	}
	if hasChange {
		size += outputOverhead + 25
	}
	return size
}

// UTXO is one spendable output as reported by the chain service.
type UTXO struct {
	TxID     string
	Vout     uint32
	Amount   int64
	PkScript []byte
}

var (
	// ErrInsufficientFunds is returned when the supplied UTXOs cannot cover
	// the requested amount plus fee.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrDustOutput is returned when every channel output would fall below
	// the configured dust threshold.
	ErrDustOutput = errors.New("output below dust threshold")
	// ErrInvalidSignature is returned when a multisig spend fails script
	// verification.
	ErrInvalidSignature = errors.New("invalid multisig signature")
)

// maxReplaceableSequence is the base value from which each commitment
// transaction's input sequence is derived: sequence = maxReplaceableSequence
// - sequenceNumber, so that later channel states carry a strictly smaller
// nSequence than earlier ones. This is an off-chain bookkeeping marker only;
// since superseded commitment transactions are never broadcast, nothing on
// the network ever observes or enforces it.
const maxReplaceableSequence = wire.MaxTxInSequenceNum - 1

// sortedMultisigPubkeys returns a and b reordered so the lexicographically
// smaller compressed pubkey comes first, matching BIP-67 style canonical
// multisig ordering so both parties build byte-identical redeem scripts.
func sortedMultisigPubkeys(a, b []byte) ([]byte, []byte) {
	if bytes.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

// BuildMultisigRedeemScript returns the 2-of-2 bare multisig redeem script
// for the two channel participants' compressed public keys.
func BuildMultisigRedeemScript(pubkeyA, pubkeyB []byte) ([]byte, error) {
	first, second := sortedMultisigPubkeys(pubkeyA, pubkeyB)
	builder := txscript.NewScriptBuilder()
	builder.AddInt64(2)
	builder.AddData(first)
	builder.AddData(second)
	builder.AddInt64(2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	return builder.Script()
}

// MultisigAddress derives the P2SH address for a 2-of-2 redeem script.
func MultisigAddress(redeemScript []byte, params *chaincfg.Params) (bchutil.Address, error) {
	return bchutil.NewAddressScriptHash(redeemScript, params)
}

// selectFundingInputs picks UTXOs (in the order given) until their sum covers
// amount plus the estimated fee for spending them, returning the chosen
// inputs, the fee charged, and the change amount.
func selectFundingInputs(utxos []UTXO, amount int64, changeScript []byte, feeRatePerByte int64) ([]UTXO, int64, int64, error) {
	var chosen []UTXO
	var total int64
	for _, u := range utxos {
		chosen = append(chosen, u)
		total += u.Amount
		outs := []*wire.TxOut{{Value: amount, PkScript: changeScript}}
		size := estimateSerializeSize(len(chosen), outs, true)
		fee := int64(size) * feeRatePerByte
		if total >= amount+fee {
			return chosen, fee, total - amount - fee, nil
		}
	}
	return nil, 0, 0, ErrInsufficientFunds
}

// BuildFundingTx constructs the channel-opening transaction: it spends
// wallet UTXOs into one output paying the 2-of-2 channel address and, if
// non-dust, a change output back to the payer.
func BuildFundingTx(utxos []UTXO, channelScript []byte, amount int64, changeScript []byte, feeRatePerByte int64, dustThreshold int64) (*wire.MsgTx, error) {
	chosen, _, change, err := selectFundingInputs(utxos, amount, changeScript, feeRatePerByte)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(1)
	for _, u := range chosen {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, err
		}
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: wire.OutPoint{Hash: *hash, Index: u.Vout},
			Sequence:         wire.MaxTxInSequenceNum,
		})
	}
	tx.AddTxOut(&wire.TxOut{Value: amount, PkScript: channelScript})
	if change > dustThreshold {
		tx.AddTxOut(&wire.TxOut{Value: change, PkScript: changeScript})
	}
	return tx, nil
}

// buildBalanceSplitTx is the shared shape behind both a commitment and a
// settlement transaction: one input spending the funding outpoint, split
// into each side's payout script, with the fee divided across whichever
// outputs clear the dust threshold.
func buildBalanceSplitTx(fundingOutpoint wire.OutPoint, localScript, remoteScript []byte, localAmount, remoteAmount int64, sequence, lockTime uint32, feeRatePerByte, dustThreshold int64) (*wire.MsgTx, error) {
	tx := &wire.MsgTx{
		Version: 2,
		TxIn: []*wire.TxIn{{
			PreviousOutPoint: fundingOutpoint,
			Sequence:         sequence,
		}},
		LockTime: lockTime,
	}

	localOut := &wire.TxOut{Value: localAmount, PkScript: localScript}
	remoteOut := &wire.TxOut{Value: remoteAmount, PkScript: remoteScript}
	var outs []*wire.TxOut
	if localAmount > dustThreshold {
		outs = append(outs, localOut)
	}
	if remoteAmount > dustThreshold {
		outs = append(outs, remoteOut)
	}
	if len(outs) == 0 {
		return nil, ErrDustOutput
	}

	size := estimateSerializeSize(1, outs, false)
	fee := int64(size) * feeRatePerByte
	if len(outs) == 1 {
		outs[0].Value -= fee
	} else {
		half := fee / 2
		outs[0].Value -= half
		outs[1].Value -= fee - half
	}
	tx.TxOut = outs
	return tx, nil
}

// BuildCommitmentTx constructs one party's view of the current channel
// balance split, spending the funding (or prior commitment) outpoint
// directly to each side's payout script. Sequence is derived from
// sequenceNumber so that later channel states carry a strictly smaller
// nSequence than earlier ones, and nLockTime is the channel's agreed unilateral-claim
// timeout, carried unchanged onto every commitment version.
func BuildCommitmentTx(fundingOutpoint wire.OutPoint, localScript, remoteScript []byte, localAmount, remoteAmount int64, sequenceNumber uint64, nLockTime int64, feeRatePerByte, dustThreshold int64) (*wire.MsgTx, error) {
	if sequenceNumber > uint64(maxReplaceableSequence) {
		return nil, fmt.Errorf("sequence number %d exceeds encodable range", sequenceNumber)
	}
	sequence := uint32(maxReplaceableSequence) - uint32(sequenceNumber)
	return buildBalanceSplitTx(fundingOutpoint, localScript, remoteScript, localAmount, remoteAmount, sequence, uint32(nLockTime), feeRatePerByte, dustThreshold)
}

// BuildSettlementTx constructs the final, mutually-signed closing
// transaction: the same two-output shape as a commitment, but with nSequence
// set to the final (maximum) value and nLockTime zero, making it immediately
// broadcastable and with no further state to supersede it.
func BuildSettlementTx(fundingOutpoint wire.OutPoint, localScript, remoteScript []byte, localAmount, remoteAmount int64, feeRatePerByte, dustThreshold int64) (*wire.MsgTx, error) {
	return buildBalanceSplitTx(fundingOutpoint, localScript, remoteScript, localAmount, remoteAmount, wire.MaxTxInSequenceNum, 0, feeRatePerByte, dustThreshold)
}

// payoutScriptForPubKey derives the standard pay-to-pubkey-hash script that
// routes a settlement or commitment output to the party controlling pub.
func payoutScriptForPubKey(pub []byte, params *chaincfg.Params) ([]byte, error) {
	addr, err := bchutil.NewAddressPubKeyHash(bchutil.Hash160(pub), params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// SignMultisigInput produces one party's ALL-hash-type signature over input
// idx, spending a 2-of-2 redeem script with total input value amount.
func SignMultisigInput(tx *wire.MsgTx, idx int, redeemScript []byte, priv *bchec.PrivateKey, amount int64) ([]byte, error) {
	return txscript.RawTxInSignature(tx, idx, redeemScript, txscript.SigHashAll, priv, amount)
}

// BuildMultisigScriptSig assembles the final scriptSig for a 2-of-2 bare
// multisig spend from both parties' signatures, in redeem-script key order.
func BuildMultisigScriptSig(sigA, sigB, redeemScript []byte) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(sigA)
	builder.AddData(sigB)
	builder.AddData(redeemScript)
	return builder.Script()
}

// VerifyMultisigSpend checks that tx's input idx correctly satisfies
// pkScript (the P2SH output being spent) given the funding amount.
func VerifyMultisigSpend(tx *wire.MsgTx, idx int, pkScript []byte, amount int64) error {
	sigHashes := txscript.NewTxSigHashes(tx)
	engine, err := txscript.NewEngine(pkScript, tx, idx, txscript.StandardVerifyFlags, nil, sigHashes, amount)
	if err != nil {
		return err
	}
	if err := engine.Execute(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
