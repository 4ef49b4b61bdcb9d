package swap

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
)

// dustLimit is the smallest output the claim and refund builders produce.
const dustLimit = 546

// SpendParams describes the lockup output being spent.
type SpendParams struct {
	LockupTxID   string
	LockupVout   uint32
	LockupAmount btcutil.Amount
	RedeemScript []byte

	Destination btcutil.Address
	FeeRate     uint64
	PrivKey     *btcec.PrivateKey
}

// BuildClaimTx spends a lockup output through the preimage path.
//
// Witness: [signature, preimage, redeem_script]
func BuildClaimTx(p *SpendParams, preimage lntypes.Preimage) (*wire.MsgTx, error) {
	tx, err := newSpendTx(p, claimVSize, 0)
	if err != nil {
		return nil, err
	}
	sig, err := signLockupInput(tx, p)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = wire.TxWitness{sig, preimage[:], p.RedeemScript}
	return tx, nil
}

// BuildRefundTx spends a lockup output through the locktime path. The
// transaction's nLockTime is set to locktime so OP_CHECKLOCKTIMEVERIFY
// passes.
//
// Witness: [signature, <empty>, redeem_script]
func BuildRefundTx(p *SpendParams, locktime uint32) (*wire.MsgTx, error) {
	tx, err := newSpendTx(p, refundVSize, locktime)
	if err != nil {
		return nil, err
	}
	sig, err := signLockupInput(tx, p)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = wire.TxWitness{sig, {}, p.RedeemScript}
	return tx, nil
}

// PreimageFromWitness extracts a preimage from a claim witness. It returns
// false for refund witnesses and anything that does not hash to hash.
func PreimageFromWitness(witness [][]byte, hash lntypes.Hash) (lntypes.Preimage, bool) {
	var preimage lntypes.Preimage
	if len(witness) != 3 || len(witness[1]) != 32 {
		return preimage, false
	}
	copy(preimage[:], witness[1])
	if !VerifyPreimage(preimage, hash) {
		return lntypes.Preimage{}, false
	}
	return preimage, true
}

// SerializeTx returns the hex encoding of tx.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// DeserializeTx decodes a hex transaction.
func DeserializeTx(txHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction hex: %w", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize transaction: %w", err)
	}
	return tx, nil
}

func newSpendTx(p *SpendParams, vsize uint64, locktime uint32) (*wire.MsgTx, error) {
	if p.PrivKey == nil {
		return nil, fmt.Errorf("missing signing key")
	}
	hash, err := chainhash.NewHashFromStr(p.LockupTxID)
	if err != nil {
		return nil, fmt.Errorf("invalid lockup txid: %w", err)
	}
	destScript, err := txscript.PayToAddrScript(p.Destination)
	if err != nil {
		return nil, fmt.Errorf("invalid destination address: %w", err)
	}

	fee := btcutil.Amount(vsize * p.FeeRate)
	output := p.LockupAmount - fee
	if output < dustLimit {
		return nil, fmt.Errorf("output %d below dust after fee %d", output, fee)
	}

	tx := wire.NewMsgTx(2)
	txIn := wire.NewTxIn(wire.NewOutPoint(hash, p.LockupVout), nil, nil)
	if locktime > 0 {
		// A final sequence would disable nLockTime.
		txIn.Sequence = wire.MaxTxInSequenceNum - 1
		tx.LockTime = locktime
	}
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(int64(output), destScript))
	return tx, nil
}

func signLockupInput(tx *wire.MsgTx, p *SpendParams) ([]byte, error) {
	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(
		P2WSHPkScript(p.RedeemScript),
		int64(p.LockupAmount),
	)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)
	sighash, err := txscript.CalcWitnessSigHash(
		p.RedeemScript,
		sigHashes,
		txscript.SigHashAll,
		tx,
		0,
		int64(p.LockupAmount),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sighash: %w", err)
	}

	sig := ecdsa.Sign(p.PrivKey, sighash)
	return append(sig.Serialize(), byte(txscript.SigHashAll)), nil
}
