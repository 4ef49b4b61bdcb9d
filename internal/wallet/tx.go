package wallet

import (
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/swapserver/internal/backend"
)

// Virtual sizes used to estimate funding fees.
const (
	txOverheadVSize   = 11
	p2wpkhInputVSize  = 68
	p2wpkhOutputVSize = 31
	p2wshOutputVSize  = 43

	dustLimit = 546
)

// ErrInsufficientFunds is returned when the UTXOs cannot cover a payment.
var ErrInsufficientFunds = errors.New("insufficient funds")

// FundingParams describes a payment from P2WPKH outputs of one key.
type FundingParams struct {
	Key   *btcec.PrivateKey
	UTXOs []backend.UTXO

	// SourceScript is the P2WPKH script of Key; change returns to it.
	SourceScript []byte

	// Destination is the output script to pay, normally a P2WSH lockup.
	Destination []byte
	Amount      int64
	FeeRate     uint64
}

// BuildFundingTx selects UTXOs, pays Amount to Destination with change
// back to SourceScript, and signs every input. It returns the signed
// transaction and the UTXOs it spends.
func BuildFundingTx(p *FundingParams) (*wire.MsgTx, []backend.UTXO, error) {
	if p.Amount <= dustLimit {
		return nil, nil, fmt.Errorf("amount %d is dust", p.Amount)
	}
	if p.FeeRate == 0 {
		return nil, nil, errors.New("fee rate must be positive")
	}

	selected, total, err := selectUTXOs(p.UTXOs, uint64(p.Amount), p.FeeRate, len(p.Destination))
	if err != nil {
		return nil, nil, err
	}

	tx := wire.NewMsgTx(2)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(selected))
	for _, u := range selected {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid txid %s: %w", u.TxID, err)
		}
		in := wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil)
		in.Sequence = wire.MaxTxInSequenceNum - 2 // signal RBF
		tx.AddTxIn(in)
		prevOuts[in.PreviousOutPoint] = wire.NewTxOut(int64(u.Amount), p.SourceScript)
	}
	tx.AddTxOut(wire.NewTxOut(p.Amount, p.Destination))

	fee := estimateFee(len(selected), len(p.Destination), true, p.FeeRate)
	if change := int64(total) - p.Amount - int64(fee); change > dustLimit {
		tx.AddTxOut(wire.NewTxOut(change, p.SourceScript))
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		prev := fetcher.FetchPrevOutput(in.PreviousOutPoint)
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, prev.Value, prev.PkScript,
			txscript.SigHashAll, p.Key, true)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		in.Witness = witness
	}
	return tx, selected, nil
}

// selectUTXOs picks the largest outputs first until amount plus fee is
// covered.
func selectUTXOs(utxos []backend.UTXO, amount, feeRate uint64, destScriptLen int) ([]backend.UTXO, uint64, error) {
	sorted := append([]backend.UTXO(nil), utxos...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	var (
		selected []backend.UTXO
		total    uint64
		need     uint64
	)
	for _, u := range sorted {
		selected = append(selected, u)
		total += u.Amount

		// Whether change survives is only known after selection, so price
		// the change output in.
		need = amount + estimateFee(len(selected), destScriptLen, true, feeRate)
		if total >= need {
			return selected, total, nil
		}
	}
	if need == 0 {
		need = amount + estimateFee(1, destScriptLen, true, feeRate)
	}
	return nil, 0, fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, need, total)
}

func estimateFee(inputs, destScriptLen int, withChange bool, feeRate uint64) uint64 {
	destVSize := p2wshOutputVSize
	if destScriptLen == 22 {
		destVSize = p2wpkhOutputVSize
	}
	vsize := txOverheadVSize + inputs*p2wpkhInputVSize + destVSize
	if withChange {
		vsize += p2wpkhOutputVSize
	}
	return uint64(vsize) * feeRate
}
