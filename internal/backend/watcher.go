package backend

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/swapserver/internal/swap"
	"github.com/klingon-exchange/swapserver/pkg/logging"
)

// DefaultPollInterval is how often watched addresses and the tip are polled.
const DefaultPollInterval = 30 * time.Second

// Watcher implements swap.ChainBridge by polling a Backend.
type Watcher struct {
	backend Backend
	net     *chaincfg.Params
	poll    time.Duration
	log     *logging.Logger
}

// NewWatcher creates a watcher polling b every poll interval.
func NewWatcher(b Backend, net *chaincfg.Params, poll time.Duration) *Watcher {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Watcher{
		backend: b,
		net:     net,
		poll:    poll,
		log:     logging.GetDefault().Component("watcher"),
	}
}

// outpoint identifies a funding output of a watched address.
type outpoint struct {
	txid string
	vout uint32
}

// WatchAddress polls address until ctx is cancelled. Funding outputs are
// reported at minConfirmations and again whenever their confirmation
// count grows; each spend is reported once.
func (w *Watcher) WatchAddress(ctx context.Context, address string, minConfirmations uint32) (<-chan swap.ConfirmationEvent, error) {
	addr, err := btcutil.DecodeAddress(address, w.net)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", address, err)
	}
	if !addr.IsForNet(w.net) {
		return nil, fmt.Errorf("address %s is not for %s", address, w.net.Name)
	}

	out := make(chan swap.ConfirmationEvent, 8)
	go func() {
		defer close(out)

		funded := make(map[outpoint]uint32)
		spent := make(map[string]bool)

		ticker := time.NewTicker(w.poll)
		defer ticker.Stop()

		for {
			events, err := w.scan(ctx, address, minConfirmations, funded, spent)
			if err != nil && ctx.Err() == nil {
				w.log.Debug("Address poll failed", "address", address, "error", err)
			}
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

// scan fetches the address history and returns the events not yet reported.
func (w *Watcher) scan(ctx context.Context, address string, minConfirmations uint32,
	funded map[outpoint]uint32, spent map[string]bool) ([]swap.ConfirmationEvent, error) {

	txs, err := w.backend.GetAddressTxs(ctx, address)
	if errors.Is(err, ErrAddressNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var events []swap.ConfirmationEvent
	for _, tx := range txs {
		confs := uint32(tx.Confirmations)

		for vout, output := range tx.Outputs {
			if output.ScriptPubKeyAddr != address || confs < minConfirmations {
				continue
			}
			op := outpoint{txid: tx.TxID, vout: uint32(vout)}
			if last, seen := funded[op]; seen && last >= confs {
				continue
			}
			funded[op] = confs
			events = append(events, swap.ConfirmationEvent{
				Address:       address,
				TxID:          tx.TxID,
				Vout:          uint32(vout),
				Amount:        btcutil.Amount(output.Value),
				Confirmations: confs,
			})
		}

		for _, input := range tx.Inputs {
			if input.PrevOut == nil || input.PrevOut.ScriptPubKeyAddr != address || spent[tx.TxID] {
				continue
			}
			witness, err := decodeWitness(input.Witness)
			if err != nil {
				w.log.Warn("Skipping spend with undecodable witness", "txid", tx.TxID, "error", err)
				continue
			}
			spent[tx.TxID] = true
			events = append(events, swap.ConfirmationEvent{
				Address:       address,
				TxID:          input.TxID,
				Vout:          input.Vout,
				Amount:        btcutil.Amount(input.PrevOut.Value),
				Confirmations: confs,
				Spend: &swap.SpendInfo{
					SpendingTxID: tx.TxID,
					Witness:      witness,
				},
			})
		}
	}
	return events, nil
}

func decodeWitness(items []string) ([][]byte, error) {
	witness := make([][]byte, len(items))
	for i, item := range items {
		b, err := hex.DecodeString(item)
		if err != nil {
			return nil, fmt.Errorf("witness item %d: %w", i, err)
		}
		witness[i] = b
	}
	return witness, nil
}

// Broadcast publishes tx through the backend.
func (w *Watcher) Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	raw, err := swap.SerializeTx(tx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", swap.ErrBroadcast, err)
	}
	txid, err := w.backend.BroadcastTransaction(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", swap.ErrBroadcast, err)
	}
	w.log.Info("Transaction broadcast", "txid", txid)
	return txid, nil
}

// BlockHeight returns the current tip height.
func (w *Watcher) BlockHeight(ctx context.Context) (uint32, error) {
	height, err := w.backend.GetBlockHeight(ctx)
	if err != nil {
		return 0, err
	}
	if height < 0 {
		return 0, fmt.Errorf("invalid tip height %d", height)
	}
	return uint32(height), nil
}

// SubscribeBlocks polls the tip and emits each new height.
func (w *Watcher) SubscribeBlocks(ctx context.Context) (<-chan uint32, error) {
	out := make(chan uint32, 1)
	go func() {
		defer close(out)

		ticker := time.NewTicker(w.poll)
		defer ticker.Stop()

		var last uint32
		for {
			height, err := w.BlockHeight(ctx)
			switch {
			case err != nil:
				if ctx.Err() == nil {
					w.log.Debug("Tip poll failed", "error", err)
				}
			case height > last:
				last = height
				select {
				case out <- height:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

// FeeRate implements swap.FeeSource with the half hour estimate.
func (w *Watcher) FeeRate(ctx context.Context) (uint64, error) {
	est, err := w.backend.GetFeeEstimates(ctx)
	if err != nil {
		return 0, err
	}
	if est.HalfHourFee == 0 {
		return 0, errors.New("backend returned no fee estimate")
	}
	return est.HalfHourFee, nil
}

var (
	_ swap.ChainBridge = (*Watcher)(nil)
	_ swap.FeeSource   = (*Watcher)(nil)
)
