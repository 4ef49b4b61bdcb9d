package swap

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
)

const actionTimeout = 30 * time.Second

// dispatchPayment moves a reverse swap to PaymentDispatched and starts
// paying its invoice. e.mu must be held.
func (l *Ledger) dispatchPayment(e *entry) error {
	if err := l.transition(e.rec, StatePaymentDispatched); err != nil {
		return err
	}
	l.spawnPayment(e)
	return nil
}

// spawnPayment starts an outstanding payment attempt. The attempt is
// cancelled if the swap expires or fails.
func (l *Ledger) spawnPayment(e *entry) {
	if e.paying {
		return
	}
	rec := e.rec
	hash := rec.PaymentHash
	invoice := rec.Invoice
	maxFee := l.maxPaymentFee(rec.LightningAmount)

	payCtx, cancel := context.WithCancel(l.ctx)
	e.cancelPay = cancel
	e.paying = true

	l.log.Info("Paying swap invoice", "hash", rec.ID(), "amount", int64(rec.LightningAmount), "max_fee", int64(maxFee))
	l.spawn(e, func(context.Context) interface{} {
		defer cancel()
		onInFlight := func() {
			l.submit(paymentInFlightEvent{hash: hash})
		}
		preimage, err := l.cfg.Payments.PayInvoice(payCtx, invoice, maxFee, onInFlight)
		return paymentResult{hash: hash, preimage: preimage, err: err}
	})
}

// spawnClaim builds and broadcasts the claim of a counterparty lockup.
func (l *Ledger) spawnClaim(e *entry) {
	if e.claiming || e.rec.Preimage == nil {
		return
	}
	e.claiming = true
	rec := e.rec.Clone()

	l.spawn(e, func(ctx context.Context) interface{} {
		res := broadcastResult{hash: rec.PaymentHash, kind: txClaim}
		params, err := l.spendParams(ctx, rec)
		if err != nil {
			res.err = err
			return res
		}
		tx, err := BuildClaimTx(params, *rec.Preimage)
		if err != nil {
			res.err = err
			return res
		}
		res.built = true
		res.txID, res.err = l.broadcast(ctx, tx)
		return res
	})
}

// spawnRefund builds and broadcasts the refund of the service's own lockup.
func (l *Ledger) spawnRefund(e *entry) {
	if e.refunding {
		return
	}
	e.refunding = true
	rec := e.rec.Clone()

	l.spawn(e, func(ctx context.Context) interface{} {
		res := broadcastResult{hash: rec.PaymentHash, kind: txRefund}
		params, err := l.spendParams(ctx, rec)
		if err != nil {
			res.err = err
			return res
		}
		tx, err := BuildRefundTx(params, rec.Locktime)
		if err != nil {
			res.err = err
			return res
		}
		res.built = true
		res.txID, res.err = l.broadcast(ctx, tx)
		return res
	})
}

// spawnFunding funds the lockup address of a normal swap from the wallet.
func (l *Ledger) spawnFunding(e *entry) {
	if e.funding || e.rec.LockupTxHex != "" {
		return
	}
	e.funding = true
	rec := e.rec.Clone()

	l.spawn(e, func(ctx context.Context) interface{} {
		res := broadcastResult{hash: rec.PaymentHash, kind: txFunding}
		addr, err := btcutil.DecodeAddress(rec.LockupAddress, l.cfg.Net)
		if err != nil {
			res.err = err
			return res
		}
		tx, err := l.cfg.Wallet.FundLockup(ctx, addr, rec.OnchainAmount, l.feeRate(ctx))
		if err != nil {
			res.err = err
			return res
		}
		res.txHex, err = SerializeTx(tx)
		if err != nil {
			res.err = err
			return res
		}
		res.built = true
		res.txID = tx.TxHash().String()
		if _, err := l.broadcast(ctx, tx); err != nil {
			res.err = err
			return res
		}
		l.log.Info("Funded service lockup", "hash", rec.ID(), "txid", res.txID, "amount", int64(rec.OnchainAmount))
		return res
	})
}

// spawnRebroadcast retries the stored funding transaction.
func (l *Ledger) spawnRebroadcast(e *entry) {
	if e.funding {
		return
	}
	e.funding = true
	rec := e.rec.Clone()

	l.spawn(e, func(ctx context.Context) interface{} {
		res := broadcastResult{hash: rec.PaymentHash, kind: txFunding, built: true, txHex: rec.LockupTxHex}
		tx, err := DeserializeTx(rec.LockupTxHex)
		if err != nil {
			res.err = err
			return res
		}
		res.txID = tx.TxHash().String()
		_, res.err = l.broadcast(ctx, tx)
		return res
	})
}

// spawnSettle settles the hold invoice with a revealed preimage.
func (l *Ledger) spawnSettle(e *entry) {
	if e.settling || e.rec.Preimage == nil {
		return
	}
	e.settling = true
	hash := e.rec.PaymentHash
	preimage := *e.rec.Preimage

	l.spawn(e, func(ctx context.Context) interface{} {
		ctx, cancel := context.WithTimeout(ctx, actionTimeout)
		defer cancel()
		return settleResult{hash: hash, err: l.cfg.Payments.SettleInvoice(ctx, preimage)}
	})
}

// cancelInvoice cancels a hold invoice in the background. Failures are
// logged only; lnd cancels unsettled hold invoices on expiry anyway.
func (l *Ledger) cancelInvoice(hash lntypes.Hash) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(l.ctx, actionTimeout)
		defer cancel()
		if err := l.cfg.Payments.CancelInvoice(ctx, hash); err != nil {
			l.log.Warn("Failed to cancel hold invoice", "hash", hash, "error", err)
		}
	}()
}

func (l *Ledger) spendParams(ctx context.Context, rec *SwapRecord) (*SpendParams, error) {
	key, err := l.cfg.Wallet.SwapKey(rec.ServiceKeyIndex)
	if err != nil {
		return nil, err
	}
	dest, err := l.cfg.Wallet.SweepAddress()
	if err != nil {
		return nil, err
	}
	return &SpendParams{
		LockupTxID:   rec.LockupTxID,
		LockupVout:   rec.LockupVout,
		LockupAmount: rec.LockupAmount,
		RedeemScript: rec.RedeemScript,
		Destination:  dest,
		FeeRate:      l.feeRate(ctx),
		PrivKey:      key,
	}, nil
}

func (l *Ledger) broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	return l.cfg.Chain.Broadcast(ctx, tx)
}
