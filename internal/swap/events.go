package swap

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/lntypes"
)

// Events consumed by the ledger loop. Chain and payment callbacks never
// touch records directly; they queue one of these.
type (
	lockupEvent struct {
		hash lntypes.Hash
		conf ConfirmationEvent
	}

	invoiceEvent struct {
		hash  lntypes.Hash
		state InvoiceState
	}

	blockEvent struct {
		height uint32
	}

	paymentInFlightEvent struct {
		hash lntypes.Hash
	}

	paymentResult struct {
		hash     lntypes.Hash
		preimage lntypes.Preimage
		err      error
	}

	// broadcastResult reports a funding, claim or refund broadcast.
	broadcastResult struct {
		hash  lntypes.Hash
		kind  txKind
		txHex string
		txID  string
		built bool
		err   error
	}

	settleResult struct {
		hash lntypes.Hash
		err  error
	}

	// actionDone wraps the result of an action started with spawn.
	actionDone struct {
		entry *entry
		event interface{}
	}
)

type txKind string

const (
	txFunding txKind = "funding"
	txClaim   txKind = "claim"
	txRefund  txKind = "refund"
)

func (l *Ledger) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case ev := <-l.events:
			l.handle(ev)
		}
	}
}

func (l *Ledger) handle(ev interface{}) {
	switch ev := ev.(type) {
	case actionDone:
		l.handle(ev.event)
		ev.entry.inflight.Add(-1)
	case lockupEvent:
		l.apply(ev.hash, "lockup", func(e *entry) error { return l.onLockup(e, ev.conf) })
	case invoiceEvent:
		l.apply(ev.hash, "invoice", func(e *entry) error { return l.onInvoice(e, ev.state) })
	case blockEvent:
		l.onBlock(ev.height)
	case paymentInFlightEvent:
		l.apply(ev.hash, "payment in flight", func(e *entry) error { return l.onPaymentInFlight(e) })
	case paymentResult:
		l.apply(ev.hash, "payment result", func(e *entry) error { return l.onPaymentResult(e, ev) })
	case broadcastResult:
		l.apply(ev.hash, "broadcast result", func(e *entry) error { return l.onBroadcastResult(e, ev) })
	case settleResult:
		l.apply(ev.hash, "settle result", func(e *entry) error { return l.onSettleResult(e, ev) })
	default:
		l.log.Error("Unknown ledger event", "type", fmt.Sprintf("%T", ev))
	}
}

// apply runs an event handler through update and logs failures; event
// processing never stops on a single bad event.
func (l *Ledger) apply(hash lntypes.Hash, what string, fn func(e *entry) error) {
	if _, err := l.update(hash, fn); err != nil {
		if errors.Is(err, ErrSwapNotFound) {
			l.log.Debug("Event for unknown swap", "hash", hash, "event", what)
			return
		}
		l.log.Warn("Event rejected", "hash", hash, "event", what, "error", err)
	}
}

// watch starts the address watcher and, for swaps where the service
// receives Lightning, the invoice subscription. The returned cancel stops
// both.
func (l *Ledger) watch(hash lntypes.Hash, address string, dir Direction) context.CancelFunc {
	ctx, cancel := context.WithCancel(l.ctx)

	confs, err := l.cfg.Chain.WatchAddress(ctx, address, l.cfg.MinConfirmations)
	if err != nil {
		l.log.Error("Failed to watch lockup address", "hash", hash, "address", address, "error", err)
	} else {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for conf := range confs {
				if !l.submit(lockupEvent{hash: hash, conf: conf}) {
					return
				}
			}
		}()
	}

	if dir != DirectionNormal {
		return cancel
	}
	updates, errs, err := l.cfg.Payments.SubscribeInvoice(ctx, hash)
	if err != nil {
		l.log.Error("Failed to subscribe to hold invoice", "hash", hash, "error", err)
		return cancel
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case state, ok := <-updates:
				if !ok {
					return
				}
				if !l.submit(invoiceEvent{hash: hash, state: state}) {
					return
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if ctx.Err() == nil {
					l.log.Warn("Hold invoice subscription failed", "hash", hash, "error", err)
				}
				return
			}
		}
	}()
	return cancel
}

func (l *Ledger) onLockup(e *entry, conf ConfirmationEvent) error {
	rec := e.rec
	if conf.Spend != nil {
		return l.onSpend(e, conf)
	}

	// Only the first sufficient lockup moves a swap out of Created; an
	// expired swap never accepts one.
	if rec.State != StateCreated {
		return errSkip
	}
	if conf.Confirmations < l.cfg.MinConfirmations {
		return errSkip
	}
	if rec.Direction == DirectionNormal && conf.TxID != rec.LockupTxID {
		l.log.Warn("Ignoring foreign output on service lockup address", "hash", rec.ID(), "txid", conf.TxID)
		return errSkip
	}
	if conf.Amount < rec.OnchainAmount {
		l.log.Warn("Lockup below expected amount",
			"hash", rec.ID(), "txid", conf.TxID, "amount", int64(conf.Amount), "expected", int64(rec.OnchainAmount))
		return errSkip
	}

	rec.LockupTxID = conf.TxID
	rec.LockupVout = conf.Vout
	rec.LockupAmount = conf.Amount
	if err := l.transition(rec, StateLockupSeen); err != nil {
		return err
	}

	if rec.Direction == DirectionReverse && rec.Invoice != "" {
		return l.dispatchPayment(e)
	}
	return nil
}

func (l *Ledger) onSpend(e *entry, conf ConfirmationEvent) error {
	rec := e.rec
	if rec.State.IsTerminal() || conf.Spend.SpendingTxID == rec.SpendTxID {
		return errSkip
	}

	preimage, claimed := PreimageFromWitness(conf.Spend.Witness, rec.PaymentHash)

	switch rec.Direction {
	case DirectionNormal:
		if !claimed {
			return errSkip
		}
		if rec.State != StateLockupSeen {
			return errSkip
		}
		rec.Preimage = &preimage
		rec.SpendTxID = conf.Spend.SpendingTxID
		if err := l.transition(rec, StatePaymentDispatched); err != nil {
			return err
		}
		l.spawnSettle(e)
		return nil

	default:
		if claimed {
			// Our own claim. It confirms the claim even when the broadcast
			// call itself reported an error.
			if rec.State != StatePaymentDispatched {
				return errSkip
			}
			rec.SpendTxID = conf.Spend.SpendingTxID
			return l.transition(rec, StateClaimed)
		}
		rec.SpendTxID = conf.Spend.SpendingTxID
		if rec.State == StateLockupSeen {
			return l.transition(rec, StateRefunded)
		}
		rec.FailureReason = "lockup refunded by counterparty"
		return l.transition(rec, StateFailed)
	}
}

func (l *Ledger) onInvoice(e *entry, state InvoiceState) error {
	rec := e.rec
	switch state {
	case InvoiceAccepted:
		if rec.State != StateCreated {
			return errSkip
		}
		if rec.HTLCAccepted {
			// Restored swap whose funding was never built.
			l.spawnFunding(e)
			return errSkip
		}
		rec.HTLCAccepted = true
		l.spawnFunding(e)
		return nil

	case InvoiceCanceled:
		if rec.State != StateCreated {
			return errSkip
		}
		rec.FailureReason = "hold invoice canceled"
		return l.transition(rec, StateFailed)
	}
	return errSkip
}

func (l *Ledger) onPaymentInFlight(e *entry) error {
	rec := e.rec
	if rec.State != StatePaymentDispatched {
		return errSkip
	}
	e.payLocked = true
	if rec.Preimage != nil && rec.SpendTxID == "" {
		l.spawnClaim(e)
	}
	return errSkip
}

func (l *Ledger) onPaymentResult(e *entry, res paymentResult) error {
	rec := e.rec
	e.paying = false
	e.cancelPay = nil

	if res.err != nil {
		if errors.Is(res.err, context.Canceled) {
			return errSkip
		}
		if rec.State.IsTerminal() {
			l.log.Error("Payment failed after swap settled on chain",
				"hash", rec.ID(), "state", rec.State, "error", res.err)
			return errSkip
		}
		if e.claiming || rec.SpendTxID != "" {
			// The preimage is known and the claim is out; its result
			// decides the swap.
			l.log.Warn("Payment reported failed while claim is in progress",
				"hash", rec.ID(), "spend_txid", rec.SpendTxID, "error", res.err)
			return errSkip
		}
		rec.FailureReason = res.err.Error()
		l.log.Error("Swap payment failed, counterparty may refund",
			"hash", rec.ID(), "refund_locktime", rec.Locktime, "address", rec.LockupAddress, "error", res.err)
		return l.transition(rec, StateFailed)
	}

	if !VerifyPreimage(res.preimage, rec.PaymentHash) {
		l.log.Error("Payment returned a preimage that does not match", "hash", rec.ID())
		if rec.State.IsTerminal() {
			return errSkip
		}
		rec.FailureReason = "payment preimage mismatch"
		return l.transition(rec, StateFailed)
	}
	if rec.State != StatePaymentDispatched {
		return errSkip
	}

	e.payLocked = true
	if rec.Preimage == nil {
		p := res.preimage
		rec.Preimage = &p
	}
	if rec.SpendTxID == "" {
		l.spawnClaim(e)
	}
	return nil
}

func (l *Ledger) onBroadcastResult(e *entry, res broadcastResult) error {
	rec := e.rec
	switch res.kind {
	case txFunding:
		e.funding = false
		if !res.built {
			if rec.State != StateCreated {
				return errSkip
			}
			rec.FailureReason = fmt.Sprintf("funding lockup failed: %v", res.err)
			l.cancelInvoice(rec.PaymentHash)
			return l.transition(rec, StateFailed)
		}
		rec.LockupTxHex = res.txHex
		rec.LockupTxID = res.txID
		if res.err != nil {
			l.log.Error("Lockup broadcast failed, will retry", "hash", rec.ID(), "txid", res.txID, "error", res.err)
		}
		return nil

	case txClaim:
		e.claiming = false
		if res.err != nil {
			l.log.Error("Claim broadcast failed, will retry", "hash", rec.ID(), "error", res.err)
			return errSkip
		}
		rec.SpendTxID = res.txID
		if rec.State != StatePaymentDispatched {
			return nil
		}
		return l.transition(rec, StateClaimed)

	case txRefund:
		e.refunding = false
		if res.err != nil {
			l.log.Error("Refund broadcast failed, will retry", "hash", rec.ID(), "error", res.err)
			return errSkip
		}
		rec.SpendTxID = res.txID
		if rec.State != StateLockupSeen {
			return nil
		}
		l.cancelInvoice(rec.PaymentHash)
		return l.transition(rec, StateRefunded)
	}
	return errSkip
}

func (l *Ledger) onSettleResult(e *entry, res settleResult) error {
	rec := e.rec
	e.settling = false
	if res.err != nil {
		l.log.Error("Settling hold invoice failed, will retry", "hash", rec.ID(), "error", res.err)
		return errSkip
	}
	if rec.State != StatePaymentDispatched {
		return errSkip
	}
	return l.transition(rec, StateClaimed)
}

// onBlock drives the time-dependent actions: refunds at locktime and
// retries of failed broadcasts.
func (l *Ledger) onBlock(height uint32) {
	if height <= l.processed.Load() {
		return
	}
	l.processed.Store(height)

	for _, hash := range l.hashes() {
		l.apply(hash, "block", func(e *entry) error { return l.onBlockFor(e, height) })
	}
}

func (l *Ledger) onBlockFor(e *entry, height uint32) error {
	rec := e.rec
	switch {
	case rec.Direction == DirectionNormal && rec.State == StateCreated &&
		rec.HTLCAccepted && rec.LockupTxHex != "" && !e.funding:
		l.spawnRebroadcast(e)

	case rec.Direction == DirectionNormal && rec.State == StateLockupSeen &&
		height >= rec.Locktime && !e.refunding:
		l.spawnRefund(e)

	case rec.Direction == DirectionNormal && rec.State == StatePaymentDispatched && !e.settling:
		l.spawnSettle(e)

	case rec.Direction == DirectionReverse && rec.State == StatePaymentDispatched &&
		rec.Preimage != nil && rec.SpendTxID == "" && e.payLocked && !e.claiming:
		l.spawnClaim(e)

	case rec.Direction == DirectionReverse && rec.State == StateLockupSeen && height >= rec.Locktime:
		rec.FailureReason = "locktime reached before payment"
		l.log.Warn("Reverse swap reached locktime unpaid, counterparty may refund", "hash", rec.ID())
		return l.transition(rec, StateFailed)
	}
	return errSkip
}
