package swap

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"

	"github.com/klingon-exchange/swapserver/pkg/helpers"
)

// CreateNormalSwap registers a swap where the counterparty pays a hold
// invoice for paymentHash and the service locks funds on-chain that
// theirPubKey can claim with the preimage. The returned record carries
// the hold invoice and the miner fee prepay invoice.
func (l *Ledger) CreateNormalSwap(ctx context.Context, lightningAmount btcutil.Amount,
	paymentHash lntypes.Hash, theirPubKey []byte) (*SwapRecord, error) {

	limits := l.GetPairLimits(ctx)
	onchain := limits.NormalOnchainAmount(lightningAmount)
	if err := checkAmounts(limits, lightningAmount, onchain); err != nil {
		return nil, err
	}

	if err := l.reserve(paymentHash); err != nil {
		return nil, err
	}

	rec, err := l.newRecord(ctx, DirectionNormal, paymentHash, lightningAmount, onchain, theirPubKey)
	if err != nil {
		l.release(paymentHash)
		return nil, err
	}

	// The counterparty pays the total in two parts: the prepay covers the
	// on-chain miner fee, the hold invoice the rest.
	prepay := limits.NormalFee
	holdAmount := lightningAmount - prepay
	cltv := uint64(l.cfg.LocktimeDelta + l.cfg.InvoiceCltvMargin)

	rec.Invoice, err = l.cfg.Payments.GenerateHoldInvoice(ctx, paymentHash,
		lnwire.NewMSatFromSatoshis(holdAmount), "swap "+rec.ID(), cltv)
	if err != nil {
		l.release(paymentHash)
		return nil, fmt.Errorf("failed to create hold invoice: %w", err)
	}
	if prepay > 0 {
		rec.PrepayInvoice, err = l.cfg.Payments.GenerateInvoice(ctx,
			lnwire.NewMSatFromSatoshis(prepay), "swap prepay "+rec.ID())
		if err != nil {
			l.cancelInvoice(paymentHash)
			l.release(paymentHash)
			return nil, fmt.Errorf("failed to create prepay invoice: %w", err)
		}
	}

	return l.commit(rec), nil
}

// CreateReverseSwap registers a swap where the counterparty locks funds
// on-chain that the service claims after paying a Lightning invoice. When
// paymentHash is nil the ledger generates the preimage. Invoice and
// PrepayInvoice are empty on the returned record; the invoice to pay is
// registered with AddInvoice.
func (l *Ledger) CreateReverseSwap(ctx context.Context, paymentHash *lntypes.Hash,
	lightningAmount btcutil.Amount, theirPubKey []byte) (*SwapRecord, error) {

	var preimage *lntypes.Preimage
	if paymentHash == nil {
		p, err := NewPreimage()
		if err != nil {
			return nil, err
		}
		h := p.Hash()
		preimage, paymentHash = &p, &h
	}
	return l.createReverse(ctx, *paymentHash, preimage, lightningAmount, theirPubKey, "")
}

// AddInvoice registers the counterparty's invoice for a reverse swap,
// matched by payment hash. The invoice is paid when the lockup is seen.
// If the lockup has already been seen, payNow dispatches the payment
// right away; without it the invoice is only recorded.
func (l *Ledger) AddInvoice(ctx context.Context, invoice string, payNow bool) (*SwapRecord, error) {
	decoded, err := l.cfg.Payments.DecodeInvoice(invoice)
	if err != nil {
		return nil, err
	}

	return l.update(decoded.PaymentHash, func(e *entry) error {
		rec := e.rec
		if rec.Direction != DirectionReverse {
			return fmt.Errorf("%w: swap %s does not pay an invoice", ErrValidation, rec.ID())
		}
		if rec.State.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminalState, rec.ID(), rec.State)
		}
		if want := lnwire.NewMSatFromSatoshis(rec.LightningAmount); decoded.Amount != want {
			return fmt.Errorf("%w: invoice amount %d msat, swap expects %d msat",
				ErrValidation, decoded.Amount, want)
		}
		if rec.Invoice != "" && rec.Invoice != invoice {
			return fmt.Errorf("%w: swap %s already has an invoice", ErrValidation, rec.ID())
		}
		if err := l.checkInvoiceExpiry(decoded); err != nil {
			return err
		}

		rec.Invoice = invoice
		if payNow && rec.State == StateLockupSeen {
			return l.dispatchPayment(e)
		}
		return nil
	})
}

// CreateReverseSwapForInvoice creates a reverse swap that pays invoice.
// The swap amount is the invoice amount, which must be a whole number of
// satoshis inside the pair limits. The record is created with the invoice
// attached and paid once the lockup is seen.
func (l *Ledger) CreateReverseSwapForInvoice(ctx context.Context, invoice string,
	theirPubKey []byte) (*SwapRecord, error) {

	decoded, err := l.cfg.Payments.DecodeInvoice(invoice)
	if err != nil {
		return nil, err
	}
	if decoded.Amount == 0 {
		return nil, fmt.Errorf("%w: invoice has no amount", ErrValidation)
	}
	sat, exact := helpers.MsatToSat(uint64(decoded.Amount))
	if !exact {
		return nil, fmt.Errorf("%w: invoice amount %d msat is not a whole satoshi", ErrValidation, decoded.Amount)
	}
	if err := l.checkInvoiceExpiry(decoded); err != nil {
		return nil, err
	}
	return l.createReverse(ctx, decoded.PaymentHash, nil, btcutil.Amount(sat), theirPubKey, invoice)
}

func (l *Ledger) createReverse(ctx context.Context, hash lntypes.Hash, preimage *lntypes.Preimage,
	lightningAmount btcutil.Amount, theirPubKey []byte, invoice string) (*SwapRecord, error) {

	limits := l.GetPairLimits(ctx)
	onchain := limits.ReverseOnchainAmount(lightningAmount)
	if err := checkAmounts(limits, lightningAmount, onchain); err != nil {
		return nil, err
	}

	if err := l.reserve(hash); err != nil {
		return nil, err
	}

	rec, err := l.newRecord(ctx, DirectionReverse, hash, lightningAmount, onchain, theirPubKey)
	if err != nil {
		l.release(hash)
		return nil, err
	}
	rec.Preimage = preimage
	rec.Invoice = invoice

	return l.commit(rec), nil
}

func (l *Ledger) checkInvoiceExpiry(inv *Invoice) error {
	if !inv.Expiry.IsZero() && !inv.Expiry.After(l.cfg.Now()) {
		return fmt.Errorf("%w: invoice expired", ErrValidation)
	}
	return nil
}

func checkAmounts(limits Limits, lightning, onchain btcutil.Amount) error {
	if err := limits.Check(lightning); err != nil {
		return err
	}
	if onchain <= dustLimit {
		return fmt.Errorf("%w: on-chain amount %d is dust", ErrLimitExceeded, onchain)
	}
	if err := limits.Check(onchain); err != nil {
		return fmt.Errorf("on-chain amount: %w", err)
	}
	return nil
}

// reserve claims the payment hash while the record is being built so that
// concurrent creations for the same hash fail with ErrDuplicateSwap. A
// reserved hash has no entry yet; events and lookups do not see it.
func (l *Ledger) reserve(hash lntypes.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[hash]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSwap, hash)
	}
	if _, ok := l.pending[hash]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSwap, hash)
	}
	l.pending[hash] = struct{}{}
	return nil
}

func (l *Ledger) release(hash lntypes.Hash) {
	l.mu.Lock()
	delete(l.pending, hash)
	l.mu.Unlock()
}

// commit persists rec, installs it under its reserved hash and starts
// watching. It returns a copy of the installed record.
func (l *Ledger) commit(rec *SwapRecord) *SwapRecord {
	hash, address, dir := rec.PaymentHash, rec.LockupAddress, rec.Direction
	l.persist(rec)
	l.log.Info("Swap created",
		"hash", rec.ID(),
		"direction", dir,
		"lightning", int64(rec.LightningAmount),
		"onchain", int64(rec.OnchainAmount),
		"address", address,
		"locktime", rec.Locktime)

	e := &entry{rec: rec}
	out := rec.Clone()
	l.mu.Lock()
	delete(l.pending, hash)
	l.entries[hash] = e
	l.mu.Unlock()

	// Watchers submit events for hash, so they start after the entry is
	// visible to the loop.
	cancel := l.watch(hash, address, dir)
	e.mu.Lock()
	e.cancel = cancel
	if e.rec.State.IsTerminal() {
		cancel()
	}
	e.mu.Unlock()
	return out
}

func (l *Ledger) newRecord(ctx context.Context, dir Direction, hash lntypes.Hash,
	lightning, onchain btcutil.Amount, theirPubKey []byte) (*SwapRecord, error) {

	if err := validatePubKey("counterparty", theirPubKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	height, err := l.cfg.Chain.BlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block height: %w", err)
	}
	locktime := height + l.cfg.LocktimeDelta

	index, servicePub, err := l.cfg.Wallet.NewSwapKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive swap key: %w", err)
	}

	rec := &SwapRecord{
		PaymentHash:        hash,
		Direction:          dir,
		LightningAmount:    lightning,
		OnchainAmount:      onchain,
		CounterpartyPubKey: append([]byte(nil), theirPubKey...),
		ServicePubKey:      servicePub.SerializeCompressed(),
		ServiceKeyIndex:    index,
		Locktime:           locktime,
		State:              StateCreated,
		CreatedAt:          l.cfg.Now(),
	}
	rec.UpdatedAt = rec.CreatedAt

	rec.RedeemScript, err = BuildRedeemScript(hash, rec.ClaimPubKey(), rec.RefundPubKey(), locktime)
	if err != nil {
		return nil, err
	}
	addr, err := DeriveAddress(rec.RedeemScript, l.cfg.Net)
	if err != nil {
		return nil, err
	}
	rec.LockupAddress = addr.EncodeAddress()
	return rec, nil
}
