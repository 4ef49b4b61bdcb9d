package swap

import (
	"context"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

func TestExpireStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.ledger.CreateReverseSwap(ctx, nil, 100_000, counterpartyKey(t))
	require.NoError(t, err)

	require.Equal(t, 0, h.ledger.ExpireStale(h.clock().Add(59*time.Minute)))

	now := h.advance(time.Hour)
	require.Equal(t, 1, h.ledger.ExpireStale(now))

	got, err := h.ledger.Get(rec.PaymentHash)
	require.NoError(t, err)
	require.Equal(t, StateExpired, got.State)

	// A lockup arriving after expiry is ignored.
	h.ledger.handle(lockupEvent{hash: rec.PaymentHash, conf: ConfirmationEvent{
		TxID: testLockupTxID, Amount: rec.OnchainAmount, Confirmations: 1,
	}})
	got, err = h.ledger.Get(rec.PaymentHash)
	require.NoError(t, err)
	require.Equal(t, StateExpired, got.State)
	require.Empty(t, got.LockupTxID)

	// So is an invoice for it.
	inv := h.payments.addInvoice(rec.PaymentHash, lnwire.NewMSatFromSatoshis(100_000), time.Time{})
	_, err = h.ledger.AddInvoice(ctx, inv, true)
	require.ErrorIs(t, err, ErrTerminalState)
}

func TestExpireStaleCancelsHoldInvoice(t *testing.T) {
	h := newHarness(t)
	_, hash := testHash(20)
	_, err := h.ledger.CreateNormalSwap(context.Background(), 100_000, hash, counterpartyKey(t))
	require.NoError(t, err)

	require.Equal(t, 1, h.ledger.ExpireStale(h.advance(2*time.Hour)))
	require.Eventually(t, func() bool { return h.payments.canceledCount() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestExpireStaleSkipsAcceptedHTLC(t *testing.T) {
	h := newHarness(t)
	_, hash := testHash(21)
	_, err := h.ledger.CreateNormalSwap(context.Background(), 100_000, hash, counterpartyKey(t))
	require.NoError(t, err)

	h.payments.emitInvoice(hash, InvoiceAccepted)
	require.Eventually(t, func() bool {
		rec, err := h.ledger.Get(hash)
		return err == nil && rec.LockupTxHex != ""
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, 0, h.ledger.ExpireStale(h.advance(2*time.Hour)))
}

func TestPrune(t *testing.T) {
	h := newHarness(t)
	rec, err := h.ledger.CreateReverseSwap(context.Background(), nil, 100_000, counterpartyKey(t))
	require.NoError(t, err)
	active, err := h.ledger.CreateReverseSwap(context.Background(), nil, 200_000, counterpartyKey(t))
	require.NoError(t, err)

	// Only the first swap is old enough to expire.
	h.ledger.handle(lockupEvent{hash: active.PaymentHash, conf: ConfirmationEvent{
		TxID: testLockupTxID, Amount: active.OnchainAmount, Confirmations: 1,
	}})
	require.Equal(t, 1, h.ledger.ExpireStale(h.advance(time.Hour)))

	require.Equal(t, 0, h.ledger.Prune(h.advance(time.Hour)))
	require.Equal(t, 1, h.ledger.Prune(h.advance(24*time.Hour)))

	require.Equal(t, 1, h.ledger.Count())
	_, err = h.ledger.Get(rec.PaymentHash)
	require.ErrorIs(t, err, ErrSwapNotFound)
	require.Nil(t, h.store.get(rec.PaymentHash))

	_, err = h.ledger.Get(active.PaymentHash)
	require.NoError(t, err)
}

func TestPruneKeepsInflight(t *testing.T) {
	h := newHarness(t)
	rec, err := h.ledger.CreateReverseSwap(context.Background(), nil, 100_000, counterpartyKey(t))
	require.NoError(t, err)
	require.Equal(t, 1, h.ledger.ExpireStale(h.advance(time.Hour)))

	e, ok := h.ledger.lookup(rec.PaymentHash)
	require.True(t, ok)
	e.inflight.Add(1)

	require.Equal(t, 0, h.ledger.Prune(h.advance(48*time.Hour)))
	e.inflight.Add(-1)
	require.Equal(t, 1, h.ledger.Prune(h.clock()))
}

func TestNewScheduler(t *testing.T) {
	h := newHarness(t)

	_, err := NewScheduler(h.ledger, SchedulerConfig{})
	require.Error(t, err)

	s, err := NewScheduler(h.ledger, SchedulerConfig{PruneInterval: time.Minute, PairsRefresh: time.Minute})
	require.NoError(t, err)
	s.Start()
	s.Stop()
}
