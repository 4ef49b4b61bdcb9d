package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"

	"github.com/klingon-exchange/swapserver/internal/swap"
)

// fakePayments decodes invoices it issued or had registered and never
// settles anything.
type fakePayments struct {
	mu       sync.Mutex
	invoices map[string]*swap.Invoice
	n        int
}

func newFakePayments() *fakePayments {
	return &fakePayments{invoices: make(map[string]*swap.Invoice)}
}

func (p *fakePayments) register(hash lntypes.Hash, amount lnwire.MilliSatoshi, expiry time.Time) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	inv := fmt.Sprintf("lnbcrt%dn1fake%d", amount, p.n)
	p.invoices[inv] = &swap.Invoice{PaymentHash: hash, Amount: amount, Expiry: expiry}
	return inv
}

func (p *fakePayments) DecodeInvoice(invoice string) (*swap.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.invoices[invoice]
	if !ok {
		return nil, fmt.Errorf("%w: unknown invoice", swap.ErrInvoiceDecode)
	}
	c := *inv
	return &c, nil
}

func (p *fakePayments) GenerateInvoice(_ context.Context, amount lnwire.MilliSatoshi, _ string) (string, error) {
	return p.register(lntypes.Hash{}, amount, time.Time{}), nil
}

func (p *fakePayments) GenerateHoldInvoice(_ context.Context, hash lntypes.Hash, amount lnwire.MilliSatoshi,
	_ string, _ uint64) (string, error) {
	return p.register(hash, amount, time.Time{}), nil
}

func (p *fakePayments) PayInvoice(ctx context.Context, _ string, _ btcutil.Amount, _ func()) (lntypes.Preimage, error) {
	<-ctx.Done()
	return lntypes.Preimage{}, ctx.Err()
}

func (p *fakePayments) SubscribeInvoice(ctx context.Context, _ lntypes.Hash) (<-chan swap.InvoiceState, <-chan error, error) {
	return closeOnDone[swap.InvoiceState](ctx), make(chan error), nil
}

func (p *fakePayments) SettleInvoice(context.Context, lntypes.Preimage) error { return nil }

func (p *fakePayments) CancelInvoice(context.Context, lntypes.Hash) error { return nil }

// fakeChain reports a fixed tip and no chain activity.
type fakeChain struct {
	height uint32
}

func (c *fakeChain) WatchAddress(ctx context.Context, _ string, _ uint32) (<-chan swap.ConfirmationEvent, error) {
	return closeOnDone[swap.ConfirmationEvent](ctx), nil
}

func (c *fakeChain) Broadcast(_ context.Context, tx *wire.MsgTx) (string, error) {
	return tx.TxHash().String(), nil
}

func (c *fakeChain) BlockHeight(context.Context) (uint32, error) {
	return c.height, nil
}

func (c *fakeChain) SubscribeBlocks(ctx context.Context) (<-chan uint32, error) {
	return closeOnDone[uint32](ctx), nil
}

// closeOnDone returns a channel that never delivers and closes with ctx.
func closeOnDone[T any](ctx context.Context) <-chan T {
	ch := make(chan T)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

type fakeWallet struct {
	mu   sync.Mutex
	keys []*btcec.PrivateKey
}

func (w *fakeWallet) NewSwapKey() (uint32, *btcec.PublicKey, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return 0, nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keys = append(w.keys, key)
	return uint32(len(w.keys) - 1), key.PubKey(), nil
}

func (w *fakeWallet) SwapKey(index uint32) (*btcec.PrivateKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if int(index) >= len(w.keys) {
		return nil, fmt.Errorf("unknown key index %d", index)
	}
	return w.keys[index], nil
}

func (w *fakeWallet) SweepAddress() (btcutil.Address, error) {
	return btcutil.NewAddressWitnessPubKeyHash(make([]byte, 20), &chaincfg.RegressionNetParams)
}

func (w *fakeWallet) FundLockup(_ context.Context, address btcutil.Address, amount btcutil.Amount,
	_ uint64) (*wire.MsgTx, error) {

	pkScript, err := txscript.PayToAddrScript(address)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{1}, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(amount), pkScript))
	return tx, nil
}

// panicService fails every call, for the recovery middleware.
type panicService struct{}

func (panicService) GetPairLimits(context.Context) swap.Limits { panic("pricing exploded") }

func (panicService) CreateNormalSwap(context.Context, btcutil.Amount, lntypes.Hash, []byte) (*swap.SwapRecord, error) {
	panic("unreachable")
}

func (panicService) CreateReverseSwap(context.Context, *lntypes.Hash, btcutil.Amount, []byte) (*swap.SwapRecord, error) {
	panic("unreachable")
}

func (panicService) CreateReverseSwapForInvoice(context.Context, string, []byte) (*swap.SwapRecord, error) {
	panic("unreachable")
}

func (panicService) AddInvoice(context.Context, string, bool) (*swap.SwapRecord, error) {
	panic("unreachable")
}

func (panicService) GetByID(string) (*swap.SwapRecord, error) { panic("unreachable") }

func (panicService) OnUpdate(swap.UpdateHandler) {}
