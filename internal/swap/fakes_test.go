package swap

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// fakePayments is an in-memory PaymentBridge.
type fakePayments struct {
	mu       sync.Mutex
	invoices map[string]*Invoice
	subs     map[lntypes.Hash]chan InvoiceState
	settled  []lntypes.Preimage
	canceled []lntypes.Hash
	paid     []string
	n        int

	// pay decides the outcome of PayInvoice; nil blocks until ctx is done.
	pay func(ctx context.Context, invoice string, onInFlight func()) (lntypes.Preimage, error)

	// holdEntered and holdRelease, when set, stall GenerateHoldInvoice.
	holdEntered chan struct{}
	holdRelease chan struct{}
}

func newFakePayments() *fakePayments {
	return &fakePayments{
		invoices: make(map[string]*Invoice),
		subs:     make(map[lntypes.Hash]chan InvoiceState),
	}
}

// addInvoice registers an invoice string the decoder understands.
func (p *fakePayments) addInvoice(hash lntypes.Hash, amount lnwire.MilliSatoshi, expiry time.Time) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	inv := fmt.Sprintf("lnbcrt%dtest%d", amount, p.n)
	p.invoices[inv] = &Invoice{PaymentHash: hash, Amount: amount, Expiry: expiry}
	return inv
}

func (p *fakePayments) DecodeInvoice(invoice string) (*Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.invoices[invoice]
	if !ok {
		return nil, fmt.Errorf("%w: unknown invoice", ErrInvoiceDecode)
	}
	c := *inv
	return &c, nil
}

func (p *fakePayments) GenerateInvoice(_ context.Context, amount lnwire.MilliSatoshi, _ string) (string, error) {
	var hash lntypes.Hash
	return p.addInvoice(hash, amount, time.Time{}), nil
}

func (p *fakePayments) GenerateHoldInvoice(_ context.Context, hash lntypes.Hash, amount lnwire.MilliSatoshi,
	_ string, _ uint64) (string, error) {

	p.mu.Lock()
	entered, release := p.holdEntered, p.holdRelease
	p.mu.Unlock()
	if release != nil {
		entered <- struct{}{}
		<-release
	}
	return p.addInvoice(hash, amount, time.Time{}), nil
}

// stallHoldInvoices makes GenerateHoldInvoice signal the returned channel
// and wait until release is called.
func (p *fakePayments) stallHoldInvoices(t *testing.T) (entered <-chan struct{}, release func()) {
	e := make(chan struct{}, 1)
	r := make(chan struct{})
	p.mu.Lock()
	p.holdEntered, p.holdRelease = e, r
	p.mu.Unlock()
	var once sync.Once
	release = func() { once.Do(func() { close(r) }) }
	t.Cleanup(release)
	return e, release
}

func (p *fakePayments) PayInvoice(ctx context.Context, invoice string, _ btcutil.Amount,
	onInFlight func()) (lntypes.Preimage, error) {

	p.mu.Lock()
	p.paid = append(p.paid, invoice)
	pay := p.pay
	p.mu.Unlock()
	if pay == nil {
		<-ctx.Done()
		return lntypes.Preimage{}, ctx.Err()
	}
	return pay(ctx, invoice, onInFlight)
}

func (p *fakePayments) SubscribeInvoice(ctx context.Context, hash lntypes.Hash) (<-chan InvoiceState, <-chan error, error) {
	in := make(chan InvoiceState, 8)
	p.mu.Lock()
	p.subs[hash] = in
	p.mu.Unlock()

	out := make(chan InvoiceState)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-in:
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, make(chan error), nil
}

func (p *fakePayments) emitInvoice(hash lntypes.Hash, state InvoiceState) {
	p.mu.Lock()
	ch := p.subs[hash]
	p.mu.Unlock()
	ch <- state
}

func (p *fakePayments) SettleInvoice(_ context.Context, preimage lntypes.Preimage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settled = append(p.settled, preimage)
	return nil
}

func (p *fakePayments) CancelInvoice(_ context.Context, hash lntypes.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = append(p.canceled, hash)
	return nil
}

func (p *fakePayments) canceledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.canceled)
}

func (p *fakePayments) settledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.settled)
}

// fakeChain is an in-memory ChainBridge.
type fakeChain struct {
	mu        sync.Mutex
	height    uint32
	watches   map[string]chan ConfirmationEvent
	blocks    chan uint32
	broadcast []*wire.MsgTx
	failNext  int

	// delay stalls every Broadcast.
	delay time.Duration
}

func newFakeChain(height uint32) *fakeChain {
	return &fakeChain{
		height:  height,
		watches: make(map[string]chan ConfirmationEvent),
		blocks:  make(chan uint32, 8),
	}
}

func (c *fakeChain) WatchAddress(ctx context.Context, address string, _ uint32) (<-chan ConfirmationEvent, error) {
	in := make(chan ConfirmationEvent, 8)
	c.mu.Lock()
	c.watches[address] = in
	c.mu.Unlock()
	return forward(ctx, in), nil
}

func (c *fakeChain) emit(address string, ev ConfirmationEvent) {
	c.mu.Lock()
	ch := c.watches[address]
	c.mu.Unlock()
	ev.Address = address
	ch <- ev
}

func (c *fakeChain) Broadcast(_ context.Context, tx *wire.MsgTx) (string, error) {
	c.mu.Lock()
	delay := c.delay
	c.mu.Unlock()
	time.Sleep(delay)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext > 0 {
		c.failNext--
		return "", fmt.Errorf("%w: mempool rejected", ErrBroadcast)
	}
	c.broadcast = append(c.broadcast, tx)
	return tx.TxHash().String(), nil
}

func (c *fakeChain) broadcasts() []*wire.MsgTx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*wire.MsgTx(nil), c.broadcast...)
}

func (c *fakeChain) BlockHeight(context.Context) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, nil
}

func (c *fakeChain) SubscribeBlocks(ctx context.Context) (<-chan uint32, error) {
	return forward(ctx, c.blocks), nil
}

func (c *fakeChain) mine(height uint32) {
	c.setTip(height)
	c.blocks <- height
}

// setTip moves the tip without announcing the block.
func (c *fakeChain) setTip(height uint32) {
	c.mu.Lock()
	c.height = height
	c.mu.Unlock()
}

func forward[T any](ctx context.Context, in <-chan T) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-in:
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// fakeWallet derives random keys and funds lockups from a fake input.
type fakeWallet struct {
	mu   sync.Mutex
	keys []*btcec.PrivateKey
	net  *chaincfg.Params
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
	return btcutil.NewAddressWitnessPubKeyHash(make([]byte, 20), w.net)
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

// memStore is an in-memory Store.
type memStore struct {
	mu      sync.Mutex
	records map[lntypes.Hash]*SwapRecord
	deleted []lntypes.Hash
}

func newMemStore() *memStore {
	return &memStore{records: make(map[lntypes.Hash]*SwapRecord)}
}

func (s *memStore) SaveSwap(rec *SwapRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.PaymentHash] = rec.Clone()
	return nil
}

func (s *memStore) GetSwap(hash lntypes.Hash) (*SwapRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[hash]
	if !ok {
		return nil, ErrSwapNotFound
	}
	return rec.Clone(), nil
}

func (s *memStore) LoadActiveSwaps() ([]*SwapRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*SwapRecord
	for _, rec := range s.records {
		if !rec.State.IsTerminal() {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *memStore) DeleteSwap(hash lntypes.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, hash)
	s.deleted = append(s.deleted, hash)
	return nil
}

func (s *memStore) get(hash lntypes.Hash) *SwapRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[hash]
}
