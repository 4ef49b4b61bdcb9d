package swap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/klingon-exchange/swapserver/pkg/logging"
)

// LedgerConfig wires the ledger to its collaborators.
type LedgerConfig struct {
	Net      *chaincfg.Params
	Payments PaymentBridge
	Chain    ChainBridge
	Wallet   Wallet

	// Store is optional; without it records live in memory only.
	Store Store

	// Fees is optional; without it the base limits are served as is.
	Fees FeeSource

	Limits Limits

	LocktimeDelta     uint32
	InvoiceCltvMargin uint32
	InvoiceExpiry     time.Duration
	ExpiryGrace       time.Duration
	PruneAfter        time.Duration
	PairsMaxAge       time.Duration
	MinConfirmations  uint32

	// MaxPaymentFeePPM caps routing fees relative to the payment amount.
	MaxPaymentFeePPM uint64

	// FallbackFeeRate is used for claim, refund and funding transactions
	// when the fee source fails.
	FallbackFeeRate uint64

	Now func() time.Time
}

// SwapUpdate is delivered to update handlers after every state change.
type SwapUpdate struct {
	ID     string
	State  State
	Record *SwapRecord
}

// UpdateHandler receives swap updates.
type UpdateHandler func(SwapUpdate)

// entry guards one record. Transitions hold mu; inflight counts
// asynchronous actions whose result has not yet been applied.
type entry struct {
	mu  sync.Mutex
	rec *SwapRecord

	inflight atomic.Int32

	// cancel stops the address watcher and invoice subscription.
	cancel context.CancelFunc

	// cancelPay abandons an outstanding payment attempt.
	cancelPay context.CancelFunc

	// Action guards, only touched with mu held.
	paying    bool
	payLocked bool
	claiming  bool
	funding   bool
	refunding bool
	settling  bool
}

// Ledger owns the swap records and their state transitions.
type Ledger struct {
	cfg   LedgerConfig
	pairs *PairCache
	log   *logging.Logger

	mu      sync.RWMutex
	entries map[lntypes.Hash]*entry
	pending map[lntypes.Hash]struct{}

	events chan interface{}

	handlersMu sync.RWMutex
	handlers   []UpdateHandler

	// processed is the last block height handled by the loop.
	processed atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// errSkip aborts an update without persisting or reporting an error.
var errSkip = errors.New("skip")

// NewLedger creates a ledger. Call Start to restore stored swaps and begin
// processing events.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Net == nil || cfg.Payments == nil || cfg.Chain == nil || cfg.Wallet == nil {
		return nil, errors.New("ledger requires network params, payment bridge, chain bridge and wallet")
	}
	if cfg.LocktimeDelta == 0 {
		return nil, errors.New("locktime delta must be positive")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.FallbackFeeRate == 0 {
		cfg.FallbackFeeRate = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Ledger{
		cfg:     cfg,
		pairs:   NewPairCache(cfg.Limits, cfg.Fees, cfg.Now),
		log:     logging.GetDefault().Component("ledger"),
		entries: make(map[lntypes.Hash]*entry),
		pending: make(map[lntypes.Hash]struct{}),
		events:  make(chan interface{}, 256),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// OnUpdate registers a handler for swap updates.
func (l *Ledger) OnUpdate(h UpdateHandler) {
	l.handlersMu.Lock()
	l.handlers = append(l.handlers, h)
	l.handlersMu.Unlock()
}

// Pairs exposes the pair cache, for the scheduler's periodic refresh.
func (l *Ledger) Pairs() *PairCache {
	return l.pairs
}

// GetPairLimits returns the current fee and limit schedule, refreshing it
// when it is older than PairsMaxAge. A pricing failure serves the cached
// schedule with Stale set.
func (l *Ledger) GetPairLimits(ctx context.Context) Limits {
	current := l.pairs.Current()
	if !current.UpdatedAt.IsZero() && l.cfg.PairsMaxAge > 0 &&
		l.cfg.Now().Sub(current.UpdatedAt) < l.cfg.PairsMaxAge && !current.Stale {
		return current
	}
	limits, _ := l.pairs.Refresh(ctx)
	return limits
}

// Get returns a copy of the swap with the given payment hash. Swaps no
// longer held in memory, such as swaps that settled before a restart, are
// read from the store.
func (l *Ledger) Get(hash lntypes.Hash) (*SwapRecord, error) {
	e, ok := l.lookup(hash)
	if !ok {
		return l.loadStored(hash)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone(), nil
}

func (l *Ledger) loadStored(hash lntypes.Hash) (*SwapRecord, error) {
	if l.cfg.Store == nil {
		return nil, ErrSwapNotFound
	}
	rec, err := l.cfg.Store.GetSwap(hash)
	if errors.Is(err, ErrSwapNotFound) {
		return nil, ErrSwapNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load swap %s: %w", hash, err)
	}
	return rec, nil
}

// GetByID looks a swap up by its wire id (hex payment hash).
func (l *Ledger) GetByID(id string) (*SwapRecord, error) {
	hash, err := lntypes.MakeHashFromStr(id)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid swap id", ErrValidation)
	}
	return l.Get(hash)
}

// Count returns the number of records held in memory.
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Start restores persisted swaps and starts the event loop. The first
// block notification, usually the current tip, is handled against the
// restored swaps.
func (l *Ledger) Start(ctx context.Context) error {
	height, err := l.cfg.Chain.BlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block height: %w", err)
	}

	if err := l.restore(); err != nil {
		return err
	}

	blocks, err := l.cfg.Chain.SubscribeBlocks(l.ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to blocks: %w", err)
	}
	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		for h := range blocks {
			if !l.submit(blockEvent{height: h}) {
				return
			}
		}
	}()
	go l.run()

	l.log.Info("Ledger started", "height", height, "swaps", l.Count())
	return nil
}

// Close stops the event loop, watchers and outstanding actions.
func (l *Ledger) Close() {
	l.cancel()
	l.wg.Wait()
}

func (l *Ledger) restore() error {
	if l.cfg.Store == nil {
		return nil
	}
	records, err := l.cfg.Store.LoadActiveSwaps()
	if err != nil {
		return fmt.Errorf("failed to load swaps: %w", err)
	}

	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			l.log.Error("Skipping malformed stored swap", "hash", rec.ID(), "error", err)
			continue
		}
		e := &entry{rec: rec}
		l.mu.Lock()
		l.entries[rec.PaymentHash] = e
		l.mu.Unlock()

		e.mu.Lock()
		e.cancel = l.watch(rec.PaymentHash, rec.LockupAddress, rec.Direction)
		if rec.Direction == DirectionReverse && rec.State == StatePaymentDispatched {
			l.spawnPayment(e)
		}
		e.mu.Unlock()
	}
	return nil
}

func (l *Ledger) lookup(hash lntypes.Hash) (*entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[hash]
	return e, ok
}

func (l *Ledger) hashes() []lntypes.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]lntypes.Hash, 0, len(l.entries))
	for hash := range l.entries {
		out = append(out, hash)
	}
	return out
}

func (l *Ledger) snapshot() []*entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	return out
}

// update runs fn with the record locked. When fn returns nil the record is
// persisted and, if its state changed, handlers are notified. fn returning
// errSkip leaves the record untouched.
func (l *Ledger) update(hash lntypes.Hash, fn func(e *entry) error) (*SwapRecord, error) {
	e, ok := l.lookup(hash)
	if !ok {
		return nil, ErrSwapNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.rec.Clone()
	if err := fn(e); err != nil {
		*e.rec = *before
		if errors.Is(err, errSkip) {
			return before, nil
		}
		return nil, err
	}

	e.rec.UpdatedAt = l.cfg.Now()
	l.persist(e.rec)
	if e.rec.State != before.State {
		l.stateChanged(e, before.State)
	}
	return e.rec.Clone(), nil
}

// transition moves rec to state "to" if the edge is legal.
func (l *Ledger) transition(rec *SwapRecord, to State) error {
	if rec.State.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, rec.ID(), rec.State)
	}
	if !CanTransition(rec.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.State, to)
	}
	rec.State = to
	return nil
}

func (l *Ledger) persist(rec *SwapRecord) {
	if l.cfg.Store == nil {
		return
	}
	if err := l.cfg.Store.SaveSwap(rec); err != nil {
		l.log.Error("Failed to persist swap", "hash", rec.ID(), "state", rec.State, "error", err)
	}
}

func (l *Ledger) stateChanged(e *entry, from State) {
	rec := e.rec
	l.log.Info("Swap state changed", "hash", rec.ID(), "direction", rec.Direction, "from", from, "to", rec.State)

	if rec.State.IsTerminal() {
		if e.cancel != nil {
			e.cancel()
		}
		if rec.State == StateExpired || rec.State == StateFailed {
			if e.cancelPay != nil {
				e.cancelPay()
			}
		}
	}

	update := SwapUpdate{ID: rec.ID(), State: rec.State, Record: rec.Clone()}
	l.handlersMu.RLock()
	for _, h := range l.handlers {
		go h(update)
	}
	l.handlersMu.RUnlock()
}

// submit queues an event for the loop. It returns false once the ledger
// is closed.
func (l *Ledger) submit(ev interface{}) bool {
	select {
	case l.events <- ev:
		return true
	case <-l.ctx.Done():
		return false
	}
}

// spawn runs an asynchronous action for e. The action's result event is
// applied by the loop, which then releases the in-flight count.
func (l *Ledger) spawn(e *entry, fn func(ctx context.Context) interface{}) {
	e.inflight.Add(1)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ev := fn(l.ctx)
		if !l.submit(actionDone{entry: e, event: ev}) {
			e.inflight.Add(-1)
		}
	}()
}

// feeRate returns the rate for service transactions.
func (l *Ledger) feeRate(ctx context.Context) uint64 {
	if l.cfg.Fees == nil {
		return l.cfg.FallbackFeeRate
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	rate, err := l.cfg.Fees.FeeRate(ctx)
	if err != nil || rate == 0 {
		l.log.Warn("Using fallback fee rate", "rate", l.cfg.FallbackFeeRate, "error", err)
		return l.cfg.FallbackFeeRate
	}
	return rate
}

func (l *Ledger) maxPaymentFee(amount btcutil.Amount) btcutil.Amount {
	fee := btcutil.Amount(uint64(amount) * l.cfg.MaxPaymentFeePPM / 1_000_000)
	if fee < 10 {
		fee = 10
	}
	return fee
}
