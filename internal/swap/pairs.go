package swap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/klingon-exchange/swapserver/pkg/logging"
)

// Reference virtual sizes used to price the miner fee components.
const (
	// Funding tx: one P2WPKH input, a P2WSH output and P2WPKH change.
	lockupVSize = 153

	// Claim of the P2WSH lockup to a P2WPKH output, witness
	// [sig, preimage, script].
	claimVSize = 139

	// Refund of the P2WSH lockup, witness [sig, empty, script].
	refundVSize = 131
)

// Limits is the fee and limit schedule of the BTC/BTC pair.
type Limits struct {
	Minimal    btcutil.Amount
	Maximal    btcutil.Amount
	Percentage float64

	// NormalFee is charged when the service delivers on-chain.
	NormalFee btcutil.Amount

	// ClaimFee and LockupFee are deducted when the service claims a
	// counterparty lockup.
	ClaimFee  btcutil.Amount
	LockupFee btcutil.Amount

	// FeeRate is the sat/vB rate the schedule was priced at (0 when fixed).
	FeeRate uint64

	// Stale is set when the latest refresh failed and the schedule is the
	// last successfully computed one.
	Stale     bool
	UpdatedAt time.Time
}

// Check reports whether amount lies within [Minimal, Maximal].
func (l Limits) Check(amount btcutil.Amount) error {
	if amount < l.Minimal || amount > l.Maximal {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrLimitExceeded, amount, l.Minimal, l.Maximal)
	}
	return nil
}

// NormalOnchainAmount is what the service locks for a Lightning amount it
// receives.
func (l Limits) NormalOnchainAmount(lightning btcutil.Amount) btcutil.Amount {
	return lightning - l.NormalFee
}

// ReverseOnchainAmount is what the counterparty must lock for a Lightning
// amount the service pays.
func (l Limits) ReverseOnchainAmount(lightning btcutil.Amount) btcutil.Amount {
	return lightning - l.ClaimFee - l.LockupFee
}

// PairCache computes the pair schedule and serves the last good one
// when pricing fails.
type PairCache struct {
	base Limits
	fees FeeSource
	now  func() time.Time
	log  *logging.Logger

	mu     sync.RWMutex
	cached Limits
	valid  bool
}

// NewPairCache creates a cache over a fixed base schedule. fees may be
// nil, in which case the base schedule is always served.
func NewPairCache(base Limits, fees FeeSource, now func() time.Time) *PairCache {
	if now == nil {
		now = time.Now
	}
	return &PairCache{
		base: base,
		fees: fees,
		now:  now,
		log:  logging.GetDefault().Component("pairs"),
	}
}

// Refresh recomputes the schedule. On a fee source failure the cached
// schedule is kept, marked stale, and an error wrapping
// ErrPricingUnavailable is returned alongside it.
func (p *PairCache) Refresh(ctx context.Context) (Limits, error) {
	limits := p.base
	limits.UpdatedAt = p.now()

	if p.fees != nil {
		rate, err := p.fees.FeeRate(ctx)
		if err != nil {
			p.mu.Lock()
			if !p.valid {
				p.cached = p.base
				p.cached.UpdatedAt = limits.UpdatedAt
				p.valid = true
			}
			p.cached.Stale = true
			stale := p.cached
			p.mu.Unlock()

			p.log.Warn("Fee estimate unavailable, serving cached pair limits", "error", err)
			return stale, fmt.Errorf("%w: %v", ErrPricingUnavailable, err)
		}
		limits.FeeRate = rate
		limits.NormalFee = maxAmount(limits.NormalFee, btcutil.Amount(rate*lockupVSize))
		limits.ClaimFee = maxAmount(limits.ClaimFee, btcutil.Amount(rate*claimVSize))
		limits.LockupFee = maxAmount(limits.LockupFee, btcutil.Amount(rate*lockupVSize))
	}

	p.mu.Lock()
	p.cached = limits
	p.valid = true
	p.mu.Unlock()
	return limits, nil
}

// Current returns the cached schedule without refreshing.
func (p *PairCache) Current() Limits {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.valid {
		return p.base
	}
	return p.cached
}

func maxAmount(a, b btcutil.Amount) btcutil.Amount {
	if a > b {
		return a
	}
	return b
}
