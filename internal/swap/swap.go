package swap

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/klingon-exchange/swapserver/pkg/helpers"
)

// Errors surfaced by the swap engine. Callers match them with errors.Is.
var (
	ErrValidation         = errors.New("validation error")
	ErrLimitExceeded      = errors.New("amount outside pair limits")
	ErrDuplicateSwap      = errors.New("swap with this payment hash already exists")
	ErrInvoiceDecode      = errors.New("invoice decode error")
	ErrPayment            = errors.New("payment error")
	ErrBroadcast          = errors.New("broadcast error")
	ErrPricingUnavailable = errors.New("pricing unavailable")
	ErrScript             = errors.New("script error")
	ErrSwapNotFound       = errors.New("swap not found")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrTerminalState      = errors.New("swap is in a terminal state")
)

// Direction is the ledger's view of who moves funds on which layer.
//
// The wire protocol names swaps from the client's side, so the names are
// inverted relative to the ledger:
//
//	wire request                    ledger operation     service role
//	createswap reversesubmarine  -> CreateNormalSwap  -> receives LN, locks on-chain
//	createswap submarine         -> CreateReverseSwap -> pays LN, claims on-chain
//	createnormalswap             -> CreateReverseSwap -> pays LN, claims on-chain
//
// Keep the wire names as they are; existing clients depend on them.
type Direction string

const (
	// DirectionNormal: the counterparty pays a Lightning invoice and the
	// service delivers funds on-chain.
	DirectionNormal Direction = "normal"

	// DirectionReverse: the counterparty locks funds on-chain and the
	// service delivers a Lightning payment.
	DirectionReverse Direction = "reverse"
)

// State is the lifecycle state of a swap.
type State string

const (
	StateCreated           State = "created"
	StateLockupSeen        State = "lockup_seen"
	StatePaymentDispatched State = "payment_dispatched"
	StateClaimed           State = "claimed"
	StateRefunded          State = "refunded"
	StateExpired           State = "expired"
	StateFailed            State = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s State) IsTerminal() bool {
	switch s {
	case StateClaimed, StateRefunded, StateExpired, StateFailed:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateCreated:           {StateLockupSeen, StateExpired, StateFailed},
	StateLockupSeen:        {StatePaymentDispatched, StateRefunded, StateFailed},
	StatePaymentDispatched: {StateClaimed, StateFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SwapRecord is one swap instance. Records handed out by the ledger are
// copies; mutate them only through ledger operations.
type SwapRecord struct {
	PaymentHash lntypes.Hash
	Preimage    *lntypes.Preimage
	Direction   Direction

	LightningAmount btcutil.Amount
	OnchainAmount   btcutil.Amount

	CounterpartyPubKey []byte
	ServicePubKey      []byte
	ServiceKeyIndex    uint32

	RedeemScript  []byte
	LockupAddress string
	Locktime      uint32

	State State

	// Invoice is the hold invoice the service issued (normal) or the
	// counterparty invoice the service pays (reverse).
	Invoice       string
	PrepayInvoice string

	// HTLCAccepted is set once the incoming hold invoice HTLC is held.
	HTLCAccepted bool

	LockupTxID   string
	LockupVout   uint32
	LockupAmount btcutil.Amount

	// LockupTxHex is the service's own funding transaction, kept so a
	// failed broadcast can be retried with the same transaction.
	LockupTxHex string

	// SpendTxID is the claim or refund transaction spending the lockup.
	SpendTxID string

	FailureReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ID returns the wire id of the swap: the hex payment hash.
func (r *SwapRecord) ID() string {
	return r.PaymentHash.String()
}

// Clone returns a deep copy.
func (r *SwapRecord) Clone() *SwapRecord {
	c := *r
	if r.Preimage != nil {
		p := *r.Preimage
		c.Preimage = &p
	}
	c.CounterpartyPubKey = append([]byte(nil), r.CounterpartyPubKey...)
	c.ServicePubKey = append([]byte(nil), r.ServicePubKey...)
	c.RedeemScript = append([]byte(nil), r.RedeemScript...)
	return &c
}

// ClaimPubKey returns the key that can spend with the preimage.
func (r *SwapRecord) ClaimPubKey() []byte {
	if r.Direction == DirectionNormal {
		return r.CounterpartyPubKey
	}
	return r.ServicePubKey
}

// RefundPubKey returns the key that can spend after locktime.
func (r *SwapRecord) RefundPubKey() []byte {
	if r.Direction == DirectionNormal {
		return r.ServicePubKey
	}
	return r.CounterpartyPubKey
}

// Validate checks the internal consistency of a record, for example one
// loaded from storage.
func (r *SwapRecord) Validate() error {
	switch r.Direction {
	case DirectionNormal, DirectionReverse:
	default:
		return fmt.Errorf("unknown direction %q", r.Direction)
	}
	params, err := ParseRedeemScript(r.RedeemScript)
	if err != nil {
		return err
	}
	if !params.MatchesHash(r.PaymentHash) {
		return fmt.Errorf("redeem script does not commit to payment hash %s", r.PaymentHash)
	}
	if params.Locktime != r.Locktime {
		return fmt.Errorf("redeem script locktime %d != record locktime %d", params.Locktime, r.Locktime)
	}
	if r.Preimage != nil && !VerifyPreimage(*r.Preimage, r.PaymentHash) {
		return fmt.Errorf("stored preimage does not match payment hash")
	}
	return nil
}

// VerifyPreimage checks sha256(preimage) == hash in constant time.
func VerifyPreimage(preimage lntypes.Preimage, hash lntypes.Hash) bool {
	sum := sha256.Sum256(preimage[:])
	return helpers.ConstantTimeCompare(sum[:], hash[:])
}

// NewPreimage generates a random preimage.
func NewPreimage() (lntypes.Preimage, error) {
	var p lntypes.Preimage
	b, err := helpers.GenerateSecureRandom(32)
	if err != nil {
		return p, fmt.Errorf("failed to generate preimage: %w", err)
	}
	copy(p[:], b)
	return p, nil
}
