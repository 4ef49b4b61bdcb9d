package swap

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// Invoice is the part of a decoded BOLT11 invoice the ledger needs.
type Invoice struct {
	PaymentHash lntypes.Hash
	Amount      lnwire.MilliSatoshi
	Description string
	Expiry      time.Time
}

// InvoiceState is the settlement state of an invoice issued by the service.
type InvoiceState int

const (
	InvoiceOpen InvoiceState = iota
	InvoiceAccepted
	InvoiceSettled
	InvoiceCanceled
)

func (s InvoiceState) String() string {
	switch s {
	case InvoiceOpen:
		return "open"
	case InvoiceAccepted:
		return "accepted"
	case InvoiceSettled:
		return "settled"
	case InvoiceCanceled:
		return "canceled"
	}
	return "unknown"
}

// PaymentBridge is the off-chain payment capability.
type PaymentBridge interface {
	// DecodeInvoice parses a BOLT11 invoice. Errors wrap ErrInvoiceDecode.
	DecodeInvoice(invoice string) (*Invoice, error)

	// GenerateInvoice creates a regular invoice.
	GenerateInvoice(ctx context.Context, amount lnwire.MilliSatoshi, description string) (string, error)

	// GenerateHoldInvoice creates an invoice for a hash whose preimage the
	// service does not know; the HTLC is held until settled or canceled.
	GenerateHoldInvoice(ctx context.Context, hash lntypes.Hash, amount lnwire.MilliSatoshi,
		description string, cltvExpiry uint64) (string, error)

	// PayInvoice pays invoice and blocks until it succeeds or fails
	// permanently. onInFlight, if not nil, is called once an HTLC is
	// locked in. Cancelling ctx abandons the attempt. Errors wrap ErrPayment.
	PayInvoice(ctx context.Context, invoice string, maxFee btcutil.Amount,
		onInFlight func()) (lntypes.Preimage, error)

	// SubscribeInvoice streams state changes of an invoice the service issued.
	SubscribeInvoice(ctx context.Context, hash lntypes.Hash) (<-chan InvoiceState, <-chan error, error)

	SettleInvoice(ctx context.Context, preimage lntypes.Preimage) error
	CancelInvoice(ctx context.Context, hash lntypes.Hash) error
}

// ConfirmationEvent reports a transaction output paying a watched address,
// or a spend of such an output when Spend is set.
type ConfirmationEvent struct {
	Address       string
	TxID          string
	Vout          uint32
	Amount        btcutil.Amount
	Confirmations uint32

	Spend *SpendInfo
}

// SpendInfo describes the input that spent a watched output.
type SpendInfo struct {
	SpendingTxID string
	Witness      [][]byte
}

// ChainBridge is the on-chain capability.
type ChainBridge interface {
	// WatchAddress streams confirmation and spend events for address until
	// ctx is cancelled. Events for the same output repeat as confirmations
	// increase; funding events are only delivered once they have at least
	// minConfirmations.
	WatchAddress(ctx context.Context, address string, minConfirmations uint32) (<-chan ConfirmationEvent, error)

	// Broadcast publishes a transaction. Errors wrap ErrBroadcast.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error)

	// BlockHeight returns the current chain tip height.
	BlockHeight(ctx context.Context) (uint32, error)

	// SubscribeBlocks streams new tip heights until ctx is cancelled.
	SubscribeBlocks(ctx context.Context) (<-chan uint32, error)
}

// FeeSource provides a fee rate in sat/vB for pricing.
type FeeSource interface {
	FeeRate(ctx context.Context) (uint64, error)
}

// Wallet holds the service keys and funds the service's lockups.
type Wallet interface {
	// NewSwapKey derives a fresh key for one swap's redeem script.
	NewSwapKey() (uint32, *btcec.PublicKey, error)

	// SwapKey returns the private key for a previously derived index.
	SwapKey(index uint32) (*btcec.PrivateKey, error)

	// SweepAddress is where claimed and refunded funds are sent.
	SweepAddress() (btcutil.Address, error)

	// FundLockup builds and signs a transaction paying amount to address.
	FundLockup(ctx context.Context, address btcutil.Address, amount btcutil.Amount,
		feeRate uint64) (*wire.MsgTx, error)
}

// Store persists swap records.
type Store interface {
	SaveSwap(rec *SwapRecord) error
	GetSwap(hash lntypes.Hash) (*SwapRecord, error)
	LoadActiveSwaps() ([]*SwapRecord, error)
	DeleteSwap(hash lntypes.Hash) error
}
