package rpc

import "github.com/klingon-exchange/swapserver/internal/swap"

// Wire status names.
const (
	StatusSwapCreated          = "swap.created"
	StatusSwapExpired          = "swap.expired"
	StatusInvoiceSet           = "invoice.set"
	StatusInvoicePending       = "invoice.pending"
	StatusInvoiceSettled       = "invoice.settled"
	StatusInvoiceFailedToPay   = "invoice.failedToPay"
	StatusMinerFeePaid         = "minerfee.paid"
	StatusTransactionMempool   = "transaction.mempool"
	StatusTransactionConfirmed = "transaction.confirmed"
	StatusTransactionClaimed   = "transaction.claimed"
	StatusTransactionRefunded  = "transaction.refunded"
	StatusTransactionFailed    = "transaction.failed"
)

// statusOf names a swap's progress from the client's side of the wire.
// Ledger normal swaps are the client's reverse submarine swaps and vice
// versa.
func statusOf(rec *swap.SwapRecord) string {
	if rec == nil {
		return ""
	}
	if rec.Direction == swap.DirectionNormal {
		return normalStatus(rec)
	}
	return reverseStatus(rec)
}

// normalStatus: the client pays a hold invoice, the service locks on-chain.
func normalStatus(rec *swap.SwapRecord) string {
	switch rec.State {
	case swap.StateCreated:
		switch {
		case rec.LockupTxID != "":
			return StatusTransactionMempool
		case rec.HTLCAccepted:
			return StatusMinerFeePaid
		}
		return StatusSwapCreated
	case swap.StateLockupSeen:
		return StatusTransactionConfirmed
	case swap.StatePaymentDispatched, swap.StateClaimed:
		return StatusInvoiceSettled
	case swap.StateRefunded:
		return StatusTransactionRefunded
	case swap.StateExpired:
		return StatusSwapExpired
	case swap.StateFailed:
		return StatusTransactionFailed
	}
	return string(rec.State)
}

// reverseStatus: the client locks on-chain, the service pays its invoice.
func reverseStatus(rec *swap.SwapRecord) string {
	switch rec.State {
	case swap.StateCreated:
		if rec.Invoice != "" {
			return StatusInvoiceSet
		}
		return StatusSwapCreated
	case swap.StateLockupSeen:
		return StatusTransactionConfirmed
	case swap.StatePaymentDispatched:
		return StatusInvoicePending
	case swap.StateClaimed:
		return StatusTransactionClaimed
	case swap.StateRefunded:
		return StatusTransactionRefunded
	case swap.StateExpired:
		return StatusSwapExpired
	case swap.StateFailed:
		return StatusInvoiceFailedToPay
	}
	return string(rec.State)
}
