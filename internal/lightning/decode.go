// Package lightning connects the swap engine to the Lightning Network:
// BOLT11 decoding and an lnd-backed payment bridge.
package lightning

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/zpay32"

	"github.com/klingon-exchange/swapserver/internal/swap"
)

// Decoder decodes BOLT11 invoices for one network.
type Decoder struct {
	net *chaincfg.Params
}

// NewDecoder creates a decoder that only accepts invoices for net.
func NewDecoder(net *chaincfg.Params) *Decoder {
	return &Decoder{net: net}
}

// DecodeInvoice parses and validates a BOLT11 invoice. An invoice without
// an amount decodes with Amount 0.
func (d *Decoder) DecodeInvoice(invoice string) (*swap.Invoice, error) {
	invoice = strings.TrimSpace(invoice)
	if invoice == "" {
		return nil, fmt.Errorf("%w: empty invoice", swap.ErrInvoiceDecode)
	}

	payReq, err := zpay32.Decode(invoice, d.net)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", swap.ErrInvoiceDecode, err)
	}
	if payReq.PaymentHash == nil {
		return nil, fmt.Errorf("%w: invoice has no payment hash", swap.ErrInvoiceDecode)
	}

	out := &swap.Invoice{
		PaymentHash: lntypes.Hash(*payReq.PaymentHash),
		Expiry:      payReq.Timestamp.Add(payReq.Expiry()),
	}
	if payReq.MilliSat != nil {
		out.Amount = *payReq.MilliSat
	}
	if payReq.Description != nil {
		out.Description = *payReq.Description
	}
	return out, nil
}
