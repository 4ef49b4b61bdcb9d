package lightning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/invoices"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"

	"github.com/klingon-exchange/swapserver/internal/chain"
	"github.com/klingon-exchange/swapserver/internal/swap"
	"github.com/klingon-exchange/swapserver/pkg/logging"
)

// The subset of lndclient the bridge uses.
type (
	lightningRPC interface {
		AddInvoice(ctx context.Context, in *invoicesrpc.AddInvoiceData) (lntypes.Hash, string, error)
	}

	invoicesRPC interface {
		AddHoldInvoice(ctx context.Context, in *invoicesrpc.AddInvoiceData) (string, error)
		SubscribeSingleInvoice(ctx context.Context, hash lntypes.Hash) (<-chan lndclient.InvoiceUpdate, <-chan error, error)
		SettleInvoice(ctx context.Context, preimage lntypes.Preimage) error
		CancelInvoice(ctx context.Context, hash lntypes.Hash) error
	}

	routerRPC interface {
		SendPayment(ctx context.Context, req lndclient.SendPaymentRequest) (chan lndclient.PaymentStatus, chan error, error)
		TrackPayment(ctx context.Context, hash lntypes.Hash) (chan lndclient.PaymentStatus, chan error, error)
	}
)

// Config holds the lnd connection settings.
type Config struct {
	Host        string
	Network     chain.Network
	MacaroonDir string
	TLSPath     string

	// InvoiceExpiry is the expiry of invoices the service issues.
	InvoiceExpiry time.Duration

	// PaymentTimeout bounds each outgoing payment attempt in lnd.
	PaymentTimeout time.Duration
}

// LndBridge implements swap.PaymentBridge on top of an lnd node.
type LndBridge struct {
	*Decoder

	lightning lightningRPC
	invoices  invoicesRPC
	router    routerRPC

	invoiceExpiry  time.Duration
	paymentTimeout time.Duration

	services *lndclient.GrpcLndServices
	log      *logging.Logger
}

// Connect dials lnd and returns a bridge using it. It blocks until lnd has
// synced to the chain.
func Connect(ctx context.Context, cfg Config) (*LndBridge, error) {
	params, ok := chain.Get(cfg.Network)
	if !ok {
		return nil, fmt.Errorf("unknown network: %s", cfg.Network)
	}

	services, err := lndclient.NewLndServices(&lndclient.LndServicesConfig{
		LndAddress:            cfg.Host,
		Network:               lndNetwork(cfg.Network),
		MacaroonDir:           cfg.MacaroonDir,
		TLSPath:               cfg.TLSPath,
		BlockUntilChainSynced: true,
		CallerCtx:             ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lnd at %s: %w", cfg.Host, err)
	}

	b := newBridge(params.Chain, services.Client, services.Invoices, services.Router, cfg)
	b.services = services
	b.log.Info("Connected to lnd", "host", cfg.Host, "alias", services.NodeAlias)
	return b, nil
}

func newBridge(net *chaincfg.Params, ln lightningRPC, inv invoicesRPC, router routerRPC, cfg Config) *LndBridge {
	b := &LndBridge{
		Decoder:        NewDecoder(net),
		lightning:      ln,
		invoices:       inv,
		router:         router,
		invoiceExpiry:  cfg.InvoiceExpiry,
		paymentTimeout: cfg.PaymentTimeout,
		log:            logging.GetDefault().Component("lnd"),
	}
	if b.invoiceExpiry <= 0 {
		b.invoiceExpiry = time.Hour
	}
	if b.paymentTimeout <= 0 {
		b.paymentTimeout = 5 * time.Minute
	}
	return b
}

// Close releases the lnd connection.
func (b *LndBridge) Close() {
	if b.services != nil {
		b.services.Close()
	}
}

// GenerateInvoice creates a regular invoice in lnd.
func (b *LndBridge) GenerateInvoice(ctx context.Context, amount lnwire.MilliSatoshi, description string) (string, error) {
	_, invoice, err := b.lightning.AddInvoice(ctx, &invoicesrpc.AddInvoiceData{
		Memo:   description,
		Value:  amount,
		Expiry: int64(b.invoiceExpiry.Seconds()),
	})
	if err != nil {
		return "", fmt.Errorf("failed to add invoice: %w", err)
	}
	return invoice, nil
}

// GenerateHoldInvoice creates a hold invoice for hash.
func (b *LndBridge) GenerateHoldInvoice(ctx context.Context, hash lntypes.Hash, amount lnwire.MilliSatoshi,
	description string, cltvExpiry uint64) (string, error) {

	invoice, err := b.invoices.AddHoldInvoice(ctx, &invoicesrpc.AddInvoiceData{
		Memo:       description,
		Hash:       &hash,
		Value:      amount,
		Expiry:     int64(b.invoiceExpiry.Seconds()),
		CltvExpiry: cltvExpiry,
	})
	if err != nil {
		return "", fmt.Errorf("failed to add hold invoice: %w", err)
	}
	return invoice, nil
}

// PayInvoice sends a payment and waits for its final state. If lnd
// already knows a payment for the hash, for example after a restart, the
// existing payment is tracked instead of starting a new one.
func (b *LndBridge) PayInvoice(ctx context.Context, invoice string, maxFee btcutil.Amount,
	onInFlight func()) (lntypes.Preimage, error) {

	decoded, err := b.DecodeInvoice(invoice)
	if err != nil {
		return lntypes.Preimage{}, err
	}
	hash := decoded.PaymentHash

	statusChan, errChan, err := b.router.SendPayment(ctx, lndclient.SendPaymentRequest{
		Invoice: invoice,
		MaxFee:  maxFee,
		Timeout: b.paymentTimeout,
	})
	if err != nil {
		if !alreadyInitiated(err) {
			return lntypes.Preimage{}, fmt.Errorf("%w: %v", swap.ErrPayment, err)
		}
		statusChan, errChan, err = b.track(ctx, hash)
		if err != nil {
			return lntypes.Preimage{}, err
		}
	}

	var notified, tracking bool
	for {
		select {
		case <-ctx.Done():
			return lntypes.Preimage{}, ctx.Err()

		case err := <-errChan:
			if alreadyInitiated(err) && !tracking {
				tracking = true
				statusChan, errChan, err = b.track(ctx, hash)
				if err != nil {
					return lntypes.Preimage{}, err
				}
				continue
			}
			if ctx.Err() != nil {
				return lntypes.Preimage{}, ctx.Err()
			}
			return lntypes.Preimage{}, fmt.Errorf("%w: %v", swap.ErrPayment, err)

		case status := <-statusChan:
			switch status.State {
			case lnrpc.Payment_SUCCEEDED:
				b.log.Info("Payment succeeded", "hash", hash, "fee_msat", int64(status.Fee))
				return status.Preimage, nil

			case lnrpc.Payment_FAILED:
				return lntypes.Preimage{}, fmt.Errorf("%w: %s", swap.ErrPayment, status.FailureReason)

			case lnrpc.Payment_IN_FLIGHT:
				if status.InFlightHtlcs > 0 && !notified && onInFlight != nil {
					notified = true
					onInFlight()
				}
			}
		}
	}
}

func (b *LndBridge) track(ctx context.Context, hash lntypes.Hash) (chan lndclient.PaymentStatus, chan error, error) {
	b.log.Info("Tracking existing payment", "hash", hash)
	statusChan, errChan, err := b.router.TrackPayment(ctx, hash)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: track payment: %v", swap.ErrPayment, err)
	}
	return statusChan, errChan, nil
}

// alreadyInitiated reports whether lnd refused a payment because one for
// the same hash exists.
func alreadyInitiated(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "already paid") ||
		strings.Contains(msg, "in transition") ||
		strings.Contains(msg, "already exists")
}

// SubscribeInvoice streams state changes of a service invoice.
func (b *LndBridge) SubscribeInvoice(ctx context.Context, hash lntypes.Hash) (<-chan swap.InvoiceState, <-chan error, error) {
	updates, errs, err := b.invoices.SubscribeSingleInvoice(ctx, hash)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe to invoice %s: %w", hash, err)
	}

	out := make(chan swap.InvoiceState)
	outErr := make(chan error, 1)
	var once sync.Once
	fail := func(err error) {
		once.Do(func() { outErr <- err })
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				if err != nil {
					fail(err)
				}
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				state, known := invoiceState(update.State)
				if !known {
					continue
				}
				select {
				case out <- state:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, outErr, nil
}

func invoiceState(s invoices.ContractState) (swap.InvoiceState, bool) {
	switch s {
	case invoices.ContractOpen:
		return swap.InvoiceOpen, true
	case invoices.ContractAccepted:
		return swap.InvoiceAccepted, true
	case invoices.ContractSettled:
		return swap.InvoiceSettled, true
	case invoices.ContractCanceled:
		return swap.InvoiceCanceled, true
	}
	return 0, false
}

// SettleInvoice releases a held HTLC with its preimage.
func (b *LndBridge) SettleInvoice(ctx context.Context, preimage lntypes.Preimage) error {
	if err := b.invoices.SettleInvoice(ctx, preimage); err != nil {
		return fmt.Errorf("failed to settle invoice %s: %w", preimage.Hash(), err)
	}
	return nil
}

// CancelInvoice cancels a hold invoice. Cancelling an invoice lnd has
// already cancelled is not an error.
func (b *LndBridge) CancelInvoice(ctx context.Context, hash lntypes.Hash) error {
	err := b.invoices.CancelInvoice(ctx, hash)
	if err != nil && !errors.Is(err, invoices.ErrInvoiceAlreadyCanceled) &&
		!strings.Contains(err.Error(), "already canceled") {
		return fmt.Errorf("failed to cancel invoice %s: %w", hash, err)
	}
	return nil
}

func lndNetwork(n chain.Network) lndclient.Network {
	switch n {
	case chain.Mainnet:
		return lndclient.NetworkMainnet
	case chain.Testnet:
		return lndclient.NetworkTestnet
	case chain.Signet:
		return lndclient.NetworkSignet
	default:
		return lndclient.NetworkRegtest
	}
}

var _ swap.PaymentBridge = (*LndBridge)(nil)
