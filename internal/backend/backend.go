// Package backend provides Bitcoin chain data over esplora-compatible HTTP
// APIs and adapts it to the swap engine's chain bridge.
// This package never sees private keys; all signing happens in the wallet package.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrAddressNotFound    = errors.New("address not found")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info API
)

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"value"` // satoshis
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height,omitempty"`
}

// Transaction represents a transaction as seen by the backend.
type Transaction struct {
	TxID          string     `json:"txid"`
	Version       int32      `json:"version"`
	LockTime      uint32     `json:"locktime"`
	VSize         int64      `json:"vsize"`
	Fee           uint64     `json:"fee"`
	Confirmed     bool       `json:"confirmed"`
	BlockHash     string     `json:"block_hash,omitempty"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	Confirmations int64      `json:"confirmations"`
	Inputs        []TxInput  `json:"vin"`
	Outputs       []TxOutput `json:"vout"`
}

// TxInput represents a transaction input.
type TxInput struct {
	TxID     string    `json:"txid"`
	Vout     uint32    `json:"vout"`
	Witness  []string  `json:"witness,omitempty"` // hex encoded items
	Sequence uint32    `json:"sequence"`
	PrevOut  *TxOutput `json:"prevout,omitempty"`
}

// TxOutput represents a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type,omitempty"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// AddressInfo contains address balance summary.
type AddressInfo struct {
	Address        string `json:"address"`
	TxCount        int64  `json:"tx_count"`
	FundedSum      uint64 `json:"funded_txo_sum"`
	SpentSum       uint64 `json:"spent_txo_sum"`
	Balance        uint64 `json:"balance"`
	MempoolBalance int64  `json:"mempool_balance"`
}

// FeeEstimate contains fee rate estimates in sat/vB.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastestFee"`
	HalfHourFee uint64 `json:"halfHourFee"`
	HourFee     uint64 `json:"hourFee"`
	EconomyFee  uint64 `json:"economyFee"`
	MinimumFee  uint64 `json:"minimumFee"`
}

// Backend is the chain data provider.
type Backend interface {
	Type() Type

	// Connect checks that the API is reachable.
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error)
	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)

	// GetAddressTxs returns the transactions touching address, newest
	// first. Mempool transactions are included.
	GetAddressTxs(ctx context.Context, address string) ([]Transaction, error)

	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	GetRawTransaction(ctx context.Context, txID string) ([]byte, error)

	// BroadcastTransaction publishes a hex encoded transaction and returns its txid.
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	GetBlockHeight(ctx context.Context) (int64, error)
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)
}

// Config selects and configures a backend.
type Config struct {
	Type    Type
	URL     string
	Timeout time.Duration
}

// New creates the backend described by cfg.
func New(cfg Config) (Backend, error) {
	if cfg.URL == "" {
		return nil, errors.New("backend URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	switch cfg.Type {
	case TypeMempool, "":
		return NewMempoolBackend(cfg.URL, cfg.Timeout), nil
	case TypeEsplora:
		return NewEsploraBackend(cfg.URL, cfg.Timeout), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
}
