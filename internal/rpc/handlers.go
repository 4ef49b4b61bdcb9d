package rpc

import (
	"fmt"
	"net/http"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/klingon-exchange/swapserver/internal/chain"
	"github.com/klingon-exchange/swapserver/internal/swap"
	"github.com/klingon-exchange/swapserver/pkg/helpers"
)

// PairID is the only pair the server trades.
const PairID = chain.PairID

// Wire swap types of POST /createswap. Wire names are from the client's
// point of view and the ledger's are from the service's, so they cross:
//
//	POST /createswap type=reversesubmarine  ledger CreateNormalSwap
//	POST /createswap type=submarine         ledger CreateReverseSwapForInvoice
//	POST /createnormalswap                  ledger CreateReverseSwap
//	POST /addswapinvoice                    ledger AddInvoice
const (
	TypeReverseSubmarine = "reversesubmarine"
	TypeSubmarine        = "submarine"
)

// ========================================
// Pairs
// ========================================

type PairsResponse struct {
	Info      []string        `json:"info"`
	Warnings  []string        `json:"warnings"`
	HTLCFirst bool            `json:"htlcFirst"`
	Pairs     map[string]Pair `json:"pairs"`
}

type Pair struct {
	Rate   float64    `json:"rate"`
	Limits PairLimits `json:"limits"`
	Fees   PairFees   `json:"fees"`
}

type PairLimits struct {
	Maximal         int64     `json:"maximal"`
	Minimal         int64     `json:"minimal"`
	MaximalZeroConf AssetPair `json:"maximalZeroConf"`
}

type AssetPair struct {
	BaseAsset  int64 `json:"baseAsset"`
	QuoteAsset int64 `json:"quoteAsset"`
}

type PairFees struct {
	Percentage float64   `json:"percentage"`
	MinerFees  MinerFees `json:"minerFees"`
}

type MinerFees struct {
	BaseAsset  AssetMinerFees `json:"baseAsset"`
	QuoteAsset AssetMinerFees `json:"quoteAsset"`
}

type AssetMinerFees struct {
	Normal  int64       `json:"normal"`
	Reverse ReverseFees `json:"reverse"`
}

type ReverseFees struct {
	Claim  int64 `json:"claim"`
	Lockup int64 `json:"lockup"`
}

// warningStalePricing is listed when fees come from an old schedule.
const warningStalePricing = "stale pricing"

func pairsResponse(l swap.Limits) *PairsResponse {
	fees := AssetMinerFees{
		Normal: int64(l.NormalFee),
		Reverse: ReverseFees{
			Claim:  int64(l.ClaimFee),
			Lockup: int64(l.LockupFee),
		},
	}
	resp := &PairsResponse{
		Info:      []string{},
		Warnings:  []string{},
		HTLCFirst: true,
		Pairs: map[string]Pair{
			PairID: {
				Rate: 1,
				Limits: PairLimits{
					Maximal: int64(l.Maximal),
					Minimal: int64(l.Minimal),
				},
				Fees: PairFees{
					Percentage: l.Percentage,
					MinerFees:  MinerFees{BaseAsset: fees, QuoteAsset: fees},
				},
			},
		},
	}
	if l.Stale {
		resp.Warnings = append(resp.Warnings, warningStalePricing)
	}
	return resp
}

func (s *Server) handleGetPairs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, pairsResponse(s.swaps.GetPairLimits(r.Context())))
}

// ========================================
// Swap creation
// ========================================

// CreateSwapRequest is the body of POST /createswap. Which fields are
// required depends on Type.
type CreateSwapRequest struct {
	Type   string `json:"type"`
	PairID string `json:"pairId"`

	// reversesubmarine
	InvoiceAmount  int64  `json:"invoiceAmount"`
	PreimageHash   string `json:"preimageHash"`
	ClaimPublicKey string `json:"claimPublicKey"`

	// submarine
	Invoice         string `json:"invoice"`
	RefundPublicKey string `json:"refundPublicKey"`
}

// ReverseSubmarineResponse answers a reversesubmarine createswap: the
// client pays Invoice (and MinerFeeInvoice) and the service locks
// OnchainAmount at LockupAddress.
type ReverseSubmarineResponse struct {
	ID                 string `json:"id"`
	PreimageHash       string `json:"preimageHash"`
	Invoice            string `json:"invoice"`
	MinerFeeInvoice    string `json:"minerFeeInvoice,omitempty"`
	LockupAddress      string `json:"lockupAddress"`
	Address            string `json:"address"`
	RedeemScript       string `json:"redeemScript"`
	TimeoutBlockHeight uint32 `json:"timeoutBlockHeight"`
	OnchainAmount      int64  `json:"onchainAmount"`
	ExpectedAmount     int64  `json:"expectedAmount"`
	AcceptZeroConf     bool   `json:"acceptZeroConf"`
}

// LockupResponse answers swaps where the client locks ExpectedAmount at
// Address: submarine createswap and createnormalswap.
type LockupResponse struct {
	ID                 string `json:"id"`
	PreimageHash       string `json:"preimageHash,omitempty"`
	AcceptZeroConf     bool   `json:"acceptZeroConf"`
	ExpectedAmount     int64  `json:"expectedAmount"`
	TimeoutBlockHeight uint32 `json:"timeoutBlockHeight"`
	Address            string `json:"address"`
	RedeemScript       string `json:"redeemScript"`
}

func lockupResponse(rec *swap.SwapRecord, withHash bool) *LockupResponse {
	resp := &LockupResponse{
		ID:                 rec.ID(),
		ExpectedAmount:     int64(rec.OnchainAmount),
		TimeoutBlockHeight: rec.Locktime,
		Address:            rec.LockupAddress,
		RedeemScript:       swap.RedeemScriptHex(rec.RedeemScript),
	}
	if withHash {
		resp.PreimageHash = rec.PaymentHash.String()
	}
	return resp
}

func (s *Server) handleCreateSwap(w http.ResponseWriter, r *http.Request) {
	var req CreateSwapRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.PairID != PairID {
		s.writeError(w, r, fmt.Errorf("%w: unsupported pair %q", swap.ErrValidation, req.PairID))
		return
	}

	switch req.Type {
	case TypeReverseSubmarine:
		s.createReverseSubmarine(w, r, &req)
	case TypeSubmarine:
		s.createSubmarine(w, r, &req)
	default:
		s.writeError(w, r, fmt.Errorf("%w: unsupported request type %q", swap.ErrValidation, req.Type))
	}
}

// createReverseSubmarine: the client pays Lightning and receives on-chain,
// which is a normal swap for the ledger.
func (s *Server) createReverseSubmarine(w http.ResponseWriter, r *http.Request, req *CreateSwapRequest) {
	amount, err := parseAmount(req.InvoiceAmount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hash, err := parseHash(req.PreimageHash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pubKey, err := parsePubKey("claimPublicKey", req.ClaimPublicKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rec, err := s.swaps.CreateNormalSwap(r.Context(), amount, hash, pubKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, &ReverseSubmarineResponse{
		ID:                 rec.ID(),
		PreimageHash:       rec.PaymentHash.String(),
		Invoice:            rec.Invoice,
		MinerFeeInvoice:    rec.PrepayInvoice,
		LockupAddress:      rec.LockupAddress,
		Address:            rec.LockupAddress,
		RedeemScript:       swap.RedeemScriptHex(rec.RedeemScript),
		TimeoutBlockHeight: rec.Locktime,
		OnchainAmount:      int64(rec.OnchainAmount),
		ExpectedAmount:     int64(rec.OnchainAmount),
	})
}

// createSubmarine: the client locks on-chain and the service pays the
// client's invoice, a reverse swap for the ledger.
func (s *Server) createSubmarine(w http.ResponseWriter, r *http.Request, req *CreateSwapRequest) {
	if req.Invoice == "" {
		s.writeError(w, r, fmt.Errorf("%w: invoice is required", swap.ErrValidation))
		return
	}
	pubKey, err := parsePubKey("refundPublicKey", req.RefundPublicKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rec, err := s.swaps.CreateReverseSwapForInvoice(r.Context(), req.Invoice, pubKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lockupResponse(rec, false))
}

// CreateNormalSwapRequest is the body of POST /createnormalswap.
type CreateNormalSwapRequest struct {
	InvoiceAmount   int64  `json:"invoiceAmount"`
	RefundPublicKey string `json:"refundPublicKey"`
}

// handleCreateNormalSwap creates a reverse swap for the ledger with a
// service-generated preimage; the invoice follows via /addswapinvoice.
func (s *Server) handleCreateNormalSwap(w http.ResponseWriter, r *http.Request) {
	var req CreateNormalSwapRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount(req.InvoiceAmount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pubKey, err := parsePubKey("refundPublicKey", req.RefundPublicKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rec, err := s.swaps.CreateReverseSwap(r.Context(), nil, amount, pubKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lockupResponse(rec, true))
}

// AddSwapInvoiceRequest is the body of POST /addswapinvoice.
type AddSwapInvoiceRequest struct {
	Invoice string `json:"invoice"`
}

func (s *Server) handleAddSwapInvoice(w http.ResponseWriter, r *http.Request) {
	var req AddSwapInvoiceRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Invoice == "" {
		s.writeError(w, r, fmt.Errorf("%w: invoice is required", swap.ErrValidation))
		return
	}

	if _, err := s.swaps.AddInvoice(r.Context(), req.Invoice, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

// ========================================
// Status
// ========================================

// SwapStatusRequest is the body of POST /swapstatus.
type SwapStatusRequest struct {
	ID string `json:"id"`
}

// SwapStatusResponse reports a swap's status in the wire vocabulary.
type SwapStatusResponse struct {
	Status        string           `json:"status"`
	FailureReason string           `json:"failureReason,omitempty"`
	Transaction   *TransactionInfo `json:"transaction,omitempty"`
}

type TransactionInfo struct {
	ID string `json:"id"`
}

func (s *Server) handleSwapStatus(w http.ResponseWriter, r *http.Request) {
	var req SwapStatusRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.swaps.GetByID(req.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := &SwapStatusResponse{
		Status:        statusOf(rec),
		FailureReason: rec.FailureReason,
	}
	if rec.LockupTxID != "" {
		resp.Transaction = &TransactionInfo{ID: rec.LockupTxID}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ========================================
// Request parsing
// ========================================

func parseAmount(sat int64) (btcutil.Amount, error) {
	if sat <= 0 {
		return 0, fmt.Errorf("%w: invoiceAmount must be positive", swap.ErrValidation)
	}
	return btcutil.Amount(sat), nil
}

func parseHash(s string) (lntypes.Hash, error) {
	b, err := helpers.DecodeHexExact(s, lntypes.HashSize)
	if err != nil {
		return lntypes.Hash{}, fmt.Errorf("%w: preimageHash: %v", swap.ErrValidation, err)
	}
	if helpers.IsZeroBytes(b) {
		return lntypes.Hash{}, fmt.Errorf("%w: preimageHash is zero", swap.ErrValidation)
	}
	return lntypes.MakeHash(b)
}

func parsePubKey(field, s string) ([]byte, error) {
	b, err := helpers.DecodeHexExact(s, 33)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a 33 byte compressed public key: %v", swap.ErrValidation, field, err)
	}
	return b, nil
}
