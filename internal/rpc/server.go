// Package rpc serves the swap HTTP API and the swap status websocket.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/klingon-exchange/swapserver/internal/swap"
	"github.com/klingon-exchange/swapserver/pkg/logging"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// SwapService is the part of the swap ledger the API uses.
type SwapService interface {
	GetPairLimits(ctx context.Context) swap.Limits
	CreateNormalSwap(ctx context.Context, lightningAmount btcutil.Amount,
		paymentHash lntypes.Hash, theirPubKey []byte) (*swap.SwapRecord, error)
	CreateReverseSwap(ctx context.Context, paymentHash *lntypes.Hash,
		lightningAmount btcutil.Amount, theirPubKey []byte) (*swap.SwapRecord, error)
	CreateReverseSwapForInvoice(ctx context.Context, invoice string,
		theirPubKey []byte) (*swap.SwapRecord, error)
	AddInvoice(ctx context.Context, invoice string, payNow bool) (*swap.SwapRecord, error)
	GetByID(id string) (*swap.SwapRecord, error)
	OnUpdate(h swap.UpdateHandler)
}

// Server is the swap HTTP server.
type Server struct {
	swaps  SwapService
	log    *logging.Logger
	wsHub  *WSHub
	server *http.Server

	listener net.Listener
}

// NewServer creates a server for swaps and subscribes the websocket hub to
// its updates.
func NewServer(swaps SwapService) *Server {
	s := &Server{
		swaps: swaps,
		log:   logging.GetDefault().Component("rpc"),
		wsHub: NewWSHub(),
	}
	swaps.OnUpdate(s.onSwapUpdate)
	return s
}

// Handler returns the HTTP handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /getpairs", s.handleGetPairs)
	mux.HandleFunc("POST /createswap", s.handleCreateSwap)
	mux.HandleFunc("POST /createnormalswap", s.handleCreateNormalSwap)
	mux.HandleFunc("POST /addswapinvoice", s.handleAddSwapInvoice)
	mux.HandleFunc("POST /swapstatus", s.handleSwapStatus)
	mux.HandleFunc("GET /ws", s.handleWS)

	return requestIDMiddleware(s.logMiddleware(s.recoverMiddleware(corsMiddleware(mux))))
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", "error", err)
		}
	}()

	s.log.Info("Swap server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting up to five seconds for requests in
// flight.
func (s *Server) Stop() error {
	s.wsHub.Stop()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

func (s *Server) onSwapUpdate(u swap.SwapUpdate) {
	s.wsHub.Broadcast(EventSwapUpdate, &SwapUpdateData{
		ID:     u.ID,
		Status: statusOf(u.Record),
	})
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
}

// httpStatus maps swap errors to HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, swap.ErrValidation),
		errors.Is(err, swap.ErrLimitExceeded),
		errors.Is(err, swap.ErrDuplicateSwap),
		errors.Is(err, swap.ErrInvoiceDecode),
		errors.Is(err, swap.ErrTerminalState):
		return http.StatusBadRequest
	case errors.Is(err, swap.ErrSwapNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Error("Request failed", "path", r.URL.Path, "request_id", RequestID(r.Context()), "error", err)
	} else {
		s.log.Debug("Request rejected", "path", r.URL.Path, "request_id", RequestID(r.Context()), "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// decode reads a JSON body into v. Unknown fields are ignored; clients send
// fields such as orderSide that the server does not use.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", swap.ErrValidation, err)
	}
	return nil
}
