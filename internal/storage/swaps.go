package storage

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/klingon-exchange/swapserver/internal/swap"
)

// ErrSwapNotFound is returned when no swap has the requested payment hash.
var ErrSwapNotFound = swap.ErrSwapNotFound

// Terminal states, kept in sync with swap.State.IsTerminal.
const terminalStates = `('claimed', 'refunded', 'expired', 'failed')`

const swapColumns = `
	payment_hash, preimage, direction, state,
	lightning_amount, onchain_amount,
	counterparty_pubkey, service_pubkey, service_key_index,
	redeem_script, lockup_address, locktime,
	invoice, prepay_invoice, htlc_accepted,
	lockup_txid, lockup_vout, lockup_amount, lockup_tx_hex, spend_txid,
	failure_reason, created_at, updated_at`

// SaveSwap saves or updates a swap record.
// Uses UPSERT pattern - creates if not exists, updates if exists.
func (s *Storage) SaveSwap(rec *swap.SwapRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	var preimage sql.NullString
	if rec.Preimage != nil {
		preimage = sql.NullString{String: rec.Preimage.String(), Valid: true}
	}

	query := `
		INSERT INTO swaps (` + swapColumns + `
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(payment_hash) DO UPDATE SET
			preimage = excluded.preimage,
			state = excluded.state,
			invoice = excluded.invoice,
			prepay_invoice = excluded.prepay_invoice,
			htlc_accepted = excluded.htlc_accepted,
			lockup_txid = excluded.lockup_txid,
			lockup_vout = excluded.lockup_vout,
			lockup_amount = excluded.lockup_amount,
			lockup_tx_hex = excluded.lockup_tx_hex,
			spend_txid = excluded.spend_txid,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at
	`

	_, err := s.db.Exec(query,
		rec.PaymentHash.String(),
		preimage,
		string(rec.Direction),
		string(rec.State),
		int64(rec.LightningAmount),
		int64(rec.OnchainAmount),
		hex.EncodeToString(rec.CounterpartyPubKey),
		hex.EncodeToString(rec.ServicePubKey),
		rec.ServiceKeyIndex,
		hex.EncodeToString(rec.RedeemScript),
		rec.LockupAddress,
		rec.Locktime,
		rec.Invoice,
		rec.PrepayInvoice,
		boolToInt(rec.HTLCAccepted),
		rec.LockupTxID,
		rec.LockupVout,
		int64(rec.LockupAmount),
		rec.LockupTxHex,
		rec.SpendTxID,
		rec.FailureReason,
		createdAt.Unix(),
		updatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save swap %s: %w", rec.ID(), err)
	}
	return nil
}

// GetSwap retrieves a swap by payment hash.
func (s *Storage) GetSwap(hash lntypes.Hash) (*swap.SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+swapColumns+" FROM swaps WHERE payment_hash = ?", hash.String())
	rec, err := scanSwap(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSwapNotFound
	}
	return rec, err
}

// LoadActiveSwaps returns all swaps that are not in a terminal state,
// oldest first. These are the swaps the ledger resumes on startup.
func (s *Storage) LoadActiveSwaps() ([]*swap.SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.querySwaps("SELECT " + swapColumns + " FROM swaps WHERE state NOT IN " +
		terminalStates + " ORDER BY created_at ASC")
}

// DeleteSwap removes a swap from the database. Deleting a missing swap is
// not an error.
func (s *Storage) DeleteSwap(hash lntypes.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM swaps WHERE payment_hash = ?", hash.String())
	return err
}

// SwapCount returns count of swaps by state.
func (s *Storage) SwapCount() (active, completed int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow("SELECT COUNT(*) FROM swaps WHERE state NOT IN " + terminalStates).Scan(&active)
	if err != nil {
		return
	}
	err = s.db.QueryRow("SELECT COUNT(*) FROM swaps WHERE state IN " + terminalStates).Scan(&completed)
	return
}

func (s *Storage) querySwaps(query string, args ...any) ([]*swap.SwapRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var swaps []*swap.SwapRecord
	for rows.Next() {
		rec, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, rec)
	}
	return swaps, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSwap(row scanner) (*swap.SwapRecord, error) {
	var (
		rec                                               swap.SwapRecord
		hash, direction, state                            string
		preimage                                          sql.NullString
		counterparty, service, script                     string
		invoice, prepay, lockupTxID, lockupTxHex, spendTx sql.NullString
		failure                                           sql.NullString
		lightningAmt, onchainAmt, lockupAmt               int64
		lockupVout                                        sql.NullInt64
		accepted                                          int
		createdAt, updatedAt                              int64
	)

	err := row.Scan(
		&hash, &preimage, &direction, &state,
		&lightningAmt, &onchainAmt,
		&counterparty, &service, &rec.ServiceKeyIndex,
		&script, &rec.LockupAddress, &rec.Locktime,
		&invoice, &prepay, &accepted,
		&lockupTxID, &lockupVout, &lockupAmt, &lockupTxHex, &spendTx,
		&failure, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if rec.PaymentHash, err = lntypes.MakeHashFromStr(hash); err != nil {
		return nil, fmt.Errorf("corrupt payment hash %q: %w", hash, err)
	}
	if preimage.Valid && preimage.String != "" {
		p, err := lntypes.MakePreimageFromStr(preimage.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt preimage for %s: %w", hash, err)
		}
		rec.Preimage = &p
	}
	if rec.CounterpartyPubKey, err = hex.DecodeString(counterparty); err != nil {
		return nil, fmt.Errorf("corrupt counterparty key for %s: %w", hash, err)
	}
	if rec.ServicePubKey, err = hex.DecodeString(service); err != nil {
		return nil, fmt.Errorf("corrupt service key for %s: %w", hash, err)
	}
	if rec.RedeemScript, err = hex.DecodeString(script); err != nil {
		return nil, fmt.Errorf("corrupt redeem script for %s: %w", hash, err)
	}

	rec.Direction = swap.Direction(direction)
	rec.State = swap.State(state)
	rec.LightningAmount = btcutil.Amount(lightningAmt)
	rec.OnchainAmount = btcutil.Amount(onchainAmt)
	rec.Invoice = invoice.String
	rec.PrepayInvoice = prepay.String
	rec.HTLCAccepted = accepted == 1
	rec.LockupTxID = lockupTxID.String
	rec.LockupVout = uint32(lockupVout.Int64)
	rec.LockupAmount = btcutil.Amount(lockupAmt)
	rec.LockupTxHex = lockupTxHex.String
	rec.SpendTxID = spendTx.String
	rec.FailureReason = failure.String
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)

	return &rec, nil
}

var _ swap.Store = (*Storage)(nil)
