package wallet

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/swapserver/internal/backend"
	"github.com/klingon-exchange/swapserver/internal/chain"
)

type fakeUTXOs struct {
	mu    sync.Mutex
	utxos map[string][]backend.UTXO
	err   error
}

func (f *fakeUTXOs) GetAddressUTXOs(_ context.Context, address string) ([]backend.UTXO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.utxos[address], nil
}

type counter struct{ next uint32 }

func (c *counter) NextKeyIndex() (uint32, error) {
	c.next++
	return c.next - 1, nil
}

func txid(b byte) string {
	return strings.Repeat(string("0123456789abcdef"[b%16]), 64)
}

func testService(t *testing.T, amounts ...uint64) (*Service, *fakeUTXOs) {
	t.Helper()
	w, err := NewFromMnemonic(testMnemonic, "", chain.MustGet(chain.Regtest))
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	source := &fakeUTXOs{utxos: make(map[string][]backend.UTXO)}
	s := NewService(w, source, nil)

	addr, err := s.SweepAddress()
	if err != nil {
		t.Fatalf("SweepAddress() error = %v", err)
	}
	for i, amt := range amounts {
		source.utxos[addr.EncodeAddress()] = append(source.utxos[addr.EncodeAddress()],
			backend.UTXO{TxID: txid(byte(i + 1)), Vout: uint32(i), Amount: amt, Confirmations: 1})
	}
	return s, source
}

func lockupAddress(t *testing.T) btcutil.Address {
	t.Helper()
	addr, err := btcutil.NewAddressWitnessScriptHash(make([]byte, 32), chain.MustGet(chain.Regtest).Chain)
	if err != nil {
		t.Fatalf("NewAddressWitnessScriptHash() error = %v", err)
	}
	return addr
}

// verifyInputs runs every input of tx through the script engine.
func verifyInputs(t *testing.T, s *Service, tx *wire.MsgTx, amounts map[wire.OutPoint]int64) {
	t.Helper()
	source, _ := s.SweepAddress()
	pkScript, _ := txscript.PayToAddrScript(source)

	prevOuts := make(map[wire.OutPoint]*wire.TxOut)
	for op, amt := range amounts {
		prevOuts[op] = wire.NewTxOut(amt, pkScript)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		prev := fetcher.FetchPrevOutput(in.PreviousOutPoint)
		if prev == nil {
			t.Fatalf("input %d spends unknown outpoint %v", i, in.PreviousOutPoint)
		}
		vm, err := txscript.NewEngine(prev.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, prev.Value, fetcher)
		if err != nil {
			t.Fatalf("NewEngine() error = %v", err)
		}
		if err := vm.Execute(); err != nil {
			t.Fatalf("input %d does not verify: %v", i, err)
		}
	}
}

func TestFundLockup(t *testing.T) {
	s, source := testService(t, 40_000, 150_000, 80_000)
	lockup := lockupAddress(t)

	tx, err := s.FundLockup(context.Background(), lockup, 100_000, 5)
	if err != nil {
		t.Fatalf("FundLockup() error = %v", err)
	}

	// The largest UTXO covers the amount on its own.
	if len(tx.TxIn) != 1 || tx.TxIn[0].PreviousOutPoint.Index != 1 {
		t.Fatalf("inputs = %v, want the 150000 sat UTXO", tx.TxIn)
	}
	if len(tx.TxOut) != 2 {
		t.Fatalf("outputs = %d, want lockup and change", len(tx.TxOut))
	}
	lockupScript, _ := txscript.PayToAddrScript(lockup)
	if tx.TxOut[0].Value != 100_000 || string(tx.TxOut[0].PkScript) != string(lockupScript) {
		t.Errorf("lockup output = %+v", tx.TxOut[0])
	}
	// 11 + 68 + 43 + 31 = 153 vB at 5 sat/vB.
	if fee := 150_000 - tx.TxOut[0].Value - tx.TxOut[1].Value; fee != 765 {
		t.Errorf("fee = %d, want 765", fee)
	}
	if tx.TxIn[0].Sequence != wire.MaxTxInSequenceNum-2 {
		t.Errorf("sequence = %x, want RBF signalling", tx.TxIn[0].Sequence)
	}

	addr, _ := s.SweepAddress()
	utxo := source.utxos[addr.EncodeAddress()][1]
	verifyInputs(t, s, tx, map[wire.OutPoint]int64{outPointOf(utxo): int64(utxo.Amount)})
}

func TestFundLockupReservesUTXOs(t *testing.T) {
	s, _ := testService(t, 60_000, 60_000)
	lockup := lockupAddress(t)

	first, err := s.FundLockup(context.Background(), lockup, 50_000, 2)
	if err != nil {
		t.Fatalf("FundLockup() error = %v", err)
	}
	second, err := s.FundLockup(context.Background(), lockup, 50_000, 2)
	if err != nil {
		t.Fatalf("second FundLockup() error = %v", err)
	}
	if first.TxIn[0].PreviousOutPoint == second.TxIn[0].PreviousOutPoint {
		t.Fatal("two fundings spent the same UTXO")
	}

	if _, err := s.FundLockup(context.Background(), lockup, 50_000, 2); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("third FundLockup() error = %v, want ErrInsufficientFunds", err)
	}

	// Reservations lapse; by then the backend no longer lists spent outputs.
	s.now = func() time.Time { return time.Now().Add(2 * reservationTTL) }
	if _, err := s.FundLockup(context.Background(), lockup, 50_000, 2); err != nil {
		t.Errorf("FundLockup() after expiry error = %v", err)
	}
}

func TestFundLockupMultipleInputsNoChange(t *testing.T) {
	s, source := testService(t, 30_000, 30_000)
	lockup := lockupAddress(t)

	// 11 + 2*68 + 43 + 31 = 221 vB at 1 sat/vB leaves change below dust.
	tx, err := s.FundLockup(context.Background(), lockup, 59_500, 1)
	if err != nil {
		t.Fatalf("FundLockup() error = %v", err)
	}
	if len(tx.TxIn) != 2 || len(tx.TxOut) != 1 {
		t.Fatalf("tx has %d inputs and %d outputs, want 2 and 1", len(tx.TxIn), len(tx.TxOut))
	}

	addr, _ := s.SweepAddress()
	amounts := make(map[wire.OutPoint]int64)
	for _, u := range source.utxos[addr.EncodeAddress()] {
		amounts[outPointOf(u)] = int64(u.Amount)
	}
	verifyInputs(t, s, tx, amounts)
}

func TestFundLockupErrors(t *testing.T) {
	s, source := testService(t, 10_000)
	lockup := lockupAddress(t)

	if _, err := s.FundLockup(context.Background(), lockup, 20_000, 1); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("FundLockup() error = %v, want ErrInsufficientFunds", err)
	}
	if _, err := s.FundLockup(context.Background(), lockup, 500, 1); err == nil {
		t.Error("FundLockup() accepted a dust amount")
	}

	source.err = errors.New("backend down")
	if _, err := s.FundLockup(context.Background(), lockup, 5_000, 1); err == nil {
		t.Error("FundLockup() ignored the UTXO source error")
	}

	source.err = backend.ErrAddressNotFound
	if _, err := s.FundLockup(context.Background(), lockup, 5_000, 1); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("FundLockup() on an unused address error = %v, want ErrInsufficientFunds", err)
	}
}

func TestSwapKeys(t *testing.T) {
	s, _ := testService(t)
	idx0, pub0, err := s.NewSwapKey()
	if err != nil {
		t.Fatalf("NewSwapKey() error = %v", err)
	}
	idx1, pub1, err := s.NewSwapKey()
	if err != nil {
		t.Fatalf("NewSwapKey() error = %v", err)
	}
	if idx0 != 0 || idx1 != 1 || pub0.IsEqual(pub1) {
		t.Fatalf("swap keys not distinct: %d %d", idx0, idx1)
	}

	priv, err := s.SwapKey(idx1)
	if err != nil {
		t.Fatalf("SwapKey() error = %v", err)
	}
	if !priv.PubKey().IsEqual(pub1) {
		t.Error("SwapKey() does not match NewSwapKey() public key")
	}
}

func TestSwapKeysUseIndexStore(t *testing.T) {
	w, err := NewFromMnemonic(testMnemonic, "", chain.MustGet(chain.Regtest))
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	store := &counter{next: 41}
	s := NewService(w, &fakeUTXOs{}, store)

	idx, _, err := s.NewSwapKey()
	if err != nil || idx != 41 {
		t.Errorf("NewSwapKey() index = %d, %v, want 41", idx, err)
	}
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.seed")
	cfg := ServiceConfig{
		SeedPath: path,
		Password: testPassword,
		Params:   chain.MustGet(chain.Regtest),
		UTXOs:    &fakeUTXOs{},
	}

	created, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	reopened, err := Open(cfg)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}

	a, _ := created.SweepAddress()
	b, _ := reopened.SweepAddress()
	if a.EncodeAddress() != b.EncodeAddress() {
		t.Errorf("reopened wallet address %s != %s", b.EncodeAddress(), a.EncodeAddress())
	}

	cfg.Password = "Another-Pass-2"
	if _, err := Open(cfg); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("Open() with wrong password error = %v, want ErrWrongPassword", err)
	}

	if _, err := Open(ServiceConfig{SeedPath: path}); err == nil {
		t.Error("Open() without params succeeded")
	}
}
