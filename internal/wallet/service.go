package wallet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/swapserver/internal/backend"
	"github.com/klingon-exchange/swapserver/internal/chain"
	"github.com/klingon-exchange/swapserver/internal/swap"
	"github.com/klingon-exchange/swapserver/pkg/logging"
)

// reservationTTL is how long selected UTXOs stay off limits to later
// fundings. The backend reports them spent once the funding is broadcast.
const reservationTTL = 10 * time.Minute

// UTXOSource lists the unspent outputs of an address.
type UTXOSource interface {
	GetAddressUTXOs(ctx context.Context, address string) ([]backend.UTXO, error)
}

// IndexStore hands out swap key indexes that survive restarts.
type IndexStore interface {
	NextKeyIndex() (uint32, error)
}

// ServiceConfig holds configuration for the wallet service.
type ServiceConfig struct {
	SeedPath string
	Password string
	Params   *chain.Params

	UTXOs UTXOSource

	// Indexes is optional; without it indexes start at 0 on every run.
	Indexes IndexStore
}

// Service implements swap.Wallet on top of an HD wallet. Funds live on a
// single P2WPKH address, which is also where claims and refunds sweep to.
type Service struct {
	wallet  *Wallet
	utxos   UTXOSource
	indexes IndexStore
	log     *logging.Logger

	mu        sync.Mutex
	nextIndex uint32
	reserved  map[wire.OutPoint]time.Time
	now       func() time.Time
}

// Open loads the wallet seed at cfg.SeedPath, creating a new seed there if
// none exists.
func Open(cfg ServiceConfig) (*Service, error) {
	if cfg.Params == nil || cfg.UTXOs == nil {
		return nil, errors.New("wallet requires network params and a UTXO source")
	}
	log := logging.GetDefault().Component("wallet")

	mnemonic, created, err := loadOrCreateMnemonic(cfg.SeedPath, cfg.Password)
	if err != nil {
		return nil, err
	}
	w, err := NewFromMnemonic(mnemonic, "", cfg.Params)
	SecureClear([]byte(mnemonic))
	if err != nil {
		return nil, err
	}

	s := NewService(w, cfg.UTXOs, cfg.Indexes)
	addr, err := s.SweepAddress()
	if err != nil {
		return nil, err
	}
	if created {
		log.Warn("Created new wallet seed, back up the seed file", "path", cfg.SeedPath)
	}
	log.Info("Wallet loaded", "network", cfg.Params.Network, "address", addr.EncodeAddress())
	return s, nil
}

func loadOrCreateMnemonic(path, password string) (string, bool, error) {
	if _, err := os.Stat(path); err == nil {
		enc, err := LoadEncryptedSeed(path)
		if err != nil {
			return "", false, err
		}
		mnemonic, err := DecryptMnemonic(enc, password)
		if err != nil {
			return "", false, err
		}
		return mnemonic, false, nil
	} else if !os.IsNotExist(err) {
		return "", false, fmt.Errorf("failed to stat seed file: %w", err)
	}

	mnemonic, err := GenerateMnemonic()
	if err != nil {
		return "", false, err
	}
	enc, err := EncryptMnemonic(mnemonic, password)
	if err != nil {
		return "", false, err
	}
	if err := SaveEncryptedSeed(enc, path); err != nil {
		return "", false, err
	}
	return mnemonic, true, nil
}

// NewService wraps an unlocked wallet.
func NewService(w *Wallet, utxos UTXOSource, indexes IndexStore) *Service {
	return &Service{
		wallet:   w,
		utxos:    utxos,
		indexes:  indexes,
		log:      logging.GetDefault().Component("wallet"),
		reserved: make(map[wire.OutPoint]time.Time),
		now:      time.Now,
	}
}

// NewSwapKey derives the key for the next unused swap index.
func (s *Service) NewSwapKey() (uint32, *btcec.PublicKey, error) {
	index, err := s.allocateIndex()
	if err != nil {
		return 0, nil, err
	}
	pub, err := s.wallet.PublicKey(SwapKeyAccount, index)
	if err != nil {
		return 0, nil, err
	}
	return index, pub, nil
}

func (s *Service) allocateIndex() (uint32, error) {
	if s.indexes != nil {
		index, err := s.indexes.NextKeyIndex()
		if err != nil {
			return 0, fmt.Errorf("failed to allocate key index: %w", err)
		}
		return index, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.nextIndex
	s.nextIndex++
	return index, nil
}

// SwapKey returns the private key for a swap index.
func (s *Service) SwapKey(index uint32) (*btcec.PrivateKey, error) {
	return s.wallet.PrivateKey(SwapKeyAccount, index)
}

// SweepAddress is the wallet's funds address.
func (s *Service) SweepAddress() (btcutil.Address, error) {
	return s.wallet.Address(FundsAccount, 0)
}

// FundLockup builds and signs a transaction paying amount to address from
// the funds address. The spent UTXOs are reserved so that concurrent
// fundings do not pick them again.
func (s *Service) FundLockup(ctx context.Context, address btcutil.Address, amount btcutil.Amount,
	feeRate uint64) (*wire.MsgTx, error) {

	source, err := s.wallet.Address(FundsAccount, 0)
	if err != nil {
		return nil, err
	}
	key, err := s.wallet.PrivateKey(FundsAccount, 0)
	if err != nil {
		return nil, err
	}
	sourceScript, err := txscript.PayToAddrScript(source)
	if err != nil {
		return nil, err
	}
	destination, err := txscript.PayToAddrScript(address)
	if err != nil {
		return nil, fmt.Errorf("invalid lockup address: %w", err)
	}

	utxos, err := s.utxos.GetAddressUTXOs(ctx, source.EncodeAddress())
	if err != nil && !errors.Is(err, backend.ErrAddressNotFound) {
		return nil, fmt.Errorf("failed to list UTXOs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, spent, err := BuildFundingTx(&FundingParams{
		Key:          key,
		UTXOs:        s.available(utxos),
		SourceScript: sourceScript,
		Destination:  destination,
		Amount:       int64(amount),
		FeeRate:      feeRate,
	})
	if err != nil {
		return nil, err
	}

	expires := s.now().Add(reservationTTL)
	for i, u := range spent {
		s.reserved[tx.TxIn[i].PreviousOutPoint] = expires
		s.log.Debug("Reserved UTXO", "txid", u.TxID, "vout", u.Vout)
	}
	s.log.Info("Built lockup funding", "address", address.EncodeAddress(),
		"amount", int64(amount), "inputs", len(spent), "txid", tx.TxHash())
	return tx, nil
}

// available drops reserved UTXOs and expired reservations. s.mu must be held.
func (s *Service) available(utxos []backend.UTXO) []backend.UTXO {
	now := s.now()
	for op, expires := range s.reserved {
		if now.After(expires) {
			delete(s.reserved, op)
		}
	}

	out := make([]backend.UTXO, 0, len(utxos))
	for _, u := range utxos {
		if _, taken := s.reserved[outPointOf(u)]; !taken {
			out = append(out, u)
		}
	}
	return out
}

func outPointOf(u backend.UTXO) wire.OutPoint {
	op := wire.OutPoint{Index: u.Vout}
	if hash, err := chainhash.NewHashFromStr(u.TxID); err == nil {
		op.Hash = *hash
	}
	return op
}

var _ swap.Wallet = (*Service)(nil)
