// Package wallet holds the service's key material: a BIP39 seed, BIP84
// key derivation for swap keys and funds, and the builder for the funding
// transactions of service lockups.
package wallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/tyler-smith/go-bip39"

	"github.com/klingon-exchange/swapserver/internal/chain"
)

// Accounts under m/84'/coin'. Funds and swap keys never share a branch.
const (
	// FundsAccount holds the sweep and funding address.
	FundsAccount uint32 = 0

	// SwapKeyAccount holds one key per swap redeem script.
	SwapKeyAccount uint32 = 1
)

const bip84Purpose = 84

// Wallet manages HD keys derived from a BIP39 seed.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	params    *chain.Params
	mu        sync.Mutex

	// account -> index -> key, change is always 0
	cache map[uint32]map[uint32]*hdkeychain.ExtendedKey
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256) // 256 bits = 24 words
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic.
// The passphrase is optional (can be empty string).
func NewFromMnemonic(mnemonic, passphrase string, params *chain.Params) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return NewFromSeed(bip39.NewSeed(mnemonic, passphrase), params)
}

// NewFromSeed creates a wallet from a raw BIP32 seed.
func NewFromSeed(seed []byte, params *chain.Params) (*Wallet, error) {
	masterKey, err := hdkeychain.NewMaster(seed, params.Chain)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Wallet{
		masterKey: masterKey,
		params:    params,
		cache:     make(map[uint32]map[uint32]*hdkeychain.ExtendedKey),
	}, nil
}

// Params returns the wallet's network parameters.
func (w *Wallet) Params() *chain.Params {
	return w.params
}

// DeriveKey derives m/84'/coin'/account'/0/index.
func (w *Wallet) DeriveKey(account, index uint32) (*hdkeychain.ExtendedKey, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("index %d out of range", index)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if key, ok := w.cache[account][index]; ok {
		return key, nil
	}

	key := w.masterKey
	path := []uint32{
		hdkeychain.HardenedKeyStart + bip84Purpose,
		hdkeychain.HardenedKeyStart + w.params.CoinType,
		hdkeychain.HardenedKeyStart + account,
		0,
		index,
	}
	for _, child := range path {
		var err error
		key, err = key.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", w.params.DerivationPath(account, 0, index), err)
		}
	}

	if w.cache[account] == nil {
		w.cache[account] = make(map[uint32]*hdkeychain.ExtendedKey)
	}
	w.cache[account][index] = key
	return key, nil
}

// PrivateKey derives the private key at account/index.
func (w *Wallet) PrivateKey(account, index uint32) (*btcec.PrivateKey, error) {
	key, err := w.DeriveKey(account, index)
	if err != nil {
		return nil, err
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return priv, nil
}

// PublicKey derives the public key at account/index.
func (w *Wallet) PublicKey(account, index uint32) (*btcec.PublicKey, error) {
	key, err := w.DeriveKey(account, index)
	if err != nil {
		return nil, err
	}
	pub, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	return pub, nil
}

// Address derives the P2WPKH address at account/index.
func (w *Wallet) Address(account, index uint32) (*btcutil.AddressWitnessPubKeyHash, error) {
	pub, err := w.PublicKey(account, index)
	if err != nil {
		return nil, err
	}
	return btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), w.params.Chain)
}

// ClearCache drops all cached extended keys.
func (w *Wallet) ClearCache() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cache = make(map[uint32]map[uint32]*hdkeychain.ExtendedKey)
}
