package wallet

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klingon-exchange/swapserver/internal/chain"
)

// Test mnemonic (DO NOT USE FOR REAL FUNDS)
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

const testPassword = "Correct-Horse-9"

func TestGenerateMnemonic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error = %v", err)
	}
	if words := strings.Fields(mnemonic); len(words) != 24 {
		t.Errorf("expected 24 words, got %d", len(words))
	}
	if !ValidateMnemonic(mnemonic) {
		t.Error("generated mnemonic should be valid")
	}
}

func TestValidateMnemonic(t *testing.T) {
	tests := []struct {
		mnemonic string
		valid    bool
	}{
		{testMnemonic, true},
		{"invalid mnemonic words", false},
		{"", false},
		{"abandon", false},
	}
	for _, tc := range tests {
		if got := ValidateMnemonic(tc.mnemonic); got != tc.valid {
			t.Errorf("ValidateMnemonic(%q) = %v, want %v", tc.mnemonic, got, tc.valid)
		}
	}
}

// BIP84 test vector: m/84'/0'/0'/0/0 of the all-abandon mnemonic.
func TestAddressBIP84Vector(t *testing.T) {
	w, err := NewFromMnemonic(testMnemonic, "", chain.MustGet(chain.Mainnet))
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	addr, err := w.Address(FundsAccount, 0)
	if err != nil {
		t.Fatalf("Address() error = %v", err)
	}
	if got, want := addr.EncodeAddress(), "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"; got != want {
		t.Errorf("Address() = %s, want %s", got, want)
	}
}

func TestDeriveKeyAccountsDiffer(t *testing.T) {
	w, err := NewFromMnemonic(testMnemonic, "", chain.MustGet(chain.Regtest))
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}

	funds, err := w.PublicKey(FundsAccount, 0)
	if err != nil {
		t.Fatalf("PublicKey() error = %v", err)
	}
	swapKey, err := w.PublicKey(SwapKeyAccount, 0)
	if err != nil {
		t.Fatalf("PublicKey() error = %v", err)
	}
	if funds.IsEqual(swapKey) {
		t.Error("funds and swap accounts derived the same key")
	}

	// Cached and fresh derivations agree.
	w.ClearCache()
	again, err := w.PublicKey(SwapKeyAccount, 0)
	if err != nil {
		t.Fatalf("PublicKey() error = %v", err)
	}
	if !again.IsEqual(swapKey) {
		t.Error("derivation is not deterministic")
	}

	addr, err := w.Address(FundsAccount, 0)
	if err != nil {
		t.Fatalf("Address() error = %v", err)
	}
	if !strings.HasPrefix(addr.EncodeAddress(), "bcrt1q") {
		t.Errorf("regtest address = %s", addr.EncodeAddress())
	}

	if _, err := w.DeriveKey(FundsAccount, 1<<31); err == nil {
		t.Error("DeriveKey() accepted a hardened index")
	}
}

func TestNewFromMnemonicInvalid(t *testing.T) {
	if _, err := NewFromMnemonic("not a mnemonic", "", chain.MustGet(chain.Regtest)); err == nil {
		t.Error("NewFromMnemonic() accepted an invalid mnemonic")
	}
}

func TestEncryptDecryptMnemonic(t *testing.T) {
	enc, err := EncryptMnemonic(testMnemonic, testPassword)
	if err != nil {
		t.Fatalf("EncryptMnemonic() error = %v", err)
	}
	if strings.Contains(string(enc.Ciphertext), "abandon") {
		t.Fatal("ciphertext contains plaintext")
	}

	got, err := DecryptMnemonic(enc, testPassword)
	if err != nil {
		t.Fatalf("DecryptMnemonic() error = %v", err)
	}
	if got != testMnemonic {
		t.Errorf("DecryptMnemonic() = %q", got)
	}

	if _, err := DecryptMnemonic(enc, "Wrong-Password-1"); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("DecryptMnemonic() error = %v, want ErrWrongPassword", err)
	}
}

func TestSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "wallet.seed")

	enc, err := EncryptMnemonic(testMnemonic, testPassword)
	if err != nil {
		t.Fatalf("EncryptMnemonic() error = %v", err)
	}
	if err := SaveEncryptedSeed(enc, path); err != nil {
		t.Fatalf("SaveEncryptedSeed() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("seed file mode = %o, want 600", perm)
	}

	if err := SaveEncryptedSeed(enc, path); err == nil {
		t.Error("SaveEncryptedSeed() overwrote an existing seed")
	}

	loaded, err := LoadEncryptedSeed(path)
	if err != nil {
		t.Fatalf("LoadEncryptedSeed() error = %v", err)
	}
	got, err := DecryptMnemonic(loaded, testPassword)
	if err != nil || got != testMnemonic {
		t.Errorf("round trip = %q, %v", got, err)
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		password string
		wantErr  bool
	}{
		{"Sh0rt!", true},
		{"alllowercase", true},
		{"lowerUPPER", true},
		{"lowerUPPER1", false},
		{"lower-123x", false},
		{strings.Repeat("aA1", 90), true},
	}
	for _, tt := range tests {
		if err := ValidatePassword(tt.password); (err != nil) != tt.wantErr {
			t.Errorf("ValidatePassword(%q) error = %v, wantErr %v", tt.password, err, tt.wantErr)
		}
	}
}
