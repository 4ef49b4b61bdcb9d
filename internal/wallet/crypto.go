package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unicode"

	"golang.org/x/crypto/argon2"

	"github.com/klingon-exchange/swapserver/pkg/helpers"
)

// Argon2id parameters for new seed files.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KiB
	argon2Parallelism = 4
	argon2KeyLen      = 32
	argon2SaltLen     = 32
)

const seedFileVersion = 1

// ErrWrongPassword is returned when a seed file cannot be decrypted.
var ErrWrongPassword = errors.New("failed to decrypt seed (wrong password?)")

// EncryptedSeed is the on-disk form of the wallet mnemonic.
type EncryptedSeed struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// EncryptMnemonic encrypts a mnemonic using Argon2id + AES-256-GCM.
func EncryptMnemonic(mnemonic, password string) (*EncryptedSeed, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("invalid password: %w", err)
	}
	if !ValidateMnemonic(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	salt, err := helpers.GenerateSecureRandom(argon2SaltLen)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	enc := &EncryptedSeed{
		Version:     seedFileVersion,
		Salt:        salt,
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}

	gcm, err := enc.cipher(password)
	if err != nil {
		return nil, err
	}
	enc.Nonce, err = helpers.GenerateSecureRandom(gcm.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	enc.Ciphertext = gcm.Seal(nil, enc.Nonce, []byte(mnemonic), nil)
	return enc, nil
}

// DecryptMnemonic decrypts an encrypted seed.
func DecryptMnemonic(enc *EncryptedSeed, password string) (string, error) {
	if enc.Version != seedFileVersion {
		return "", fmt.Errorf("unsupported seed file version %d", enc.Version)
	}
	gcm, err := enc.cipher(password)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, enc.Nonce, enc.Ciphertext, nil)
	if err != nil {
		return "", ErrWrongPassword
	}
	defer SecureClear(plaintext)
	return string(plaintext), nil
}

// cipher derives the AES key from password with the stored parameters.
func (e *EncryptedSeed) cipher(password string) (cipher.AEAD, error) {
	if e.Time == 0 || e.Memory == 0 || e.Parallelism == 0 || len(e.Salt) == 0 {
		return nil, errors.New("seed file is missing key derivation parameters")
	}
	key := argon2.IDKey([]byte(password), e.Salt, e.Time, e.Memory, e.Parallelism, argon2KeyLen)
	defer SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SaveEncryptedSeed writes an encrypted seed with owner-only permissions.
// An existing file is never overwritten.
func SaveEncryptedSeed(enc *EncryptedSeed, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.Marshal(enc)
	if err != nil {
		return fmt.Errorf("failed to marshal seed: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create seed file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write seed file: %w", err)
	}
	return f.Close()
}

// LoadEncryptedSeed reads an encrypted seed file.
func LoadEncryptedSeed(path string) (*EncryptedSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var enc EncryptedSeed
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &enc, nil
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// Password validation constants
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// ValidatePassword requires MinPasswordLength characters from at least
// three of the classes upper, lower, digit and symbol.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d characters", MaxPasswordLength)
	}

	classes := make(map[string]bool)
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			classes["upper"] = true
		case unicode.IsLower(r):
			classes["lower"] = true
		case unicode.IsNumber(r):
			classes["digit"] = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			classes["symbol"] = true
		}
	}
	if len(classes) < 3 {
		return fmt.Errorf("password must contain at least 3 of: uppercase, lowercase, number, special character")
	}
	return nil
}
