// Package config holds the swap server configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/swapserver/internal/chain"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Config is the root configuration.
type Config struct {
	// Network is the Bitcoin network (mainnet, testnet, signet, regtest).
	Network string `yaml:"network"`

	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Backend   BackendConfig   `yaml:"backend"`
	Lightning LightningConfig `yaml:"lightning"`
	Wallet    WalletConfig    `yaml:"wallet"`
	Swap      SwapConfig      `yaml:"swap"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// Listen is the address the swap API binds to. Defaults to localhost only.
	Listen string `yaml:"listen"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr only).
	File string `yaml:"file"`
}

// BackendConfig selects the blockchain data provider.
type BackendConfig struct {
	// Type is "mempool" or "esplora".
	Type string `yaml:"type"`

	// URL overrides the network default API URL.
	URL string `yaml:"url"`

	// Timeout is the HTTP timeout in seconds.
	Timeout int `yaml:"timeout"`
}

// LightningConfig holds the lnd connection.
type LightningConfig struct {
	Host        string `yaml:"lnd_host"`
	MacaroonDir string `yaml:"macaroon_dir"`
	TLSPath     string `yaml:"tls_path"`

	// MaxFeePPM caps routing fees for outgoing swap payments.
	MaxFeePPM uint64 `yaml:"max_payment_fee_ppm"`

	PaymentTimeout time.Duration `yaml:"payment_timeout"`
}

// WalletConfig holds the service wallet seed location.
type WalletConfig struct {
	// SeedFile is relative to the data dir unless absolute.
	SeedFile string `yaml:"seed_file"`
}

// SwapConfig holds limits, fees and timing for swaps.
type SwapConfig struct {
	MinAmount  uint64  `yaml:"min_amount"`
	MaxAmount  uint64  `yaml:"max_amount"`
	Percentage float64 `yaml:"percentage"`

	// Fixed miner fee schedule in satoshis. Fee estimates from the backend
	// can raise these but never lower them.
	NormalFee uint64 `yaml:"normal_fee"`
	ClaimFee  uint64 `yaml:"claim_fee"`
	LockupFee uint64 `yaml:"lockup_fee"`

	// LocktimeDelta is added to the current height to form the refund locktime.
	LocktimeDelta uint32 `yaml:"locktime_delta"`

	// InvoiceCltvMargin is added to LocktimeDelta for hold invoice CLTV expiry.
	InvoiceCltvMargin uint32 `yaml:"invoice_cltv_margin"`

	InvoiceExpiry    time.Duration `yaml:"invoice_expiry"`
	ExpiryGrace      time.Duration `yaml:"expiry_grace"`
	MinConfirmations uint32        `yaml:"min_confirmations"`
	PruneInterval    time.Duration `yaml:"prune_interval"`
	PruneAfter       time.Duration `yaml:"prune_after"`
	PairsRefresh     time.Duration `yaml:"pairs_refresh"`
	PollInterval     time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: string(chain.Mainnet),
		Server: ServerConfig{
			Listen: "127.0.0.1:5455",
		},
		Storage: StorageConfig{
			DataDir: "~/.swapserver",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Backend: BackendConfig{
			Type:    "mempool",
			Timeout: 30,
		},
		Lightning: LightningConfig{
			Host:           "localhost:10009",
			MacaroonDir:    "~/.lnd/data/chain/bitcoin/mainnet",
			TLSPath:        "~/.lnd/tls.cert",
			MaxFeePPM:      5000,
			PaymentTimeout: 5 * time.Minute,
		},
		Wallet: WalletConfig{
			SeedFile: "wallet.seed",
		},
		Swap: SwapConfig{
			MinAmount:         20000,
			MaxAmount:         10000000,
			Percentage:        0.5,
			NormalFee:         1000,
			ClaimFee:          1000,
			LockupFee:         500,
			LocktimeDelta:     70,
			InvoiceCltvMargin: 30,
			InvoiceExpiry:     time.Hour,
			ExpiryGrace:       time.Hour,
			MinConfirmations:  1,
			PruneInterval:     time.Minute,
			PruneAfter:        24 * time.Hour,
			PairsRefresh:      5 * time.Minute,
			PollInterval:      30 * time.Second,
		},
	}
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	if _, err := chain.ParseNetwork(c.Network); err != nil {
		return err
	}
	switch c.Backend.Type {
	case "mempool", "esplora":
	default:
		return fmt.Errorf("unsupported backend type %q", c.Backend.Type)
	}
	s := c.Swap
	if s.MinAmount == 0 || s.MinAmount >= s.MaxAmount {
		return fmt.Errorf("swap limits invalid: min %d, max %d", s.MinAmount, s.MaxAmount)
	}
	if s.ClaimFee+s.LockupFee >= s.MinAmount || s.NormalFee >= s.MinAmount {
		return errors.New("swap fees must be below the minimal amount")
	}
	if s.LocktimeDelta == 0 {
		return errors.New("locktime_delta must be positive")
	}
	if s.ExpiryGrace <= 0 || s.PruneInterval <= 0 || s.PollInterval <= 0 || s.PairsRefresh <= 0 {
		return errors.New("swap intervals must be positive")
	}
	if s.Percentage < 0 || s.Percentage >= 100 {
		return fmt.Errorf("percentage out of range: %v", s.Percentage)
	}
	return nil
}

// ChainParams returns the network parameters after validation.
func (c *Config) ChainParams() (*chain.Params, error) {
	network, err := chain.ParseNetwork(c.Network)
	if err != nil {
		return nil, err
	}
	return chain.MustGet(network), nil
}

// BackendURL returns the configured backend URL or the network default.
func (c *Config) BackendURL() (string, error) {
	if c.Backend.URL != "" {
		return c.Backend.URL, nil
	}
	params, err := c.ChainParams()
	if err != nil {
		return "", err
	}
	return params.DefaultBackendURL, nil
}

// SeedPath returns the absolute wallet seed path.
func (c *Config) SeedPath() string {
	if filepath.IsAbs(c.Wallet.SeedFile) {
		return c.Wallet.SeedFile
	}
	return filepath.Join(ExpandPath(c.Storage.DataDir), c.Wallet.SeedFile)
}

// LoadConfig loads configuration from dataDir/config.yaml.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from an explicit path, on top of the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Swap Server Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
