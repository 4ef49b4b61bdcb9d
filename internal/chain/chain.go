// Package chain defines the Bitcoin networks the swap server can run on.
package chain

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network identifies a Bitcoin network.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Signet  Network = "signet"
	Regtest Network = "regtest"
)

// PairID is the only trading pair the server offers.
const PairID = "BTC/BTC"

// Params contains all parameters for a network.
type Params struct {
	Network Network
	Name    string

	// BIP44 coin type (0 on mainnet, 1 everywhere else)
	CoinType uint32

	// Chain is the btcd network definition used for addresses and invoices.
	Chain *chaincfg.Params

	// DefaultBackendURL is the esplora-compatible API used when the
	// configuration does not name one.
	DefaultBackendURL string
}

// DerivationPath returns the BIP84 path m/84'/coin'/account'/change/index.
func (p *Params) DerivationPath(account, change, index uint32) string {
	return fmt.Sprintf("m/84'/%d'/%d'/%d/%d", p.CoinType, account, change, index)
}

var registry = map[Network]*Params{
	Mainnet: {
		Network:           Mainnet,
		Name:              "Bitcoin",
		CoinType:          0,
		Chain:             &chaincfg.MainNetParams,
		DefaultBackendURL: "https://mempool.space/api",
	},
	Testnet: {
		Network:           Testnet,
		Name:              "Bitcoin Testnet",
		CoinType:          1,
		Chain:             &chaincfg.TestNet3Params,
		DefaultBackendURL: "https://mempool.space/testnet/api",
	},
	Signet: {
		Network:           Signet,
		Name:              "Bitcoin Signet",
		CoinType:          1,
		Chain:             &chaincfg.SigNetParams,
		DefaultBackendURL: "https://mempool.space/signet/api",
	},
	Regtest: {
		Network:           Regtest,
		Name:              "Bitcoin Regtest",
		CoinType:          1,
		Chain:             &chaincfg.RegressionNetParams,
		DefaultBackendURL: "http://127.0.0.1:3002",
	},
}

// Get returns the parameters for a network.
func Get(network Network) (*Params, bool) {
	p, ok := registry[network]
	return p, ok
}

// ParseNetwork parses a network name. "testnet3" and "bitcoin" are accepted
// as aliases.
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mainnet", "bitcoin", "main":
		return Mainnet, nil
	case "testnet", "testnet3":
		return Testnet, nil
	case "signet":
		return Signet, nil
	case "regtest":
		return Regtest, nil
	}
	return "", fmt.Errorf("unknown network %q", s)
}

// MustGet returns the parameters for a network and panics if it is unknown.
func MustGet(network Network) *Params {
	p, ok := Get(network)
	if !ok {
		panic("chain: unknown network " + string(network))
	}
	return p
}
