// Package main provides the swapserverd daemon, a Lightning to on-chain
// submarine swap server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/klingon-exchange/swapserver/internal/backend"
	"github.com/klingon-exchange/swapserver/internal/chain"
	"github.com/klingon-exchange/swapserver/internal/config"
	"github.com/klingon-exchange/swapserver/internal/lightning"
	"github.com/klingon-exchange/swapserver/internal/rpc"
	"github.com/klingon-exchange/swapserver/internal/storage"
	"github.com/klingon-exchange/swapserver/internal/swap"
	"github.com/klingon-exchange/swapserver/internal/wallet"
	"github.com/klingon-exchange/swapserver/pkg/helpers"
	"github.com/klingon-exchange/swapserver/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// passwordEnv holds the wallet seed password.
const passwordEnv = "SWAPSERVER_WALLET_PASSWORD"

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.swapserver", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		listenAddr  = flag.String("listen", "", "HTTP listen address, overrides config")
		network     = flag.String("network", "", "Bitcoin network (mainnet, testnet, signet, regtest), overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Initial logger, replaced once the config is loaded
	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("swapserverd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile)
	} else {
		cfg, err = config.LoadConfig(*dataDir)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file
	if *listenAddr != "" {
		cfg.Server.Listen = *listenAddr
	}
	if *network != "" {
		cfg.Network = *network
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *configFile == "" {
		cfg.Storage.DataDir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	logCfg := &logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	}
	if cfg.Logging.File != "" {
		out, f, err := logging.OpenFile(config.ExpandPath(cfg.Logging.File))
		if err != nil {
			log.Fatal("Failed to open log file", "error", err)
		}
		defer f.Close()
		logCfg.Output = out
	}
	log = logging.New(logCfg)
	logging.SetDefault(log)

	params, err := cfg.ChainParams()
	if err != nil {
		log.Fatal("Invalid network", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", store.Path())

	// Chain backend
	backendURL, err := cfg.BackendURL()
	if err != nil {
		log.Fatal("Invalid backend", "error", err)
	}
	chainBackend, err := backend.New(backend.Config{
		Type:    backend.Type(cfg.Backend.Type),
		URL:     backendURL,
		Timeout: time.Duration(cfg.Backend.Timeout) * time.Second,
	})
	if err != nil {
		log.Fatal("Failed to create backend", "error", err)
	}
	if err := chainBackend.Connect(ctx); err != nil {
		log.Fatal("Backend unreachable", "url", backendURL, "error", err)
	}
	defer chainBackend.Close()
	watcher := backend.NewWatcher(chainBackend, params.Chain, cfg.Swap.PollInterval)

	// Wallet
	walletService, err := wallet.Open(wallet.ServiceConfig{
		SeedPath: cfg.SeedPath(),
		Password: os.Getenv(passwordEnv),
		Params:   params,
		UTXOs:    chainBackend,
		Indexes:  store,
	})
	if err != nil {
		log.Fatal("Failed to open wallet", "error", err)
	}

	// Lightning
	lnd, err := lightning.Connect(ctx, lightning.Config{
		Host:           cfg.Lightning.Host,
		Network:        params.Network,
		MacaroonDir:    config.ExpandPath(cfg.Lightning.MacaroonDir),
		TLSPath:        config.ExpandPath(cfg.Lightning.TLSPath),
		InvoiceExpiry:  cfg.Swap.InvoiceExpiry,
		PaymentTimeout: cfg.Lightning.PaymentTimeout,
	})
	if err != nil {
		log.Fatal("Failed to connect to lnd", "error", err)
	}
	defer lnd.Close()

	// Ledger
	ledger, err := swap.NewLedger(swap.LedgerConfig{
		Net:               params.Chain,
		Payments:          lnd,
		Chain:             watcher,
		Wallet:            walletService,
		Store:             store,
		Fees:              watcher,
		Limits:            limitsFromConfig(&cfg.Swap),
		LocktimeDelta:     cfg.Swap.LocktimeDelta,
		InvoiceCltvMargin: cfg.Swap.InvoiceCltvMargin,
		InvoiceExpiry:     cfg.Swap.InvoiceExpiry,
		ExpiryGrace:       cfg.Swap.ExpiryGrace,
		PruneAfter:        cfg.Swap.PruneAfter,
		PairsMaxAge:       cfg.Swap.PairsRefresh,
		MinConfirmations:  cfg.Swap.MinConfirmations,
		MaxPaymentFeePPM:  cfg.Lightning.MaxFeePPM,
	})
	if err != nil {
		log.Fatal("Failed to create ledger", "error", err)
	}
	if err := ledger.Start(ctx); err != nil {
		log.Fatal("Failed to start ledger", "error", err)
	}
	defer ledger.Close()

	scheduler, err := swap.NewScheduler(ledger, swap.SchedulerConfig{
		PruneInterval: cfg.Swap.PruneInterval,
		PairsRefresh:  cfg.Swap.PairsRefresh,
	})
	if err != nil {
		log.Fatal("Failed to create scheduler", "error", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// HTTP API
	server := rpc.NewServer(ledger)
	if err := server.Start(cfg.Server.Listen); err != nil {
		log.Fatal("Failed to start swap server", "error", err)
	}

	printBanner(log, params, cfg, server.Addr())

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				active, completed, err := store.SwapCount()
				if err != nil {
					log.Warn("Failed to count swaps", "error", err)
					continue
				}
				log.Info("Status", "active", active, "completed", completed,
					"ws_clients", server.WSHub().ClientCount())
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	if err := server.Stop(); err != nil {
		log.Error("Error stopping swap server", "error", err)
	}
	cancel()

	log.Info("Goodbye!")
}

func limitsFromConfig(s *config.SwapConfig) swap.Limits {
	return swap.Limits{
		Minimal:    btcutil.Amount(s.MinAmount),
		Maximal:    btcutil.Amount(s.MaxAmount),
		Percentage: s.Percentage,
		NormalFee:  btcutil.Amount(s.NormalFee),
		ClaimFee:   btcutil.Amount(s.ClaimFee),
		LockupFee:  btcutil.Amount(s.LockupFee),
	}
}

func printBanner(log *logging.Logger, params *chain.Params, cfg *config.Config, addr string) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  Swap Server (%s)", params.Name)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s", addr)
	log.Infof("  WS:  ws://%s/ws", addr)
	log.Infof("  Pair: %s", chain.PairID)
	log.Info("")
	log.Infof("  Limits: %s - %s BTC", helpers.SatoshisToBTC(cfg.Swap.MinAmount), helpers.SatoshisToBTC(cfg.Swap.MaxAmount))
	log.Infof("  lnd: %s", cfg.Lightning.Host)
	log.Infof("  Data dir: %s", filepath.Clean(config.ExpandPath(cfg.Storage.DataDir)))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
