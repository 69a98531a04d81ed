// Package main provides swapd, the daemon that executes the HTLC side of
// cross-chain swaps matched by the orderbook.
package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Klingon-tech/swapd/internal/cache"
	"github.com/Klingon-tech/swapd/internal/chain"
	"github.com/Klingon-tech/swapd/internal/config"
	"github.com/Klingon-tech/swapd/internal/coordinator"
	"github.com/Klingon-tech/swapd/internal/orderbook"
	"github.com/Klingon-tech/swapd/internal/rpc"
	"github.com/Klingon-tech/swapd/internal/status"
	"github.com/Klingon-tech/swapd/internal/storage"
	"github.com/Klingon-tech/swapd/pkg/logging"
)

// shutdownDrainTimeout bounds how long shutdown waits for in-flight actor
// calls. Their execution records keep them from being repeated on restart.
const shutdownDrainTimeout = 30 * time.Second

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("datadir", "", "Data directory (default: from config, ~/.swapd)")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		rpcAddr     = flag.String("rpc", "", "JSON-RPC listen address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		initKey     = flag.Bool("init-key", false, "Generate and encrypt a new digest key, then exit")
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
		log.Infof("swapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	network := chain.Mainnet
	if *testnet {
		network = chain.Testnet
	}

	effectiveDataDir := *dataDir
	if effectiveDataDir == "" {
		effectiveDataDir = config.DefaultConfig(network).DataDir
	}
	effectiveDataDir = config.ExpandPath(effectiveDataDir)

	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile, effectiveDataDir, network)
	} else {
		cfg, err = config.LoadConfig(effectiveDataDir, network)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *rpcAddr != "" {
		cfg.RPC.Enabled = true
		cfg.RPC.Listen = *rpcAddr
	}

	log, closeLog := setupLogging(cfg)
	defer closeLog()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}
	log.Info("Config loaded", "network", cfg.Network, "data_dir", cfg.DataDir)

	password, ok := config.Password()
	if !ok {
		log.Fatal("Keystore password not set", "env", config.EnvPassword)
	}

	if *initKey {
		addr, err := initDigestKey(cfg.KeystorePath(), password)
		if err != nil {
			log.Fatal("Failed to create digest key", "error", err)
		}
		log.Info("Digest key created", "path", cfg.KeystorePath(), "address", addr)
		return
	}

	secrets, err := unlockDigestKey(cfg.KeystorePath(), password)
	if err != nil {
		log.Fatal("Failed to unlock digest key", "path", cfg.KeystorePath(), "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, err := storage.New(&storage.Config{DataDir: cfg.DataDir})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", store.Path())

	execCache, closeCache, err := openCache(ctx, cfg, store)
	if err != nil {
		log.Fatal("Failed to initialize cache", "error", err)
	}
	defer closeCache()
	log.Info("Cache initialized", "backend", cfg.Cache.Backend)

	actors, err := buildActors(ctx, cfg, secrets, execCache)
	if err != nil {
		log.Fatal("Failed to configure chains", "error", err)
	}
	if len(actors.Chains()) == 0 {
		log.Warn("No chains enabled, orders will only be tracked")
	}

	address := cfg.Coordinator.Address
	if address == "" {
		if address, err = secrets.Address(); err != nil {
			log.Fatal("Failed to derive address", "error", err)
		}
	}

	book := orderbook.New(cfg.Orderbook.URL,
		orderbook.WithTokenProvider(orderbook.StaticToken(cfg.Orderbook.Token)),
		orderbook.WithHTTPClient(&http.Client{Timeout: cfg.Orderbook.Timeout}),
		orderbook.WithMaxRetries(cfg.Orderbook.MaxRetries),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	coord, err := coordinator.New(coordinator.Config{
		Address:      address,
		Feed:         book,
		Actors:       actors,
		Secrets:      secrets,
		Cache:        execCache,
		PollInterval: cfg.Coordinator.PollInterval,
		PageSize:     cfg.Coordinator.PageSize,
		RecordTTL:    cfg.Coordinator.RecordTTL,
		CallTimeout:  cfg.Coordinator.CallTimeout,
		Policy:       status.Policy{Deadline: cfg.Coordinator.Deadline, Now: time.Now},
		History:      store,
		Snapshots:    store,
		Metrics:      coordinator.NewMetrics(registry),
	})
	if err != nil {
		log.Fatal("Failed to create coordinator", "error", err)
	}

	coordLog := log.Component("coordinator")
	coord.OnEvent(func(e coordinator.Event) {
		switch e.Type {
		case coordinator.EventSuccess:
			coordLog.Info("Action executed", "order", e.OrderID, "action", e.Action)
		case coordinator.EventError:
			coordLog.Warn("Action failed", "order", e.OrderID, "action", e.Action, "kind", e.ErrorKind, "error", e.Error)
		}
	})

	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcServer = rpc.NewServer(rpc.Config{
			Coordinator: coord,
			Actors:      actors,
			Cache:       execCache,
			Store:       store,
			Metrics:     registry,
			Network:     cfg.Network,
			DataDir:     cfg.DataDir,
		})
		if err := rpcServer.Start(cfg.RPC.Listen); err != nil {
			log.Fatal("Failed to start RPC server", "error", err)
		}
	}

	coord.Start()

	if cfg.Orderbook.Stream {
		go followStream(ctx, log.Component("orderbook"), book, coord)
	}
	if cfg.Cache.Backend == cache.BackendSQLite {
		go purgeLoop(ctx, log.Component("cache"), store, cfg.Cache.JanitorInterval)
	}

	printBanner(log, cfg, address, actors.Chains())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()
	coord.Stop()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	if err := coord.Drain(drainCtx); err != nil {
		log.Warn("Actor calls still in flight at shutdown", "error", err)
	}
	drainCancel()

	if rpcServer != nil {
		if err := rpcServer.Stop(); err != nil {
			log.Error("Error stopping RPC server", "error", err)
		}
	}

	log.Info("Goodbye!")
}

func setupLogging(cfg *config.Config) (*logging.Logger, func()) {
	var out io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(config.ExpandPath(cfg.Logging.File), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			logging.Warn("Failed to open log file, using stderr", "file", cfg.Logging.File, "error", err)
		} else {
			out = f
			closeFn = func() { f.Close() }
		}
	}

	log := logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		Format:     cfg.Logging.Format,
		Output:     out,
	})
	logging.SetDefault(log)
	return log, closeFn
}

// openCache builds the idempotency cache. The sqlite backend shares the
// daemon database.
func openCache(ctx context.Context, cfg *config.Config, store *storage.Storage) (cache.Cache, func(), error) {
	switch cfg.Cache.Backend {
	case cache.BackendMemory:
		m := cache.NewMemory(cfg.Cache.JanitorInterval)
		return m, func() { m.Close() }, nil
	case cache.BackendRedis:
		r, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return r, func() { r.Close() }, nil
	default:
		return store, func() {}, nil
	}
}

// followStream triggers a tick on every pushed order update.
func followStream(ctx context.Context, log *logging.Logger, book *orderbook.Client, coord *coordinator.Coordinator) {
	updates, err := book.Stream(ctx, coord.Address())
	if err != nil {
		log.Warn("Order stream unavailable, polling only", "error", err)
		return
	}
	for u := range updates {
		log.Debug("Order update", "type", u.Type, "order", u.OrderID)
		if err := coord.Trigger(); err != nil {
			return
		}
	}
}

func purgeLoop(ctx context.Context, log *logging.Logger, store *storage.Storage, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpired(ctx)
			if err != nil {
				log.Warn("Failed to purge expired cache entries", "error", err)
				continue
			}
			if n > 0 {
				log.Debug("Purged expired cache entries", "count", n)
			}
		}
	}
}

func printBanner(log *logging.Logger, cfg *config.Config, address string, chains []chain.Chain) {
	networkLabel := "mainnet"
	if cfg.Network == chain.Testnet {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  swapd (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Address:   %s", address)
	log.Infof("  Orderbook: %s", cfg.Orderbook.URL)
	log.Info("")
	log.Info("  Chains:")
	for _, c := range chains {
		log.Infof("    %s", c)
	}
	log.Info("")
	if cfg.RPC.Enabled {
		log.Infof("  API: http://%s", cfg.RPC.Listen)
		log.Infof("  WS:  ws://%s/ws", cfg.RPC.Listen)
		log.Info("")
	}
	log.Infof("  Data dir: %s", cfg.DataDir)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
