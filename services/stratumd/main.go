package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"stratum/config"
	"stratum/core/protocol"
	"stratum/core/state"
	"stratum/crypto"
	"stratum/native/amm"
	"stratum/native/debt"
	"stratum/native/harvest"
	"stratum/native/oracle"
	"stratum/native/strategy"
	"stratum/native/token"
	"stratum/native/turbo"
	"stratum/native/vault"
	"stratum/observability/logging"
	"stratum/observability/metrics"
	"stratum/services/stratumd/server"
	"stratum/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.toml", "path to stratumd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.SetupWithOptions(logging.Options{
		Service:  "stratumd",
		Env:      cfg.Environment,
		FilePath: filepath.Join(cfg.DataDir, "logs", "stratumd.log"),
	})

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "db"))
	if err != nil {
		log.Fatalf("open database at %s: %v", cfg.DataDir, err)
	}
	defer db.Close()

	store := state.NewStore(db)
	ledger := token.NewLedger(db)
	p := cfg.Protocol

	venue := amm.NewEngine(ledger, p.PoolFeeBps)
	venue.SetStore(db)
	if err := venue.CreatePool(p.CollateralSymbol, p.StableSymbol); err != nil {
		log.Fatalf("create primary pool: %v", err)
	}
	if err := venue.CreatePool(p.DebtSymbol, p.StableSymbol); err != nil {
		log.Fatalf("create secondary pool: %v", err)
	}

	feed := oracle.NewManualFeed()
	adapter := oracle.NewAdapter(feed, time.Duration(p.MaxPriceAgeSeconds)*time.Second)

	debtEngine := debt.NewEngine(debt.Params{LTVBps: p.LTVBps})
	if err := ledger.SetMintAuthority(p.DebtSymbol, debtEngine.ModuleAddress()); err != nil &&
		!errors.Is(err, token.ErrAuthorityConfigured) {
		log.Fatalf("set debt mint authority: %v", err)
	}

	owner := crypto.ModuleAddress("protocol/owner")
	if cfg.OwnerAddress != "" {
		owner, err = crypto.DecodeAddress(cfg.OwnerAddress)
		if err != nil {
			log.Fatalf("decode owner address: %v", err)
		}
	} else {
		logger.Warn("OwnerAddress not configured; administrative calls use the default owner", "owner", owner.String())
	}

	harvester := harvest.NewEngine(p.CollateralSymbol, p.StableSymbol, p.SlippageBps)
	harvester.SetMinYield(p.MinYield())

	collector := metrics.NewCollector()
	core := protocol.New(owner)
	if err := core.Provision(protocol.Wiring{
		Store:      store,
		Tokens:     ledger,
		Oracle:     adapter,
		Router:     venue,
		Vault:      vault.NewEngine(),
		Debt:       debtEngine,
		Strategy:   strategy.NewEngine(p.CollateralSymbol, p.StableSymbol, p.SlippageBps),
		Harvest:    harvester,
		Turbo:      turbo.NewEngine(p.DebtSymbol, p.StableSymbol, p.SlippageBps),
		Emitter:    collector,
		FeedID:     p.PriceFeedID,
		DebtSymbol: p.DebtSymbol,
	}); err != nil {
		log.Fatalf("provision protocol: %v", err)
	}

	srv := server.New(core, logger, collector.Handler(), cfg.AdminJWTSecret)
	srv.SetManualFeed(feed)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("stratumd listening", "address", cfg.ListenAddress)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}
}
