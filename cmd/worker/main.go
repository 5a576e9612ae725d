// Package main provides the settlement pipeline daemon entry point.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	solrpc "github.com/gagliardetto/solana-go/rpc"

	"github.com/claim-pipeline/internal/audit"
	"github.com/claim-pipeline/internal/config"
	"github.com/claim-pipeline/internal/lock"
	"github.com/claim-pipeline/internal/logging"
	"github.com/claim-pipeline/internal/models"
	"github.com/claim-pipeline/internal/ops"
	"github.com/claim-pipeline/internal/reconcile"
	"github.com/claim-pipeline/internal/scheduler"
	"github.com/claim-pipeline/internal/settle"
	"github.com/claim-pipeline/internal/settle/lnd"
	"github.com/claim-pipeline/internal/storage"
	"github.com/claim-pipeline/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.LogLevel(cfg.Logging.Level), logging.LogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.Info("Claim settlement pipeline starting")

	// Database connections
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer postgres.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	// Audit sink: ClickHouse when enabled, otherwise discard.
	var sink audit.Sink = audit.NopSink{}
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.Fatalf("Failed to connect to ClickHouse: %v", err)
		}
		defer clickhouse.Close()

		auditRepo := storage.NewAuditRepository(clickhouse, logger)
		if err := auditRepo.InitSchema(context.Background()); err != nil {
			logger.Fatalf("Failed to initialize audit schema: %v", err)
		}
		sink = auditRepo
		logger.Info("Audit event sink enabled")
	}

	store := storage.NewPipelineStore(postgres)
	locks := lock.New(redis.Client(), cfg.Pipeline.LockTTL)

	backends := buildBackends(cfg, postgres, locks, logger)

	sched := scheduler.New(store, sink, logger)
	reconciler := reconcile.New(&reconcile.Config{
		Store:         store,
		Backends:      backends,
		MaxPendingAge: cfg.Pipeline.MaxPendingAge,
		Audit:         sink,
		Logger:        logger,
	})

	pipelineWorker, err := worker.NewPipelineWorker(&worker.PipelineWorkerConfig{
		Scheduler:       sched,
		Reconciler:      reconciler,
		Locks:           locks,
		TickInterval:    cfg.Pipeline.TickInterval,
		FundingInterval: cfg.Pipeline.FundingRefreshInterval,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatalf("Failed to create pipeline worker: %v", err)
	}

	ctx := context.Background()
	if err := pipelineWorker.Start(ctx); err != nil {
		logger.Fatalf("Failed to start pipeline worker: %v", err)
	}

	opsServer := ops.NewServer(&cfg.Ops, postgres, redis, store, pipelineWorker, logger)
	go func() {
		if err := opsServer.Start(); err != nil {
			logger.WithError(err).Warn("Ops server stopped")
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := pipelineWorker.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to stop pipeline worker")
	}
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to stop ops server")
	}

	logger.Info("Pipeline stopped")
}

// buildBackends wires one settlement constructor per configured chain family
// and guards the whole factory with per-dispenser circuit breakers.
// Unconfigured families stay nil; dispensers on them fail with a fatal
// configuration error at reconcile time.
func buildBackends(cfg *config.Config, postgres *storage.PostgresDB, locks lock.Locker, logger *logging.Logger) reconcile.Backends {
	var (
		evm       func(d *models.Dispenser) (settle.Backend, error)
		solana    func(d *models.Dispenser) (settle.Backend, error)
		lightning func(d *models.Dispenser) (settle.Backend, error)
	)

	if cfg.EVM.RPCURL != "" {
		client, err := ethclient.Dial(cfg.EVM.RPCURL)
		if err != nil {
			logger.Fatalf("Failed to dial EVM RPC: %v", err)
		}
		evm = settle.NewEVMBackendForDispenser(
			client, cfg.EVM.PrivateKeyHex, cfg.EVM.GasLimit, cfg.EVM.RequestsPerSecond, logger)
		logger.Info("EVM settlement backend enabled")
	}

	if cfg.Solana.RPCURL != "" {
		client := solrpc.New(cfg.Solana.RPCURL)
		solana = settle.NewSolanaBackendForDispenser(
			client, cfg.Solana.PrivateKey, cfg.Solana.ProgramID, logger)
		logger.Info("Solana settlement backend enabled")
	}

	if cfg.Lightning.TLSCertPath != "" && cfg.Lightning.MacaroonPath != "" {
		lndClient, err := lnd.NewClient(lnd.Config{
			Host:           cfg.Lightning.Host,
			TLSCertPath:    cfg.Lightning.TLSCertPath,
			MacaroonPath:   cfg.Lightning.MacaroonPath,
			PaymentTimeout: cfg.Lightning.PaymentTimeout,
			FeeLimitSat:    cfg.Lightning.FeeLimitSat,
		})
		if err != nil {
			logger.Fatalf("Failed to connect to lnd: %v", err)
		}
		channels := storage.NewChannelRepository(postgres)
		backend := settle.NewLightningBackend(lndClient, channels, locks, logger)
		lightning = settle.NewLightningBackendForDispenser(backend)
		logger.Info("Lightning settlement backend enabled")
	}

	return settle.NewBreakerFactory(settle.NewFactory(evm, solana, lightning), nil)
}
