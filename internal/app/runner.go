// internal/app/runner.go
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rovshanmuradov/blinkshop/internal/api"
	"github.com/rovshanmuradov/blinkshop/internal/blockchain/solbc"
	"github.com/rovshanmuradov/blinkshop/internal/checkout"
	"github.com/rovshanmuradov/blinkshop/internal/config"
	"github.com/rovshanmuradov/blinkshop/internal/export"
	"github.com/rovshanmuradov/blinkshop/internal/ledger"
	"github.com/rovshanmuradov/blinkshop/internal/listing"
	"github.com/rovshanmuradov/blinkshop/internal/merchant"
	"github.com/rovshanmuradov/blinkshop/internal/metrics"
	"github.com/rovshanmuradov/blinkshop/internal/settlement"
	"github.com/rovshanmuradov/blinkshop/internal/storage"
	"github.com/rovshanmuradov/blinkshop/internal/token"
	"github.com/rovshanmuradov/blinkshop/internal/transaction"
	"github.com/rovshanmuradov/blinkshop/internal/transfer"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner owns every long-lived component of the service.
type Runner struct {
	logger   *zap.Logger
	config   *config.Config
	registry *prometheus.Registry
	shutdown *ShutdownHandler

	kv           storage.KV
	listings     *listing.Store
	ledger       *ledger.Ledger
	book         *merchant.Book
	orchestrator *settlement.Orchestrator
	poller       *settlement.Poller
	checkout     *checkout.Service
	server       *api.Server
}

// NewRunner builds the component graph from cfg. Nothing runs until Run.
func NewRunner(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Runner, error) {
	r := &Runner{
		logger:   logger,
		config:   cfg,
		registry: prometheus.NewRegistry(),
		shutdown: NewShutdownHandler(logger, 10*time.Second),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(r.registry)

	kv, err := openStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	r.kv = kv
	r.shutdown.Add("storage", kv)

	book, err := newBook(cfg.Merchant, logger)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	r.book = book

	r.listings = listing.NewStore(kv, cfg.BlinkBaseURL, logger, m)
	if n, err := r.listings.SyncGauge(ctx); err != nil {
		logger.Warn("Failed to count stored listings", zap.Error(err))
	} else {
		logger.Debug("Stored listings counted", zap.Int("listings", n))
	}
	r.ledger = ledger.New(logger, m)

	chain := solbc.NewClient(cfg.RPCURL, rpc.CommitmentType(cfg.Commitment), logger)
	manager := transaction.NewManager(chain, logger, transaction.Config{
		MaxRetries:       cfg.Transaction.MaxRetries,
		RetryDelay:       cfg.Transaction.RetryDelay,
		ConfirmationTime: cfg.Transaction.ConfirmationTime,
		PollInterval:     cfg.Transaction.PollInterval,
		PriorityFee:      cfg.Transaction.PriorityFee,
		ComputeUnits:     cfg.Transaction.ComputeUnits,
		SkipPreflight:    cfg.Transaction.SkipPreflight,
		Commitment:       rpc.CommitmentType(cfg.Commitment),
		CheckAccounts:    cfg.Transaction.CheckAccounts,
	}, m)

	if cfg.Settlement.APIKey == "" {
		logger.Warn("No settlement API key configured; payments will settle through the basic path")
	}
	network := settlement.NewClient(settlement.Config{
		BaseURL:     cfg.Settlement.BaseURL,
		APIKey:      cfg.Settlement.APIKey,
		Timeout:     cfg.Settlement.Timeout,
		MaxAttempts: cfg.Settlement.MaxAttempts,
		RetryDelay:  cfg.Settlement.RetryDelay,
		RateLimit:   cfg.Settlement.RateLimit,
		Burst:       cfg.Settlement.Burst,
	}, logger, m)

	r.orchestrator = settlement.NewOrchestrator(network, book, r.ledger, settlement.OrchestratorConfig{
		SourceWalletID:      cfg.Settlement.SourceWalletID,
		BankAccountID:       cfg.Settlement.BankAccountID,
		SourceCurrency:      cfg.Settlement.SourceCurrency,
		DestinationCurrency: cfg.Settlement.DestinationCurrency,
	}, logger, m)
	r.poller = settlement.NewPoller(r.orchestrator, r.ledger, time.Minute, logger)

	r.checkout = checkout.NewService(
		r.listings,
		r.ledger,
		transfer.NewBuilder(token.DefaultCatalog()),
		manager,
		r.orchestrator,
		logger,
	)

	r.server = api.NewServer(api.Options{
		Checkout:        r.checkout,
		Blinks:          r.listings,
		Book:            book,
		Settlements:     r.orchestrator,
		Exporter:        export.NewPaymentExporter(logger),
		Network:         network,
		NetworkWalletID: cfg.Settlement.SourceWalletID,
		Gatherer:        r.registry,
		Logger:          logger,
	})
	return r, nil
}

func openStorage(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.KV, error) {
	switch cfg.Backend {
	case "redis":
		kv, err := storage.NewRedis(ctx, storage.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			Namespace: cfg.Namespace,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis storage: %w", err)
		}
		return kv, nil
	case "memory", "":
		return storage.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func newBook(cfg config.MerchantConfig, logger *zap.Logger) (*merchant.Book, error) {
	bc := merchant.Config{WithdrawalDelay: cfg.WithdrawalDelay}
	var err error
	if cfg.MinWithdrawal != "" {
		if bc.MinWithdrawal, err = decimal.NewFromString(cfg.MinWithdrawal); err != nil {
			return nil, fmt.Errorf("invalid merchant.min_withdrawal: %w", err)
		}
	}
	if cfg.FeeRate != "" {
		if bc.FeeRate, err = decimal.NewFromString(cfg.FeeRate); err != nil {
			return nil, fmt.Errorf("invalid merchant.fee_rate: %w", err)
		}
	}
	return merchant.NewBook(bc, logger), nil
}

// Checkout exposes the purchase pipeline for one-shot callers.
func (r *Runner) Checkout() *checkout.Service {
	return r.checkout
}

// Run starts the schedulers and the HTTP server and blocks until ctx is done
// or the server fails. Components are closed before it returns.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.poller.Schedule("withdrawal-completion", r.config.Merchant.CompleteSchedule, func(ctx context.Context) error {
		r.book.CompleteDue(time.Now())
		return nil
	}); err != nil {
		return fmt.Errorf("invalid merchant.complete_schedule: %w", err)
	}
	if err := r.poller.Start(r.config.Settlement.PollSchedule); err != nil {
		return fmt.Errorf("invalid settlement.poll_schedule: %w", err)
	}
	r.shutdown.AddFunc("settlement-poller", func() error {
		r.poller.Stop()
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.server.Run(gctx, r.config.ListenAddr)
	})
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := r.shutdown.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	return err
}

// Close releases components for callers that never call Run.
func (r *Runner) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.shutdown.Shutdown(ctx)
}
