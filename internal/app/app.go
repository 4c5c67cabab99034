package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otcdesk/internal/alerting"
	"otcdesk/internal/config"
	"otcdesk/internal/domain"
	"otcdesk/internal/ledger"
	"otcdesk/internal/ledger/evm"
	"otcdesk/internal/ledger/solana"
	"otcdesk/internal/metrics"
	"otcdesk/internal/oracle"
	"otcdesk/internal/pricing"
	"otcdesk/internal/reconcile"
	"otcdesk/internal/retry"
	"otcdesk/internal/scheduler"
	"otcdesk/internal/server"
	"otcdesk/internal/service"
	"otcdesk/internal/settle"
	"otcdesk/internal/store"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newLedgers() (*ledger.Registry, error) {
	gate := ledger.NewSubmitGate()
	adapters := make([]ledger.Adapter, 0, 2)

	if a.Config.EVM.Enabled {
		adapter, err := evm.New(evm.Options{
			RPCURL:        a.Config.EVM.RPCURL,
			DeskAddress:   a.Config.EVM.DeskAddress,
			PrivateKeyHex: a.Config.EVM.PrivateKey,
			ChainID:       a.Config.EVM.ChainID,
			Timeout:       a.Config.EVM.RequestTimeout,
			ConfirmPoll:   a.Config.EVM.ConfirmPoll,
			ConfirmWait:   a.Config.EVM.ConfirmWait,
		}, gate, a.Logger)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}

	if a.Config.Solana.Enabled {
		adapter, err := solana.New(solana.Options{
			RPCURL:          a.Config.Solana.RPCURL,
			ProgramID:       a.Config.Solana.ProgramID,
			DeskAddress:     a.Config.Solana.DeskAddress,
			SignerKeyBase58: a.Config.Solana.SignerKey,
			TokenTreasury:   a.Config.Solana.TokenTreasury,
			StableTreasury:  a.Config.Solana.StableTreasury,
			PayerStableATA:  a.Config.Solana.PayerStableATA,
			Timeout:         a.Config.Solana.RequestTimeout,
			ConfirmPoll:     a.Config.Solana.ConfirmPoll,
			ConfirmWait:     a.Config.Solana.ConfirmWait,
		}, gate, a.Logger)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return nil, errors.New("no ledger adapter enabled; set evm.enabled or solana.enabled")
	}
	return ledger.NewRegistry(adapters...), nil
}

func (a *App) newDiscovery() *pricing.Discovery {
	venues := make([]pricing.VenueReader, 0, 2)

	slugs := make(map[domain.Chain]string, len(a.Config.Pools.ChainSlugs))
	for chain, slug := range a.Config.Pools.ChainSlugs {
		slugs[domain.Chain(chain)] = slug
	}
	venues = append(venues, pricing.NewScreener(pricing.ScreenerOptions{
		BaseURL:    a.Config.Pools.ScreenerBaseURL,
		Timeout:    a.Config.Pools.RequestTimeout,
		UserAgent:  a.Config.Oracle.UserAgent,
		ChainSlugs: slugs,
	}, a.Logger))

	if a.Config.Pools.UniV2Factory != "" && a.Config.EVM.Enabled {
		venues = append(venues, pricing.NewUniV2(pricing.UniV2Options{
			RPCURL:         a.Config.EVM.RPCURL,
			FactoryAddress: a.Config.Pools.UniV2Factory,
			StableAddress:  a.Config.Pools.UniV2Stable,
			Timeout:        a.Config.Pools.RequestTimeout,
		}, a.Logger))
	}

	return pricing.NewDiscovery(venues, pricing.DiscoveryOptions{
		MinTVLUsd: decimal.NewFromFloat(a.Config.Pools.MinTVLUsd),
		CacheTTL:  a.Config.Pools.CacheTTL,
	}, a.Logger)
}

func (a *App) newPriceChecker(discovery *pricing.Discovery) oracle.Checker {
	platforms := make(map[domain.Chain]string, len(a.Config.Oracle.Platforms))
	for chain, platform := range a.Config.Oracle.Platforms {
		platforms[domain.Chain(chain)] = platform
	}
	aggregator := oracle.NewAggregator(oracle.AggregatorOptions{
		BaseURL:   a.Config.Oracle.BaseURL,
		APIKey:    a.Config.Oracle.APIKey,
		Timeout:   a.Config.Oracle.RequestTimeout,
		UserAgent: a.Config.Oracle.UserAgent,
		Platforms: platforms,
	}, a.Logger)

	source := oracle.NewFallbackSource(a.Logger, aggregator, pricing.NewPoolSource(discovery))
	return oracle.NewService(source, oracle.ServiceOptions{
		DefaultThresholdPct: decimal.NewFromFloat(a.Config.Oracle.DefaultThresholdPct),
		FailOpen:            a.Config.Oracle.FailOpen,
	}, a.Logger)
}

func (a *App) retryPolicy() retry.Policy {
	policy := retry.Default()
	if a.Config.Settlement.RetryAttempts > 0 {
		policy.MaxAttempts = a.Config.Settlement.RetryAttempts
	}
	if a.Config.Settlement.RetryBase > 0 {
		policy.BaseDelay = a.Config.Settlement.RetryBase
	}
	if a.Config.Settlement.RetryMax > 0 {
		policy.MaxDelay = a.Config.Settlement.RetryMax
	}
	return policy
}

func (a *App) assetOverrides() map[domain.Chain]settle.AssetDecimals {
	assets := settle.DefaultAssets()
	for chain, cfg := range a.Config.Settlement.Assets {
		assets[domain.Chain(chain)] = settle.AssetDecimals{
			Token:  cfg.TokenDecimals,
			Native: cfg.NativeDecimals,
			Stable: cfg.StableDecimals,
		}
	}
	return assets
}

func (a *App) newOrchestrator(ledgers *ledger.Registry, st *store.Store, checker oracle.Checker) *settle.Orchestrator {
	return settle.New(ledgers, st, checker, metrics.Desk(), settle.Options{
		Retry:    a.retryPolicy(),
		Assets:   a.assetOverrides(),
		QuoteTTL: a.Config.Settlement.QuoteTTL,
	}, a.Logger)
}

func (a *App) newReconciler(ledgers *ledger.Registry, st *store.Store) *reconcile.Reconciler {
	return reconcile.New(ledgers, st, metrics.Desk(), reconcile.Options{
		Retry: a.retryPolicy(),
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*store.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := store.NewPool(ctx, store.DatabaseSettings{
		DSN:             a.Config.Database.DSN,
		MaxOpenConns:    a.Config.Database.MaxOpenConns,
		MaxIdleConns:    a.Config.Database.MaxIdleConns,
		ConnMaxLifetime: a.Config.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, err
	}

	st := store.NewStore(pool)
	closer := func() {
		st.Close()
	}
	return st, closer, nil
}

// Run executes the long-running settlement service: the trigger surface plus
// the scheduled reconciliation loop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if st == nil {
		return errors.New("database.dsn must be configured for the settlement service")
	}
	defer closeStore()

	ledgers, err := a.newLedgers()
	if err != nil {
		return err
	}

	discovery := a.newDiscovery()
	checker := a.newPriceChecker(discovery)
	orchestrator := a.newOrchestrator(ledgers, st, checker)
	reconciler := a.newReconciler(ledgers, st)
	notifier := a.newNotifier()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc := service.New(a.Config, sched, reconciler, st, notifier, a.Logger)

	errCh := make(chan error, 2)
	go func() {
		errCh <- svc.Run(ctx)
	}()

	if a.Config.Server.Enabled {
		srv := server.New(orchestrator, reconciler, server.Options{
			ListenAddr:     a.Config.Server.ListenAddr,
			RequestTimeout: a.Config.Server.RequestTimeout,
		}, a.Logger)
		go func() {
			errCh <- srv.Run(ctx)
		}()
	}

	a.Logger.Info().Msg("starting settlement service")
	err = <-errCh
	cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("settlement service stopped")
	return nil
}

// ExportOptions hold parameters for exporting the price-check audit trail.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ApproveOptions identify the offer to settle.
type ApproveOptions struct {
	Chain   string
	OfferID uint64
}

// ReconcileOptions select what to audit.
type ReconcileOptions struct {
	Chain   string
	OfferID uint64
	All     bool
}

// CheckPriceOptions configure a one-off price protection check.
type CheckPriceOptions struct {
	Chain        string
	TokenID      string
	CandidateUSD decimal.Decimal
	ThresholdPct decimal.Decimal
}
