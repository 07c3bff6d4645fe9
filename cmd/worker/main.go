package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"numerusx/internal/cycle"
	"numerusx/internal/decision"
	"numerusx/internal/execution"
	"numerusx/internal/gate"
	"numerusx/internal/handlers"
	"numerusx/internal/ledger"
	"numerusx/internal/middleware"
	"numerusx/internal/quote"
	"numerusx/internal/routes"
	"numerusx/internal/signal"
	"numerusx/internal/trace"
	"numerusx/pkg/config"
	"numerusx/pkg/solana"
	"numerusx/pkg/utils"
)

func main() {
	settings, err := config.Load("")
	if err != nil {
		log.Fatal("Failed to load settings: ", err)
	}
	config.SetupLogging(settings.Log.Level)

	if err := trace.Init(); err != nil {
		log.WithField("error", err.Error()).Warn("Tracing disabled")
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := openStore()
	book := ledger.New(store)
	if err := book.Load(ctx); err != nil {
		log.Fatal("Failed to load ledger: ", err)
	}

	jupiter := utils.NewJupiterClient(settings.Jupiter.BaseURL, settings.Jupiter.RPS, settings.Jupiter.Timeout)
	quotes := quote.NewService(jupiter, quote.Config{
		SlippageBps: settings.Execution.SlippageBps,
		PriceTTL:    settings.Jupiter.PriceTTL,
		MaxStale:    settings.Jupiter.MaxStale,
	})

	market := signal.NewJupiterMarketProvider(quotes, settings.Signals.CandleInterval, settings.Signals.CandleWindow)
	aggregator, err := signal.NewAggregator(signal.Providers{
		Market: market,
		Risk: signal.NewLedgerRiskProvider(signal.RiskSettings{
			MaxExposurePct: settings.Risk.MaxExposurePct,
			MaxTradeSize:   settings.Risk.MaxTradeSize,
			Capital:        settings.Risk.Capital,
		}, book, quotes),
		Security:  signal.NewTokenSecurityProvider(quotes, settings.Security.MinDailyVolume),
		Portfolio: book,
		Signals:   []signal.SignalProvider{signal.NewMomentumProvider(market)},
	}, signal.Config{ProviderTimeout: settings.Signals.ProviderTimeout})
	if err != nil {
		log.Fatal("Failed to build signal aggregator: ", err)
	}

	engine := decision.NewEngine(decision.NewChatClient(decision.ClientConfig{
		BaseURL:     settings.Decision.Endpoint,
		APIKey:      settings.Decision.APIKey,
		Model:       settings.Decision.Model,
		Temperature: settings.Decision.Temperature,
		MaxTokens:   settings.Decision.MaxTokens,
		Timeout:     settings.Decision.Timeout,
	}), decision.Config{
		Timeout:    settings.Decision.Timeout,
		RetryDelay: settings.Decision.RetryDelay,
		Budget: decision.Budget{
			MaxInputBytes: settings.Decision.MaxInputBytes,
			CandleWindow:  settings.Decision.CandleWindow,
			MaxSignals:    settings.Decision.MaxSignals,
		},
	})

	chain := solana.NewChainFromEndpoint(selectRPC(ctx, settings.Solana))
	if err := chain.Health(ctx); err != nil {
		log.WithField("error", err.Error()).Warn("Solana RPC unhealthy at startup")
	}

	key, err := solana.NewKeyManager(settings.Solana.KeystoreDir).LoadPrivateKey(settings.Solana.Wallet, settings.Solana.KeystorePassword)
	if err != nil {
		log.Fatal("Failed to load trading wallet: ", err)
	}
	signer := solana.NewSigner(key)

	retryKinds, err := settings.RetryNonExpiryKinds()
	if err != nil {
		log.Fatal("Invalid execution.retry_non_expiry: ", err)
	}
	manager := execution.NewManager(quotes, signer, chain, execution.Config{
		MaxRetries:     settings.Execution.MaxRetries,
		ConfirmTimeout: settings.Execution.ConfirmTimeout,
		PollInterval:   settings.Execution.PollInterval,
		CallTimeout:    settings.Execution.CallTimeout,
		RetryNonExpiry: retryKinds,
	})
	if settings.Solana.WSURL != "" {
		manager.WithWatcher(solana.NewSignatureWatcher(settings.Solana.WSURL))
	}

	deps := cycle.Deps{
		Collector:  aggregator,
		Decider:    engine,
		Gate:       gate.NewChain(settings.Risk.MinTradeSize, settings.Security.MinScore),
		Executor:   manager,
		Reconciler: execution.NewReconciler(chain, signer.PublicKey()),
		Ledger:     book,
	}

	var consumer *config.Consumer
	if config.RabbitMQConfigured() {
		if err := config.InitRabbitMQ(); err != nil {
			log.Fatal(err)
		}
		defer config.CloseRabbitMQ()

		publisher, err := config.NewPublisher()
		if err != nil {
			log.Fatal("Failed to create publisher: ", err)
		}
		defer publisher.Close()
		deps.Publisher = publisher

		consumer, err = config.NewConsumer(cycle.ControlQueue)
		if err != nil {
			log.Fatal("Failed to create consumer: ", err)
		}
		defer consumer.Close()
	} else {
		log.Info("RabbitMQ not configured, ledger publishing and pair control disabled")
	}

	runner := cycle.NewRunner(deps, settings.TradingPairs())
	scheduler, err := cycle.NewScheduler(ctx, runner, settings.Schedules())
	if err != nil {
		log.Fatal(err)
	}

	var wg conc.WaitGroup
	if consumer != nil {
		wg.Go(func() {
			if err := consumer.Consume(ctx, cycle.ControlHandler(runner)); err != nil {
				log.WithField("error", err.Error()).Error("Control consumer stopped")
			}
		})
	}

	var server *http.Server
	if settings.API.Embedded {
		server = &http.Server{
			Addr: ":" + settings.API.Port,
			Handler: routes.SetupRouter(&handlers.Handler{Ledger: book, Portfolio: book, Pairs: runner}, routes.Config{
				AllowedOrigins: settings.API.AllowedOrigins,
				RateLimit:      middleware.RateLimiterConfig{RequestsPerSecond: settings.API.RPS, Burst: settings.API.Burst},
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		wg.Go(func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithField("error", err.Error()).Error("API server stopped")
			}
		})
	}

	scheduler.Start()
	log.WithField("pairs", runner.Pairs()).Info("Worker started")

	<-ctx.Done()
	log.Info("Shutting down, waiting for in-flight cycles")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithField("error", err.Error()).Warn("API server shutdown")
		}
	}
	wg.Wait()
	if err := trace.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err.Error()).Warn("Failed to flush traces")
	}
	log.Info("Worker stopped")
}

// openStore uses postgres when configured and process memory otherwise.
func openStore() ledger.Store {
	if os.Getenv("DATABASE_DSN") == "" && os.Getenv("DB_HOST") == "" {
		log.Warn("No database configured, ledger is kept in memory only")
		return ledger.NewMemoryStore()
	}
	if err := config.InitDB(); err != nil {
		log.Fatal(err)
	}
	return ledger.NewGormStore(config.DB)
}

// selectRPC keeps the configured endpoint unless fallbacks are listed, in
// which case the fastest healthy one wins.
func selectRPC(ctx context.Context, s config.SolanaSettings) string {
	if len(s.FallbackRPCURLs) == 0 {
		return s.RPCURL
	}
	candidates := append([]string{s.RPCURL}, s.FallbackRPCURLs...)
	url, results, err := solana.SelectHealthyRPC(ctx, candidates, 5*time.Second)
	if err != nil {
		log.WithFields(log.Fields{"error": err.Error(), "checked": len(results)}).Warn("No healthy RPC, using configured endpoint")
		return s.RPCURL
	}
	log.WithField("rpc", url).Info("Selected Solana RPC")
	return url
}
