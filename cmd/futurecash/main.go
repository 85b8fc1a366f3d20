package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"FutureCash/internal/config"
	"FutureCash/internal/engine"
	"FutureCash/internal/escrow"
	"FutureCash/internal/events"
	"FutureCash/internal/market"
	"FutureCash/internal/observability"
	"FutureCash/internal/persistence"
	"FutureCash/internal/portfolio"
	"FutureCash/internal/query"
	"FutureCash/internal/risk"
	"FutureCash/internal/server"
)

// bookCustody is a book-entry custody backend: deposits credit at face
// value and withdrawals are recorded without an external transfer.
// Deployments with a real token bridge replace it at wiring time.
type bookCustody struct {
	log zerolog.Logger
}

func (c *bookCustody) Deposit(account uuid.UUID, currency portfolio.CurrencyID, amount int64) (int64, error) {
	c.log.Debug().
		Str("account", account.String()).
		Uint16("currency", uint16(currency)).
		Int64("amount", amount).
		Msg("custody deposit")
	return amount, nil
}

func (c *bookCustody) Withdraw(account uuid.UUID, currency portfolio.CurrencyID, amount int64) error {
	c.log.Debug().
		Str("account", account.String()).
		Uint16("currency", uint16(currency)).
		Int64("amount", amount).
		Msg("custody withdraw")
	return nil
}

// staticOracle serves the exchange rates listed in the governance file.
// There is no external feed integration; rates change only by restarting
// with an updated file.
type staticOracle struct {
	rates map[portfolio.CurrencyID]int64
	quote portfolio.CurrencyID
}

func (o staticOracle) LatestRate(base, quote portfolio.CurrencyID) (int64, error) {
	if quote != o.quote {
		return 0, fmt.Errorf("oracle: unsupported quote currency %d", quote)
	}
	rate, ok := o.rates[base]
	if !ok {
		return 0, fmt.Errorf("oracle: no rate for currency %d", base)
	}
	return rate, nil
}

func main() {
	log := observability.NewLogger("futurecash")
	log.Info().Msg("starting")

	cfg := config.LoadService()
	gov, err := config.LoadGovernance(cfg.GovernanceFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load governance")
	}
	admin, err := uuid.Parse(gov.AdminAccount)
	if err != nil {
		log.Fatal().Err(err).Msg("parse AdminAccount")
	}
	reserve, err := uuid.Parse(gov.ReserveAccount)
	if err != nil {
		log.Fatal().Err(err).Msg("parse ReserveAccount")
	}
	quote := portfolio.CurrencyID(gov.QuoteCurrency)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrate"))
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	last, err := persistence.LastSequence(ctx, db)
	if err != nil {
		log.Fatal().Err(err).Msg("read last sequence")
	}
	log.Info().Int64("sequence", last).Msg("journal head")

	// --- NATS ---
	nc, js, err := events.Connect(cfg.NATSURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := events.EnsureStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure event stream")
	}
	log.Info().Msg("nats connected")

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	stream := events.NewStreamPublisher(js, cfg.PublishChanSize, metrics, observability.NewLogger("events"))

	// Every engine event flows through the recorder: journal row first,
	// then the metric counters, then NATS.
	recordChan := make(chan persistence.Record, cfg.PersistChanSize)
	recorder := persistence.NewRecorder(last+1, recordChan,
		events.NewMetricsPublisher(metrics, stream), observability.NewLogger("recorder"))

	// --- Execution engine, parameterized from the governance file ---
	groups := portfolio.NewGroupDirectory()
	for _, g := range gov.Groups {
		err := groups.Put(portfolio.Group{
			ID:         portfolio.GroupID(g.ID),
			Currency:   portfolio.CurrencyID(g.Currency),
			NumPeriods: g.NumPeriods,
			PeriodSize: g.PeriodSize,
		})
		if err != nil {
			log.Fatal().Err(err).Uint16("group", g.ID).Msg("list group")
		}
	}

	positions := portfolio.NewLedger(groups, gov.MaxPositions, observability.NewLogger("portfolio"))
	amm := market.NewDirectory(groups, observability.NewLogger("market"))
	for _, g := range gov.Groups {
		err := amm.SetParams(portfolio.GroupID(g.ID), market.Params{
			RateScalar:     g.RateScalar,
			RateAnchor:     g.RateAnchor,
			LiquidityFee:   g.LiquidityFee,
			TransactionFee: g.TransactionFee,
		})
		if err != nil {
			log.Fatal().Err(err).Uint16("group", g.ID).Msg("set market params")
		}
	}

	rsk := risk.NewEngine(groups, amm, gov.PortfolioHaircut, observability.NewLogger("risk"))

	rates := escrow.NewRateTable(nil)
	oracle := staticOracle{rates: make(map[portfolio.CurrencyID]int64), quote: quote}
	for _, c := range gov.Currencies {
		id := portfolio.CurrencyID(c.ID)
		err := rates.Set(escrow.ExchangeRate{
			Base:                id,
			Quote:               quote,
			Haircut:             c.Haircut,
			SettlementDiscount:  c.SettlementDiscount,
			LiquidationDiscount: c.LiquidationDiscount,
		})
		if err != nil {
			log.Fatal().Err(err).Uint16("currency", c.ID).Msg("list currency")
		}
		oracle.rates[id] = c.OracleRate
	}

	custody := &bookCustody{log: observability.NewLogger("custody")}
	ledger := escrow.NewLedger(positions, rsk, amm, rates, custody, oracle, quote, reserve, recorder, observability.NewLogger("escrow"))
	eng := engine.New(groups, positions, amm, ledger, rates, rsk, engine.NewAuthorizer(admin), recorder, observability.NewLogger("engine"))

	state := query.NewState(eng, func() int64 { return time.Now().Unix() })
	history := query.NewService(db)
	srv := server.New(state, history, health, metrics, observability.NewLogger("server"))

	// --- Goroutines ---
	errChan := make(chan error, 8)

	workerDone := make(chan error, 1)
	worker := persistence.NewWorker(db, recordChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, observability.NewLogger("persistence"))
	go func() {
		workerDone <- worker.Run(ctx)
	}()

	go func() {
		errChan <- stream.Run(ctx)
	}()

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Router(),
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	health.SetReady(true)
	log.Info().
		Int64("sequence", last).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("ready")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	health.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting batches, then let the persistence worker drain the
	// journal channel before anything else goes away.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}

	close(recordChan)
	select {
	case <-workerDone:
		log.Info().Msg("journal flushed")
	case <-shutdownCtx.Done():
		log.Error().Msg("journal flush timed out")
	}

	cancel()
	log.Info().Msg("shutdown complete")
}
