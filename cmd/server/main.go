// Command server runs the tab payment engine.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/facilitator"
	api "github.com/x402-foundation/x402-tabs/http"
	"github.com/x402-foundation/x402-tabs/internal/config"
	"github.com/x402-foundation/x402-tabs/internal/logging"
	"github.com/x402-foundation/x402-tabs/internal/models"
	"github.com/x402-foundation/x402-tabs/internal/payment"
	"github.com/x402-foundation/x402-tabs/internal/protocol"
	"github.com/x402-foundation/x402-tabs/internal/refund"
	"github.com/x402-foundation/x402-tabs/internal/repository"
	"github.com/x402-foundation/x402-tabs/internal/settlement"
	"github.com/x402-foundation/x402-tabs/internal/tab"
	"github.com/x402-foundation/x402-tabs/internal/telemetry"
	evmsigner "github.com/x402-foundation/x402-tabs/signers/evm"
	svmsigner "github.com/x402-foundation/x402-tabs/signers/svm"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.Setup(cfg.LogLevel, cfg.Env)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown")
		}
	}()
	metrics, err := telemetry.NewGlobalMetrics()
	if err != nil {
		return err
	}

	db, err := repository.Open(repository.Config{Driver: cfg.DatabaseDriver, DSN: cfg.DatabaseDSN, Logger: logger})
	if err != nil {
		return err
	}
	repo := repository.New(db)
	defer repo.Close()

	f, err := newFacilitator(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}

	settlements := settlement.NewService(repo, settlement.WithLogger(logger), settlement.WithMetrics(metrics))
	scheduler := settlement.NewScheduler(settlements, cfg.SettlementDelay, logger)
	defer scheduler.Stop()

	payments := payment.NewService(repo, f, scheduler,
		payment.WithLogger(logger),
		payment.WithMetrics(metrics),
		payment.WithSubmissions(x402.NewSubmissionCache[*models.Payment](cfg.SubmissionTimeout)),
	)
	adapter := protocol.New(repo, payments, f,
		protocol.WithNetwork(cfg.ChallengeNetwork),
		protocol.WithTTL(cfg.PaymentTTL),
		protocol.WithLogger(logger),
	)
	refunds := refund.NewService(repo, f, refund.WithLogger(logger), refund.WithMetrics(metrics))

	sweeper := settlement.NewSweeper(repo, settlements, cfg.SweepInterval, logger)
	stopSweeper := sweeper.Start(ctx)
	defer stopSweeper()

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Deps{
		Tabs:         tab.NewService(repo, logger),
		Payments:     payments,
		Protocol:     adapter,
		Settlements:  settlements,
		Refunds:      refunds,
		Facilitator:  f,
		Ping:         repo.Ping,
		ServiceName:  cfg.ServiceName,
		Logger:       logger,
		AllowOrigins: cfg.CORSAllowOrigins,
	})

	srv := &http.Server{Addr: cfg.Addr(), Handler: router}
	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr()).Str("env", cfg.Env).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newFacilitator attaches a signer for each ledger that has a key. A
// ledger without one answers NotConfigured.
func newFacilitator(ctx context.Context, cfg config.Config, logger zerolog.Logger, metrics *telemetry.Metrics) (*facilitator.Facilitator, error) {
	opts := []facilitator.Option{
		facilitator.WithURL(cfg.FacilitatorURL),
		facilitator.WithPermitWindow(cfg.PermitWindow),
		facilitator.WithVerifyTimeout(cfg.VerifyTimeout),
		facilitator.WithLogger(logger),
		facilitator.WithMetrics(metrics),
		facilitator.WithTracer(telemetry.Tracer("facilitator")),
	}

	if cfg.EVMPrivateKey != "" {
		signer, err := evmsigner.DialFacilitatorSigner(ctx, cfg.EVMRPCURL, cfg.EVMPrivateKey)
		if err != nil {
			return nil, err
		}
		opts = append(opts, facilitator.WithEVM(signer, cfg.EVMNetwork))
		logger.Info().Str("network", string(cfg.EVMNetwork)).Str("address", signer.Address()).Msg("evm facilitator configured")
	} else {
		logger.Warn().Msg("FACILITATOR_PRIVATE_KEY not set, evm payments disabled")
	}

	if cfg.SVMPrivateKey != "" {
		signer, err := svmsigner.DialFeePayerSigner(cfg.SVMRPCURL, cfg.SVMPrivateKey)
		if err != nil {
			return nil, err
		}
		opts = append(opts, facilitator.WithSVM(signer, cfg.SVMNetwork))
		logger.Info().Str("network", string(cfg.SVMNetwork)).Str("address", signer.Address().String()).Msg("svm fee payer configured")
	} else {
		logger.Warn().Msg("FEE_PAYER_PRIVATE_KEY not set, gas sponsorship disabled")
	}

	f, err := facilitator.New(opts...)
	if err != nil {
		return nil, err
	}

	audit := logger.With().Str("component", "ledger_audit").Logger()
	f.OnAfterSubmit(func(c facilitator.SubmitResultContext) error {
		audit.Info().
			Str("operation", string(c.Operation)).
			Str("reference", c.Reference).
			Str("tx_hash", c.Result.TxHash).
			Dur("duration", c.Duration).
			Msg("ledger submission confirmed")
		return nil
	}).OnSubmitFailure(func(c facilitator.SubmitFailureContext) error {
		audit.Warn().
			Str("operation", string(c.Operation)).
			Str("reference", c.Reference).
			Str("error", c.Result.Error).
			Dur("duration", c.Duration).
			Msg("ledger submission failed")
		return nil
	})
	return f, nil
}
