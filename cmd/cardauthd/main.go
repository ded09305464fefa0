package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"cardauthd/authz"
	"cardauthd/config"
	"cardauthd/directory"
	"cardauthd/fx"
	"cardauthd/ledger"
	"cardauthd/models"
	"cardauthd/observability/logging"
	"cardauthd/retry"
	"cardauthd/server"
	"cardauthd/sweeper"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logging.Setup("cardauthd", "boot").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logging.Setup("cardauthd", cfg.Env)

	if cfg.DatabaseDSN == "" {
		log.Error("CARDAUTH_DATABASE_URL is required")
		os.Exit(1)
	}
	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		log.Error("open database", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Error("migrate database", "error", err)
		os.Exit(1)
	}

	dirClient := directory.NewHTTPClient(cfg.CardService.BaseURL, cfg.CardService.APIKey,
		cfg.CardService.Timeout, policyFor(cfg.CardService))
	ledgerClient := ledger.NewHTTPClient(cfg.Ledger.BaseURL, cfg.Ledger.APIKey,
		cfg.Ledger.Timeout, policyFor(cfg.Ledger))

	var rates fx.RateProvider
	if cfg.FXService.BaseURL != "" {
		rates = fx.NewHTTPClient(cfg.FXService.BaseURL, cfg.FXService.APIKey,
			cfg.FXService.Timeout, policyFor(cfg.FXService))
	} else {
		rates = fx.DefaultStaticTable()
		log.Warn("no FX service configured, using the static rate table")
	}

	holds := authz.NewHoldManager(db, ledgerClient, log, cfg.HoldExpiry)
	svc := authz.NewService(authz.ServiceParams{
		DB:               db,
		Validator:        authz.NewCardValidator(dirClient),
		Limits:           authz.NewLimitEvaluator(db, cfg.DefaultLimits, cfg.ChannelMultipliers, nil),
		Risk:             authz.NewRiskEngine(cfg.ChallengeThreshold, cfg.DeclineThreshold, cfg.HighRiskMCCs, cfg.HighRiskCountries),
		Balance:          authz.NewBalanceChecker(ledgerClient, rates),
		Holds:            holds,
		Log:              log,
		AuthorizeTimeout: cfg.AuthorizeTimeout,
		ChallengeTTL:     cfg.ChallengeExpiry,
		ApprovalTTL:      cfg.HoldExpiry,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweeper.New(holds, log, cfg.SweepInterval).Run(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(svc, holds, log).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "error", err)
	}
	log.Info("stopped")
}

func policyFor(ext config.External) retry.Policy {
	return retry.Policy{
		MaxAttempts: ext.MaxAttempts,
		MinBackoff:  time.Duration(ext.BackoffMS) * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}
