package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vipul43/mailvault/internal/config"
	"github.com/vipul43/mailvault/internal/crypto"
	"github.com/vipul43/mailvault/internal/database"
	"github.com/vipul43/mailvault/internal/jmap"
	"github.com/vipul43/mailvault/internal/models"
	"github.com/vipul43/mailvault/internal/repository"
	"github.com/vipul43/mailvault/internal/server"
	"github.com/vipul43/mailvault/internal/service"
)

const (
	exitOK           = 0
	exitConfigError  = 1
	exitRuntimeError = 2
	shutdownTimeout  = 30 * time.Second
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Error("configuration error")
		os.Exit(exitConfigError)
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("engine error")
		os.Exit(exitRuntimeError)
	}
	os.Exit(exitOK)
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	// The encryption key is loaded once and immutable for the process
	cipher, err := crypto.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close(db)

	logger.Info("database connected")

	// Run migrations
	logger.Info("running database migrations")
	if err := database.RunMigrations(db); err != nil {
		return err
	}
	logger.Info("migrations completed")

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	// Initialize repositories
	tokenRepo := repository.NewTokenRepository(db, cipher, cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthTokenURL, logger)
	mailboxRepo := repository.NewMailboxRepository(db)
	emailRepo := repository.NewEmailRepository(db, logger)
	threadRepo := repository.NewThreadRepository(db)
	syncStateRepo := repository.NewSyncStateRepository(sqlDB)
	searchRepo := repository.NewSearchRepository(sqlDB)

	// Seed the token store from the environment when a static API token is
	// configured and no row exists yet
	if cfg.RemoteAPIToken != "" {
		if err := seedToken(tokenRepo, cfg.AccountID, cfg.RemoteAPIToken); err != nil {
			return err
		}
	}

	// Initialize remote client and engine
	client := jmap.NewClient(cfg.RemoteSessionURL, logger)
	engine := service.NewSyncEngine(service.Options{
		AccountID:  cfg.AccountID,
		Interval:   cfg.SyncInterval,
		BatchSize:  cfg.BatchSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
	}, client, tokenRepo, mailboxRepo, emailRepo, threadRepo, syncStateRepo, logger)

	// Initialize change listener
	srv := server.NewServer(engine, syncStateRepo, searchRepo, emailRepo, cfg.WebhookSecret, cfg.AccountID, logger)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	engineErr := make(chan error, 1)
	go func() {
		engineErr <- engine.Start(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.WebhookPort).Info("change listener started")
		serverErr <- srv.Run(cfg.WebhookPort)
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		stopped := make(chan struct{})
		go func() {
			engine.Stop()
			close(stopped)
		}()

		select {
		case <-shutdownCtx.Done():
			logger.Warn("shutdown timeout exceeded")
		case <-stopped:
		}

		logger.Info("engine stopped")
		return nil

	case err := <-engineErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil

	case err := <-serverErr:
		return err
	}
}

// seedToken stores the static bearer token for the account unless a row
// already exists, so an OAuth-provisioned credential is never clobbered.
func seedToken(tokens *repository.TokenRepository, accountID, apiToken string) error {
	ctx := context.Background()
	if _, err := tokens.Get(ctx, accountID); err == nil {
		return nil
	} else if !errors.Is(err, repository.ErrTokenNotFound) {
		return err
	}

	return tokens.Put(ctx, &models.OAuthToken{
		AccountID:   accountID,
		AccessToken: apiToken,
		TokenType:   "Bearer",
	})
}
