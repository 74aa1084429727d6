package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ibz/plebeian-market/internal/config"
	"github.com/ibz/plebeian-market/internal/ledger"
	"github.com/ibz/plebeian-market/internal/relay"
	"github.com/ibz/plebeian-market/internal/service"
	"github.com/ibz/plebeian-market/internal/store"
	"github.com/ibz/plebeian-market/internal/wallet"
)

type application struct {
	config  *config.Config
	logger  *logrus.Logger
	db      *sql.DB
	dbStore *store.DBStore
}

func newApplication() (*application, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger.SetLevel(level)

	db, err := store.ConnectDB(cfg.DBDriver, cfg.DBDataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &application{
		config:  cfg,
		logger:  logger,
		db:      db,
		dbStore: store.NewDBStore(db),
	}, nil
}

func (app *application) close() {
	if err := app.db.Close(); err != nil {
		app.logger.WithError(err).Error("Error closing database.")
	}
}

// ledgerClient picks the configured ledger backend once at startup:
// the mock for development, mempool.space otherwise, optionally fronted
// by the Redis cache.
func (app *application) ledgerClient() (ledger.Client, func(), error) {
	if app.config.MockBTC {
		return ledger.NewMockClient(), func() {}, nil
	}

	var client ledger.Client = ledger.NewMempoolClient(app.config.MempoolBaseURL, app.logger)
	cleanup := func() {}

	if app.config.RedisEnabled {
		redisClient, err := store.NewRedisClient(app.config.RedisAddr, app.config.RedisPassword, app.config.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		redisStore := store.NewRedisStore(redisClient)
		client = ledger.NewCachedClient(client, redisStore, app.config.LedgerCacheTTL, app.logger)
		cleanup = func() {
			if err := redisStore.Close(); err != nil {
				app.logger.WithError(err).Error("Error closing Redis client.")
			}
		}
	}

	return client, cleanup, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication()
			if err != nil {
				return err
			}
			defer app.close()

			return store.RunMigrations(app.db, app.config.MigrationsDir)
		},
	}
}

func finalizeAuctionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finalize-auctions",
		Short: "Run the auction finalizer loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication()
			if err != nil {
				return err
			}
			defer app.close()

			addressProvider, err := wallet.NewXpubProvider(app.dbStore, app.config.BTCNetwork)
			if err != nil {
				return err
			}
			birdwatcher := relay.NewBirdwatcher(app.config.BirdwatcherBaseURL, app.logger)
			finalizer := service.NewFinalizer(app.logger, app.dbStore, birdwatcher, addressProvider, app.config)

			ctx, cancel := signalContext()
			defer cancel()
			return finalizer.Run(ctx)
		},
	}
}

func settleBTCPaymentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settle-btc-payments",
		Short: "Run the payment settlement loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication()
			if err != nil {
				return err
			}
			defer app.close()

			ledgerClient, cleanup, err := app.ledgerClient()
			if err != nil {
				return err
			}
			defer cleanup()

			birdwatcher := relay.NewBirdwatcher(app.config.BirdwatcherBaseURL, app.logger)
			settlement := service.NewSettlement(app.logger, app.dbStore, ledgerClient, birdwatcher, app.config)

			ctx, cancel := signalContext()
			defer cancel()
			return settlement.Run(ctx)
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:           "plebeiand",
		Short:         "Marketplace settlement reconciliation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd(), finalizeAuctionsCmd(), settleBTCPaymentsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
