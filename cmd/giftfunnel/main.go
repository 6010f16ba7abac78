package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/giftworks/giftfunnel/internal/api"
	"github.com/giftworks/giftfunnel/internal/audit"
	"github.com/giftworks/giftfunnel/internal/config"
	"github.com/giftworks/giftfunnel/internal/funnel"
	"github.com/giftworks/giftfunnel/internal/models"
	"github.com/giftworks/giftfunnel/internal/notify"
	"github.com/giftworks/giftfunnel/internal/payments"
	"github.com/giftworks/giftfunnel/internal/recovery"
	"github.com/giftworks/giftfunnel/internal/storage"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "giftfunnel",
		Short: "giftfunnel — post-checkout upsell funnel and payment recovery",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(offerCmd(&configPath))
	rootCmd.AddCommand(retriesCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the giftfunnel server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			funnelEngine, recoveryEngine := buildEngines(cfg, store, log)

			sweeper := recovery.NewSweeper(recoveryEngine, funnelEngine, cfg.Recovery.SweepInterval, log)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sweeper.Start(ctx)

			server := api.NewServer(cfg.Server, cfg.Admin, store, funnelEngine, recoveryEngine, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Str("storage", cfg.Storage.Driver).
				Dur("sweep_interval", cfg.Recovery.SweepInterval).
				Msg("giftfunnel is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			sweeper.Stop()

			log.Info().Msg("giftfunnel stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func offerCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offer",
		Short: "Manage the offer catalog",
	}

	// offer create
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new offer",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			kind, _ := cmd.Flags().GetString("kind")
			priceRaw, _ := cmd.Flags().GetString("price")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			switch models.OfferKind(kind) {
			case models.OfferOneTime, models.OfferRecurring:
			default:
				return fmt.Errorf("--kind must be one_time or recurring")
			}
			price, err := decimal.NewFromString(priceRaw)
			if err != nil || !price.IsPositive() {
				return fmt.Errorf("--price must be a positive decimal")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			now := time.Now().UTC()
			offer := &models.Offer{
				ID:        models.NewID("off"),
				Name:      name,
				Kind:      models.OfferKind(kind),
				Price:     price,
				Active:    true,
				CreatedAt: now,
				UpdatedAt: now,
			}

			if err := store.CreateOffer(context.Background(), offer); err != nil {
				return fmt.Errorf("failed to create offer: %w", err)
			}

			out, _ := json.MarshalIndent(offer, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	createCmd.Flags().String("name", "", "offer display name")
	createCmd.Flags().String("kind", "one_time", "offer kind: one_time or recurring")
	createCmd.Flags().String("price", "", "offer price, e.g. 9.99")

	// offer list
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			offers, err := store.ListOffers(context.Background(), false)
			if err != nil {
				return fmt.Errorf("failed to list offers: %w", err)
			}

			if len(offers) == 0 {
				fmt.Println("No offers found.")
				return nil
			}

			for _, o := range offers {
				state := "inactive"
				if o.Active {
					state = "active"
				}
				fmt.Printf("  %s  %-10s  %8s  %s  (%s)\n", o.ID, o.Kind, o.Price.StringFixed(2), o.Name, state)
			}
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

func retriesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "retries",
		Short: "Run one payment-recovery sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			_, recoveryEngine := buildEngines(cfg, store, log)
			result, err := recoveryEngine.ProcessDueRetries(context.Background())
			if err != nil {
				return fmt.Errorf("retry sweep failed: %w", err)
			}

			out, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show funnel and recovery stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := store.GetStats(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("giftfunnel v%s\n", version)
		},
	}
}

func buildEngines(cfg *config.Config, store storage.Storage, log zerolog.Logger) (*funnel.Engine, *recovery.Engine) {
	trail := audit.NewTrail(store, log)
	processor := payments.NewGateway(cfg.Billing.GatewayURL, cfg.Billing.GatewaySecret, cfg.Billing.Timeout)
	mailer := notify.NewEmailClient(cfg.Email.ProviderURL, cfg.Email.ProviderSecret, cfg.Email.Timeout)
	dispatcher := notify.NewDispatcher(store, mailer, trail, cfg.Email.RecoveryTemplate, cfg.Email.FromAddress, log)

	funnelEngine := funnel.NewEngine(store, processor, trail, cfg.Funnel, cfg.Billing, log)
	recoveryEngine := recovery.NewEngine(store, processor, dispatcher, trail, cfg.Recovery, log)
	return funnelEngine, recoveryEngine
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	case "memory":
		log.Warn().Msg("using in-memory storage, data will not survive restarts")
		return storage.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func storeFromConfig(configPath string) (storage.Storage, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, func() { store.Close() }, nil
}
