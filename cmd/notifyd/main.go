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
	"github.com/spf13/cobra"

	"github.com/careops/notifyd/internal/api"
	"github.com/careops/notifyd/internal/bus"
	"github.com/careops/notifyd/internal/campaign"
	"github.com/careops/notifyd/internal/channel"
	"github.com/careops/notifyd/internal/config"
	"github.com/careops/notifyd/internal/dispatch"
	"github.com/careops/notifyd/internal/models"
	"github.com/careops/notifyd/internal/storage"
	"github.com/careops/notifyd/internal/webhook"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "notifyd",
		Short: "notifyd is an asynchronous notification delivery service",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(campaignCmd(&configPath))
	rootCmd.AddCommand(secretCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the notifyd server",
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

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			eventBus, err := setupBus(cfg.Bus, log)
			if err != nil {
				return fmt.Errorf("failed to setup bus: %w", err)
			}

			registry := channel.NewRegistry(
				models.Channel(cfg.Notification.DefaultChannel),
				channel.WithBreaker(channel.NewEmailSender(log)),
				channel.WithBreaker(channel.NewSMSSender(log)),
				channel.WithBreaker(channel.NewPushSender(log)),
			)

			dispatcher := dispatch.NewDispatcher(store, registry, eventBus,
				cfg.Bus.DLQTopic, cfg.Notification.SendTimeout, log)

			var hooks *webhook.Notifier
			if cfg.Webhook.Enabled {
				hooks = webhook.NewNotifier(store, cfg.Webhook, log)
				dispatcher.SetOutcomeNotifier(hooks)
			}

			gate := dispatch.NewGate(store, eventBus, cfg.Bus.Topic, dispatcher,
				cfg.Notification.MaxRetries, log)

			if eventBus != nil {
				err = eventBus.Subscribe(ctx, cfg.Bus.Topic, cfg.Bus.Group,
					cfg.Bus.Concurrency, dispatcher.OnEvent)
				if err != nil {
					return fmt.Errorf("failed to subscribe to %s: %w", cfg.Bus.Topic, err)
				}
				err = eventBus.Subscribe(ctx, cfg.Bus.DLQTopic, cfg.Bus.Group+"-dlq", 1,
					func(ctx context.Context, ev models.Event) error {
						log.Error().
							Str("notification_id", ev.NotificationID).
							Str("error", ev.ErrorMessage).
							Msg("event dead-lettered, manual triage required")
						return nil
					})
				if err != nil {
					return fmt.Errorf("failed to subscribe to %s: %w", cfg.Bus.DLQTopic, err)
				}
			}

			retries := dispatch.NewRetryScheduler(store, dispatcher,
				cfg.Notification.RetryInterval, log)
			retries.Start(ctx)

			orch := campaign.NewOrchestrator(store, eventBus, cfg.Bus.Topic,
				cfg.Campaign.BatchSize, cfg.Notification.MaxRetries, log)
			tracker := campaign.NewProgressTracker(store, cfg.Campaign.ProgressInterval, log)
			tracker.Start(ctx)

			var webhookRetries *webhook.RetryScheduler
			if hooks != nil {
				webhookRetries = webhook.NewRetryScheduler(store, hooks,
					cfg.Webhook.RetryInterval, log)
				webhookRetries.Start(ctx)
			}

			server := api.NewServer(cfg.Server, store, gate, orch, hooks, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Str("bus", cfg.Bus.Driver).
				Int("consumers", cfg.Bus.Concurrency).
				Msg("notifyd is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			cancel()
			orch.Wait()
			retries.Stop()
			tracker.Stop()
			if webhookRetries != nil {
				webhookRetries.Stop()
			}
			if eventBus != nil {
				_ = eventBus.Close()
			}

			log.Info().Msg("notifyd stopped")
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

func campaignCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Manage campaigns",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft campaign",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			typ, _ := cmd.Flags().GetString("type")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			nt := models.NotificationType(typ)
			if !nt.Valid() {
				return fmt.Errorf("--type must be a known notification type")
			}

			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			now := time.Now().UTC()
			c := &models.Campaign{
				ID:        models.NewID("cmp"),
				Name:      name,
				Type:      nt,
				Status:    models.CampaignDraft,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := store.CreateCampaign(context.Background(), c); err != nil {
				return fmt.Errorf("failed to create campaign: %w", err)
			}

			out, _ := json.MarshalIndent(c, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	createCmd.Flags().String("name", "", "campaign name")
	createCmd.Flags().String("type", "", "notification type")

	startCmd := &cobra.Command{
		Use:   "start <campaign-id> <beneficiary-id>...",
		Short: "Fan a campaign out to the given beneficiaries",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return err
			}
			defer store.Close()

			eventBus, err := setupBus(cfg.Bus, log)
			if err != nil {
				return err
			}

			ctx := context.Background()
			c, err := store.GetCampaign(ctx, args[0])
			if err != nil {
				return err
			}
			if c == nil {
				return fmt.Errorf("campaign %s not found", args[0])
			}
			if c.Status != models.CampaignDraft && c.Status != models.CampaignScheduled {
				return fmt.Errorf("campaign %s is %s, already started", c.ID, c.Status)
			}

			orch := campaign.NewOrchestrator(store, eventBus, cfg.Bus.Topic,
				cfg.Campaign.BatchSize, cfg.Notification.MaxRetries, log)
			if err := orch.Start(ctx, c, args[1:]); err != nil {
				return err
			}
			orch.Wait()
			if eventBus != nil {
				_ = eventBus.Close()
			}
			return nil
		},
	}

	pauseCmd := &cobra.Command{
		Use:   "pause <campaign-id>",
		Short: "Pause an active campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return toggleCampaign(*configPath, args[0], models.CampaignActive, models.CampaignPaused)
		},
	}

	resumeCmd := &cobra.Command{
		Use:   "resume <campaign-id>",
		Short: "Resume a paused campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return toggleCampaign(*configPath, args[0], models.CampaignPaused, models.CampaignActive)
		},
	}

	progressCmd := &cobra.Command{
		Use:   "progress <campaign-id>",
		Short: "Show campaign progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			c, err := store.GetCampaign(context.Background(), args[0])
			if err != nil {
				return err
			}
			if c == nil {
				return fmt.Errorf("campaign %s not found", args[0])
			}

			fmt.Printf("  %s  %s  %s\n", c.ID, c.Name, c.Status)
			fmt.Printf("  target %d, success %d, failure %d (%.1f%% done, %.1f%% success)\n",
				c.TargetCount, c.SuccessCount, c.FailureCount,
				c.ProgressPercentage(), c.SuccessRate())
			return nil
		},
	}

	cmd.AddCommand(createCmd, startCmd, pauseCmd, resumeCmd, progressCmd)
	return cmd
}

func toggleCampaign(configPath, id string, from, to models.CampaignStatus) error {
	store, cleanup, err := storeFromConfig(configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	c, err := store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("campaign %s not found", id)
	}
	if c.Status != from {
		return fmt.Errorf("campaign %s is %s, expected %s", id, c.Status, from)
	}
	c.Status = to
	if err := store.UpdateCampaign(ctx, c); err != nil {
		return err
	}
	fmt.Printf("campaign %s is now %s\n", id, to)
	return nil
}

func storeFromConfig(configPath string) (storage.Storage, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

func secretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "secret",
		Short: "Generate a webhook signing secret",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(models.NewWebhookSecret())
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("notifyd v%s\n", version)
		},
	}
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
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

// setupBus returns nil for driver "none"; the gate then dispatches inline.
func setupBus(cfg config.BusConfig, log zerolog.Logger) (bus.Bus, error) {
	switch cfg.Driver {
	case "memory":
		return bus.NewMemoryBus(log), nil
	case "rabbitmq":
		return bus.NewRabbitBus(cfg, log)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported bus driver: %s", cfg.Driver)
	}
}
