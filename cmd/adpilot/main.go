package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	appconfig "github.com/adpilot-hq/adpilot/config"
	"github.com/adpilot-hq/adpilot/internal/connector"
	"github.com/adpilot-hq/adpilot/internal/events"
	srv "github.com/adpilot-hq/adpilot/internal/server"
)

func main() {
	var root = &cobra.Command{Use: "adpilot"}
	var cfgPath string
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")

	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := appconfig.LoadConfig(cfgPath)
			platform := connector.NewPlatformClient(cfg.Platform.BaseURL, cfg.Platform.Token, cfg.Platform.Timeout)
			return srv.Run(serveAddr, cfg, platform, platform)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")

	var migDir string
	var direction string
	var steps int
	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := os.Getenv("DATABASE_URL")
			if dsn == "" {
				cfg := appconfig.LoadConfig(cfgPath)
				dsn = cfg.Storage.Postgres.DSN()
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	var accounts []string
	var weekStr string
	var run = &cobra.Command{
		Use:   "batch",
		Short: "Run one pipeline pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := appconfig.LoadConfig(cfgPath)
			week := time.Now()
			if weekStr != "" {
				t, err := time.Parse("2006-01-02", weekStr)
				if err != nil {
					return err
				}
				week = t
			}
			platform := connector.NewPlatformClient(cfg.Platform.BaseURL, cfg.Platform.Token, cfg.Platform.Timeout)
			orch, err := srv.BuildOrchestrator(cfg, platform, platform)
			if err != nil {
				return err
			}
			jobID, err := orch.RunJob(context.Background(), week, accounts)
			if err != nil {
				return err
			}
			log.Printf("job %s finished", jobID)
			return nil
		},
	}
	run.Flags().StringSliceVar(&accounts, "account", nil, "account IDs to run (default all)")
	run.Flags().StringVar(&weekStr, "week", "", "target week start YYYY-MM-DD (default current week)")

	var group, consumerName string
	var tail = &cobra.Command{
		Use:   "tail",
		Short: "Follow the notification stream and print events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := appconfig.LoadConfig(cfgPath)
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Storage.Redis.Addr(),
				Password: cfg.Storage.Redis.Password,
			})
			defer rdb.Close()

			ctx := cmd.Context()
			if err := events.EnsureGroup(ctx, rdb, events.StreamNotifications, group); err != nil {
				return err
			}
			consumer := events.NewConsumer(rdb, group, consumerName)
			for {
				msgs, err := consumer.Read(ctx, events.StreamNotifications, 5*time.Second, 32)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				for _, m := range msgs {
					log.Printf("%s %s account=%s %s", m.Envelope.OccurredAt.Format(time.RFC3339), m.Envelope.EventType, m.Envelope.AccountID, m.Envelope.Data)
					if err := consumer.Ack(ctx, events.StreamNotifications, m.ID); err != nil {
						log.Printf("ack %s: %v", m.ID, err)
					}
				}
			}
		},
	}
	tail.Flags().StringVar(&group, "group", "adpilot-cli", "consumer group")
	tail.Flags().StringVar(&consumerName, "name", "tail", "consumer name within the group")

	root.AddCommand(serve, migrate, run, tail)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
