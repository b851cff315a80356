package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/OFFIS-RIT/lantern/backend/internal/app"
	"github.com/OFFIS-RIT/lantern/backend/internal/config"
	"github.com/OFFIS-RIT/lantern/backend/internal/db"
	"github.com/OFFIS-RIT/lantern/backend/internal/queue"
	"github.com/OFFIS-RIT/lantern/backend/internal/server"
	mid "github.com/OFFIS-RIT/lantern/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/lantern/backend/internal/util"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger/console"
)

func main() {
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{}))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: cfg.Debug,
		JSON:  cfg.LogJSON,
	})
	logger.Init(consoleLogger)

	if cfg.APIKey == "" {
		logger.Fatal("API_KEY must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DatabaseURL != "" && util.GetEnvBool("MIGRATE_ON_START", true) {
		if err := db.MigrateUp(cfg.DatabaseURL); err != nil {
			logger.Fatal("Failed to migrate database", "err", err)
		}
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize", "err", err)
	}
	defer a.Close()

	var runs mid.RunQueue
	if cfg.RabbitMQURL != "" {
		conn, err := queue.Dial(cfg.RabbitMQURL)
		if err != nil {
			logger.Fatal("Failed to connect to RabbitMQ", "err", err)
		}
		defer conn.Close()

		ch, err := conn.Channel()
		if err != nil {
			logger.Fatal("Failed to open channel", "err", err)
		}
		defer ch.Close()

		if err := queue.SetupQueues(ch, []string{cfg.QueueName}); err != nil {
			logger.Fatal("Failed to declare queues", "err", err)
		}
		runs = &server.QueueRuns{Publisher: ch, Queue: cfg.QueueName}
	} else {
		logger.Warn("No RabbitMQ configured, running pipelines in-process")
		inline := server.NewInlineRuns(ctx, a.Coordinator, util.GetEnvInt("INLINE_RUNS", 4))
		defer inline.Wait()
		runs = inline
	}

	e := server.New(&mid.App{
		Documents:  a.Documents,
		Entities:   a.Index,
		Graphs:     a.Correlation,
		Runs:       runs,
		APIKey:     cfg.APIKey,
		ReadAPIKey: cfg.ReadAPIKey,
	}, a.Metrics.Handler())

	if err := server.Run(ctx, e, cfg.Port); err != nil {
		logger.Fatal("Server failed", "err", err)
	}
}
