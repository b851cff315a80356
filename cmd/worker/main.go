package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/lantern/backend/internal/app"
	"github.com/OFFIS-RIT/lantern/backend/internal/config"
	"github.com/OFFIS-RIT/lantern/backend/internal/queue"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger/console"
)

func main() {
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{}))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}

	// logger
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  cfg.Debug,
		JSON:   cfg.LogJSON,
		Prefix: "worker",
	})
	logger.Init(consoleLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize", "err", err)
	}
	defer a.Close()

	// Init rabbitmq
	conn, err := queue.Dial(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}
	defer conn.Close()

	// Init rabbitmq queues if not exist
	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, []string{cfg.QueueName}); err != nil {
		logger.Fatal("Failed to declare queues", "err", err)
	}

	// prefetch=1, runs are processed one at a time
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	if err := consumerCh.Qos(1, 0, true); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	msgs, err := consumerCh.Consume(
		cfg.QueueName,
		fmt.Sprintf("%s_consumer", cfg.QueueName),
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		logger.Fatal("Failed to start consuming", "queue", cfg.QueueName, "err", err)
	}

	logger.Info("Listening for messages", "queue", cfg.QueueName)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received, exiting...")
			return
		case msg, ok := <-msgs:
			if !ok {
				logger.Info("Message channel closed", "queue", cfg.QueueName)
				return
			}

			startTime := time.Now()
			res, err := queue.ProcessScenarioMessage(ctx, a.Coordinator, ch, msg.Body)
			if err != nil {
				logger.Error("Error processing message", "queue", cfg.QueueName, "err", err)
				queue.HandleProcessingError(ctx, consumerCh, msg, cfg.QueueName, err)
				continue
			}
			if err := msg.Ack(false); err != nil {
				logger.Error("Failed to ack message", "err", err)
			}

			logger.Info(
				"Message processed",
				"scenario", res.ScenarioHash,
				"status", res.Status,
				"loops", res.Counters.LoopsDetected,
				"violations", res.Counters.ViolationsFlagged,
				"duration", time.Since(startTime).Round(time.Millisecond).String(),
			)
		}
	}
}
