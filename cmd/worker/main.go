package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stagebridge/backend/internal/queue"
	"github.com/stagebridge/backend/internal/storage"
	"github.com/stagebridge/backend/internal/util"
	"github.com/stagebridge/backend/internal/worker"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/stagebridge/backend/pkg/ai"
	oai "github.com/stagebridge/backend/pkg/ai/ollama"
	gai "github.com/stagebridge/backend/pkg/ai/openai"
	"github.com/stagebridge/backend/pkg/graph"
	"github.com/stagebridge/backend/pkg/logger"
	"github.com/stagebridge/backend/pkg/logger/console"
	"github.com/stagebridge/backend/pkg/pipeline"
	"github.com/stagebridge/backend/pkg/router"
	"github.com/stagebridge/backend/pkg/runlock"
	pgxstore "github.com/stagebridge/backend/pkg/store/pgx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	// AI client
	adapter := util.GetEnv("AI_ADAPTER")
	var aiClient ai.BridgeAIClient

	switch adapter {
	case "ollama":
		client, err := oai.NewBridgeOllamaClient(oai.NewBridgeOllamaClientParams{
			EmbeddingModel: util.GetEnv("AI_EMBED_MODEL"),
			ClassifyModel:  util.GetEnv("AI_CHAT_CLASSIFY_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),
		})
		if err != nil {
			logger.Fatal("Could not create Ollama client", "err", err)
		}
		aiClient = client
	default:
		aiClient = gai.NewBridgeOpenAIClient(gai.NewBridgeOpenAIClientParams{
			EmbeddingModel: util.GetEnv("AI_EMBED_MODEL"),
			ClassifyModel:  util.GetEnv("AI_CHAT_CLASSIFY_MODEL"),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),
		})
	}

	// S3 client for checkpoint archives
	s3Client := storage.NewS3Client(ctx)

	// Init pgx client
	pgConn, err := pgxpool.New(ctx, util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()
	pgConn.Config().AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	runStorage := storage.WithArchive(pgxstore.NewRunDBStorage(pgConn, aiClient), s3Client)

	workerName, err := os.Hostname()
	if err != nil || workerName == "" {
		workerName = "worker"
	}
	locker := runlock.New(pgConn, workerName)

	// Routing policy, handler registry and pipeline
	policy := graph.PolicyFromEnv()
	if err := policy.Validate(); err != nil {
		logger.Fatal("Invalid routing policy", "err", err)
	}

	registry, err := router.LoadRegistry(util.GetEnvString("HANDLER_CONFIG", "handlers.json"))
	if err != nil {
		logger.Fatal("Failed to load handler registry", "err", err)
	}

	budget := time.Duration(util.GetEnvNumeric("ROUTER_BUDGET_MS", 0)) * time.Millisecond
	rt := router.NewRouter(registry, aiClient, policy, budget)

	handlers := worker.BuildHandlers(registry, aiClient, policy)

	deadline := time.Duration(util.GetEnvNumeric("ESCALATION_DEADLINE_MINUTES", 0)) * time.Minute
	runner, err := pipeline.NewRunner(rt, handlers, runStorage, pipeline.Options{
		Policy:             policy,
		Workers:            int(util.GetEnvNumeric("PIPELINE_WORKERS", 4)),
		EscalationDeadline: deadline,
	})
	if err != nil {
		logger.Fatal("Failed to create pipeline runner", "err", err)
	}

	// Init rabbitmq
	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	logger.Info("Listening for messages")

	// Work items and resolutions need independent channels: a parked
	// work item waits for a resolution, so resolutions must keep
	// flowing while a work item is in flight.
	consume := func(queueName string, process func(context.Context, amqp.Delivery) error) {
		consumerCh, err := conn.Channel()
		if err != nil {
			logger.Fatal("Failed to open consumer channel", "queue", queueName, "err", err)
		}
		if err := consumerCh.Qos(1, 0, false); err != nil {
			logger.Fatal("Failed to set QoS", "queue", queueName, "err", err)
		}

		consumerTag := fmt.Sprintf("%s_consumer", queueName)
		msgs, err := consumerCh.Consume(
			queueName,
			consumerTag,
			false, // autoAck
			false, // exclusive
			false, // noLocal
			false, // noWait
			nil,   // args
		)
		if err != nil {
			logger.Fatal("Failed to start consuming", "queue", queueName, "err", err)
		}

		go func() {
			for {
				select {
				case <-ctx.Done():
					logger.Info("Stopping consumer", "queue", queueName)
					return
				case msg, ok := <-msgs:
					if !ok {
						logger.Info("Message channel closed", "queue", queueName)
						return
					}

					startTime := time.Now()
					logger.Info("Received message", "queue", queueName)

					// If there was an error send to retry or dead-letter, otherwise ack the message
					if processingErr := process(ctx, msg); processingErr != nil {
						logger.Error("Error processing message", "queue", queueName, "err", processingErr)
						queue.HandleProcessingError(consumerCh, msg, queueName)
					} else {
						if err := msg.Ack(false); err != nil {
							logger.Error("Failed to ack message", "err", err)
						}
						logger.Info("Message processed successfully", "queue", queueName)
					}

					logger.Info("Processing time", "queue", queueName,
						"duration", time.Since(startTime).Round(time.Millisecond).String())
				}
			}
		}()
	}

	consume(queue.WorkQueue, func(ctx context.Context, msg amqp.Delivery) error {
		defer func() {
			metrics := aiClient.GetMetrics()
			aiDuration := time.Duration(metrics.DurationMs) * time.Millisecond
			logger.Info(
				"AI Metrics",
				"input_tokens", metrics.InputTokens,
				"output_tokens", metrics.OutputTokens,
				"total_tokens", metrics.TotalTokens,
				"duration", aiDuration.Round(time.Second).String(),
			)
			aiClient.ResetMetrics()
		}()
		return queue.ProcessWorkItem(ctx, runner, locker, msg.Body)
	})

	consume(queue.ResolutionQueue, func(ctx context.Context, msg amqp.Delivery) error {
		return queue.ProcessResolution(ctx, runner, msg.Body)
	})

	<-ctx.Done()
	logger.Info("Shutdown signal received, exiting...")
}
