package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/stagebridge/backend/internal/queue"
	mid "github.com/stagebridge/backend/internal/server/middleware"
	"github.com/stagebridge/backend/internal/storage"
	"github.com/stagebridge/backend/internal/util"
	"github.com/stagebridge/backend/pkg/ai"
	aiollama "github.com/stagebridge/backend/pkg/ai/ollama"
	aiopenai "github.com/stagebridge/backend/pkg/ai/openai"
	"github.com/stagebridge/backend/pkg/graph"
	"github.com/stagebridge/backend/pkg/logger"
	"github.com/stagebridge/backend/pkg/router"
	pgxstore "github.com/stagebridge/backend/pkg/store/pgx"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-playground/validator"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

func Init() {
	e := echo.New()
	e.Validator = &CustomValidator{validator: validator.New()}

	jwksUrl := util.GetEnv("AUTH_URL") + "/jwks"
	k, err := keyfunc.NewDefault([]string{jwksUrl})
	if err != nil {
		logger.Fatal("Failed to load jwks keys", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := pgxpool.New(ctx, util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Failed to connect to database", "err", err)
	}
	defer conn.Close()
	conn.Config().AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	if err := pgxstore.Migrate(util.GetEnvString("MIGRATIONS_URL", "file://migrations"), util.GetEnv("DATABASE_URL")); err != nil {
		logger.Fatal("Failed to run migrations", "err", err)
	}

	que := queue.Init()
	defer que.Close()
	ch, err := que.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	if err := queue.SetupQueues(ch); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	s3 := storage.NewS3Client(ctx)

	aiClient := NewAIClient()

	registry, err := router.LoadRegistry(util.GetEnvString("HANDLER_CONFIG", "handlers.json"))
	if err != nil {
		logger.Fatal("Failed to load handler registry", "err", err)
	}

	policy := graph.PolicyFromEnv()
	if err := policy.Validate(); err != nil {
		logger.Fatal("Invalid routing policy", "err", err)
	}

	budget := time.Duration(util.GetEnvNumeric("ROUTER_BUDGET_MS", 0)) * time.Millisecond
	rt := router.NewRouter(registry, aiClient, policy, budget)

	runStorage := storage.WithArchive(pgxstore.NewRunDBStorage(conn, aiClient), s3)

	masterAPIKey := util.GetEnv("MASTER_API_KEY")
	parsedMasterUserID, _ := strconv.ParseInt(util.GetEnv("MASTER_USER_ID"), 10, 32)
	masterUserRole := util.GetEnv("MASTER_USER_ROLE")
	masterUserID := int32(parsedMasterUserID)

	app := &mid.App{
		DBConn:         conn,
		Queue:          ch,
		Key:            &k,
		S3:             s3,
		Storage:        runStorage,
		Router:         rt,
		Policy:         policy,
		MasterAPIKey:   masterAPIKey,
		MasterUserID:   masterUserID,
		MasterUserRole: masterUserRole,
	}

	e.Use(mid.AppContextMiddleware(app))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("[API] Request",
				"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	RegisterRoutes(e)

	go func() {
		port := util.GetEnv("PORT")
		if port == "" {
			port = "8080"
		}
		logger.Info("Starting server", "port", port)
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
	}
}

// NewAIClient builds the AI client selected by AI_ADAPTER. The default is
// the OpenAI-compatible adapter.
func NewAIClient() ai.BridgeAIClient {
	adapter := util.GetEnv("AI_ADAPTER")

	switch adapter {
	case "ollama":
		client, err := aiollama.NewBridgeOllamaClient(aiollama.NewBridgeOllamaClientParams{
			EmbeddingModel: util.GetEnv("AI_EMBED_MODEL"),
			ClassifyModel:  util.GetEnv("AI_CHAT_CLASSIFY_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),
		})
		if err != nil {
			logger.Fatal("Could not create Ollama client", "err", err)
		}
		return client
	default:
		return aiopenai.NewBridgeOpenAIClient(aiopenai.NewBridgeOpenAIClientParams{
			EmbeddingModel: util.GetEnv("AI_EMBED_MODEL"),
			ClassifyModel:  util.GetEnv("AI_CHAT_CLASSIFY_MODEL"),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),
		})
	}
}
