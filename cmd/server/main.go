package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/shelfscope/api/internal/client"
	"github.com/shelfscope/api/internal/collector"
	"github.com/shelfscope/api/internal/config"
	"github.com/shelfscope/api/internal/governor"
	"github.com/shelfscope/api/internal/handler"
	"github.com/shelfscope/api/internal/insight"
	"github.com/shelfscope/api/internal/logging"
	"github.com/shelfscope/api/internal/middleware"
	"github.com/shelfscope/api/internal/orchestrator"
	"github.com/shelfscope/api/internal/service"
	"github.com/shelfscope/api/internal/store"
	ws "github.com/shelfscope/api/internal/websocket"
	"github.com/shelfscope/api/internal/worker"
	"github.com/shelfscope/api/pkg/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Init(logging.Config{Level: cfg.Server.LogLevel, Format: cfg.Server.LogFormat})

	// Redis: job cache, rate limiting and the task queue
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logging.Warn().Err(err).Msg("redis not available, serving from durable store")
	}

	// Durable store
	db, err := store.OpenSQLite(cfg.Database.Path)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("failed to open database")
	}
	defer db.Close()

	sessions := store.New(store.NewCache(redisClient, cfg.Redis.JobTTL), db, store.Options{
		TerminalWriteAttempts: cfg.Orchestrator.TerminalWriteAttempts,
		RecoveryWindow:        cfg.Orchestrator.TerminalRecoveryWindow,
	})

	// External clients
	gov := governor.New(&cfg.Governor, &http.Client{})
	col := collector.New(gov, cfg.Collector)

	llmClient := client.NewLLMClient(&cfg.LLM)
	var completer insight.Completer
	if llmClient.IsConfigured() {
		completer = llmClient
	} else {
		logging.Warn().Msg("LLM_API_KEY not set, analysis phases will fail")
	}
	gen := insight.New(completer, insight.Options{
		MaxConcurrent: cfg.LLM.MaxConcurrent,
		MaxAttempts:   cfg.LLM.MaxAttempts,
	})

	// Event broadcaster
	hub := ws.NewHub(ws.Options{})

	// Orchestrator
	manager := orchestrator.NewManager(sessions, col, gen, hub, orchestrator.Options{
		PhaseTimeout: cfg.Orchestrator.PhaseTimeout,
		AllowSubject: gov.Allowed,
	})

	var archiveClient *client.ArchiveClient
	if cfg.Archive.Enabled() {
		archiveClient, err = client.NewArchiveClient(&cfg.Archive)
		if err != nil {
			logging.Warn().Err(err).Msg("archive disabled")
		} else {
			manager.SetArchiver(archiveClient)
		}
	}

	// Task queue
	var asynqServer *asynq.Server
	if cfg.Queue.Backend == "asynq" {
		redisOpt := asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
		asynqClient := asynq.NewClient(redisOpt)
		defer asynqClient.Close()
		manager.SetDispatcher(worker.NewDispatcher(asynqClient))

		asynqServer = asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: cfg.Queue.Concurrency,
			Queues:      map[string]int{worker.QueueAnalysis: 1},
			Logger:      logging.AsynqLogger{},
			LogLevel:    logging.AsynqLevel(cfg.Server.LogLevel),
		})
		go func() {
			if err := asynqServer.Run(worker.NewServeMux(worker.NewAnalysisWorker(manager))); err != nil {
				logging.Error().Err(err).Msg("asynq worker stopped")
			}
		}()
	}

	// Services and handlers
	validate := validator.New()
	analysisService := service.NewAnalysisService(manager, sessions)
	analysisHandler := handler.NewAnalysisHandler(analysisService, validate)
	eventsHandler := handler.NewEventsHandler(analysisService, hub)

	checks := []handler.HealthCheck{
		{Name: "database", Critical: true, Check: sessions.PingDurable},
		{Name: "redis", Check: sessions.PingCache},
		{Name: "llm", Check: llmClient.Ping},
	}
	if archiveClient != nil {
		checks = append(checks, handler.HealthCheck{Name: "archive", Check: archiveClient.Ping})
	}
	healthHandler := handler.NewHealthHandler(checks...)

	// Middleware
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1024 * 1024,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", healthHandler.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Analysis routes
	api := app.Group("/api/analysis")
	if cfg.Auth.Enabled {
		api.Use(authMiddleware.Authenticate())
	}
	api.Post("/start", rateLimiter.StartLimit(cfg.RateLimit.StartPerHour), analysisHandler.Start)
	api.Get("/status/:jobId", analysisHandler.Status)
	api.Get("/result/:jobId", analysisHandler.Result)
	api.Get("/detail/:jobId", analysisHandler.Detail)
	api.Get("/jobs", analysisHandler.List)
	api.Get("/active", analysisHandler.Active)
	api.Post("/cancel/:jobId", analysisHandler.Cancel)

	// WebSocket route
	app.Get("/ws/jobs/:jobId", eventsHandler.Upgrade, eventsHandler.Stream())

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logging.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("jobs still running at shutdown")
		}
		if asynqServer != nil {
			asynqServer.Shutdown()
		}
		sessions.Close()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logging.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	logging.Info().Str("addr", addr).Str("queue", cfg.Queue.Backend).Msg("server starting")
	if err := app.Listen(addr); err != nil {
		logging.Fatal().Err(err).Msg("server error")
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
