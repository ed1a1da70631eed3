package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/clipvote/api/internal/auth"
	"github.com/clipvote/api/internal/client"
	"github.com/clipvote/api/internal/config"
	"github.com/clipvote/api/internal/handler"
	"github.com/clipvote/api/internal/idempotency"
	"github.com/clipvote/api/internal/lease"
	"github.com/clipvote/api/internal/middleware"
	"github.com/clipvote/api/internal/model"
	"github.com/clipvote/api/internal/ratelimit"
	"github.com/clipvote/api/internal/service"
	"github.com/clipvote/api/internal/store"
	"github.com/clipvote/api/internal/store/memstore"
	"github.com/clipvote/api/internal/store/sqlstore"
	"github.com/clipvote/api/internal/telemetry"
	ws "github.com/clipvote/api/internal/websocket"
	"github.com/clipvote/api/internal/worker"
	"github.com/clipvote/api/pkg/response"
)

// @title          Clipvote API
// @version        1.0
// @description    Task leasing and consensus for clip annotation.
// @BasePath       /
// @schemes        http https
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.Server)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("metrics export not initialized", "error", err)
		shutdownMetrics = func(context.Context) error { return nil }
	}
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		slog.Warn("metric instruments not initialized", "error", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	redisUp := redisClient.Ping(ctx).Err() == nil
	if !redisUp {
		slog.Warn("redis not available", "addr", cfg.Redis.Addr)
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if cfg.Store.SeedFile != "" {
		res, err := store.LoadSeedFile(ctx, st, cfg.Store.SeedFile, time.Now().UTC())
		if err != nil {
			slog.Error("failed to seed store", "file", cfg.Store.SeedFile, "error", err)
			os.Exit(1)
		}
		slog.Info("store seeded", "clips", res.Clips, "tasks", res.Tasks, "skipped", res.Skipped)
	}

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run(ctx)

	// Initialize R2 archive (optional - submissions are not archived if not configured)
	opts := []service.Option{service.WithNotifier(hub), service.WithMetrics(metrics)}
	if cfg.R2.Enabled() {
		archive, err := client.NewArchiveClient(ctx, cfg.R2)
		if err != nil {
			slog.Warn("R2 archive not initialized", "error", err)
		} else {
			opts = append(opts, service.WithArchiver(archive))
		}
	} else {
		slog.Info("R2 storage not configured, submissions are not archived")
	}

	limiter, guard := sharedCounters(cfg, redisClient, redisUp)

	leases := lease.NewManager(cfg.Lease.Config)
	taskService := service.NewTaskService(st, leases, guard, service.Config{
		StoreTimeout:     cfg.Store.Timeout,
		MinPlaybackRatio: cfg.Submit.MinPlaybackRatio,
		MinDurationMs:    cfg.Submit.MinDurationMs,
		Thresholds:       cfg.Consensus,
	}, opts...)

	// Initialize Zitadel JWKS verifier (optional - falls back to legacy JWT)
	var tokenVerifier auth.TokenVerifier
	if cfg.Zitadel.Issuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(&cfg.Zitadel)
		if err != nil {
			slog.Warn("JWKS verifier not initialized", "error", err)
		} else {
			defer jwksVerifier.Close()
			tokenVerifier = jwksVerifier
		}
	}
	authenticator := auth.NewAuthenticator(tokenVerifier, cfg.JWT.Secret)

	// Initialize handlers
	taskHandler := handler.NewTaskHandler(taskService, validate)
	authHandler := handler.NewAuthHandler(authenticator)
	eventsHandler := handler.NewEventsHandler(hub)

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		slog.Info("gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		apiAuthMiddleware = middleware.NewAuthMiddleware(authenticator).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(limiter, metrics)
	ipLimiter := middleware.NewGlobalRateLimiter(cfg.RateLimit.GlobalRPS, cfg.RateLimit.GlobalBurst)
	go ipLimiter.Cleanup(ctx)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,Idempotency-Key",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": time.Now().Unix()})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"store": cfg.Store.Driver,
				"redis": redisUp,
				"r2":    cfg.R2.Enabled(),
				"auth":  authenticator.Configured() || cfg.Gateway.Enabled,
			},
		})
	})

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	// API routes
	api := app.Group("/api", ipLimiter.Handler(), apiAuthMiddleware)
	handler.RegisterTaskRoutes(api, taskHandler, rateLimiter, cfg.RateLimit)

	// WebSocket routes
	app.Get("/ws/events", apiAuthMiddleware, eventsHandler.Upgrade, eventsHandler.Stream())

	// Periodic lease sweep
	sweepWorker := worker.NewSweepWorker(taskService)
	if redisUp {
		go startWorkerServer(ctx, cfg, sweepWorker)
	} else {
		slog.Info("sweeping leases in-process", "interval", cfg.Lease.SweepInterval)
		go sweepWorker.RunLocal(ctx, cfg.Lease.SweepInterval)
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown error", "error", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	slog.Info("server starting", "addr", addr, "env", cfg.Server.Env)
	if err := app.Listen(addr); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.ServerConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.Env == "production" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	if cfg.Driver == config.BackendMemory {
		slog.Warn("using in-memory store, state is lost on restart")
		return memstore.New(), nil
	}
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return sqlstore.Open(openCtx, cfg.Driver, cfg.DSN)
}

// sharedCounters picks the rate limiter and idempotency backends. Redis
// backends fall back to memory when Redis is unreachable at startup.
func sharedCounters(cfg *config.Config, redisClient *redis.Client, redisUp bool) (ratelimit.Limiter, idempotency.Guard) {
	var limiter ratelimit.Limiter = ratelimit.NewMemory()
	if cfg.RateLimit.Backend == config.BackendRedis {
		if redisUp {
			limiter = ratelimit.NewRedis(redisClient, "")
		} else {
			slog.Warn("redis rate limiter unavailable, using memory")
		}
	}

	var guard idempotency.Guard = idempotency.NewMemory(cfg.Idempotency.Window)
	if cfg.Idempotency.Backend == config.BackendRedis {
		if redisUp {
			guard = idempotency.NewRedis(redisClient, "", cfg.Idempotency.Window)
		} else {
			slog.Warn("redis idempotency guard unavailable, using memory")
		}
	}
	return limiter, guard
}

func startWorkerServer(ctx context.Context, cfg *config.Config, sweepWorker *worker.SweepWorker) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{LogLevel: asynqLogLevel})
	if _, err := worker.RegisterSweep(scheduler, cfg.Lease.SweepInterval); err != nil {
		slog.Error("failed to schedule lease sweep", "error", err)
		return
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 2,
		Queues: map[string]int{
			worker.QueueMaintenance: 1,
		},
		LogLevel: asynqLogLevel,
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(worker.TaskTypeSweep, sweepWorker.ProcessTask)

	if err := scheduler.Start(); err != nil {
		slog.Error("asynq scheduler error", "error", err)
		return
	}
	if err := srv.Start(mux); err != nil {
		slog.Error("asynq worker error", "error", err)
		scheduler.Shutdown()
		return
	}

	<-ctx.Done()
	srv.Shutdown()
	scheduler.Shutdown()
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	errCode := model.CodeServerError
	if code < fiber.StatusInternalServerError {
		errCode = model.CodeValidationFailed
	}
	return response.Error(c, code, errCode, message, nil)
}
