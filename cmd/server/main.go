package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/oklog/run"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/clipmix/api/internal/batch"
	"github.com/clipmix/api/internal/client"
	"github.com/clipmix/api/internal/config"
	"github.com/clipmix/api/internal/handler"
	"github.com/clipmix/api/internal/log"
	loglogrus "github.com/clipmix/api/internal/log/logrus"
	"github.com/clipmix/api/internal/media"
	"github.com/clipmix/api/internal/middleware"
	"github.com/clipmix/api/internal/packager"
	"github.com/clipmix/api/internal/runner"
	"github.com/clipmix/api/internal/service"
	"github.com/clipmix/api/internal/store"
	storeredis "github.com/clipmix/api/internal/store/redis"
	"github.com/clipmix/api/internal/store/sqlite"
	ws "github.com/clipmix/api/internal/websocket"
	"github.com/clipmix/api/internal/worker"
)

const (
	shutdownTimeout = 30 * time.Second
	resultsPath     = "/results"
)

func main() {
	if err := Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// Run wires every component and blocks until a termination signal arrives or
// one of the long running actors fails.
func Run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	logrusEntry := newLogrusEntry(cfg.Server)
	logger := loglogrus.NewLogrus(logrusEntry).WithValues(log.Kv{"env": cfg.Server.Env})
	logger.Debugf("Debug level is enabled")

	for _, dir := range []string{cfg.Storage.UploadDir, cfg.Storage.ResultDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("could not create %s: %w", dir, err)
		}
	}

	// Redis is only dialed when a component needs it.
	var redisClient *redis.Client
	needsRedis := cfg.Store.Backend == "redis" || cfg.Queue.Backend == "asynq" || cfg.RateLimit.SubmitPerHour > 0
	if needsRedis {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warningf("Redis not available: %v", err)
		}
		cancel()
	}

	// Task store.
	var taskStore store.TaskStore
	switch cfg.Store.Backend {
	case "redis":
		taskStore, err = storeredis.NewTaskStore(storeredis.TaskStoreConfig{
			Client:    redisClient,
			Retention: cfg.Storage.Retention(),
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("could not create redis task store: %w", err)
		}
	default:
		sqliteStore, err := sqlite.NewTaskStore(ctx, sqlite.TaskStoreConfig{
			DBPath: cfg.Store.SQLitePath,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("could not create sqlite task store: %w", err)
		}
		defer sqliteStore.Close()
		taskStore = sqliteStore
	}

	// Media pipeline.
	combiner, err := media.NewFFmpegCombiner(media.Settings{
		FFmpegPath:  cfg.Processing.FFmpegPath,
		FFprobePath: cfg.Processing.FFprobePath,
		Width:       cfg.Processing.Width,
		Height:      cfg.Processing.Height,
		FPS:         cfg.Processing.FPS,
		SampleRate:  cfg.Processing.SampleRate,
		Channels:    cfg.Processing.Channels,
		Preset:      cfg.Processing.Preset,
		CRF:         cfg.Processing.CRF,
		Timeout:     cfg.Processing.Timeout,
	}, runner.NewExecRunner(logger), logger)
	if err != nil {
		return fmt.Errorf("could not create combiner: %w", err)
	}

	scheduler, err := batch.NewScheduler(batch.SchedulerConfig{
		Combiner:    combiner,
		Concurrency: cfg.Processing.Concurrency,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("could not create scheduler: %w", err)
	}

	var r2Client *client.R2Client
	if cfg.R2.Enabled() {
		r2Client, err = client.NewR2Client(&cfg.R2)
		if err != nil {
			return fmt.Errorf("could not create R2 client: %w", err)
		}
		logger.Infof("Archives will be published to bucket %s", cfg.R2.BucketName)
	}

	hub := ws.NewHub(logger)

	workerCfg := worker.CombineWorkerConfig{
		Store:            taskStore,
		Scheduler:        scheduler,
		Packager:         packager.New(logger),
		Notifier:         hub,
		UploadDir:        cfg.Storage.UploadDir,
		ResultDir:        cfg.Storage.ResultDir,
		ResultsURLPrefix: resultsPath,
		Logger:           logger,
	}
	if r2Client != nil {
		workerCfg.Publisher = r2Client
	}
	combineWorker, err := worker.NewCombineWorker(workerCfg)
	if err != nil {
		return fmt.Errorf("could not create worker: %w", err)
	}

	var g run.Group

	// Dispatcher and, for asynq, the worker server.
	var dispatcher service.Dispatcher
	switch cfg.Queue.Backend {
	case "asynq":
		redisOpt := asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
		asynqClient := asynq.NewClient(redisOpt)
		defer asynqClient.Close()
		dispatcher = service.NewAsynqDispatcher(asynqClient, 0, cfg.Storage.Retention(), logger)

		srv := asynq.NewServer(redisOpt, asynq.Config{
			Concurrency:     cfg.Queue.Concurrency,
			Queues:          map[string]int{service.QueueCombine: 1},
			Logger:          logrusEntry.WithField("svc", "asynq"),
			ShutdownTimeout: shutdownTimeout,
		})
		mux := asynq.NewServeMux()
		mux.HandleFunc(service.TaskTypeCombine, combineWorker.ProcessTask)

		stop := make(chan struct{})
		g.Add(
			func() error {
				if err := srv.Start(mux); err != nil {
					return fmt.Errorf("could not start asynq server: %w", err)
				}
				<-stop
				return nil
			},
			func(_ error) {
				srv.Shutdown()
				close(stop)
			},
		)
	default:
		local := service.NewLocalDispatcher(combineWorker, cfg.Queue.Concurrency, logger)
		dispatcher = local

		stop := make(chan struct{})
		g.Add(
			func() error {
				<-stop
				return nil
			},
			func(_ error) {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := local.Close(ctx); err != nil {
					logger.Warningf("Local dispatcher did not settle: %v", err)
				}
				close(stop)
			},
		)
	}

	taskService, err := service.NewTaskService(service.TaskServiceConfig{
		Store:        taskStore,
		Dispatcher:   dispatcher,
		UploadDir:    cfg.Storage.UploadDir,
		ResultDir:    cfg.Storage.ResultDir,
		MaxFiles:     cfg.Upload.MaxFiles,
		MaxFileBytes: cfg.Upload.MaxFileBytes(),
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("could not create task service: %w", err)
	}

	app := newApp(cfg, logger, appDeps{
		tasks:       handler.NewTaskHandler(taskService),
		health:      handler.NewHealthHandler(healthChecks(cfg, taskStore, redisClient)),
		hub:         hub,
		redisClient: redisClient,
	})

	// HTTP server.
	{
		g.Add(
			func() error {
				addr := ":" + cfg.Server.Port
				logger.Infof("Server starting on %s", addr)
				return app.Listen(addr)
			},
			func(_ error) {
				if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
					logger.Errorf("Server shutdown error: %v", err)
				}
			},
		)
	}

	// WebSocket hub.
	{
		g.Add(
			func() error {
				hub.Run()
				return nil
			},
			func(_ error) {
				hub.Stop()
			},
		)
	}

	// Retention janitor.
	{
		janitorCfg := service.JanitorConfig{
			ResultDir: cfg.Storage.ResultDir,
			UploadDir: cfg.Storage.UploadDir,
			Retention: cfg.Storage.Retention(),
			Logger:    logger,
		}
		if r2Client != nil {
			janitorCfg.Remote = r2Client
		}
		janitor := service.NewJanitor(janitorCfg)

		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				return janitor.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				logger.Infof("Termination signal received, shutting down")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	return g.Run()
}

type appDeps struct {
	tasks       *handler.TaskHandler
	health      *handler.HealthHandler
	hub         *ws.Hub
	redisClient *redis.Client
}

func newApp(cfg *config.Config, logger log.Logger, deps appDeps) *fiber.App {
	// Both lists at their maximum plus multipart overhead.
	bodyLimit := int(2*int64(cfg.Upload.MaxFiles)*cfg.Upload.MaxFileBytes()) + 1<<20

	app := fiber.New(fiber.Config{
		ErrorHandler:          customErrorHandler(logger),
		BodyLimit:             bodyLimit,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", deps.health.Health)
	app.Static(resultsPath, cfg.Storage.ResultDir, fiber.Static{Download: true})

	api := app.Group("/api")
	wsGroup := app.Group("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	if cfg.JWT.Secret != "" {
		authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
		api.Use(authMiddleware.Authenticate())
		wsGroup.Use(authMiddleware.Authenticate())
	}

	submitHandlers := []fiber.Handler{deps.tasks.Submit}
	if deps.redisClient != nil && cfg.RateLimit.SubmitPerHour > 0 {
		rateLimiter := middleware.NewRateLimiter(deps.redisClient, logger)
		submitHandlers = append([]fiber.Handler{rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour)}, submitHandlers...)
	}

	api.Post("/tasks", submitHandlers...)
	api.Get("/tasks/:taskId", deps.tasks.Status)
	api.Get("/tasks/:taskId/download", deps.tasks.Download)

	wsGroup.Get("/tasks/:taskId", websocket.New(func(c *websocket.Conn) {
		deps.hub.HandleConnection(c, c.Params("taskId"))
	}))

	return app
}

func healthChecks(cfg *config.Config, taskStore store.TaskStore, redisClient *redis.Client) map[string]handler.Check {
	checks := map[string]handler.Check{
		"ffmpeg":  lookPath(cfg.Processing.FFmpegPath),
		"ffprobe": lookPath(cfg.Processing.FFprobePath),
	}
	if p, ok := taskStore.(store.Pinger); ok {
		checks["store"] = p.Ping
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	return checks
}

func lookPath(bin string) handler.Check {
	return func(context.Context) error {
		_, err := exec.LookPath(bin)
		return err
	}
}

func newLogrusEntry(cfg config.ServerConfig) *logrus.Entry {
	logrusLog := logrus.New()
	logrusLog.Out = os.Stderr

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrusLog.SetLevel(level)

	switch cfg.LogFormat {
	case "json":
		logrusLog.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrusLog.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logrus.NewEntry(logrusLog).WithField("app", "clipmix")
}

func customErrorHandler(logger log.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "Internal Server Error"

		var e *fiber.Error
		if errors.As(err, &e) {
			code = e.Code
			message = e.Message
		} else {
			logger.Errorf("Unhandled error on %s %s: %v", c.Method(), c.Path(), err)
		}

		return c.Status(code).JSON(fiber.Map{
			"error": fiber.Map{
				"code":    "SERVICE_ERROR",
				"message": message,
			},
		})
	}
}
