package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	config "github.com/maheshrc27/brandflow/configs"
	"github.com/maheshrc27/brandflow/internal/api/handlers"
	"github.com/maheshrc27/brandflow/internal/api/middleware"
	"github.com/maheshrc27/brandflow/internal/crawler"
	"github.com/maheshrc27/brandflow/internal/generator"
	job "github.com/maheshrc27/brandflow/internal/jobs"
	"github.com/maheshrc27/brandflow/internal/lock"
	"github.com/maheshrc27/brandflow/internal/metrics"
	"github.com/maheshrc27/brandflow/internal/models"
	"github.com/maheshrc27/brandflow/internal/queue"
	"github.com/maheshrc27/brandflow/internal/repository"
	"github.com/maheshrc27/brandflow/internal/service"
	"github.com/maheshrc27/brandflow/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Failed to load environment variables", err)
	}

	cfg := config.LoadConfig()
	loc := cfg.Location()

	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := db.Ping(); err != nil {
		log.Fatalf("Database is unreachable: %v", err)
	}

	migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := repository.Migrate(migrateCtx, db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	cancel()

	cipher, err := utils.NewTokenCipher(cfg.SecretKey)
	if err != nil {
		log.Fatalf("Invalid SECRET_KEY: %v", err)
	}

	redisConn := asynq.RedisClientOpt{Addr: cfg.RedisURI}
	client := asynq.NewClient(redisConn)
	defer client.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.LockBackend == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURI})
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, cfg.Dispatch.PublishTimeout+time.Minute)
	}

	clientRepo := repository.NewClientRepository(db, cipher)
	candidateRepo := repository.NewCandidateRepository(db)
	publishedRepo := repository.NewPublishedPostRepository(db)
	tx := repository.NewTransactor(db)

	registry := newPlatformRegistry(cfg)
	enqueuer := queue.NewEnqueuer(client)

	brandService := service.NewBrandService(clientRepo, publishedRepo, tx, cfg.Defaults)
	connectionService := service.NewConnectionService(brandService, registry, cfg.SecretKey)
	approvalService := service.NewApprovalService(candidateRepo, brandService, enqueuer, m)
	dispatchService := service.NewDispatchService(candidateRepo, publishedRepo, tx, brandService, connectionService,
		registry, locker, enqueuer, m, cfg.Dispatch, loc)

	catalogue, err := generator.LoadCatalogue(cfg.TemplatesPath)
	if err != nil {
		log.Fatalf("Failed to load post templates: %v", err)
	}
	generationService := service.NewGenerationService(brandService, approvalService, candidateRepo, tx,
		generator.NewTemplateGenerator(catalogue, loc), m, cfg.GenerateTimeout, cfg.DailySlots, loc)

	var store service.ObjectStore
	if cfg.R2.BucketName != "" {
		r2, err := service.NewR2Store(context.Background(), cfg.R2)
		if err != nil {
			log.Fatalf("Failed to configure media bucket: %v", err)
		}
		store = r2
	}
	mediaService := service.NewMediaService(store, nil)
	onboardingService := service.NewOnboardingService(brandService, crawler.New(slog.Default(), cfg.CrawlTimeout),
		mediaService, 3*cfg.CrawlTimeout)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Minute,
		WriteTimeout: 2 * time.Minute,
		BodyLimit:    4 * 1024 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			log.Printf("Error: %v", err)
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.FrontendURL,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: true,
		MaxAge:           3600,
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "database unreachable"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	authMiddleware := middleware.NewAuthMiddleware(*cfg)

	platform := handlers.NewPlatformHandler(connectionService, *cfg)
	platform.OAuthRoutes(app.Group("/auth"))

	api := app.Group("/api")
	api.Use(authMiddleware.AuthMiddleware())

	handlers.NewClientHandler(brandService, approvalService, generationService, onboardingService).Routes(api)
	handlers.NewCandidateHandler(approvalService, generationService, dispatchService).Routes(api)
	platform.Routes(api)

	// cron jobs
	jobs := job.Jobs{
		Sweep:         job.NewSweepJob(approvalService),
		DispatchCycle: job.NewDispatchCycleJob(dispatchService),
		TokenRefresh:  job.NewTokenRefreshJob(connectionService, m, 30*time.Minute, 4),
		Generation:    job.NewGenerationJob(generationService),
	}
	c := cron.NewWithLocation(loc)
	if err := job.Schedule(c, cfg.Schedules, jobs); err != nil {
		log.Fatalf("Failed to schedule jobs: %v", err)
	}
	c.Start()

	//queue
	queueW := queue.NewQueue(dispatchService)
	server := asynq.NewServer(redisConn, asynq.Config{
		Concurrency: cfg.Dispatch.Concurrency,
	})

	go func() {
		mux := asynq.NewServeMux()
		mux.HandleFunc(queue.TaskTypeDispatchCandidate, queueW.HandleDispatchTask)

		log.Println("Starting the Asynq server...")
		if err := server.Run(mux); err != nil {
			log.Fatalf("Could not start Asynq server: %v", err)
		}
	}()

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	log.Printf("Server is running on http://localhost:%s (dry run: %v)", cfg.Port, cfg.DryRun)

	gracefulShutdown(app, server, c, db)
}

// newPlatformRegistry registers an OAuth provider for every platform with
// credentials. In dry-run mode every platform publishes to the console.
func newPlatformRegistry(cfg *config.Config) *service.PlatformRegistry {
	hc := &http.Client{Timeout: cfg.Dispatch.PublishTimeout}
	registry := service.NewPlatformRegistry()

	type integration interface {
		service.OAuthProvider
		service.Publisher
	}
	integrations := []struct {
		app config.OAuthApp
		svc integration
	}{
		{cfg.Facebook, service.NewFacebookService(cfg.Facebook, hc)},
		{cfg.Instagram, service.NewInstagramService(cfg.Instagram, hc)},
		{cfg.LinkedIn, service.NewLinkedInService(cfg.LinkedIn, hc)},
		{cfg.X, service.NewXService(cfg.X, cfg.SecretKey, hc)},
		{cfg.Tiktok, service.NewTiktokService(cfg.Tiktok, hc)},
		{cfg.Google, service.NewYoutubeService(cfg.Google, hc)},
	}
	for _, in := range integrations {
		if in.app.ClientID != "" {
			registry.AddProvider(in.svc)
		}
		if !cfg.DryRun {
			registry.AddPublisher(in.svc)
		}
	}
	if cfg.DryRun {
		for _, p := range models.Platforms {
			registry.AddPublisher(service.NewConsolePublisher(p))
		}
	}
	return registry
}

func closeDB(db *sql.DB) {
	fmt.Fprint(os.Stdout, "Closing database connection... ")
	if err := db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close database: %v", err)
		return
	}
	fmt.Fprintln(os.Stdout, "Done")
}

func gracefulShutdown(app *fiber.App, server *asynq.Server, c *cron.Cron, db *sql.DB) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Println("Shutting down server...")

	c.Stop()
	server.Shutdown()
	if err := app.Shutdown(); err != nil {
		log.Fatalf("Failed to shut down server: %v", err)
	}

	closeDB(db)
	log.Println("Server shutdown complete.")
}
