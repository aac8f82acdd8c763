package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"github.com/lmittmann/tint"

	"github.com/smartcity/roadwatch/internal/config"
	"github.com/smartcity/roadwatch/internal/delivery/http"
	"github.com/smartcity/roadwatch/internal/delivery/mqtt"
	"github.com/smartcity/roadwatch/internal/repository/memory"
	"github.com/smartcity/roadwatch/internal/repository/postgres"
	"github.com/smartcity/roadwatch/internal/service"
)

func main() {
	// Load environment variables
	envErr := godotenv.Load()

	// Configuration
	cfg := loadConfig()
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)
	if envErr != nil {
		log.Info("no .env file found, using system environment")
	}

	tuning, err := config.Load(cfg.TuningFile)
	if err != nil {
		log.Error("invalid tuning file", "error", err)
		os.Exit(1)
	}

	// Database connection
	dataRepo, closeRepo := openRepository(cfg.DatabaseURL, log)
	defer closeRepo()

	// Dependency Injection: Services
	local := service.NewHeuristicClassifier(tuning.Classifier.Local)
	var (
		mlBridge *service.MLBridge
		remote   http.HealthChecker
		primary  service.Classifier
	)
	if cfg.MLServiceURL != "" {
		mlBridge = service.NewMLBridge(cfg.MLServiceURL, tuning.Classifier.Timeout)
		remote, primary = mlBridge, mlBridge
	}
	classifier := service.NewFallbackClassifier(primary, local, tuning.Classifier.Timeout, log)

	aggregator := service.NewAggregationService(dataRepo, tuning.Aggregation, log)
	detections := service.NewDetectionService(dataRepo, aggregator, log)
	sessions := service.NewSessionService(detections, classifier, tuning.Processor, log)
	stats := service.NewStatsService(dataRepo, dataRepo)
	feed := service.NewReportFeed(dataRepo, log)
	sweeper := service.NewRetentionSweeper(dataRepo, tuning.Retention, log)
	reaper := service.NewSessionReaper(sessions, tuning.Sessions, log)

	aggregator.OnChange(feed.Notify)
	sweeper.OnChange(feed.Notify)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go feed.Run(ctx)
	sweeper.Start(ctx)
	reaper.Start(ctx)

	// MQTT ingest is optional
	var ingestor *mqtt.Ingestor
	if cfg.MQTTBroker != "" {
		ingestor = mqtt.NewIngestor(cfg.MQTTBroker, cfg.MQTTTopic, sessions, log)
		if err := ingestor.Connect(); err != nil {
			log.Warn("MQTT ingest disabled", "error", err)
			ingestor = nil
		}
	}

	// Fiber App
	app := fiber.New(fiber.Config{
		AppName:      "RoadWatch API v1.0",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		ErrorHandler: http.ErrorHandler,
		JSONEncoder:  jsoniter.ConfigCompatibleWithStandardLibrary.Marshal,
		JSONDecoder:  jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Routes
	http.SetupRoutes(app, http.Services{
		Repo:       dataRepo,
		Sessions:   sessions,
		Detections: detections,
		Stats:      stats,
		Feed:       feed,
		Sweeper:    sweeper,
		Classifier: service.NewHeuristicClassifier(tuning.Classifier.Remote),
		Remote:     remote,
		Log:        log,
	})

	// Graceful shutdown
	go func() {
		log.Info("server starting", "port", cfg.Port, "env", cfg.Env)
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	if ingestor != nil {
		ingestor.Close()
	}
	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		log.Warn("server forced to shutdown", "error", err)
	}
	sweeper.Stop()
	reaper.Stop()
	stop()
	log.Info("server exited gracefully")
}

// openRepository connects to Postgres and applies migrations, falling back
// to the in-memory store when no database is reachable.
func openRepository(databaseURL string, log *slog.Logger) (service.DataRepository, func()) {
	if databaseURL == "" {
		log.Warn("DATABASE_URL not set, running with in-memory store")
		return memory.NewRepository(), func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err == nil {
		err = pool.Ping(ctx)
	}
	if err != nil {
		log.Warn("could not connect to database, running with in-memory store", "error", err)
		if pool != nil {
			pool.Close()
		}
		return memory.NewRepository(), func() {}
	}

	if err := postgres.MigrateUp(databaseURL); err != nil {
		log.Error("database migration failed", "error", err)
		pool.Close()
		os.Exit(1)
	}

	log.Info("connected to PostgreSQL")
	return postgres.NewPostgresRepository(pool), pool.Close
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
	}))
}

type Config struct {
	DatabaseURL  string
	MLServiceURL string
	Port         string
	Env          string
	MQTTBroker   string
	MQTTTopic    string
	TuningFile   string
	LogLevel     string
}

func loadConfig() *Config {
	return &Config{
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		MLServiceURL: getEnv("ML_SERVICE_URL", ""),
		Port:         getEnv("PORT", "8080"),
		Env:          getEnv("GO_ENV", "development"),
		MQTTBroker:   getEnv("MQTT_BROKER", ""),
		MQTTTopic:    getEnv("MQTT_TOPIC", mqtt.DefaultTopic),
		TuningFile:   getEnv("TUNING_FILE", "tuning.yaml"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
