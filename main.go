package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"go.uber.org/zap"

	"github.com/shelfsight/insight-engine/pkg/auth"
	"github.com/shelfsight/insight-engine/pkg/config"
	"github.com/shelfsight/insight-engine/pkg/database"
	"github.com/shelfsight/insight-engine/pkg/handlers"
	"github.com/shelfsight/insight-engine/pkg/locks"
	"github.com/shelfsight/insight-engine/pkg/logging"
	"github.com/shelfsight/insight-engine/pkg/middleware"
	"github.com/shelfsight/insight-engine/pkg/repositories"
	"github.com/shelfsight/insight-engine/pkg/services"
	"github.com/shelfsight/insight-engine/pkg/taxonomy"
)

// Version is set at build time via ldflags
var Version = "dev"

// taxonomyCacheTTL bounds how long resolved taxonomy nodes are served from
// cache before re-validation.
const taxonomyCacheTTL = time.Hour

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.ConnectionString())),
		zap.String("redis_host", cfg.Redis.Host))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := migrate(cfg, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	locker := newLocker(cfg, logger)

	resolver, err := taxonomy.NewResolver(&cfg.Taxonomy, taxonomyCacheTTL)
	if err != nil {
		logger.Fatal("Failed to create taxonomy resolver", zap.Error(err))
	}

	// Repositories
	predictionRepo := repositories.NewPredictionRepository(db)
	insightRepo := repositories.NewInsightRepository(db)
	voteRepo := repositories.NewVoteRepository(db)

	// Services
	registry := services.NewGeneratorRegistry(resolver)
	reconciler := services.NewReconciler(registry)
	notifier := services.NewNotifier(cfg.Writeback, logger)
	importService := services.NewImportService(predictionRepo, insightRepo, locker, registry, reconciler, cfg.Import, logger)
	annotationService := services.NewAnnotationService(insightRepo, voteRepo, notifier, cfg.Voting, logger)
	questionService := services.NewQuestionService(insightRepo, cfg.Questions, cfg.Voting, logger)
	applierService := services.NewApplierService(insightRepo, notifier, cfg.Applier, logger)

	if cfg.Applier.Enabled {
		go applierService.Run(ctx)
	}

	// Auth
	authService := auth.NewAuthService(cfg.Auth, logger)
	authMiddleware := auth.NewMiddleware(authService, logger)

	mux := http.NewServeMux()

	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewPredictionHandler(importService, predictionRepo, logger).RegisterRoutes(mux, authMiddleware)
	handlers.NewInsightHandler(annotationService, insightRepo, logger).RegisterRoutes(mux, authMiddleware)
	handlers.NewQuestionHandler(questionService, logger).RegisterRoutes(mux, authMiddleware)

	server := &http.Server{
		Addr:    cfg.BindAddr + ":" + cfg.Port,
		Handler: middleware.RequestLogger(logger)(mux),
	}

	go func() {
		logger.Info("Starting insight-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" || env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// migrate applies pending schema migrations. golang-migrate needs a
// database/sql handle, separate from the pgx pool.
func migrate(cfg *config.Config, logger *zap.Logger) error {
	sqlDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	return database.RunMigrations(sqlDB, cfg.Database.MigrationsPath, logger)
}

// newLocker prefers the shared Redis lock keyspace and falls back to an
// in-process locker for single-instance deployments without Redis.
func newLocker(cfg *config.Config, logger *zap.Logger) locks.Locker {
	client, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	if client == nil {
		logger.Warn("Redis not configured, using in-process import locks")
		return locks.NewMemoryLocker()
	}
	return locks.NewRedisLocker(client)
}
