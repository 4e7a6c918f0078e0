package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/CL-j-nc/xinhexin-api/internal/auth"
	"github.com/CL-j-nc/xinhexin-api/internal/cache"
	"github.com/CL-j-nc/xinhexin-api/internal/config"
	"github.com/CL-j-nc/xinhexin-api/internal/db"
	"github.com/CL-j-nc/xinhexin-api/internal/delegated"
	httpapi "github.com/CL-j-nc/xinhexin-api/internal/http"
	"github.com/CL-j-nc/xinhexin-api/internal/http/handlers"
	"github.com/CL-j-nc/xinhexin-api/internal/proposal"
	"github.com/CL-j-nc/xinhexin-api/internal/repo"
	"github.com/CL-j-nc/xinhexin-api/internal/underwriting"
	"github.com/CL-j-nc/xinhexin-api/internal/verification"
	"github.com/CL-j-nc/xinhexin-api/pkg/logger"
)

const migrationDir = "internal/db/migrations"

func main() {
	// Env vars override anything in .env.
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zlog, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	ctx := context.Background()

	zlog.Info("connecting to database", zap.String("dsn", db.RedactedDSN(cfg.DatabaseURL)))
	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		zlog.Fatal("failed to open database", zap.Error(err))
	}
	defer database.Close()

	if err := db.EnsureSchema(database, migrationDir); err != nil {
		zlog.Fatal("failed to run migrations", zap.Error(err))
	}

	codes, err := cache.Open(cache.Options{Dir: cfg.CacheDir})
	if err != nil {
		zlog.Fatal("failed to open code cache", zap.Error(err))
	}
	defer codes.Close()

	proposalRepo := repo.NewProposalRepo(database)
	decisionRepo := repo.NewDecisionRepo(database)
	authLimitRepo := repo.NewAuthLimitRepo(database)
	auditLogRepo := repo.NewAuditLogRepo(database)
	policyRepo := repo.NewPolicyRepo(database)

	jwtService := auth.NewJWTService(cfg.JWTSecret)

	proposalService := proposal.NewService(proposalRepo, decisionRepo, policyRepo, codes, zlog)
	recorder := underwriting.NewRecorder(proposalRepo, decisionRepo, authLimitRepo, codes, zlog, cfg.AuthCodeTTL, cfg.MaxAuthAttempts)
	gate := verification.NewGate(proposalRepo, decisionRepo, authLimitRepo, codes, zlog)
	delegatedService := delegated.NewService(proposalRepo, policyRepo, auditLogRepo, zlog)

	proposalHandler := handlers.NewProposalHandler(proposalService, recorder, gate, zlog)
	adminHandler := handlers.NewAdminHandler(delegatedService, zlog)
	tokenHandler := handlers.NewTokenHandler(jwtService, cfg.Env, zlog)

	router := httpapi.NewRouter(proposalHandler, adminHandler, tokenHandler, jwtService, database)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		zlog.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal("server forced to shutdown", zap.Error(err))
	}

	zlog.Info("server exited")
}
