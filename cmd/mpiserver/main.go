package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthlink/mpi/internal/algorithm"
	"github.com/healthlink/mpi/internal/api"
	"github.com/healthlink/mpi/internal/config"
	"github.com/healthlink/mpi/internal/migrate"
	"github.com/healthlink/mpi/internal/mpi"
	"github.com/healthlink/mpi/internal/tuning"
)

func main() {
	log.Println("Starting MPI linkage service...")

	cfg := loadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to parse database URL: %v", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	migrationsDir := os.Getenv("MPI_MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}
	applied, err := migrate.NewMigrator(pool, migrationsDir).Up(ctx)
	if err != nil {
		log.Fatalf("Failed to apply migrations: %v", err)
	}
	if applied > 0 {
		log.Printf("Applied %d migration(s)", applied)
	}

	mpiStore := mpi.NewStore(pool, cfg.Database.AllowReset)
	algoStore := algorithm.NewStore(pool)

	if cfg.Algorithm.SeedFile != "" {
		if err := algoStore.SeedFromFile(ctx, cfg.Algorithm.SeedFile); err != nil {
			log.Fatalf("Failed to seed algorithms: %v", err)
		}
	}

	repo := tuning.NewRepository(pool)
	supervisor := tuning.NewSupervisor(repo, repo, cfg.Tuning.JobTimeout)

	server := api.NewServer(cfg, mpiStore, algoStore, supervisor)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("MPI linkage API listening on port %d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down MPI linkage service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("MPI linkage service stopped")
}

func loadConfig() *config.Config {
	configPath := os.Getenv("MPI_CONFIG")
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			log.Printf("Failed to load config from %s: %v, using defaults", configPath, err)
			return config.LoadFromEnv()
		}
		return cfg
	}
	return config.LoadFromEnv()
}
