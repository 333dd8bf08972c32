package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"

	"github.com/athlex/market-engine/internal/config"
	"github.com/athlex/market-engine/internal/store"
)

// Usage: migrate [up|down|status]. Defaults to up.
func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Error("Failed to ping database", "error", err)
		os.Exit(1)
	}

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	ctx := context.Background()
	switch cmd {
	case "up":
		logger.Info("Running database migrations...")
		err = store.Migrate(ctx, db)
	case "down":
		logger.Info("Rolling back the latest migration...")
		err = store.Rollback(ctx, db)
	case "status":
		err = store.MigrationStatus(ctx, db)
	default:
		logger.Error("Unknown command", "command", cmd)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("Migration failed", "command", cmd, "error", err)
		os.Exit(1)
	}

	logger.Info("Migrations completed successfully", "command", cmd)
}
