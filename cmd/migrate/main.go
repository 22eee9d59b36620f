package main

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agendapos/agendapos/internal/config"
	"github.com/agendapos/agendapos/internal/logger"
	"github.com/agendapos/agendapos/internal/postgres"
	"github.com/joho/godotenv"
)

// Applies the SQL files under migrations/ in lexical order, tracking applied
// versions in schema_migrations.
func main() {
	_ = godotenv.Load()

	cfg, err := config.NewConfig()
	if err != nil {
		panic(err)
	}
	log, err := logger.NewLogger(cfg)
	if err != nil {
		panic(err)
	}

	db, err := postgres.NewDB(cfg, log)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		log.Fatalf("failed to prepare migration table: %v", err)
	}

	dir := "migrations"
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Fatalf("failed to read migrations directory: %v", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var applied bool
		err := db.GetContext(ctx, &applied,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, name)
		if err != nil {
			log.Fatalf("failed to check migration %s: %v", name, err)
		}
		if applied {
			continue
		}

		sql, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Fatalf("failed to read migration %s: %v", name, err)
		}

		log.Infow("applying migration", "version", name)
		if _, err := db.ExecContext(ctx, string(sql)); err != nil {
			log.Fatalf("migration %s failed: %v", name, err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
			log.Fatalf("failed to record migration %s: %v", name, err)
		}
	}

	log.Info("migrations up to date")
}
