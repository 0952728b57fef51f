// Command migrate applies or rolls back the event_log schema migrations.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"

	"DscEngine/internal/persistence"
)

const usage = `Usage: migrate <up|down>

  up    apply all pending migrations
  down  roll back the last applied migration

Environment:
  DSC_POSTGRES_DSN    Postgres connection string
  DSC_MIGRATIONS_DIR  migrations directory (default: migrations)
`

func main() {
	if len(os.Args) != 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err := run(os.Args[1]); err != nil {
		log.Fatalf("FATAL: migrate %s: %v", os.Args[1], err)
	}
}

func run(command string) error {
	dsn := envOr("DSC_POSTGRES_DSN", "postgres://localhost:5432/dscengine?sslmode=disable")
	dir := envOr("DSC_MIGRATIONS_DIR", "migrations")

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, dir)

	switch command {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			return err
		}
		log.Println("INFO: all migrations applied")
		return nil
	case "down":
		if err := migrator.Down(ctx); err != nil {
			return err
		}
		log.Println("INFO: last migration rolled back")
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
		return nil
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
