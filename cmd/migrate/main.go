package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ab000641/air-quality-monitor/internal/config"
	"github.com/ab000641/air-quality-monitor/internal/db"
	"github.com/ab000641/air-quality-monitor/internal/migrate"
)

const usage = `usage: %s <command>
  up      apply pending schema migrations
  status  list pending migrations
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(2)
	}

	// Only storage settings matter here.
	if os.Getenv("INGEST_ENABLED") == "" {
		_ = os.Setenv("INGEST_ENABLED", "false")
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	conn, err := db.Open(cfg, slog.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "db open: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := db.Close(conn); closeErr != nil {
			slog.Error("db close", "error", closeErr)
		}
	}()

	ctx := context.Background()
	switch os.Args[1] {
	case "up":
		if err := migrate.Run(ctx, conn); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("migrations applied")
	case "status":
		pending, err := migrate.Pending(ctx, conn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			os.Exit(1)
		}
		if len(pending) == 0 {
			fmt.Println("up to date")
			return
		}
		for _, m := range pending {
			fmt.Printf("pending %s_%s\n", m.Version, m.Name)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(2)
	}
}
