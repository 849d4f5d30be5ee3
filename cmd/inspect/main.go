package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"entitlements/internal/config"
	"entitlements/internal/infrastructure/postgres"
)

func main() {
	sweep := flag.Bool("sweep", false, "delete expired idempotency keys")
	limit := flag.Int("limit", 10, "rows to print per section")
	flag.Parse()

	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewClient(ctx, postgres.Config{DSN: cfg.PostgresDSN(), MaxConns: 2})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	if *sweep {
		n, err := postgres.NewIdempotencyRepository(pool).DeleteExpired(ctx)
		if err != nil {
			fmt.Printf("Sweep failed: %v\n", err)
		} else {
			fmt.Printf("Deleted %d expired idempotency keys\n", n)
		}
	}

	fmt.Println("--- Processed events ---")
	events, err := postgres.NewInboxRepository(pool).ListRecent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "List processed events: %v\n", err)
		os.Exit(1)
	}
	for _, e := range events {
		fmt.Printf("ID: %s | Type: %s | Actor: %s | Processed: %s\n",
			e.EventID, e.EventType, e.ActorID, e.ProcessedAt.Format(time.RFC3339))
	}

	fmt.Println("\n--- Pending dead letters ---")
	dead, err := postgres.NewDeadLetterRepository(pool).ListPending(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "List dead letters: %v\n", err)
		os.Exit(1)
	}
	for _, r := range dead {
		fmt.Printf("ID: %s | Type: %s | Attempts: %d | Last failure: %s | Error: %s\n",
			r.EventID, r.EventType, r.AttemptCount, r.LastFailedAt.Format(time.RFC3339), r.LastError)
	}
}
