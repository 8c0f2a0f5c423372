package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/trivia/go/internal/config"
	"github.com/mcdev12/trivia/go/internal/trivia/ledger"
	statedb "github.com/mcdev12/trivia/go/internal/trivia/store/db"
)

func main() {
	ctx := context.Background()

	// 1) Connect using the shared configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	// 2) Apply every schema; each one is idempotent
	schemas := []struct {
		name string
		sql  string
	}{
		{"state", statedb.Schema},
		{"ledger", ledger.Schema},
	}

	var applied, errs int
	for _, s := range schemas {
		if _, err := pool.Exec(ctx, s.sql); err != nil {
			fmt.Fprintf(os.Stderr, "error applying %s schema: %v\n", s.name, err)
			errs++
			continue
		}
		applied++
	}

	// 3) Print summary
	fmt.Printf("Migration complete: %d applied, %d errors\n", applied, errs)
	if errs > 0 {
		os.Exit(1)
	}
}
