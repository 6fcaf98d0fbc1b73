package db

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var DB *pgxpool.Pool

// Connect opens the pgx pool against POSTGRES_URL. The game and match
// services share one database; POSTGRES_MAX_CONNS bounds each service's
// pool so concurrent settlements and matching passes don't starve each
// other.
func Connect() (*pgxpool.Pool, error) {
	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		return nil, fmt.Errorf("POSTGRES_URL is not set")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid POSTGRES_URL: %w", err)
	}
	if raw := os.Getenv("POSTGRES_MAX_CONNS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid POSTGRES_MAX_CONNS %q", raw)
		}
		cfg.MaxConns = int32(n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	DB = pool
	return pool, nil
}

// ClosePool is for graceful shutdown.
func ClosePool() {
	if DB != nil {
		DB.Close()
	}
}
