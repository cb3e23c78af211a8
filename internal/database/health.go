package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Health pings the backing stores for the /health probe.
type Health struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
}

// NewHealth creates a Health checker.
func NewHealth(pool *pgxpool.Pool, rdb *redis.Client) *Health {
	return &Health{pool: pool, rdb: rdb}
}

// Check returns the first failing dependency.
func (h *Health) Check(ctx context.Context) error {
	if err := h.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}
