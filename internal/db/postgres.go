package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wuwenbin0122/aidanna/internal/utils"
)

type Postgres struct {
	Pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgres(ctx context.Context, cfg utils.PostgresConfig) (*Postgres, error) {
	dsn := cfg.BuildDSN()
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns >= 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutOrDefault(cfg.ConnectTimeout))
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	return &Postgres{Pool: pool, now: time.Now}, nil
}

func (p *Postgres) Close() {
	if p == nil || p.Pool == nil {
		return
	}
	p.Pool.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	if p == nil || p.Pool == nil {
		return fmt.Errorf("postgres: pool not initialised")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.Pool.Ping(ctx)
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if p == nil || p.Pool == nil {
		return fmt.Errorf("postgres: pool not initialised")
	}

	statements := []string{
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS profiles (",
			"    id TEXT PRIMARY KEY,",
			"    display_name TEXT NOT NULL DEFAULT '',",
			"    subscription_tier TEXT NOT NULL DEFAULT 'free',",
			"    subscription_status TEXT NOT NULL DEFAULT 'inactive',",
			"    subscription_plan TEXT NOT NULL DEFAULT '',",
			"    subscription_expires_at TIMESTAMPTZ,",
			"    last_payment_reference TEXT NOT NULL DEFAULT '',",
			"    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),",
			"    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			")",
		}, "\n"),
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS conversations (",
			"    id TEXT PRIMARY KEY,",
			"    user_id TEXT NOT NULL,",
			"    mode TEXT NOT NULL,",
			"    title TEXT NOT NULL DEFAULT '',",
			"    turn_count INTEGER NOT NULL DEFAULT 0,",
			"    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),",
			"    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			")",
		}, "\n"),
		"CREATE INDEX IF NOT EXISTS conversations_user_updated_idx ON conversations (user_id, updated_at DESC)",
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS messages (",
			"    id TEXT PRIMARY KEY,",
			"    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,",
			"    seq INTEGER NOT NULL,",
			"    role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),",
			"    content TEXT NOT NULL,",
			"    audio BYTEA,",
			"    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),",
			"    UNIQUE (conversation_id, seq)",
			")",
		}, "\n"),
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS payments (",
			"    reference TEXT PRIMARY KEY,",
			"    user_id TEXT NOT NULL,",
			"    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			")",
		}, "\n"),
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS usage_records (",
			"    user_id TEXT NOT NULL,",
			"    usage_date DATE NOT NULL,",
			"    request_count INTEGER NOT NULL DEFAULT 0,",
			"    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),",
			"    PRIMARY KEY (user_id, usage_date)",
			")",
		}, "\n"),
	}

	for _, stmt := range statements {
		if _, err := p.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}

	return nil
}

func timeoutOrDefault(value time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return 10 * time.Second
}
