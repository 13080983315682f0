package databases

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"codetutor/internal/config"
)

// NewManager constructs database backends based on configuration.
// Supported chat backends: memory, auto, postgres.
func NewManager(ctx context.Context, cfg config.DBConfig) (Manager, error) {
	var m Manager

	switch cfg.Chat.Backend {
	case "", "memory":
		m.Chat = newMemoryChatStore()
	case "auto":
		if cfg.Chat.DSN != "" {
			if p, err := newPgPool(ctx, cfg.Chat.DSN); err == nil {
				m.Chat = NewPostgresChatStore(p)
			} else {
				m.Chat = newMemoryChatStore()
			}
		} else {
			m.Chat = newMemoryChatStore()
		}
	case "postgres", "pg":
		if cfg.Chat.DSN == "" {
			return Manager{}, fmt.Errorf("chat backend postgres requires DSN")
		}
		p, err := newPgPool(ctx, cfg.Chat.DSN)
		if err != nil {
			return Manager{}, fmt.Errorf("connect postgres (chat): %w", err)
		}
		m.Chat = NewPostgresChatStore(p)
	default:
		return Manager{}, fmt.Errorf("unsupported chat backend: %s", cfg.Chat.Backend)
	}

	if err := m.Chat.Init(ctx); err != nil {
		return Manager{}, fmt.Errorf("init chat store: %w", err)
	}
	return m, nil
}

func newPgPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 8
	cfg.MinConns = 0
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
