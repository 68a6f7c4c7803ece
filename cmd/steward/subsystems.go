package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Mindburn-Labs/steward/pkg/audit"
	"github.com/Mindburn-Labs/steward/pkg/config"
	"github.com/Mindburn-Labs/steward/pkg/database"
	"github.com/Mindburn-Labs/steward/pkg/dedup"
	"github.com/Mindburn-Labs/steward/pkg/store/items"
)

// stack is the storage every command shares: the item store, the dedup
// filter in front of it and the audit log.
type stack struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *database.DB
	items   items.Store
	dedup   dedup.Store
	sink    *audit.FileSink
	audit   *audit.Logger
	closers []func() error
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// openStack connects the configured backends. Callers must Close it.
func openStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (st *stack, err error) {
	st = &stack{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			st.Close()
		}
	}()

	switch cfg.ItemStore {
	case config.StoreSQLite, config.StorePostgres:
		dbCfg := database.Config{SQLitePath: cfg.SQLitePath()}
		if cfg.ItemStore == config.StorePostgres {
			dbCfg = database.Config{URL: cfg.DatabaseURL, MaxOpenConns: 10}
		}
		st.db, err = database.Open(ctx, dbCfg)
		if err != nil {
			return st, err
		}
		st.closers = append(st.closers, st.db.Close)
		sqlItems := items.NewSQLStore(st.db.DB)
		if err := sqlItems.Init(ctx); err != nil {
			return st, fmt.Errorf("failed to init item store: %w", err)
		}
		st.items = sqlItems
		logger.InfoContext(ctx, "item store ready", "backend", cfg.ItemStore, "driver", st.db.Driver)
	case config.StoreFile:
		fs, err := items.OpenFileStore(cfg.ItemsDir())
		if err != nil {
			return st, fmt.Errorf("failed to open item store: %w", err)
		}
		st.items = fs
		logger.InfoContext(ctx, "item store ready", "backend", cfg.ItemStore, "dir", cfg.ItemsDir())
	case config.StoreMemory:
		st.items = items.NewMemoryStore()
		logger.WarnContext(ctx, "item store is in memory; items do not survive a restart")
	default:
		return st, fmt.Errorf("unknown item store %q", cfg.ItemStore)
	}

	var filter dedup.Store
	switch cfg.Dedup {
	case config.DedupSQL:
		if st.db == nil {
			return st, fmt.Errorf("sql dedup requires a sql item store")
		}
		sqlDedup := dedup.NewSQLStore(st.db.DB)
		if err := sqlDedup.Init(ctx); err != nil {
			return st, fmt.Errorf("failed to init dedup store: %w", err)
		}
		filter = sqlDedup
	case config.DedupRedis:
		rd := dedup.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		st.closers = append(st.closers, rd.Close)
		if err := rd.Ping(ctx); err != nil {
			return st, fmt.Errorf("failed to reach redis: %w", err)
		}
		filter = rd
	case config.DedupMemory:
		filter = dedup.NewMemoryStore()
	default:
		return st, fmt.Errorf("unknown dedup backend %q", cfg.Dedup)
	}
	st.dedup = dedup.NewFailClosed(filter)

	st.sink, err = audit.OpenFileSink(cfg.Audit.Dir)
	if err != nil {
		return st, fmt.Errorf("failed to open audit log: %w", err)
	}
	st.closers = append(st.closers, st.sink.Close)
	st.audit = audit.NewLogger(st.sink, audit.WithFallback(logger))
	return st, nil
}

// Close releases backends in reverse order of opening.
func (st *stack) Close() {
	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i](); err != nil {
			st.logger.Warn("close failed", "error", err)
		}
	}
	st.closers = nil
}

func loadConfig(stderr io.Writer) (*config.Config, *slog.Logger, bool) {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, nil, false
	}
	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)
	return cfg, logger, true
}
