package auditlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"predictgate/config"
	"predictgate/internal/storage"
)

// Result holds the audit logger and the database it writes to.
// The caller must call Close during shutdown.
type Result struct {
	Logger  LoggerInterface
	Storage storage.Storage
}

// Close flushes the logger before closing the database. Safe to call multiple times.
func (r *Result) Close() error {
	var errs []error
	if r.Logger != nil {
		if err := r.Logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("logger close: %w", err))
		}
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
		r.Storage = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}

// New opens the configured storage and starts an audit logger on it.
// With audit logging disabled it returns a NoopLogger and no storage.
func New(ctx context.Context, cfg *config.Config) (*Result, error) {
	if !cfg.Audit.Enabled {
		return &Result{Logger: &NoopLogger{}}, nil
	}

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	logStore, err := createLogStore(ctx, store, cfg.Audit.RetentionDays)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Result{
		Logger:  NewLogger(logStore, buildLoggerConfig(cfg)),
		Storage: store,
	}, nil
}

func createLogStore(ctx context.Context, store storage.Storage, retentionDays int) (LogStore, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(store.SQLiteDB(), retentionDays)
	case storage.TypePostgreSQL:
		return NewPostgreSQLStore(ctx, store.PostgreSQLPool(), retentionDays)
	case storage.TypeMongoDB:
		return NewMongoDBStore(ctx, store.MongoDatabase(), retentionDays)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}

func buildLoggerConfig(cfg *config.Config) Config {
	out := DefaultConfig()
	out.Enabled = cfg.Audit.Enabled
	out.LogBodies = cfg.Audit.LogBodies
	out.LogHeaders = cfg.Audit.LogHeaders
	out.RetentionDays = cfg.Audit.RetentionDays
	if cfg.Audit.BufferSize > 0 {
		out.BufferSize = cfg.Audit.BufferSize
	}
	if cfg.Audit.FlushInterval > 0 {
		out.FlushInterval = time.Duration(cfg.Audit.FlushInterval) * time.Second
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Endpoint != "" {
		out.SkipPaths = append(out.SkipPaths, cfg.Metrics.Endpoint)
	}
	return out
}
