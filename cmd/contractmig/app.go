package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"contractregistry/internal/blob"
	"contractregistry/internal/config"
	"contractregistry/internal/history"
	"contractregistry/internal/infra/persistence/postgres"
	"contractregistry/internal/infra/persistence/sqlite"
	"contractregistry/internal/migration"
	"contractregistry/internal/observability"
	"contractregistry/internal/snapshot"
)

// app holds the wired service and everything that must be closed with it.
type app struct {
	service *migration.Service
	metrics *observability.PrometheusRecorder
	logger  *slog.Logger
	closers []io.Closer
}

// openApp builds the snapshot store, history log and observability stack named by cfg.
func openApp(ctx context.Context, cfg config.Config, logOut io.Writer) (_ *app, err error) {
	logger, err := observability.NewLogger(logOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	a := &app{logger: logger, metrics: observability.NewPrometheusRecorder()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	var liteDB, pgDB *sql.DB
	if cfg.UsesSQLite() {
		liteDB, err = sqlite.Open(ctx, cfg.SQLite.Path, sqlite.WithBusyTimeout(cfg.SQLite.BusyTimeoutMS))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, liteDB)
	}
	if cfg.UsesPostgres() {
		pgDB, err = postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pgDB)
	}

	var snapshots migration.SnapshotStore
	switch cfg.Snapshot.Driver {
	case "sqlite":
		snapshots = snapshot.NewSQLStore(liteDB, sqlite.Dialect)
	case "postgres":
		snapshots = snapshot.NewSQLStore(pgDB, postgres.Dialect)
	default:
		blobs, err := blob.Open(ctx, blob.Config{
			Driver: blob.Driver(cfg.Blob.Driver),
			FSRoot: cfg.Blob.FSRoot,
			S3: blob.S3Config{
				Bucket:          cfg.Blob.S3.Bucket,
				Region:          cfg.Blob.S3.Region,
				Endpoint:        cfg.Blob.S3.Endpoint,
				PathStyle:       cfg.Blob.S3.PathStyle,
				AccessKeyID:     cfg.Blob.S3.AccessKeyID,
				SecretAccessKey: cfg.Blob.S3.SecretAccessKey,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("open blob store: %w", err)
		}
		snapshots = snapshot.NewBlobStore(blobs)
	}

	var log migration.HistoryLog
	switch cfg.History.Driver {
	case "sqlite":
		log = history.NewSQLLog(liteDB, sqlite.Dialect)
	case "postgres":
		log = history.NewSQLLog(pgDB, postgres.Dialect)
	case "memory":
		log = history.NewMemoryLog()
	default:
		log = history.NewFileLog(cfg.History.Path)
	}

	opts := []migration.Option{migration.WithLogger(logger), migration.WithMetrics(a.metrics)}
	if cfg.Trace.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Trace.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create trace dir: %w", err)
		}
		f, err := os.OpenFile(cfg.Trace.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		a.closers = append(a.closers, f)
		opts = append(opts, migration.WithTracer(observability.NewJSONTracer(f)))
	}
	a.service = migration.NewService(snapshots, log, opts...)
	logger.Debug("migration engine ready",
		slog.String("snapshot_driver", cfg.Snapshot.Driver),
		slog.String("history_driver", cfg.History.Driver))
	return a, nil
}

// Close releases databases and files in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
