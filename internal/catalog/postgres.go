package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool          *pgxpool.Pool
	cfg           CatalogConfig
	log           *slog.Logger
	mu            sync.RWMutex
	snapshotCache map[string]int64 // cache snapshot IDs
}

// NewPostgresWriter creates a new PostgreSQL catalog writer.
func NewPostgresWriter(cfg CatalogConfig) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{
		pool:          pool,
		cfg:           cfg,
		log:           slog.With("component", "catalog"),
		snapshotCache: make(map[string]int64),
	}

	if err := w.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w.log.Info("connected to PostgreSQL catalog", "namespace", cfg.Namespace)
	return w, nil
}

// initSchema creates the _meta_* tables if they don't exist.
func (w *PostgresWriter) initSchema(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// RecordSnapshot registers a snapshot, or refreshes it when the dispatcher
// resumes one it already recorded.
func (w *PostgresWriter) RecordSnapshot(ctx context.Context, rec SnapshotRecord) error {
	query := `
		INSERT INTO _meta_snapshots (namespace, path, num_sources, compression, producer_version, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (namespace, path)
		DO UPDATE SET updated_at = NOW()
		RETURNING id
	`

	var id int64
	err := w.pool.QueryRow(ctx, query,
		w.cfg.Namespace,
		rec.Path,
		rec.NumSources,
		rec.Compression,
		rec.ProducerVersion,
		rec.StartedAt,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}

	w.mu.Lock()
	w.snapshotCache[rec.Path] = id
	w.mu.Unlock()
	return nil
}

func (w *PostgresWriter) snapshotID(ctx context.Context, path string) (int64, error) {
	w.mu.RLock()
	if id, ok := w.snapshotCache[path]; ok {
		w.mu.RUnlock()
		return id, nil
	}
	w.mu.RUnlock()

	var id int64
	err := w.pool.QueryRow(ctx,
		`SELECT id FROM _meta_snapshots WHERE namespace = $1 AND path = $2`,
		w.cfg.Namespace, path,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("snapshot %s is not in the catalog", path)
		}
		return 0, fmt.Errorf("lookup snapshot: %w", err)
	}

	w.mu.Lock()
	w.snapshotCache[path] = id
	w.mu.Unlock()
	return id, nil
}

// RecordStream records the owner of a stream.
func (w *PostgresWriter) RecordStream(ctx context.Context, rec StreamRecord) error {
	id, err := w.snapshotID(ctx, rec.Path)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO _meta_streams (snapshot_id, stream_index, owner_worker)
		VALUES ($1, $2, $3)
		ON CONFLICT (snapshot_id, stream_index)
		DO UPDATE SET
			owner_worker = EXCLUDED.owner_worker,
			reassignments = _meta_streams.reassignments + CASE WHEN $4 THEN 1 ELSE 0 END,
			updated_at = NOW()
	`
	if _, err := w.pool.Exec(ctx, query, id, rec.Stream, rec.Worker, rec.Reassigned); err != nil {
		return fmt.Errorf("record stream: %w", err)
	}
	return nil
}

// RecordStatus updates a snapshot or stream state.
func (w *PostgresWriter) RecordStatus(ctx context.Context, rec StatusRecord) error {
	id, err := w.snapshotID(ctx, rec.Path)
	if err != nil {
		return err
	}

	var reason *string
	if rec.Reason != "" {
		reason = &rec.Reason
	}

	if rec.Stream >= 0 {
		_, err = w.pool.Exec(ctx,
			`UPDATE _meta_streams SET status = $3, updated_at = NOW() WHERE snapshot_id = $1 AND stream_index = $2`,
			id, rec.Stream, rec.Status,
		)
	} else {
		_, err = w.pool.Exec(ctx,
			`UPDATE _meta_snapshots SET status = $2, error_message = $3, updated_at = NOW() WHERE id = $1`,
			id, rec.Status, reason,
		)
	}
	if err != nil {
		return fmt.Errorf("record status: %w", err)
	}

	w.log.Info("recorded status", "snapshot", rec.Path, "stream", rec.Stream, "status", rec.Status)
	return nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}
