// Package store records document snapshots and finished generations in Postgres
// for diagnostics. Documents themselves are never reloaded from here.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	db *sql.DB
}

// Open connects to databaseURL, checks the connection and applies migrations.
func Open(ctx context.Context, databaseURL string, migrations fs.FS) (*PostgresStore, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := ApplyMigrations(ctx, db, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return NewPostgresStore(db), nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snapshot Snapshot) (Snapshot, error) {
	if snapshot.CapturedAt.IsZero() {
		snapshot.CapturedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO document_snapshots (
			document_id, version, snapshot_version, step_count, client_count,
			document_bytes, active_generation, archive_commit, captured_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
		RETURNING id
	`,
		snapshot.DocumentID,
		snapshot.Version,
		snapshot.SnapshotVersion,
		snapshot.StepCount,
		snapshot.ClientCount,
		snapshot.DocumentBytes,
		snapshot.ActiveGeneration,
		snapshot.ArchiveCommit,
		snapshot.CapturedAt,
	).Scan(&snapshot.ID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("insert snapshot for %s: %w", snapshot.DocumentID, err)
	}
	return snapshot, nil
}

// ListSnapshots returns the most recent snapshots of a document, newest first.
func (s *PostgresStore) ListSnapshots(ctx context.Context, documentID string, limit int) ([]Snapshot, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, version, snapshot_version, step_count, client_count,
		       document_bytes, COALESCE(active_generation, ''), COALESCE(archive_commit, ''), captured_at
		FROM document_snapshots
		WHERE document_id = $1
		ORDER BY captured_at DESC, id DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	items := make([]Snapshot, 0)
	for rows.Next() {
		var item Snapshot
		if err := rows.Scan(
			&item.ID,
			&item.DocumentID,
			&item.Version,
			&item.SnapshotVersion,
			&item.StepCount,
			&item.ClientCount,
			&item.DocumentBytes,
			&item.ActiveGeneration,
			&item.ArchiveCommit,
			&item.CapturedAt,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return items, nil
}

// RecordGeneration stores a finished generation. Recording the same run twice
// keeps the latest values.
func (s *PostgresStore) RecordGeneration(ctx context.Context, run GenerationRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generation_runs (
			id, document_id, requester_id, status, reason, batch_count, step_count, started_at, finished_at
		)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			batch_count = EXCLUDED.batch_count,
			step_count = EXCLUDED.step_count,
			finished_at = EXCLUDED.finished_at
	`,
		run.ID,
		run.DocumentID,
		run.RequesterID,
		run.Status,
		run.Reason,
		run.BatchCount,
		run.StepCount,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record generation %s: %w", run.ID, err)
	}
	return nil
}

// ListGenerations returns finished generations of a document, newest first.
func (s *PostgresStore) ListGenerations(ctx context.Context, documentID string, limit int) ([]GenerationRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, COALESCE(requester_id, ''), status, COALESCE(reason, ''),
		       batch_count, step_count, started_at, finished_at
		FROM generation_runs
		WHERE document_id = $1
		ORDER BY finished_at DESC, id
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	items := make([]GenerationRun, 0)
	for rows.Next() {
		var item GenerationRun
		var startedAt sql.NullTime
		if err := rows.Scan(
			&item.ID,
			&item.DocumentID,
			&item.RequesterID,
			&item.Status,
			&item.Reason,
			&item.BatchCount,
			&item.StepCount,
			&startedAt,
			&item.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		if startedAt.Valid {
			t := startedAt.Time
			item.StartedAt = &t
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generations: %w", err)
	}
	return items, nil
}
