package store

import (
	"context"
	"database/sql"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"
)

func openTestDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TANDEM_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TANDEM_TEST_DATABASE_URL is not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	return db, ctx
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db, ctx := openTestDB(t)

	if err := ApplyMigrations(ctx, db, Migrations()); err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}
	if err := ApplyMigrations(ctx, db, Migrations()); err != nil {
		t.Fatalf("re-apply is not a no-op: %v", err)
	}
	if err := applyDownMigrations(ctx, db, Migrations()); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db, Migrations()); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
}

func TestSnapshotsAndGenerationRunsPostgres(t *testing.T) {
	db, ctx := openTestDB(t)
	if err := ApplyMigrations(ctx, db, Migrations()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	s := NewPostgresStore(db)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := s.InsertSnapshot(ctx, Snapshot{
			DocumentID:  "doc-1",
			Version:     10 * i,
			StepCount:   10 * i,
			ClientCount: 2,
			CapturedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("insert snapshot %d: %v", i, err)
		}
	}
	if _, err := s.InsertSnapshot(ctx, Snapshot{DocumentID: "doc-2", Version: 1, CapturedAt: base}); err != nil {
		t.Fatalf("insert other snapshot: %v", err)
	}

	snapshots, err := s.ListSnapshots(ctx, "doc-1", 2)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snapshots) != 2 || snapshots[0].Version != 20 || snapshots[1].Version != 10 {
		t.Fatalf("unexpected snapshots: %+v", snapshots)
	}

	run := GenerationRun{
		ID:         "gen-1",
		DocumentID: "doc-1",
		Status:     "running",
		FinishedAt: base,
	}
	if err := s.RecordGeneration(ctx, run); err == nil {
		t.Fatal("expected non-terminal status to violate the check constraint")
	}
	run.Status = "cancelled"
	run.Reason = "timeout"
	run.BatchCount = 3
	if err := s.RecordGeneration(ctx, run); err != nil {
		t.Fatalf("record generation: %v", err)
	}
	run.BatchCount = 4
	if err := s.RecordGeneration(ctx, run); err != nil {
		t.Fatalf("re-record generation: %v", err)
	}

	runs, err := s.ListGenerations(ctx, "doc-1", 10)
	if err != nil {
		t.Fatalf("list generations: %v", err)
	}
	if len(runs) != 1 || runs[0].BatchCount != 4 || runs[0].Reason != "timeout" || runs[0].StartedAt != nil {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func applyDownMigrations(ctx context.Context, db *sql.DB, migrations fs.FS) error {
	entries, err := fs.ReadDir(migrations, ".")
	if err != nil {
		return err
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.down\.sql$`)
	var downs []string
	for _, entry := range entries {
		if !entry.IsDir() && pattern.MatchString(entry.Name()) {
			downs = append(downs, entry.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(downs)))

	for _, name := range downs {
		sqlBytes, err := fs.ReadFile(migrations, name)
		if err != nil {
			return err
		}
		sqlText := strings.TrimSpace(string(sqlBytes))
		if sqlText == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, sqlText); err != nil {
			return err
		}
	}
	return nil
}
