package genstatus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"tandem/api/internal/generation"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func sampleGeneration(id string, status generation.Status) generation.Generation {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return generation.Generation{
		ID:          id,
		DocumentID:  "doc-1",
		Instruction: "summarise",
		Status:      status,
		BatchCount:  4,
		StepCount:   9,
		Version:     12,
		CreatedAt:   started,
		StartedAt:   &started,
	}
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url"); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestSaveAndLookupGeneration(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.Save(ctx, sampleGeneration("gen-1", generation.StatusRunning), time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save(ctx, sampleGeneration("gen-1", generation.StatusCompleted), time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	gen, err := store.Lookup(ctx, "gen-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if gen.Status != generation.StatusCompleted || gen.StepCount != 9 || gen.StartedAt == nil {
		t.Errorf("unexpected generation: %+v", gen)
	}
}

func TestLookupExpiredGeneration(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.Save(ctx, sampleGeneration("gen-2", generation.StatusFailed), time.Second); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.FastForward(2 * time.Second)

	if _, err := store.Lookup(ctx, "gen-2"); !errors.Is(err, generation.ErrGenerationNotFound) {
		t.Errorf("expected ErrGenerationNotFound, got %v", err)
	}
}

func TestLookupReportsRedisFailure(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	s.Close()

	_, err := store.Lookup(context.Background(), "gen-3")
	if err == nil || errors.Is(err, generation.ErrGenerationNotFound) {
		t.Errorf("expected connection error, got %v", err)
	}
}

func TestMemoryStoreExpires(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Save(ctx, sampleGeneration("gen-4", generation.StatusCancelled), time.Minute); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if gen, err := store.Lookup(ctx, "gen-4"); err != nil || gen.Status != generation.StatusCancelled {
		t.Fatalf("Lookup = %+v, %v", gen, err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := store.Lookup(ctx, "gen-4"); !errors.Is(err, generation.ErrGenerationNotFound) {
		t.Errorf("expected ErrGenerationNotFound after expiry, got %v", err)
	}
}
