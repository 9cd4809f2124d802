//go:build integration

package repository_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/secureyeoman/ai-gateway/internal/domain"
	"github.com/secureyeoman/ai-gateway/internal/repository"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	if err := repository.InitSchema(context.Background(), db); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	return db
}

func TestPostgresPersonalityStore_CRUD(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	store := repository.NewPostgresPersonalityStore(db)
	ctx := context.Background()

	id := "test-personality-" + time.Now().Format("20060102150405")
	p := &domain.Personality{
		ID:   id,
		Name: "Test Personality",
		Fallbacks: []domain.FallbackEntry{
			{Provider: "anthropic", Model: "claude-sonnet-4-5"},
			{Provider: "ollama", Model: "llama3:latest"},
		},
	}

	if err := store.Save(ctx, p); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	defer store.Delete(ctx, id)

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.Fallbacks) != 2 {
		t.Fatalf("expected 2 fallbacks, got %d", len(got.Fallbacks))
	}
	if got.Fallbacks[1].Model != "llama3:latest" {
		t.Errorf("expected llama3:latest, got %s", got.Fallbacks[1].Model)
	}

	newChain := []domain.FallbackEntry{{Provider: "deepseek", Model: "deepseek-chat"}}
	if err := store.SetFallbacks(ctx, id, newChain); err != nil {
		t.Fatalf("SetFallbacks failed: %v", err)
	}

	got, err = store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get after SetFallbacks failed: %v", err)
	}
	if len(got.Fallbacks) != 1 || got.Fallbacks[0].Provider != "deepseek" {
		t.Errorf("fallbacks not replaced: %+v", got.Fallbacks)
	}

	personalities, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	found := false
	for _, item := range personalities {
		if item.ID == id {
			found = true
			break
		}
	}
	if !found {
		t.Error("personality not found in list")
	}

	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := store.Get(ctx, id); err != domain.ErrPersonalityNotFound {
		t.Errorf("expected ErrPersonalityNotFound after delete, got %v", err)
	}
}

func TestPostgresDefaultModelStore_RoundTrip(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	store := repository.NewPostgresDefaultModelStore(db)
	ctx := context.Background()

	cfg := domain.ModelConfig{
		Provider:       "openai",
		Model:          "gpt-4o",
		APIKeyEnv:      "OPENAI_API_KEY",
		MaxTokens:      2048,
		Temperature:    0.7,
		RequestTimeout: 30 * time.Second,
		MaxRetries:     3,
		RetryDelay:     time.Second,
	}

	if err := store.Set(ctx, cfg); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	defer store.Clear(ctx)

	got, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Provider != "openai" || got.Model != "gpt-4o" {
		t.Errorf("got %s/%s, want openai/gpt-4o", got.Provider, got.Model)
	}
	if got.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want 30s", got.RequestTimeout)
	}
	if got.RetryDelay != time.Second {
		t.Errorf("RetryDelay = %v, want 1s", got.RetryDelay)
	}
}
