package repository

import (
	"context"
	"testing"

	"github.com/secureyeoman/ai-gateway/internal/domain"
)

func TestInMemoryPersonalityStore_Save(t *testing.T) {
	store := NewInMemoryPersonalityStore()
	ctx := context.Background()

	p := &domain.Personality{
		ID:   "assistant",
		Name: "Assistant",
		Fallbacks: []domain.FallbackEntry{
			{Provider: "anthropic", Model: "claude-sonnet-4-5"},
			{Provider: "ollama", Model: "llama3:latest"},
		},
	}

	if err := store.Save(ctx, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	retrieved, err := store.Get(ctx, "assistant")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retrieved.Name != "Assistant" {
		t.Errorf("expected name 'Assistant', got %s", retrieved.Name)
	}
	if len(retrieved.Fallbacks) != 2 {
		t.Fatalf("expected 2 fallbacks, got %d", len(retrieved.Fallbacks))
	}
	if retrieved.Fallbacks[0].Provider != "anthropic" {
		t.Errorf("expected first fallback 'anthropic', got %s", retrieved.Fallbacks[0].Provider)
	}
	if retrieved.CreatedAt.IsZero() || retrieved.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

func TestInMemoryPersonalityStore_GetNotFound(t *testing.T) {
	store := NewInMemoryPersonalityStore()

	_, err := store.Get(context.Background(), "missing")
	if err != domain.ErrPersonalityNotFound {
		t.Errorf("expected ErrPersonalityNotFound, got %v", err)
	}
}

func TestInMemoryPersonalityStore_SetFallbacks(t *testing.T) {
	store := NewInMemoryPersonalityStore()
	ctx := context.Background()

	if err := store.Save(ctx, &domain.Personality{ID: "coder", Name: "Coder"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fallbacks := []domain.FallbackEntry{{Provider: "deepseek", Model: "deepseek-chat"}}
	if err := store.SetFallbacks(ctx, "coder", fallbacks); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	retrieved, err := store.Get(ctx, "coder")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(retrieved.Fallbacks) != 1 || retrieved.Fallbacks[0].Model != "deepseek-chat" {
		t.Errorf("fallbacks not updated: %+v", retrieved.Fallbacks)
	}
}

func TestInMemoryPersonalityStore_SetFallbacksTooMany(t *testing.T) {
	store := NewInMemoryPersonalityStore()
	ctx := context.Background()

	if err := store.Save(ctx, &domain.Personality{ID: "coder", Name: "Coder"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fallbacks := make([]domain.FallbackEntry, domain.MaxFallbackEntries+1)
	for i := range fallbacks {
		fallbacks[i] = domain.FallbackEntry{Provider: "ollama", Model: "llama3:latest"}
	}

	if err := store.SetFallbacks(ctx, "coder", fallbacks); err != domain.ErrTooManyFallbacks {
		t.Errorf("expected ErrTooManyFallbacks, got %v", err)
	}

	// The chain must be unchanged after a rejected update.
	retrieved, err := store.Get(ctx, "coder")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(retrieved.Fallbacks) != 0 {
		t.Errorf("expected fallbacks untouched, got %d entries", len(retrieved.Fallbacks))
	}
}

func TestInMemoryPersonalityStore_SetFallbacksIncomplete(t *testing.T) {
	store := NewInMemoryPersonalityStore()
	ctx := context.Background()

	if err := store.Save(ctx, &domain.Personality{ID: "coder", Name: "Coder"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fallbacks := []domain.FallbackEntry{{Provider: "ollama"}}
	if err := store.SetFallbacks(ctx, "coder", fallbacks); err != domain.ErrInvalidRequest {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestInMemoryPersonalityStore_SaveIsolatesCaller(t *testing.T) {
	store := NewInMemoryPersonalityStore()
	ctx := context.Background()

	fallbacks := []domain.FallbackEntry{{Provider: "anthropic", Model: "claude-haiku-4-5"}}
	p := &domain.Personality{ID: "assistant", Name: "Assistant", Fallbacks: fallbacks}
	if err := store.Save(ctx, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Mutating the caller's slice must not leak into the store.
	fallbacks[0].Model = "mutated"

	retrieved, err := store.Get(ctx, "assistant")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retrieved.Fallbacks[0].Model != "claude-haiku-4-5" {
		t.Errorf("store shares caller slice: got %s", retrieved.Fallbacks[0].Model)
	}
}

func TestInMemoryPersonalityStore_Delete(t *testing.T) {
	store := NewInMemoryPersonalityStore()
	ctx := context.Background()

	if err := store.Save(ctx, &domain.Personality{ID: "assistant", Name: "Assistant"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Delete(ctx, "assistant"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.Get(ctx, "assistant"); err != domain.ErrPersonalityNotFound {
		t.Errorf("expected ErrPersonalityNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "assistant"); err != domain.ErrPersonalityNotFound {
		t.Errorf("expected ErrPersonalityNotFound on double delete, got %v", err)
	}
}
