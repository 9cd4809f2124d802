package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/secureyeoman/ai-gateway/internal/domain"
)

func testListing() Listing {
	return Listing{
		"ollama": []domain.ModelInfo{
			{ID: "llama3.2", Size: 2019393189},
			{ID: "qwen2.5-coder", Size: 4683087332},
		},
		"lmstudio": []domain.ModelInfo{
			{ID: "local-model"},
		},
	}
}

func TestInMemoryCacheSetAndGet(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	want := testListing()
	if err := c.Set(ctx, "key1", want, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := c.Get(ctx, "key1")
	if !ok {
		t.Fatal("expected cache hit")
	}

	if len(got) != len(want) {
		t.Fatalf("expected %d providers, got %d", len(want), len(got))
	}
	if len(got["ollama"]) != 2 || got["ollama"][0].ID != "llama3.2" {
		t.Errorf("unexpected ollama listing: %+v", got["ollama"])
	}
}

func TestInMemoryCacheMiss(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	_, ok := c.Get(ctx, "nonexistent")
	if ok {
		t.Error("expected cache miss")
	}
}

func TestInMemoryCacheExpiration(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	if err := c.Set(ctx, "key1", testListing(), 50*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, ok := c.Get(ctx, "key1")
	if !ok {
		t.Fatal("expected cache hit before expiration")
	}

	time.Sleep(60 * time.Millisecond)

	_, ok = c.Get(ctx, "key1")
	if ok {
		t.Error("expected cache miss after expiration")
	}
}

func TestInMemoryCacheOverwrite(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	first := Listing{"ollama": {{ID: "llama3.2"}}}
	second := Listing{"ollama": {{ID: "mistral-nemo"}}}

	c.Set(ctx, "key", first, time.Minute)
	c.Set(ctx, "key", second, time.Minute)

	got, ok := c.Get(ctx, "key")
	if !ok {
		t.Fatal("expected cache hit")
	}

	if got["ollama"][0].ID != "mistral-nemo" {
		t.Errorf("expected overwritten listing, got %s", got["ollama"][0].ID)
	}
}

func TestInMemoryCacheConcurrentAccess(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	done := make(chan bool)

	go func() {
		for i := 0; i < 1000; i++ {
			c.Set(ctx, "concurrent-key", testListing(), time.Minute)
		}
		done <- true
	}()

	go func() {
		for i := 0; i < 1000; i++ {
			c.Get(ctx, "concurrent-key")
		}
		done <- true
	}()

	<-done
	<-done
}

func TestListingKeyDeterministic(t *testing.T) {
	providers := []string{"anthropic", "ollama", "openai"}

	key1 := ListingKey(providers)
	key2 := ListingKey(providers)

	if key1 != key2 {
		t.Error("expected same key for same providers")
	}
}

func TestListingKeyOrderIndependent(t *testing.T) {
	key1 := ListingKey([]string{"anthropic", "ollama", "openai"})
	key2 := ListingKey([]string{"openai", "anthropic", "ollama"})

	if key1 != key2 {
		t.Error("expected same key regardless of provider order")
	}
}

func TestListingKeyDifferentProviderSets(t *testing.T) {
	key1 := ListingKey([]string{"anthropic", "openai"})
	key2 := ListingKey([]string{"anthropic", "openai", "ollama"})

	if key1 == key2 {
		t.Error("different provider sets should produce different keys")
	}
}

func TestListingKeyLeavesInputUnsorted(t *testing.T) {
	providers := []string{"openai", "anthropic"}

	ListingKey(providers)

	if providers[0] != "openai" || providers[1] != "anthropic" {
		t.Errorf("input slice was reordered: %v", providers)
	}
}

func TestListingKeyHasPrefix(t *testing.T) {
	key := ListingKey([]string{"ollama"})

	const prefix = "ai:models:"
	if len(key) < len(prefix) || key[:len(prefix)] != prefix {
		t.Errorf("key should have %q prefix, got %s", prefix, key)
	}
}

func TestInMemoryCacheMultipleKeys(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	for i := 0; i < 26; i++ {
		key := fmt.Sprintf("key-%d", i)
		listing := Listing{"ollama": {{ID: fmt.Sprintf("model-%d", i)}}}
		c.Set(ctx, key, listing, time.Minute)
	}

	for i := 0; i < 26; i++ {
		key := fmt.Sprintf("key-%d", i)
		got, ok := c.Get(ctx, key)
		if !ok {
			t.Fatalf("expected cache hit for key %s", key)
		}
		want := fmt.Sprintf("model-%d", i)
		if got["ollama"][0].ID != want {
			t.Errorf("key %s: expected %s, got %s", key, want, got["ollama"][0].ID)
		}
	}
}
