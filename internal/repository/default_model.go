package repository

import (
	"context"
	"sync"

	"github.com/secureyeoman/ai-gateway/internal/domain"
)

// DefaultModelStore persists the model the gateway starts on, so a runtime
// switch saved as default survives a restart.
type DefaultModelStore interface {
	Get(ctx context.Context) (*domain.ModelConfig, error)
	Set(ctx context.Context, cfg domain.ModelConfig) error
	Clear(ctx context.Context) error
}

type InMemoryDefaultModelStore struct {
	mu  sync.RWMutex
	cfg *domain.ModelConfig
}

func NewInMemoryDefaultModelStore() *InMemoryDefaultModelStore {
	return &InMemoryDefaultModelStore{}
}

func (s *InMemoryDefaultModelStore) Get(_ context.Context) (*domain.ModelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cfg == nil {
		return nil, domain.ErrDefaultModelNotSet
	}
	cfg := *s.cfg
	return &cfg, nil
}

func (s *InMemoryDefaultModelStore) Set(_ context.Context, cfg domain.ModelConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = &cfg
	return nil
}

func (s *InMemoryDefaultModelStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = nil
	return nil
}
