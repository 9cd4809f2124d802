// Package repository persists gateway configuration: personalities with
// their fallback chains, and the default model selection.
package repository

import (
	"context"
	"sync"
	"time"

	"github.com/secureyeoman/ai-gateway/internal/domain"
)

type PersonalityStore interface {
	Get(ctx context.Context, id string) (*domain.Personality, error)
	List(ctx context.Context) ([]*domain.Personality, error)
	Save(ctx context.Context, personality *domain.Personality) error
	SetFallbacks(ctx context.Context, id string, fallbacks []domain.FallbackEntry) error
	Delete(ctx context.Context, id string) error
}

type InMemoryPersonalityStore struct {
	mu            sync.RWMutex
	personalities map[string]*domain.Personality
}

func NewInMemoryPersonalityStore() *InMemoryPersonalityStore {
	return &InMemoryPersonalityStore{
		personalities: make(map[string]*domain.Personality),
	}
}

func (s *InMemoryPersonalityStore) Get(_ context.Context, id string) (*domain.Personality, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.personalities[id]
	if !ok {
		return nil, domain.ErrPersonalityNotFound
	}
	return clonePersonality(p), nil
}

func (s *InMemoryPersonalityStore) List(_ context.Context) ([]*domain.Personality, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Personality, 0, len(s.personalities))
	for _, p := range s.personalities {
		out = append(out, clonePersonality(p))
	}
	return out, nil
}

func (s *InMemoryPersonalityStore) Save(_ context.Context, personality *domain.Personality) error {
	if err := domain.ValidateFallbacks(personality.Fallbacks); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := clonePersonality(personality)
	if existing, ok := s.personalities[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = time.Now()
	s.personalities[p.ID] = p
	return nil
}

func (s *InMemoryPersonalityStore) SetFallbacks(_ context.Context, id string, fallbacks []domain.FallbackEntry) error {
	if err := domain.ValidateFallbacks(fallbacks); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.personalities[id]
	if !ok {
		return domain.ErrPersonalityNotFound
	}
	p.Fallbacks = append([]domain.FallbackEntry(nil), fallbacks...)
	p.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryPersonalityStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.personalities[id]; !ok {
		return domain.ErrPersonalityNotFound
	}
	delete(s.personalities, id)
	return nil
}

func clonePersonality(p *domain.Personality) *domain.Personality {
	c := *p
	c.Fallbacks = append([]domain.FallbackEntry(nil), p.Fallbacks...)
	return &c
}
