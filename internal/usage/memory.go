package usage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStorage keeps usage rows in process memory. It backs single-node
// deployments and tests; history does not survive a restart.
type MemoryStorage struct {
	mu      sync.Mutex
	records map[Key]*Record
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{records: make(map[Key]*Record)}
}

func (s *MemoryStorage) Add(_ context.Context, key Key, delta Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		r = &Record{Key: key}
		s.records[key] = r
	}
	r.InputTokens += int64(delta.InputTokens)
	r.OutputTokens += int64(delta.OutputTokens)
	r.CachedTokens += int64(delta.CachedTokens)
	r.TotalTokens += int64(delta.InputTokens) + int64(delta.OutputTokens)
	r.CostUSD += delta.CostUSD
	r.Calls++
	if delta.IsError {
		r.Errors++
	}
	r.LatencyTotalMs += delta.LatencyMs
	return nil
}

func (s *MemoryStorage) Query(_ context.Context, since, until string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for key, r := range s.records {
		// ISO dates order lexicographically.
		if key.Date < since || key.Date > until {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}

func (s *MemoryStorage) ResetErrors(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		r.Errors = 0
	}
	return nil
}

func (s *MemoryStorage) ResetLatency(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		r.LatencyTotalMs = 0
	}
	return nil
}

func (s *MemoryStorage) Prune(_ context.Context, cutoff string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key := range s.records {
		if key.Date < cutoff {
			delete(s.records, key)
			deleted++
		}
	}
	return deleted, nil
}
