package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ai:usage:"

// RedisStorage keeps usage rows as hashes, one per (date, provider, model,
// personality). Counters are HINCRBY fields so concurrent writers never
// read-modify-write.
type RedisStorage struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisStorage(redisURL string, retention time.Duration) (*RedisStorage, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStorage{client: client, retention: retention}, nil
}

// Model names may contain ':' (ollama tags), so key parts are mirrored as
// hash fields instead of being parsed back out of the redis key.
func redisKey(key Key) string {
	return redisKeyPrefix + key.Date + ":" + key.Provider + ":" + key.Model + ":" + key.PersonalityID
}

func (s *RedisStorage) Add(ctx context.Context, key Key, delta Delta) error {
	k := redisKey(key)

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, k,
		"date", key.Date,
		"provider", key.Provider,
		"model", key.Model,
		"personality_id", key.PersonalityID,
	)
	pipe.HIncrBy(ctx, k, "input_tokens", int64(delta.InputTokens))
	pipe.HIncrBy(ctx, k, "output_tokens", int64(delta.OutputTokens))
	pipe.HIncrBy(ctx, k, "cached_tokens", int64(delta.CachedTokens))
	pipe.HIncrBy(ctx, k, "total_tokens", int64(delta.InputTokens)+int64(delta.OutputTokens))
	pipe.HIncrByFloat(ctx, k, "cost_usd", delta.CostUSD)
	pipe.HIncrBy(ctx, k, "calls", 1)
	if delta.IsError {
		pipe.HIncrBy(ctx, k, "errors", 1)
	}
	pipe.HIncrBy(ctx, k, "latency_total_ms", delta.LatencyMs)
	pipe.Expire(ctx, k, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert usage hash: %w", err)
	}
	return nil
}

func (s *RedisStorage) Query(ctx context.Context, since, until string) ([]Record, error) {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return nil, err
	}

	var records []Record
	for _, k := range keys {
		fields, err := s.client.HGetAll(ctx, k).Result()
		if err != nil {
			return nil, fmt.Errorf("read usage hash: %w", err)
		}
		date := fields["date"]
		if date < since || date > until {
			continue
		}
		records = append(records, recordFromFields(fields))
	}
	return records, nil
}

func (s *RedisStorage) ResetErrors(ctx context.Context) error {
	return s.resetField(ctx, "errors")
}

func (s *RedisStorage) ResetLatency(ctx context.Context) error {
	return s.resetField(ctx, "latency_total_ms")
}

func (s *RedisStorage) resetField(ctx context.Context, field string) error {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.client.HSet(ctx, k, field, 0).Err(); err != nil {
			return fmt.Errorf("reset usage field %s: %w", field, err)
		}
	}
	return nil
}

func (s *RedisStorage) Prune(ctx context.Context, cutoff string) (int64, error) {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, k := range keys {
		date, err := s.client.HGet(ctx, k, "date").Result()
		if err != nil {
			continue
		}
		if date < cutoff {
			if err := s.client.Del(ctx, k).Err(); err != nil {
				return deleted, fmt.Errorf("prune usage hash: %w", err)
			}
			deleted++
		}
	}
	return deleted, nil
}

func (s *RedisStorage) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan usage keys: %w", err)
	}
	return keys, nil
}

func recordFromFields(fields map[string]string) Record {
	r := Record{
		Key: Key{
			Date:          fields["date"],
			Provider:      fields["provider"],
			Model:         fields["model"],
			PersonalityID: fields["personality_id"],
		},
	}
	r.InputTokens = parseInt(fields["input_tokens"])
	r.OutputTokens = parseInt(fields["output_tokens"])
	r.CachedTokens = parseInt(fields["cached_tokens"])
	r.TotalTokens = parseInt(fields["total_tokens"])
	r.CostUSD, _ = strconv.ParseFloat(fields["cost_usd"], 64)
	r.Calls = parseInt(fields["calls"])
	r.Errors = parseInt(fields["errors"])
	r.LatencyTotalMs = parseInt(fields["latency_total_ms"])
	return r
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}
