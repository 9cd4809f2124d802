package usage

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStorage persists usage rows in a single additively-upserted table.
type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// InitSchema creates the usage table if it does not exist.
func (s *PostgresStorage) InitSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS ai_usage (
			date DATE NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			personality_id TEXT NOT NULL DEFAULT '',
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			cached_tokens BIGINT NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			calls BIGINT NOT NULL DEFAULT 0,
			errors BIGINT NOT NULL DEFAULT 0,
			latency_total_ms BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (date, provider, model, personality_id)
		)`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create usage table: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Add(ctx context.Context, key Key, delta Delta) error {
	query := `
		INSERT INTO ai_usage (
			date, provider, model, personality_id,
			input_tokens, output_tokens, cached_tokens, total_tokens,
			cost_usd, calls, errors, latency_total_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11)
		ON CONFLICT (date, provider, model, personality_id) DO UPDATE SET
			input_tokens = ai_usage.input_tokens + EXCLUDED.input_tokens,
			output_tokens = ai_usage.output_tokens + EXCLUDED.output_tokens,
			cached_tokens = ai_usage.cached_tokens + EXCLUDED.cached_tokens,
			total_tokens = ai_usage.total_tokens + EXCLUDED.total_tokens,
			cost_usd = ai_usage.cost_usd + EXCLUDED.cost_usd,
			calls = ai_usage.calls + 1,
			errors = ai_usage.errors + EXCLUDED.errors,
			latency_total_ms = ai_usage.latency_total_ms + EXCLUDED.latency_total_ms`

	errs := 0
	if delta.IsError {
		errs = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		key.Date, key.Provider, key.Model, key.PersonalityID,
		delta.InputTokens, delta.OutputTokens, delta.CachedTokens,
		delta.InputTokens+delta.OutputTokens,
		delta.CostUSD, errs, delta.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("upsert usage row: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Query(ctx context.Context, since, until string) ([]Record, error) {
	query := `
		SELECT date::text, provider, model, personality_id,
			input_tokens, output_tokens, cached_tokens, total_tokens,
			cost_usd, calls, errors, latency_total_ms
		FROM ai_usage
		WHERE date >= $1 AND date <= $2
		ORDER BY date, provider, model`

	rows, err := s.db.QueryContext(ctx, query, since, until)
	if err != nil {
		return nil, fmt.Errorf("query usage rows: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.Date, &r.Provider, &r.Model, &r.PersonalityID,
			&r.InputTokens, &r.OutputTokens, &r.CachedTokens, &r.TotalTokens,
			&r.CostUSD, &r.Calls, &r.Errors, &r.LatencyTotalMs,
		); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}
	return records, nil
}

func (s *PostgresStorage) ResetErrors(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE ai_usage SET errors = 0 WHERE errors > 0`); err != nil {
		return fmt.Errorf("reset usage errors: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ResetLatency(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE ai_usage SET latency_total_ms = 0 WHERE latency_total_ms > 0`); err != nil {
		return fmt.Errorf("reset usage latency: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Prune(ctx context.Context, cutoff string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ai_usage WHERE date < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune usage rows: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune usage rows: %w", err)
	}
	return deleted, nil
}
