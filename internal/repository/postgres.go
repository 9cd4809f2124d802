package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/secureyeoman/ai-gateway/internal/domain"
)

// InitSchema creates the configuration tables if they do not exist.
func InitSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS personalities (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			fallback_providers TEXT[] NOT NULL DEFAULT '{}',
			fallback_models TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS default_model (
			id INT PRIMARY KEY CHECK (id = 1),
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			api_key_env TEXT NOT NULL DEFAULT '',
			base_url TEXT NOT NULL DEFAULT '',
			max_tokens INT NOT NULL DEFAULT 0,
			temperature DOUBLE PRECISION NOT NULL DEFAULT 0,
			rpm_limit INT NOT NULL DEFAULT 0,
			request_timeout_ms BIGINT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 0,
			retry_delay_ms BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create config tables: %w", err)
		}
	}
	return nil
}

type PostgresPersonalityStore struct {
	db *sql.DB
}

func NewPostgresPersonalityStore(db *sql.DB) *PostgresPersonalityStore {
	return &PostgresPersonalityStore{db: db}
}

func (s *PostgresPersonalityStore) Get(ctx context.Context, id string) (*domain.Personality, error) {
	query := `
		SELECT id, name, fallback_providers, fallback_models, created_at, updated_at
		FROM personalities
		WHERE id = $1
	`

	var p domain.Personality
	var providers, models pq.StringArray

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&providers,
		&models,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPersonalityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query personality: %w", err)
	}

	p.Fallbacks, err = zipFallbacks(providers, models)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresPersonalityStore) List(ctx context.Context) ([]*domain.Personality, error) {
	query := `
		SELECT id, name, fallback_providers, fallback_models, created_at, updated_at
		FROM personalities
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query personalities: %w", err)
	}
	defer rows.Close()

	var personalities []*domain.Personality
	for rows.Next() {
		var p domain.Personality
		var providers, models pq.StringArray

		if err := rows.Scan(&p.ID, &p.Name, &providers, &models, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan personality: %w", err)
		}
		p.Fallbacks, err = zipFallbacks(providers, models)
		if err != nil {
			return nil, err
		}
		personalities = append(personalities, &p)
	}
	return personalities, rows.Err()
}

func (s *PostgresPersonalityStore) Save(ctx context.Context, personality *domain.Personality) error {
	if err := domain.ValidateFallbacks(personality.Fallbacks); err != nil {
		return err
	}

	query := `
		INSERT INTO personalities (id, name, fallback_providers, fallback_models, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			fallback_providers = EXCLUDED.fallback_providers,
			fallback_models = EXCLUDED.fallback_models,
			updated_at = EXCLUDED.updated_at
	`

	providers, models := splitFallbacks(personality.Fallbacks)
	_, err := s.db.ExecContext(ctx, query,
		personality.ID,
		personality.Name,
		pq.Array(providers),
		pq.Array(models),
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert personality: %w", err)
	}
	return nil
}

func (s *PostgresPersonalityStore) SetFallbacks(ctx context.Context, id string, fallbacks []domain.FallbackEntry) error {
	if err := domain.ValidateFallbacks(fallbacks); err != nil {
		return err
	}

	query := `
		UPDATE personalities
		SET fallback_providers = $2, fallback_models = $3, updated_at = $4
		WHERE id = $1
	`

	providers, models := splitFallbacks(fallbacks)
	result, err := s.db.ExecContext(ctx, query, id, pq.Array(providers), pq.Array(models), time.Now())
	if err != nil {
		return fmt.Errorf("update personality fallbacks: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrPersonalityNotFound
	}
	return nil
}

func (s *PostgresPersonalityStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM personalities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete personality: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrPersonalityNotFound
	}
	return nil
}

func splitFallbacks(entries []domain.FallbackEntry) ([]string, []string) {
	providers := make([]string, len(entries))
	models := make([]string, len(entries))
	for i, e := range entries {
		providers[i] = e.Provider
		models[i] = e.Model
	}
	return providers, models
}

func zipFallbacks(providers, models pq.StringArray) ([]domain.FallbackEntry, error) {
	if len(providers) != len(models) {
		return nil, fmt.Errorf("fallback arrays out of sync: %d providers, %d models", len(providers), len(models))
	}
	if len(providers) == 0 {
		return nil, nil
	}
	entries := make([]domain.FallbackEntry, len(providers))
	for i := range providers {
		entries[i] = domain.FallbackEntry{Provider: providers[i], Model: models[i]}
	}
	return entries, nil
}

type PostgresDefaultModelStore struct {
	db *sql.DB
}

func NewPostgresDefaultModelStore(db *sql.DB) *PostgresDefaultModelStore {
	return &PostgresDefaultModelStore{db: db}
}

func (s *PostgresDefaultModelStore) Get(ctx context.Context) (*domain.ModelConfig, error) {
	query := `
		SELECT provider, model, api_key_env, base_url, max_tokens, temperature,
		       rpm_limit, request_timeout_ms, max_retries, retry_delay_ms
		FROM default_model
		WHERE id = 1
	`

	var cfg domain.ModelConfig
	var timeoutMs, retryDelayMs int64

	err := s.db.QueryRowContext(ctx, query).Scan(
		&cfg.Provider,
		&cfg.Model,
		&cfg.APIKeyEnv,
		&cfg.BaseURL,
		&cfg.MaxTokens,
		&cfg.Temperature,
		&cfg.MaxRequestsPerMinute,
		&timeoutMs,
		&cfg.MaxRetries,
		&retryDelayMs,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrDefaultModelNotSet
	}
	if err != nil {
		return nil, fmt.Errorf("query default model: %w", err)
	}

	cfg.RequestTimeout = time.Duration(timeoutMs) * time.Millisecond
	cfg.RetryDelay = time.Duration(retryDelayMs) * time.Millisecond
	return &cfg, nil
}

func (s *PostgresDefaultModelStore) Set(ctx context.Context, cfg domain.ModelConfig) error {
	query := `
		INSERT INTO default_model (id, provider, model, api_key_env, base_url, max_tokens,
		                           temperature, rpm_limit, request_timeout_ms, max_retries,
		                           retry_delay_ms, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			provider = EXCLUDED.provider,
			model = EXCLUDED.model,
			api_key_env = EXCLUDED.api_key_env,
			base_url = EXCLUDED.base_url,
			max_tokens = EXCLUDED.max_tokens,
			temperature = EXCLUDED.temperature,
			rpm_limit = EXCLUDED.rpm_limit,
			request_timeout_ms = EXCLUDED.request_timeout_ms,
			max_retries = EXCLUDED.max_retries,
			retry_delay_ms = EXCLUDED.retry_delay_ms,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		cfg.Provider,
		cfg.Model,
		cfg.APIKeyEnv,
		cfg.BaseURL,
		cfg.MaxTokens,
		cfg.Temperature,
		cfg.MaxRequestsPerMinute,
		cfg.RequestTimeout.Milliseconds(),
		cfg.MaxRetries,
		cfg.RetryDelay.Milliseconds(),
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert default model: %w", err)
	}
	return nil
}

func (s *PostgresDefaultModelStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM default_model WHERE id = 1`); err != nil {
		return fmt.Errorf("clear default model: %w", err)
	}
	return nil
}
