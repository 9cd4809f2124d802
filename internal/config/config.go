// Package config reads process configuration from the environment once at
// startup. Provider API keys are never read here: model templates carry the
// key name and the keyring resolves it when an adapter is built.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/secureyeoman/ai-gateway/internal/domain"
)

// providerNames lists the REST-backed providers configured by default.
// Bedrock is appended separately because it needs AWS credentials wired.
var providerNames = []string{
	"anthropic", "openai", "deepseek", "mistral", "gemini",
	"ollama", "lmstudio", "localai", "opencode",
}

var defaultModels = map[string]string{
	"anthropic": "claude-sonnet-4-5",
	"openai":    "gpt-4o",
	"deepseek":  "deepseek-chat",
	"mistral":   "mistral-small-latest",
	"gemini":    "gemini-2.5-flash",
	"ollama":    "llama3.2",
	"lmstudio":  "local-model",
	"localai":   "local-model",
	"opencode":  "local-model",
}

// defaultKeyNames maps hosted providers to the conventional name their key
// is stored under. Self-hosted backends have no entry and run keyless.
var defaultKeyNames = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"deepseek":  "DEEPSEEK_API_KEY",
	"mistral":   "MISTRAL_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}

type Config struct {
	Addr     string
	LogLevel string

	// Startup model. DEFAULT_MODEL may be left empty to take the
	// provider's default.
	Provider string
	Model    string

	// Tuning shared by every provider template.
	MaxTokens            int
	Temperature          float64
	MaxRequestsPerMinute int
	RequestTimeout       time.Duration
	MaxRetries           int
	RetryDelay           time.Duration

	// Per-provider overrides, keyed by provider name. An empty base URL
	// leaves the adapter's built-in default in place.
	BaseURLs map[string]string
	KeyNames map[string]string

	BedrockEnabled bool
	BedrockModel   string

	KeyringBackend    string
	KeyringFile       string
	KeyringPassphrase string

	DatabaseURL     string
	RedisURL        string
	RetentionDays   int
	DailySpendLimit float64

	OperatorTokenHash string

	AWSRegion   string
	SNSTopicARN string
	SQSQueueURL string

	OTLPEndpoint string

	ModelsCacheTTL  time.Duration
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:     getEnv("ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		Provider: getEnv("DEFAULT_PROVIDER", "ollama"),
		Model:    getEnv("DEFAULT_MODEL", ""),

		MaxTokens:            getIntEnv("MAX_TOKENS", 4096),
		Temperature:          getFloatEnv("TEMPERATURE", 0.7),
		MaxRequestsPerMinute: getIntEnv("MAX_REQUESTS_PER_MINUTE", 0),
		RequestTimeout:       getDurationEnv("REQUEST_TIMEOUT", 120*time.Second),
		MaxRetries:           getIntEnv("MAX_RETRIES", 2),
		RetryDelay:           getDurationEnv("RETRY_DELAY", time.Second),

		BedrockEnabled: getEnv("BEDROCK_ENABLED", "false") == "true",
		BedrockModel:   getEnv("BEDROCK_MODEL", "anthropic.claude-3-5-sonnet-20241022-v2:0"),

		KeyringBackend:    getEnv("KEYRING_BACKEND", "env"),
		KeyringFile:       getEnv("KEYRING_FILE", ""),
		KeyringPassphrase: getEnv("KEYRING_PASSPHRASE", ""),

		DatabaseURL:     getEnv("DATABASE_URL", ""),
		RedisURL:        getEnv("REDIS_URL", ""),
		RetentionDays:   getIntEnv("RETENTION_DAYS", 90),
		DailySpendLimit: getFloatEnv("DAILY_SPEND_LIMIT", 0),

		OperatorTokenHash: getEnv("OPERATOR_TOKEN_HASH", ""),

		AWSRegion:   getEnv("AWS_REGION", ""),
		SNSTopicARN: getEnv("SNS_TOPIC_ARN", ""),
		SQSQueueURL: getEnv("SQS_QUEUE_URL", ""),

		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),

		ModelsCacheTTL:  getDurationEnv("MODELS_CACHE_TTL", 5*time.Minute),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	cfg.BaseURLs = make(map[string]string, len(providerNames))
	cfg.KeyNames = make(map[string]string, len(providerNames))
	for _, name := range providerNames {
		prefix := strings.ToUpper(name)
		cfg.BaseURLs[name] = getEnv(prefix+"_BASE_URL", "")
		cfg.KeyNames[name] = getEnv(prefix+"_API_KEY_NAME", defaultKeyNames[name])
	}

	return cfg, nil
}

// Templates builds the per-provider model configs the adapter factory is
// allowed to serve. Each template carries the provider's default model;
// switches and fallback entries substitute their own.
func (c *Config) Templates() map[string]domain.ModelConfig {
	templates := make(map[string]domain.ModelConfig, len(providerNames)+1)
	for _, name := range providerNames {
		templates[name] = domain.ModelConfig{
			Provider:             name,
			Model:                defaultModels[name],
			APIKeyEnv:            c.KeyNames[name],
			BaseURL:              c.BaseURLs[name],
			MaxTokens:            c.MaxTokens,
			Temperature:          c.Temperature,
			MaxRequestsPerMinute: c.MaxRequestsPerMinute,
			RequestTimeout:       c.RequestTimeout,
			MaxRetries:           c.MaxRetries,
			RetryDelay:           c.RetryDelay,
		}
	}

	if c.BedrockEnabled {
		templates["bedrock"] = domain.ModelConfig{
			Provider:             "bedrock",
			Model:                c.BedrockModel,
			MaxTokens:            c.MaxTokens,
			Temperature:          c.Temperature,
			MaxRequestsPerMinute: c.MaxRequestsPerMinute,
			RequestTimeout:       c.RequestTimeout,
			MaxRetries:           c.MaxRetries,
			RetryDelay:           c.RetryDelay,
		}
	}

	return templates
}

// ActiveModel resolves the startup model, falling back to the provider's
// default when DEFAULT_MODEL is unset.
func (c *Config) ActiveModel() string {
	if c.Model != "" {
		return c.Model
	}
	if c.Provider == "bedrock" {
		return c.BedrockModel
	}
	return defaultModels[c.Provider]
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
