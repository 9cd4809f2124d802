package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/secureyeoman/ai-gateway/internal/domain"
	"github.com/secureyeoman/ai-gateway/internal/httputil"
	"github.com/secureyeoman/ai-gateway/internal/provider/anthropic"
	"github.com/secureyeoman/ai-gateway/internal/provider/bedrock"
	"github.com/secureyeoman/ai-gateway/internal/provider/gemini"
	"github.com/secureyeoman/ai-gateway/internal/provider/ollama"
	"github.com/secureyeoman/ai-gateway/internal/provider/openai"
	"github.com/secureyeoman/ai-gateway/internal/secrets"
)

// Factory builds provider adapters from model configs. The template map, one
// entry per configured provider, doubles as the allow-list for model
// switches and fallback entries. API keys are resolved through the keyring
// at call time; the factory itself never touches the process environment.
type Factory struct {
	client    *http.Client
	keyring   secrets.Keyring
	awsRegion string
	templates map[string]domain.ModelConfig
}

// NewFactory wires a factory over the given templates, keyed by provider
// name. A nil client gets the shared streaming-safe default; a nil keyring
// falls back to environment lookup.
func NewFactory(client *http.Client, keyring secrets.Keyring, awsRegion string, templates map[string]domain.ModelConfig) *Factory {
	if client == nil {
		client = httputil.DefaultClient()
	}
	if keyring == nil {
		keyring = secrets.NewEnvKeyring()
	}
	cp := make(map[string]domain.ModelConfig, len(templates))
	for name, cfg := range templates {
		cfg.Provider = name
		cp[name] = cfg
	}
	return &Factory{
		client:    client,
		keyring:   keyring,
		awsRegion: awsRegion,
		templates: cp,
	}
}

// Providers returns the configured provider names, sorted.
func (f *Factory) Providers() []string {
	names := make([]string, 0, len(f.templates))
	for name := range f.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConfigFor resolves provider and model against the configured templates.
// An unconfigured provider yields ErrProviderNotFound.
func (f *Factory) ConfigFor(provider, model string) (domain.ModelConfig, error) {
	cfg, ok := f.templates[provider]
	if !ok {
		return domain.ModelConfig{}, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, provider)
	}
	cfg.Model = model
	return cfg, nil
}

// New builds an adapter for cfg. No network I/O happens here; credentials
// and connectivity are exercised by the first call on the adapter.
func (f *Factory) New(ctx context.Context, cfg domain.ModelConfig) (Adapter, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.New(cfg, f.client, f.requiredKey(cfg)), nil
	case "gemini":
		return gemini.New(cfg, f.client, f.requiredKey(cfg)), nil
	case "ollama":
		return ollama.New(cfg, f.client), nil
	case "bedrock":
		return bedrock.New(ctx, cfg, f.awsRegion)
	case "openai", "deepseek", "mistral", "lmstudio", "localai", "opencode":
		if openai.Local(cfg.Provider) {
			return openai.New(cfg, f.client, f.keyFunc(cfg.APIKeyEnv)), nil
		}
		return openai.New(cfg, f.client, f.requiredKey(cfg)), nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, cfg.Provider)
	}
}

// keyFunc binds a keyring lookup to the named key. Nil when no key is
// configured, which the openai-style adapters take as "send no credential".
func (f *Factory) keyFunc(name string) func(ctx context.Context) (string, error) {
	if name == "" {
		return nil
	}
	return func(ctx context.Context) (string, error) {
		return f.keyring.Resolve(ctx, name)
	}
}

// requiredKey is keyFunc for providers that cannot run keyless. When no key
// name is configured the resolver fails on use, which the adapter reports as
// an authentication error.
func (f *Factory) requiredKey(cfg domain.ModelConfig) func(ctx context.Context) (string, error) {
	if k := f.keyFunc(cfg.APIKeyEnv); k != nil {
		return k
	}
	return func(context.Context) (string, error) {
		return "", fmt.Errorf("provider %s: no api key configured", cfg.Provider)
	}
}
