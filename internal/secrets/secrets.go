// Package secrets resolves provider API keys by logical name. The gateway
// core never reads the process environment itself; a Keyring does.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
)

var ErrNotFound = errors.New("secret not found")

// Keyring resolves a named credential, eg. "ANTHROPIC_API_KEY". Backends
// decide where names live: environment, AWS Secrets Manager, encrypted file.
type Keyring interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// EnvKeyring reads secrets from the process environment.
type EnvKeyring struct{}

func NewEnvKeyring() *EnvKeyring {
	return &EnvKeyring{}
}

func (k *EnvKeyring) Resolve(_ context.Context, name string) (string, error) {
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return value, nil
}

// MemoryKeyring holds secrets in memory, for tests and embedded use.
type MemoryKeyring struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewMemoryKeyring() *MemoryKeyring {
	return &MemoryKeyring{
		secrets: make(map[string]string),
	}
}

func (k *MemoryKeyring) Resolve(_ context.Context, name string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	value, ok := k.secrets[name]
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return value, nil
}

func (k *MemoryKeyring) Set(name, value string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.secrets[name] = value
}

func (k *MemoryKeyring) Delete(name string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.secrets, name)
}
