package secrets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// AWSKeyring resolves secrets from AWS Secrets Manager with a short TTL
// cache, so rotation is picked up without hammering the API on every call.
type AWSKeyring struct {
	client *secretsmanager.Client
	mu     sync.RWMutex
	cache  map[string]*cachedSecret
	ttl    time.Duration
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSKeyring(ctx context.Context, region string) (*AWSKeyring, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSKeyringWithConfig(cfg), nil
}

func NewAWSKeyringWithConfig(cfg aws.Config) *AWSKeyring {
	return &AWSKeyring{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]*cachedSecret),
		ttl:    5 * time.Minute,
	}
}

func (k *AWSKeyring) Resolve(ctx context.Context, name string) (string, error) {
	k.mu.RLock()
	if cached, ok := k.cache[name]; ok && time.Now().Before(cached.expiresAt) {
		k.mu.RUnlock()
		return cached.value, nil
	}
	k.mu.RUnlock()

	input := &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	}

	result, err := k.client.GetSecretValue(ctx, input)
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	value := ""
	if result.SecretString != nil {
		value = *result.SecretString
	}

	k.mu.Lock()
	k.cache[name] = &cachedSecret{
		value:     value,
		expiresAt: time.Now().Add(k.ttl),
	}
	k.mu.Unlock()

	return value, nil
}

func (k *AWSKeyring) SetCacheTTL(ttl time.Duration) {
	k.ttl = ttl
}

func (k *AWSKeyring) ClearCache() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cache = make(map[string]*cachedSecret)
}
