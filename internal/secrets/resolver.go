// Package secrets expands secret references in environment variable
// values at deploy time, so secret material never lands in config
// files or artifacts.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// ReferencePrefix marks a value as a secret reference. The form is
// "secret:<name>" for a plain string secret or "secret:<name>#<key>"
// for one key of a JSON secret.
const ReferencePrefix = "secret:"

type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Resolver fetches and caches secret values for the duration of one
// deployment run.
type Resolver struct {
	client secretsAPI
	logger *slog.Logger

	cacheLock sync.RWMutex
	cache     map[string]string
}

// NewResolver creates a resolver.
func NewResolver(client secretsAPI, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		client: client,
		logger: logger,
		cache:  make(map[string]string),
	}
}

// Resolve returns a copy of envVars with every secret reference
// replaced by its fetched value. Plain values pass through untouched.
func (r *Resolver) Resolve(ctx context.Context, envVars map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(envVars))
	for key, value := range envVars {
		if !strings.HasPrefix(value, ReferencePrefix) {
			resolved[key] = value
			continue
		}

		secretValue, err := r.resolveReference(ctx, strings.TrimPrefix(value, ReferencePrefix))
		if err != nil {
			return nil, fmt.Errorf("env var %s: %w", key, err)
		}
		resolved[key] = secretValue
	}
	return resolved, nil
}

func (r *Resolver) resolveReference(ctx context.Context, ref string) (string, error) {
	name, jsonKey, hasKey := strings.Cut(ref, "#")
	if name == "" {
		return "", fmt.Errorf("empty secret reference")
	}

	raw, err := r.fetch(ctx, name)
	if err != nil {
		return "", err
	}
	if !hasKey {
		return raw, nil
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("secret is not a JSON object: %w", err)
	}
	value, ok := fields[jsonKey]
	if !ok {
		return "", fmt.Errorf("secret has no key %q", jsonKey)
	}
	return value, nil
}

func (r *Resolver) fetch(ctx context.Context, name string) (string, error) {
	r.cacheLock.RLock()
	cached, ok := r.cache[name]
	r.cacheLock.RUnlock()
	if ok {
		return cached, nil
	}

	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		// Never log the secret name's value, only that a fetch failed.
		r.logger.ErrorContext(ctx, "failed to retrieve secret",
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("failed to retrieve secret: %w", err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret has no string value")
	}

	r.cacheLock.Lock()
	r.cache[name] = *out.SecretString
	r.cacheLock.Unlock()
	return *out.SecretString, nil
}
