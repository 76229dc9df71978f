package config

import "context"

// SecretProvider resolves secret values by path: SSM Parameter Store in
// deployed environments, the process environment locally.
type SecretProvider interface {
	// GetParametersBatch resolves keys and returns key -> plaintext for
	// every key it found.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
