package config

import "context"

// SecretProvider resolves secret values by key. SSMProvider backs deployed
// environments; EnvVarProvider backs local development and tests.
type SecretProvider interface {
	// GetParametersBatch returns key -> plaintext for every key it could
	// resolve. Keys it cannot find are omitted rather than reported as errors,
	// unless the backend itself reports them invalid.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
