package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

type Resolver interface {
	Resolve(ctx context.Context, secretRef string) (string, error)
}

// EnvResolver resolves secret references to environment variables, so the
// owner token never has to sit in a config file.
//
// Fail-closed: an unset or empty variable is an error, never "".
type EnvResolver struct {
	Aliases map[string]string
}

func (r *EnvResolver) Resolve(_ context.Context, secretRef string) (string, error) {
	ref := strings.TrimSpace(secretRef)
	if ref == "" {
		return "", fmt.Errorf("empty secret_ref")
	}
	envName := strings.TrimPrefix(ref, "env:")
	if r != nil && r.Aliases != nil {
		if v, ok := r.Aliases[envName]; ok && strings.TrimSpace(v) != "" {
			envName = strings.TrimSpace(v)
		}
	}

	val, ok := os.LookupEnv(envName)
	if !ok {
		return "", fmt.Errorf("secret not found (env var %q is not set)", envName)
	}
	if strings.TrimSpace(val) == "" {
		return "", fmt.Errorf("secret is empty (env var %q)", envName)
	}
	return strings.TrimSpace(val), nil
}
