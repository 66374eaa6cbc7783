package secrets

import (
	"context"
	"os"
)

// EnvResolver resolves secrets from process environment variables, reading
// "{Prefix}{KEY}" for a lookup of KEY.
type EnvResolver struct {
	prefixed
}

func NewEnvResolver(prefix string) *EnvResolver {
	return &EnvResolver{prefixed{Prefix: prefix}}
}

func (r *EnvResolver) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := os.LookupEnv(r.key(key))
	return v, ok, nil
}
