// Package secrets implements the uniform get(key) -> option<string> secret
// resolution seam (spec §4.2) over env, in-memory, Vault, AWS Secrets
// Manager, Azure Key Vault, and GCP Secret Manager backends.
package secrets

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/hadrian-run/hadrian/internal/apierr"
)

// Resolver is the single capability every backend implements.
type Resolver interface {
	// Get returns the secret value for key, and whether it was found.
	Get(ctx context.Context, key string) (string, bool, error)
}

// envVarPattern matches the "${VAR}" indirection syntax (spec §6).
var envVarPattern = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// ResolveLiteral applies the env-var indirection rule used when no secret
// manager is configured: a "${VAR}" value resolves through the process
// environment; anything else passes through unchanged.
func ResolveLiteral(value string) string {
	if m := envVarPattern.FindStringSubmatch(value); m != nil {
		if v, ok := os.LookupEnv(m[1]); ok {
			return v
		}
	}
	return value
}

// ResolveSecret implements the resolution rule for the provider resolver
// (spec §4.2): when a manager is configured, every non-nil reference MUST
// resolve through it — a miss is a hard error, never silently literalized.
// When no manager is configured, the reference becomes a literal (subject to
// env-var indirection). A nil ref is always (nil, nil) regardless of whether
// a manager is configured or the provider requires a key — this is the
// flagged, intentionally-preserved behavior from SPEC_FULL.md §9: a missing
// reference is not itself an error, even though a provider that actually
// needs the key will fail later, upstream, with an authentication error.
func ResolveSecret(ctx context.Context, ref *string, manager Resolver) (*string, error) {
	if ref == nil {
		return nil, nil
	}

	if manager != nil {
		val, ok, err := manager.Get(ctx, *ref)
		if err != nil {
			return nil, apierr.New(apierr.ConfigError, "resolving secret %q: %v", *ref, err)
		}
		if !ok {
			return nil, apierr.New(apierr.ConfigError, "secret %q not found in configured secret manager", *ref)
		}
		return &val, nil
	}

	literal := ResolveLiteral(*ref)
	return &literal, nil
}

// prefixed is an embeddable helper for backends that prepend a shared prefix
// to every key before the backend-specific lookup.
type prefixed struct {
	Prefix string
}

func (p prefixed) key(k string) string {
	if p.Prefix == "" {
		return k
	}
	return fmt.Sprintf("%s%s", p.Prefix, k)
}
