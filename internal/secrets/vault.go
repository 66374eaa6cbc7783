package secrets

import (
	"context"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"
)

// VaultResolver resolves secrets from a HashiCorp Vault KV v2 mount. Each
// key is "path#field"; a bare key without "#field" reads the "value" field.
type VaultResolver struct {
	prefixed
	client *vaultapi.Client
	mount  string
}

// NewVaultResolver builds a resolver from a Vault address and token. Approle
// and Kubernetes auth exchange a short-lived token for addr+token the same
// way before construction; this resolver only holds the resulting client.
func NewVaultResolver(addr, token, mount, prefix string) (*VaultResolver, error) {
	cfg := vaultapi.DefaultConfig()
	cfg.Address = addr
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("constructing vault client: %w", err)
	}
	client.SetToken(token)
	return &VaultResolver{prefixed: prefixed{Prefix: prefix}, client: client, mount: mount}, nil
}

// NewVaultResolverFromAppRole authenticates via the AppRole auth method and
// returns a resolver holding the resulting client token.
func NewVaultResolverFromAppRole(ctx context.Context, addr, roleID, secretID, mount, prefix string) (*VaultResolver, error) {
	cfg := vaultapi.DefaultConfig()
	cfg.Address = addr
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("constructing vault client: %w", err)
	}

	secret, err := client.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return nil, fmt.Errorf("vault approle login: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return nil, fmt.Errorf("vault approle login: empty auth response")
	}
	client.SetToken(secret.Auth.ClientToken)

	return &VaultResolver{prefixed: prefixed{Prefix: prefix}, client: client, mount: mount}, nil
}

// NewVaultResolverFromKubernetes authenticates via the Kubernetes auth
// method, exchanging the pod's projected service account JWT for a token.
func NewVaultResolverFromKubernetes(ctx context.Context, addr, role, jwt, mount, prefix string) (*VaultResolver, error) {
	cfg := vaultapi.DefaultConfig()
	cfg.Address = addr
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("constructing vault client: %w", err)
	}

	secret, err := client.Logical().WriteWithContext(ctx, "auth/kubernetes/login", map[string]interface{}{
		"role": role,
		"jwt":  jwt,
	})
	if err != nil {
		return nil, fmt.Errorf("vault kubernetes login: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return nil, fmt.Errorf("vault kubernetes login: empty auth response")
	}
	client.SetToken(secret.Auth.ClientToken)

	return &VaultResolver{prefixed: prefixed{Prefix: prefix}, client: client, mount: mount}, nil
}

func (r *VaultResolver) Get(ctx context.Context, key string) (string, bool, error) {
	path, field := splitVaultKey(r.key(key))

	secret, err := r.client.KVv2(r.mount).Get(ctx, path)
	if err != nil {
		if vaultapi.Is404(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading vault secret %q: %w", path, err)
	}
	if secret == nil {
		return "", false, nil
	}

	raw, ok := secret.Data[field]
	if !ok {
		return "", false, nil
	}
	val, ok := raw.(string)
	if !ok {
		return "", false, fmt.Errorf("vault secret %q field %q is not a string", path, field)
	}
	return val, true, nil
}

func splitVaultKey(key string) (path, field string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '#' {
			return key[:i], key[i+1:]
		}
	}
	return key, "value"
}
