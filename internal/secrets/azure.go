package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// AzureResolver resolves secrets from an Azure Key Vault. Keys are secret
// names; Key Vault does not allow "/" or "_" in names, so callers should
// keep reference strings vault-safe.
type AzureResolver struct {
	prefixed
	client *azsecrets.Client
}

func NewAzureResolver(client *azsecrets.Client, prefix string) *AzureResolver {
	return &AzureResolver{prefixed{Prefix: prefix}, client}
}

func (r *AzureResolver) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := r.client.GetSecret(ctx, r.key(key), "", nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading azure secret %q: %w", key, err)
	}
	if resp.Value == nil {
		return "", false, nil
	}
	return *resp.Value, true, nil
}
