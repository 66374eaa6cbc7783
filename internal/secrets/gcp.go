package secrets

import (
	"context"
	"fmt"

	"google.golang.org/api/googleapi"
	secretmanager "google.golang.org/api/secretmanager/v1"
)

// GCPResolver resolves secrets from Google Secret Manager, always reading
// the "latest" version. Keys are secret ids within ProjectID.
type GCPResolver struct {
	prefixed
	svc       *secretmanager.Service
	projectID string
}

func NewGCPResolver(svc *secretmanager.Service, projectID, prefix string) *GCPResolver {
	return &GCPResolver{prefixed{Prefix: prefix}, svc, projectID}
}

func (r *GCPResolver) Get(ctx context.Context, key string) (string, bool, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", r.projectID, r.key(key))

	resp, err := r.svc.Projects.Secrets.Versions.Access(name).Context(ctx).Do()
	if err != nil {
		if gerr, ok := err.(*googleapi.Error); ok && gerr.Code == 404 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading gcp secret %q: %w", key, err)
	}
	if resp.Payload == nil {
		return "", false, nil
	}

	data, err := decodeGCPPayload(resp.Payload.Data)
	if err != nil {
		return "", false, fmt.Errorf("decoding gcp secret %q: %w", key, err)
	}
	return data, true, nil
}
