package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// AWSResolver resolves secrets from AWS Secrets Manager, one secret value
// per call. Keys are the secret name or ARN.
type AWSResolver struct {
	prefixed
	client *secretsmanager.Client
}

func NewAWSResolver(client *secretsmanager.Client, prefix string) *AWSResolver {
	return &AWSResolver{prefixed{Prefix: prefix}, client}
}

func (r *AWSResolver) Get(ctx context.Context, key string) (string, bool, error) {
	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(r.key(key)),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading aws secret %q: %w", key, err)
	}
	if out.SecretString == nil {
		return "", false, nil
	}
	return *out.SecretString, true, nil
}
