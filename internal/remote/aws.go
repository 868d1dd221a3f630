package remote

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// AWSAuth selects how requests to an Amazon-hosted domain are signed.
type AWSAuth struct {
	Region          string
	AccessKey       string
	SecretKey       string
	UseDefaultChain bool
}

// Credentials returns the provider for a, or nil when requests should
// go unsigned. Static keys win over the default chain.
func (a AWSAuth) Credentials(ctx context.Context) (aws.CredentialsProvider, error) {
	if a.AccessKey != "" {
		return aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(a.AccessKey, a.SecretKey, "")), nil
	}
	if !a.UseDefaultChain {
		return nil, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return cfg.Credentials, nil
}
