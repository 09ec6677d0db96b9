package awsconfig

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"go.uber.org/fx"

	"github.com/emergent-company/ocrfleet/internal/config"
)

// Module provides the shared aws.Config used by the SQS, S3, EC2 and CloudWatch clients.
var Module = fx.Module("awsconfig",
	fx.Provide(NewAWSConfig),
)

// NewAWSConfig loads the SDK configuration for the coordinator.
func NewAWSConfig(cfg *config.Config, log *slog.Logger) (aws.Config, error) {
	return Load(context.Background(), cfg.AWS, log)
}

// Load resolves region, credentials and an optional endpoint override
// (LocalStack, ElasticMQ, MinIO) into an aws.Config.
func Load(ctx context.Context, c config.AWSConfig, log *slog.Logger) (aws.Config, error) {
	opts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(c.Region),
	}

	if c.StaticCredentials() {
		opts = append(opts, awscfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			c.AccessKeyID,
			c.SecretAccessKey,
			c.SessionToken,
		)))
	}

	if c.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               c.Endpoint,
					HostnameImmutable: true,
					SigningRegion:     c.Region,
				}, nil
			},
		)
		opts = append(opts, awscfg.WithEndpointResolverWithOptions(resolver))
	}

	out, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	log.Debug("aws config loaded",
		slog.String("region", c.Region),
		slog.String("endpoint", c.Endpoint),
		slog.Bool("static_credentials", c.StaticCredentials()),
	)
	return out, nil
}
