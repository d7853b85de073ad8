package drs

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/drs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/R3E-Network/drs-orchestrator/pkg/credentials"
)

// Factory builds a Service scoped to one set of short-lived credentials
// and region, so the Wave Runner and Job Poller can mint a fresh client
// pair every time the Credential Broker hands back a (possibly refreshed)
// credential set.
type Factory struct{}

// NewFactory returns a Factory.
func NewFactory() *Factory { return &Factory{} }

// Build constructs a Service backed by real AWS SDK v2 clients configured
// with creds and scoped to region.
func (f *Factory) Build(ctx context.Context, creds credentials.Credentials, region string) (Service, error) {
	provider := awscreds.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(provider),
	)
	if err != nil {
		return nil, err
	}
	return NewAWSService(drs.NewFromConfig(cfg), ec2.NewFromConfig(cfg)), nil
}
