package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// AssumeRoleClient is the subset of *sts.Client this package calls.
type AssumeRoleClient interface {
	AssumeRole(ctx context.Context, in *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// AccountResolver looks up the role ARN and external id to assume for an
// accountId, mirroring the repository's GetTargetAccount (spec.md §6.2);
// kept as its own narrow interface so the provider does not depend on the
// wider repository package.
type AccountResolver interface {
	RoleARN(ctx context.Context, accountID string) (roleARN, externalID string, err error)
}

type cacheKey struct {
	accountID string
	region    string
	purpose   Purpose
}

// STSProvider implements Provider via sts:AssumeRole with an external id,
// caching credentials per (accountId, region, purpose) and refreshing on
// expiry.
type STSProvider struct {
	client   AssumeRoleClient
	accounts AccountResolver
	sessionPrefix string

	mu    sync.Mutex
	cache map[cacheKey]Credentials
	now   func() time.Time
}

// NewSTSProvider builds an STSProvider assuming roles via client, resolved
// through accounts.
func NewSTSProvider(client AssumeRoleClient, accounts AccountResolver) *STSProvider {
	return &STSProvider{
		client:        client,
		accounts:      accounts,
		sessionPrefix: "drs-orchestrator",
		cache:         make(map[cacheKey]Credentials),
		now:           time.Now,
	}
}

// Credentials returns cached credentials for (accountID, region, purpose)
// if still valid, otherwise assumes the account's role and caches the
// result.
func (p *STSProvider) Credentials(ctx context.Context, accountID, region string, purpose Purpose) (Credentials, error) {
	key := cacheKey{accountID: accountID, region: region, purpose: purpose}

	p.mu.Lock()
	if cached, ok := p.cache[key]; ok && !cached.Expired(p.now()) {
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	roleARN, externalID, err := p.accounts.RoleARN(ctx, accountID)
	if err != nil {
		return Credentials{}, fmt.Errorf("resolve target account %s: %w", accountID, err)
	}

	sessionName := fmt.Sprintf("%s-%s-%s", p.sessionPrefix, accountID, purpose)
	out, err := p.client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         &roleARN,
		RoleSessionName: &sessionName,
		ExternalId:      stringOrNil(externalID),
		DurationSeconds: aws.Int32(3600),
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("assume role %s: %w", roleARN, err)
	}

	creds := Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
	}
	if out.Credentials.Expiration != nil {
		creds.ExpiresAt = *out.Credentials.Expiration
	}

	p.mu.Lock()
	p.cache[key] = creds
	p.mu.Unlock()
	return creds, nil
}

// Invalidate drops any cached credentials for (accountID, region), forcing
// the next Credentials call to re-assume the role. Called after an
// Auth-class error per §4.4/§7.
func (p *STSProvider) Invalidate(accountID, region string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.cache {
		if k.accountID == accountID && k.region == region {
			delete(p.cache, k)
		}
	}
}

func stringOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
