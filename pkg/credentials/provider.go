// Package credentials defines the Credential Broker Interface consumed by
// the engine (spec.md §4.6): given (accountId, region, purpose), it
// returns short-lived credentials scoped to DRS/EC2 permissions. The core
// treats credentials as opaque and caches them, but the provider — not a
// process-wide singleton — owns refresh semantics.
package credentials

import (
	"context"
	"time"
)

// Credentials is an opaque, short-lived credential set. Callers must not
// assume its shape beyond ExpiresAt; only the provider interprets it.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	ExpiresAt       time.Time
}

// Expired reports whether the credentials are no longer usable as of now.
func (c Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// Purpose narrows which permission set the caller needs, letting a
// provider issue the least-privilege role for the call it's about to make.
type Purpose string

const (
	PurposeDescribe  Purpose = "describe"
	PurposeRecovery  Purpose = "recovery"
	PurposeTerminate Purpose = "terminate"
)

// Provider is the interface the engine consumes; implementations perform
// cross-account role assumption with an external id.
type Provider interface {
	Credentials(ctx context.Context, accountID, region string, purpose Purpose) (Credentials, error)
}
