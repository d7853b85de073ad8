package credentials

import (
	"context"
	"sync"
	"time"
)

// FakeProvider is an in-memory Provider for Wave Runner / Job Poller
// tests. Every call succeeds with a fixed-but-fresh credential set unless
// Err is set.
type FakeProvider struct {
	mu    sync.Mutex
	Err   error
	calls int
}

// NewFakeProvider creates a FakeProvider.
func NewFakeProvider() *FakeProvider { return &FakeProvider{} }

// Credentials returns a deterministic, always-fresh credential set.
func (f *FakeProvider) Credentials(ctx context.Context, accountID, region string, purpose Purpose) (Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Err != nil {
		return Credentials{}, f.Err
	}
	return Credentials{
		AccessKeyID:     "fake-access-key",
		SecretAccessKey: "fake-secret-key",
		SessionToken:    "fake-session-token",
		ExpiresAt:       time.Now().Add(time.Hour),
	}, nil
}

// Calls returns how many times Credentials has been invoked.
func (f *FakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
