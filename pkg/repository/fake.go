package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/R3E-Network/drs-orchestrator/pkg/domain"
)

// FakeCatalog is an in-memory Catalog for Supervisor/Wave-Runner tests,
// following the teacher's storage/memory fake shape: plain maps guarded
// by a mutex, no persistence.
type FakeCatalog struct {
	mu             sync.RWMutex
	Groups         map[string]domain.ProtectionGroup
	Plans          map[string]domain.RecoveryPlan
	Accounts       map[string]domain.TargetAccount
	TagResolutions map[string][]string
}

// NewFakeCatalog creates an empty FakeCatalog.
func NewFakeCatalog() *FakeCatalog {
	return &FakeCatalog{
		Groups:         map[string]domain.ProtectionGroup{},
		Plans:          map[string]domain.RecoveryPlan{},
		Accounts:       map[string]domain.TargetAccount{},
		TagResolutions: map[string][]string{},
	}
}

func (f *FakeCatalog) GetProtectionGroup(ctx context.Context, id string) (domain.ProtectionGroup, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	g, ok := f.Groups[id]
	if !ok {
		return domain.ProtectionGroup{}, domain.NewNotFoundError("ProtectionGroup", id)
	}
	return g, nil
}

func (f *FakeCatalog) ResolveServersByTag(ctx context.Context, accountID, region string, tagSelector map[string]string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.TagResolutions[tagKey(accountID, region, tagSelector)], nil
}

func (f *FakeCatalog) GetRecoveryPlan(ctx context.Context, id string) (domain.RecoveryPlan, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.Plans[id]
	if !ok {
		return domain.RecoveryPlan{}, domain.NewNotFoundError("RecoveryPlan", id)
	}
	return p, nil
}

func (f *FakeCatalog) GetTargetAccount(ctx context.Context, id string) (domain.TargetAccount, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	a, ok := f.Accounts[id]
	if !ok {
		return domain.TargetAccount{}, domain.NewNotFoundError("TargetAccount", id)
	}
	return a, nil
}

func tagKey(accountID, region string, tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := accountID + "|" + region + "|"
	for _, k := range keys {
		key += k + "=" + tags[k] + ";"
	}
	return key
}
