// Package repository defines the catalog interfaces this engine consumes
// (spec.md §6.2): Protection Groups, Recovery Plans and Target Accounts
// are owned by an external collaborator; the engine only reads them.
package repository

import (
	"context"

	"github.com/R3E-Network/drs-orchestrator/pkg/domain"
)

// Catalog is the consumed repository interface.
type Catalog interface {
	GetProtectionGroup(ctx context.Context, id string) (domain.ProtectionGroup, error)
	ResolveServersByTag(ctx context.Context, accountID, region string, tagSelector map[string]string) ([]string, error)
	GetRecoveryPlan(ctx context.Context, id string) (domain.RecoveryPlan, error)
	GetTargetAccount(ctx context.Context, id string) (domain.TargetAccount, error)
}
