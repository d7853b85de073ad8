// Package statestore is the State Store Adapter (spec.md §4.5): the sole
// authoritative home for Execution/WaveExecution/ServerLaunch rows,
// Commands and the audit log. Optimistic concurrency on Execution.version
// is the only concurrency primitive; there are two implementations, an
// in-memory CAS store (memory.go, grounded on the teacher's
// infrastructure/state package) and a Postgres-backed one (postgres/).
package statestore

import (
	"context"

	"github.com/R3E-Network/drs-orchestrator/pkg/domain"
)

// ExecutionFilter narrows ListExecutions per spec.md §6.1's ListExecutions
// command.
type ExecutionFilter struct {
	PlanID      string
	Status      domain.ExecutionStatus
	Type        domain.ExecutionType
	InitiatedBy string
	Limit       int
}

// Store is the State Store Adapter's full interface.
type Store interface {
	// CreateExecution persists a new PENDING Execution and its initial
	// PENDING WaveExecutions atomically, rejecting with
	// ErrCodePlanAlreadyExecuting if a non-terminal Execution already
	// exists for the plan (invariant 1).
	CreateExecution(ctx context.Context, exec domain.Execution, waves []domain.WaveExecution) error

	// GetExecution performs a consistent read of one Execution.
	GetExecution(ctx context.Context, id string) (domain.Execution, error)

	// UpdateExecution compare-and-sets exec, succeeding only if the
	// stored version equals exec.Version-1 (i.e. exec.Version is the new,
	// incremented value the caller intends to persist). Returns
	// ErrVersionConflict otherwise. Attempting to change the status of an
	// already-terminal Execution also fails (invariant 4).
	UpdateExecution(ctx context.Context, exec domain.Execution) error

	// HasNonTerminalExecution backs the PLAN_ALREADY_EXECUTING guard and
	// invariant 1's secondary access by (planId, status).
	HasNonTerminalExecution(ctx context.Context, planID string) (bool, error)

	// ListExecutions supports the (status, startTime) secondary access
	// pattern for dashboards/listing.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]domain.Execution, error)

	// ListNonTerminalExecutions backs process-restart rehydration (§5):
	// scan for non-terminal Executions and rehydrate a Supervisor for each.
	ListNonTerminalExecutions(ctx context.Context) ([]domain.Execution, error)

	// UpsertWaveExecution writes one wave's row. Waves are always
	// addressed by (executionId, waveNumber), so no separate create/update
	// split is needed the way Execution's CAS requires one.
	UpsertWaveExecution(ctx context.Context, wave domain.WaveExecution) error
	ListWaveExecutions(ctx context.Context, executionID string) ([]domain.WaveExecution, error)
	GetWaveExecution(ctx context.Context, executionID string, waveNumber int) (domain.WaveExecution, error)

	// UpsertServerLaunch writes one server's row within a wave.
	UpsertServerLaunch(ctx context.Context, launch domain.ServerLaunch) error
	ListServerLaunches(ctx context.Context, executionID string, waveNumber int) ([]domain.ServerLaunch, error)

	// SaveCommand persists a command exactly once; replaying the same
	// command.id returns the previously-persisted row without mutating it
	// (invariant 3, command idempotency).
	SaveCommand(ctx context.Context, cmd domain.Command) (domain.Command, bool, error)
	GetCommand(ctx context.Context, id string) (domain.Command, error)

	// AppendAudit appends one append-only audit record.
	AppendAudit(ctx context.Context, rec domain.AuditRecord) error
	ListAudit(ctx context.Context, executionID string) ([]domain.AuditRecord, error)

	// Close releases any resources the store holds (connections, timers).
	Close(ctx context.Context) error
}
