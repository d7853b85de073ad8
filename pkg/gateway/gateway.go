// Package gateway is the Command Gateway (spec.md §4.1): it validates and
// serializes external commands against the current Execution record,
// applying the state-transition guard table before persisting a command
// and, for START, handing off to the Supervisor manager.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/R3E-Network/drs-orchestrator/internal/logging"
	"github.com/R3E-Network/drs-orchestrator/pkg/credentials"
	"github.com/R3E-Network/drs-orchestrator/pkg/domain"
	"github.com/R3E-Network/drs-orchestrator/pkg/drs"
	"github.com/R3E-Network/drs-orchestrator/pkg/repository"
	"github.com/R3E-Network/drs-orchestrator/pkg/statestore"
)

// ServiceBuilder mints a drs.Service scoped to one credential set and
// region. Structurally identical to pkg/wave.ServiceBuilder (drs.Factory
// satisfies both); declared separately here so pkg/gateway doesn't import
// pkg/wave just for GetJobLogs.
type ServiceBuilder interface {
	Build(ctx context.Context, creds credentials.Credentials, region string) (drs.Service, error)
}

// Starter is the narrow interface the gateway needs from the Supervisor
// manager to hand off a newly-accepted START command. Kept separate from
// pkg/supervisor to avoid an import cycle (supervisor depends on gateway's
// sibling packages, not the other way around).
type Starter interface {
	Spawn(ctx context.Context, executionID string)
}

// StartRequest carries the structural fields of a START command.
type StartRequest struct {
	PlanID      string `validate:"required"`
	Type        domain.ExecutionType
	InitiatedBy string `validate:"required"`
	Name        string
	Description string
}

// Gateway is the Command Gateway.
type Gateway struct {
	store    statestore.Store
	catalog  repository.Catalog
	starter  Starter
	logger   *logging.Logger
	validate *validator.Validate
	now      func() time.Time
	newID    func() string

	credentials credentials.Provider
	services    ServiceBuilder
}

// New builds a Gateway over store/catalog, notifying starter on accepted
// START commands.
func New(store statestore.Store, catalog repository.Catalog, starter Starter, logger *logging.Logger) *Gateway {
	return &Gateway{
		store:    store,
		catalog:  catalog,
		starter:  starter,
		logger:   logger,
		validate: validator.New(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Result is the accept/reject outcome of one command, never an error:
// per spec.md §7, "Commands never raise; they return structured
// accept/reject results."
type Result struct {
	Command  domain.Command
	Accepted bool

	// TerminateJobIDs holds the DRS terminate-job id(s) triggered by an
	// accepted TERMINATE_INSTANCES command, one per (account, region) group
	// that had recovery instances to terminate. Empty for every other
	// command kind, or if terminateRecoveryInstances itself failed.
	TerminateJobIDs []string `json:"terminateJobIds,omitempty"`
}

// StartExecution accepts a START command if req validates and no
// non-terminal Execution exists for req.PlanID.
func (g *Gateway) StartExecution(ctx context.Context, req StartRequest) (Result, error) {
	if err := g.validate.Struct(req); err != nil {
		return Result{}, domain.NewValidationError(domain.ErrCodeMissingField, "", err.Error())
	}
	if req.Type == "" {
		req.Type = domain.ExecutionTypeRecovery
	}

	plan, err := g.catalog.GetRecoveryPlan(ctx, req.PlanID)
	if err != nil {
		return Result{}, err
	}
	if err := domain.ValidatePlanDAG(plan); err != nil {
		return Result{}, err
	}

	nonTerminal, err := g.store.HasNonTerminalExecution(ctx, req.PlanID)
	if err != nil {
		return Result{}, err
	}

	cmd := domain.Command{
		ID:          g.newID(),
		PlanID:      req.PlanID,
		Kind:        domain.CommandStart,
		RequestedBy: req.InitiatedBy,
		RequestedAt: g.now(),
	}
	if nonTerminal {
		return g.reject(ctx, cmd, string(domain.ErrCodePlanAlreadyExecuting))
	}

	execID := g.newID()
	cmd.ExecutionID = execID

	exec := domain.Execution{
		ID:          execID,
		PlanID:      req.PlanID,
		Type:        req.Type,
		Status:      domain.ExecutionPending,
		InitiatedBy: req.InitiatedBy,
		Name:        req.Name,
		Description: req.Description,
		StartTime:   g.now(),
	}
	waves := make([]domain.WaveExecution, 0, len(plan.Waves))
	for _, w := range plan.Waves {
		waves = append(waves, domain.WaveExecution{
			ExecutionID: execID,
			WaveNumber:  w.WaveNumber,
			Status:      domain.WavePending,
		})
	}
	if err := g.store.CreateExecution(ctx, exec, waves); err != nil {
		if domain.IsConflict(err) {
			return g.reject(ctx, cmd, string(domain.ErrCodePlanAlreadyExecuting))
		}
		return Result{}, err
	}

	accepted, err := g.accept(ctx, cmd)
	if err != nil {
		return Result{}, err
	}
	if g.starter != nil {
		g.starter.Spawn(ctx, execID)
	}
	return accepted, nil
}

// PauseExecution accepts PAUSE only if status=RUNNING (or is idempotently
// accepted if already PAUSED).
func (g *Gateway) PauseExecution(ctx context.Context, executionID, requestedBy string) (Result, error) {
	return g.guardedCommand(ctx, executionID, domain.CommandPause, requestedBy, "", func(exec domain.Execution) (domain.Execution, string) {
		switch exec.Status {
		case domain.ExecutionRunning:
			exec.PauseRequested = true
			exec.Version++
			return exec, ""
		case domain.ExecutionPaused:
			return exec, "" // idempotent accept, no write needed beyond the command record
		default:
			return exec, string(domain.ErrCodeExecutionNotInPausableState)
		}
	})
}

// ResumeExecution accepts RESUME only if status=PAUSED.
func (g *Gateway) ResumeExecution(ctx context.Context, executionID, requestedBy string) (Result, error) {
	return g.guardedCommand(ctx, executionID, domain.CommandResume, requestedBy, "", func(exec domain.Execution) (domain.Execution, string) {
		if exec.Status != domain.ExecutionPaused {
			return exec, string(domain.ErrCodeExecutionNotInPausableState)
		}
		exec.Status = domain.ExecutionRunning
		exec.PauseRequested = false
		exec.Version++
		return exec, ""
	})
}

// CancelExecution accepts CANCEL if status is PENDING, RUNNING or PAUSED.
func (g *Gateway) CancelExecution(ctx context.Context, executionID, requestedBy, reason string) (Result, error) {
	return g.guardedCommand(ctx, executionID, domain.CommandCancel, requestedBy, reason, func(exec domain.Execution) (domain.Execution, string) {
		switch exec.Status {
		case domain.ExecutionPending, domain.ExecutionRunning, domain.ExecutionPaused:
			exec.Status = domain.ExecutionCancelling
			exec.Version++
			return exec, ""
		default:
			return exec, string(domain.ErrCodeExecutionNotInPausableState)
		}
	})
}

// TerminateInstances accepts TERMINATE_INSTANCES only once the Execution
// has settled (COMPLETED, PARTIAL, FAILED or CANCELLED). It does not
// itself mutate Execution.status; once the command is accepted it issues
// one bulk DRS Terminate-Recovery-Instances call per (account, region) that
// launched recovery instances for this execution, and tracks each as a
// side execution record in the audit log per spec.md §4.1. A DRS-side
// failure to terminate does not un-accept the command — §7's "commands
// never raise" extends to this side effect the same way a per-server
// launch failure doesn't abort its wave.
func (g *Gateway) TerminateInstances(ctx context.Context, executionID, requestedBy, reason string) (Result, error) {
	result, err := g.guardedCommand(ctx, executionID, domain.CommandTerminateInstances, requestedBy, reason, func(exec domain.Execution) (domain.Execution, string) {
		switch exec.Status {
		case domain.ExecutionCompleted, domain.ExecutionPartial, domain.ExecutionFailed, domain.ExecutionCancelled:
			return exec, ""
		default:
			return exec, string(domain.ErrCodeExecutionNotInPausableState)
		}
	})
	if err != nil || !result.Accepted {
		return result, err
	}

	jobIDs, tErr := g.terminateRecoveryInstances(ctx, executionID, result.Command.ID)
	if tErr != nil {
		if g.logger != nil {
			g.logger.WithError(tErr).WithField("executionId", executionID).Warn("terminate recovery instances failed")
		}
		return result, nil
	}
	result.TerminateJobIDs = jobIDs
	return result, nil
}

// terminateRecoveryInstances groups every LAUNCHED ServerLaunch's
// recoveryInstanceId by (account, region) and issues one bulk
// Terminate-Recovery-Instances call per group.
func (g *Gateway) terminateRecoveryInstances(ctx context.Context, executionID, commandID string) ([]string, error) {
	if g.services == nil || g.credentials == nil {
		return nil, fmt.Errorf("gateway: DRS access not configured")
	}
	exec, err := g.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	plan, err := g.catalog.GetRecoveryPlan(ctx, exec.PlanID)
	if err != nil {
		return nil, err
	}
	waves, err := g.store.ListWaveExecutions(ctx, executionID)
	if err != nil {
		return nil, err
	}

	type group struct {
		account     domain.TargetAccount
		instanceIDs []string
	}
	groups := map[string]*group{}
	for _, w := range waves {
		spec, ok := plan.WaveByNumber(w.WaveNumber)
		if !ok {
			continue
		}
		launches, err := g.store.ListServerLaunches(ctx, executionID, w.WaveNumber)
		if err != nil {
			return nil, err
		}
		var instanceIDs []string
		for _, l := range launches {
			if l.Status == domain.ServerLaunchLaunched && l.RecoveryInstanceID != "" {
				instanceIDs = append(instanceIDs, l.RecoveryInstanceID)
			}
		}
		if len(instanceIDs) == 0 {
			continue
		}
		protectionGroup, err := g.catalog.GetProtectionGroup(ctx, spec.GroupID)
		if err != nil {
			return nil, err
		}
		account, err := g.catalog.GetTargetAccount(ctx, protectionGroup.TargetAccountID)
		if err != nil {
			return nil, err
		}
		key := account.AccountID + "/" + account.Region
		grp, ok := groups[key]
		if !ok {
			grp = &group{account: account}
			groups[key] = grp
		}
		grp.instanceIDs = append(grp.instanceIDs, instanceIDs...)
	}

	svcCache := map[string]drs.Service{}
	var jobIDs []string
	for _, grp := range groups {
		svc, err := g.serviceFor(ctx, svcCache, grp.account)
		if err != nil {
			return jobIDs, err
		}
		job, err := svc.TerminateRecoveryInstances(ctx, grp.instanceIDs)
		if err != nil {
			return jobIDs, err
		}
		jobIDs = append(jobIDs, job.JobID)
		_ = g.store.AppendAudit(ctx, domain.AuditRecord{
			ExecutionID: executionID,
			Timestamp:   g.now(),
			Severity:    domain.AuditInfo,
			Kind:        "TERMINATE_INSTANCES",
			Message:     fmt.Sprintf("terminate-recovery-instances job %s started for %d instance(s)", job.JobID, len(grp.instanceIDs)),
			Detail: map[string]any{
				"commandId":     commandID,
				"terminateJobId": job.JobID,
				"accountId":     grp.account.AccountID,
				"region":        grp.account.Region,
				"instanceCount": len(grp.instanceIDs),
			},
		})
	}
	return jobIDs, nil
}

// guardedCommand loads the Execution, applies guard to compute the new
// row (or a rejection code), and persists the command idempotently keyed
// by the caller-supplied id convention: the gateway itself mints the id,
// so idempotency here guards against double-submission of the *same*
// logical request only when the caller reuses a command id it already
// holds (e.g. a retried HTTP request echoing the prior Command.ID).
func (g *Gateway) guardedCommand(
	ctx context.Context,
	executionID string,
	kind domain.CommandKind,
	requestedBy, reason string,
	guard func(domain.Execution) (domain.Execution, string),
) (Result, error) {
	exec, err := g.store.GetExecution(ctx, executionID)
	if err != nil {
		return Result{}, err
	}

	cmd := domain.Command{
		ID:          g.newID(),
		ExecutionID: executionID,
		Kind:        kind,
		RequestedBy: requestedBy,
		Reason:      reason,
		RequestedAt: g.now(),
	}

	updated, rejectCode := guard(exec)
	if rejectCode != "" {
		return g.reject(ctx, cmd, rejectCode)
	}

	if updated.Version != exec.Version {
		if err := g.store.UpdateExecution(ctx, updated); err != nil {
			if domain.IsConflict(err) {
				return g.reject(ctx, cmd, string(domain.ErrCodeVersionConflict))
			}
			return Result{}, err
		}
	}
	return g.accept(ctx, cmd)
}

func (g *Gateway) accept(ctx context.Context, cmd domain.Command) (Result, error) {
	now := g.now()
	cmd.ConsumedAt, cmd.AcceptedAt = &now, &now
	stored, firstTime, err := g.store.SaveCommand(ctx, cmd)
	if err != nil {
		return Result{}, err
	}
	if firstTime {
		g.audit(ctx, stored, true)
		if g.logger != nil {
			g.logger.LogCommand(ctx, string(cmd.Kind), cmd.ExecutionID, true, "")
		}
	}
	return Result{Command: stored, Accepted: stored.Accepted()}, nil
}

func (g *Gateway) reject(ctx context.Context, cmd domain.Command, reasonCode string) (Result, error) {
	now := g.now()
	cmd.ConsumedAt = &now
	cmd.RejectedReason = reasonCode
	stored, firstTime, err := g.store.SaveCommand(ctx, cmd)
	if err != nil {
		return Result{}, err
	}
	if firstTime {
		g.audit(ctx, stored, false)
		if g.logger != nil {
			g.logger.LogCommand(ctx, string(cmd.Kind), cmd.ExecutionID, false, reasonCode)
		}
	}
	return Result{Command: stored, Accepted: false}, nil
}

func (g *Gateway) audit(ctx context.Context, cmd domain.Command, accepted bool) {
	severity := domain.AuditInfo
	message := fmt.Sprintf("command %s accepted", cmd.Kind)
	if !accepted {
		severity = domain.AuditWarn
		message = fmt.Sprintf("command %s rejected: %s", cmd.Kind, cmd.RejectedReason)
	}
	_ = g.store.AppendAudit(ctx, domain.AuditRecord{
		ExecutionID: cmd.ExecutionID,
		Timestamp:   g.now(),
		Severity:    severity,
		Kind:        "COMMAND",
		Message:     message,
		Detail: map[string]any{
			"commandId": cmd.ID,
			"kind":      cmd.Kind,
			"requestedBy": cmd.RequestedBy,
		},
	})
}

// GetExecution returns a consistent view of the Execution plus its wave
// rows, per spec.md §7's "GetExecution always returns a consistent view".
func (g *Gateway) GetExecution(ctx context.Context, executionID string) (domain.Execution, []domain.WaveExecution, error) {
	exec, err := g.store.GetExecution(ctx, executionID)
	if err != nil {
		return domain.Execution{}, nil, err
	}
	waves, err := g.store.ListWaveExecutions(ctx, executionID)
	if err != nil {
		return domain.Execution{}, nil, err
	}
	return exec, waves, nil
}

// ListExecutions delegates to the store.
func (g *Gateway) ListExecutions(ctx context.Context, filter statestore.ExecutionFilter) ([]domain.Execution, error) {
	return g.store.ListExecutions(ctx, filter)
}

// GetAuditLog returns the append-only audit trail for one execution.
func (g *Gateway) GetAuditLog(ctx context.Context, executionID string) ([]domain.AuditRecord, error) {
	return g.store.ListAudit(ctx, executionID)
}

// SetDRSAccess attaches the Credential Broker and DRS ServiceBuilder the
// gateway needs for the two operations that reach past the State Store
// into DRS itself: GetJobLogs (DescribeJobLogItems) and the
// TerminateInstances side effect (TerminateRecoveryInstances). Left unset,
// GetJobLogs returns an error and TerminateInstances still accepts the
// command but logs the failure and returns no TerminateJobIDs, rather than
// panicking — the same nil-disables-the-feature convention as
// wave.Runner.SetRateLimiter.
func (g *Gateway) SetDRSAccess(credProvider credentials.Provider, services ServiceBuilder) {
	g.credentials = credProvider
	g.services = services
}

// JobLogGroup is one DRS job's log items, grouped by wave and source server
// for GetJobLogs (spec.md §6.1, backed by §6.3's DescribeJobLogItems).
type JobLogGroup struct {
	WaveNumber     int
	SourceServerID string
	DRSJobID       string
	Items          []drs.JobLogItem
}

// GetJobLogs surfaces DRS job-log items for every launched ServerLaunch in
// executionID, grouped by wave/server. Launches without a DRSJobID yet
// (PENDING, or FAILED before a job was ever created) are skipped — there is
// nothing DRS can report logs for.
func (g *Gateway) GetJobLogs(ctx context.Context, executionID string) ([]JobLogGroup, error) {
	if g.services == nil || g.credentials == nil {
		return nil, fmt.Errorf("gateway: job log source not configured")
	}
	exec, err := g.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	plan, err := g.catalog.GetRecoveryPlan(ctx, exec.PlanID)
	if err != nil {
		return nil, err
	}
	waves, err := g.store.ListWaveExecutions(ctx, executionID)
	if err != nil {
		return nil, err
	}

	var groups []JobLogGroup
	svcCache := map[string]drs.Service{}
	for _, w := range waves {
		spec, ok := plan.WaveByNumber(w.WaveNumber)
		if !ok {
			continue
		}
		launches, err := g.store.ListServerLaunches(ctx, executionID, w.WaveNumber)
		if err != nil {
			return nil, err
		}
		var withJob []domain.ServerLaunch
		for _, l := range launches {
			if l.DRSJobID != "" {
				withJob = append(withJob, l)
			}
		}
		if len(withJob) == 0 {
			continue
		}

		group, err := g.catalog.GetProtectionGroup(ctx, spec.GroupID)
		if err != nil {
			return nil, err
		}
		account, err := g.catalog.GetTargetAccount(ctx, group.TargetAccountID)
		if err != nil {
			return nil, err
		}
		svc, err := g.serviceFor(ctx, svcCache, account)
		if err != nil {
			return nil, err
		}

		for _, l := range withJob {
			items, err := svc.DescribeJobLogItems(ctx, l.DRSJobID)
			if err != nil {
				return nil, err
			}
			groups = append(groups, JobLogGroup{
				WaveNumber:     w.WaveNumber,
				SourceServerID: l.SourceServerID,
				DRSJobID:       l.DRSJobID,
				Items:          items,
			})
		}
	}
	return groups, nil
}

func (g *Gateway) serviceFor(ctx context.Context, cache map[string]drs.Service, account domain.TargetAccount) (drs.Service, error) {
	key := account.AccountID + "/" + account.Region
	if svc, ok := cache[key]; ok {
		return svc, nil
	}
	creds, err := g.credentials.Credentials(ctx, account.AccountID, account.Region, credentials.PurposeDescribe)
	if err != nil {
		return nil, err
	}
	svc, err := g.services.Build(ctx, creds, account.Region)
	if err != nil {
		return nil, err
	}
	cache[key] = svc
	return svc, nil
}
