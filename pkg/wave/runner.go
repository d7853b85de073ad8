// Package wave is the Wave Runner (spec.md §4.3): resolves one wave's
// servers, checks capacity, fans out per-server DRS Start-Recovery calls
// bounded by a per-(account,region) concurrency limit, and hands each
// launched job to the Job Poller. It never blocks waiting for a wave to
// finish — the Supervisor observes completion by reading ServerLaunch rows
// back from the State Store, per spec.md §2's "Job Poller writes progress
// back through the State Store; Supervisor observes wave completion".
package wave

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/R3E-Network/drs-orchestrator/internal/logging"
	"github.com/R3E-Network/drs-orchestrator/internal/ratelimit"
	"github.com/R3E-Network/drs-orchestrator/internal/resilience"
	"github.com/R3E-Network/drs-orchestrator/pkg/credentials"
	"github.com/R3E-Network/drs-orchestrator/pkg/domain"
	"github.com/R3E-Network/drs-orchestrator/pkg/drs"
	"github.com/R3E-Network/drs-orchestrator/pkg/repository"
	"github.com/R3E-Network/drs-orchestrator/pkg/statestore"
)

// ServiceBuilder constructs a drs.Service scoped to one credential set and
// region, letting the Runner mint a fresh client pair whenever the
// Credential Broker hands back new credentials. drs.Factory is the
// production implementation; tests supply one returning a drs.FakeService.
type ServiceBuilder interface {
	Build(ctx context.Context, creds credentials.Credentials, region string) (drs.Service, error)
}

// Registrar is the Job Poller's narrow intake surface: RegisterJob hands
// off one in-flight DRS job for the poller's shared pool to track.
type Registrar interface {
	RegisterJob(job PendingJob)
}

// PendingJob is one DRS job newly launched by the Wave Runner and not yet
// terminal.
type PendingJob struct {
	ExecutionID    string
	WaveNumber     int
	SourceServerID string
	AccountID      string
	Region         string
	DRSJobID       string
	LaunchedAt     time.Time
}

// Runner is the Wave Runner.
type Runner struct {
	catalog     repository.Catalog
	credentials credentials.Provider
	services    ServiceBuilder
	store       statestore.Store
	poller      Registrar
	sizeLimit   int
	concurrency int
	logger      *logging.Logger
	now         func() time.Time
	limiters    *ratelimit.Registry

	semMu      sync.Mutex
	semaphores map[string]*semaphore.Weighted
}

// SetRateLimiter attaches a shared per-(account,region) token bucket
// guarding outbound Start-Recovery calls (spec.md §5). Nil disables
// limiting, which is the zero-value behavior for callers (tests) that
// never set one.
func (r *Runner) SetRateLimiter(limiters *ratelimit.Registry) {
	r.limiters = limiters
}

// New builds a Runner. concurrencyLimit bounds per-(account,region)
// fan-out (spec.md §4.3, default 10); sizeLimit rejects oversized waves
// (default 100).
func New(
	catalog repository.Catalog,
	credProvider credentials.Provider,
	services ServiceBuilder,
	store statestore.Store,
	poller Registrar,
	sizeLimit, concurrencyLimit int,
	logger *logging.Logger,
) *Runner {
	return &Runner{
		catalog:     catalog,
		credentials: credProvider,
		services:    services,
		store:       store,
		poller:      poller,
		sizeLimit:   sizeLimit,
		concurrency: concurrencyLimit,
		logger:      logger,
		now:         time.Now,
		semaphores:  map[string]*semaphore.Weighted{},
	}
}

func (r *Runner) semaphoreFor(accountID, region string) *semaphore.Weighted {
	r.semMu.Lock()
	defer r.semMu.Unlock()
	key := accountID + "/" + region
	if sem, ok := r.semaphores[key]; ok {
		return sem
	}
	sem := semaphore.NewWeighted(int64(r.concurrency))
	r.semaphores[key] = sem
	return sem
}

// Launch resolves wave's servers, capacity-checks them, and fans out one
// Start-Recovery call per server. It persists a ServerLaunch row for every
// server (terminal FAILED ones included) before returning, and then
// transitions the WaveExecution to POLLING even when every launch failed;
// the Supervisor settles the wave from those rows.
func (r *Runner) Launch(ctx context.Context, executionID string, execType domain.ExecutionType, wave domain.WaveExecution, spec domain.WaveSpec) error {
	group, err := r.catalog.GetProtectionGroup(ctx, spec.GroupID)
	if err != nil {
		return err
	}
	account, err := r.catalog.GetTargetAccount(ctx, group.TargetAccountID)
	if err != nil {
		return err
	}

	serverIDs, err := r.resolveServers(ctx, group, account)
	if err != nil {
		return r.failWave(ctx, wave, err)
	}
	if len(serverIDs) == 0 {
		return r.failWave(ctx, wave, domain.NewValidationError(domain.ErrCodeNoMatchingServers, "serverSelection", "no source servers matched the selection"))
	}
	if len(serverIDs) > r.sizeLimit {
		return r.failWave(ctx, wave, domain.NewValidationError(domain.ErrCodeWaveSizeLimitExceeded, "serverSelection", fmt.Sprintf("wave has %d servers, limit is %d", len(serverIDs), r.sizeLimit)))
	}

	sem := r.semaphoreFor(account.AccountID, account.Region)
	if err := r.checkConcurrentJobQuota(ctx, sem, account); err != nil {
		return r.failWave(ctx, wave, err)
	}

	wave.ServerCount = len(serverIDs)
	wave.Status = domain.WaveLaunching
	start := r.now()
	wave.StartTime = &start
	if err := r.store.UpsertWaveExecution(ctx, wave); err != nil {
		return err
	}

	svc, err := r.serviceFor(ctx, account, credentials.PurposeRecovery)
	if err != nil {
		return r.failWave(ctx, wave, err)
	}

	errs := make(chan error, len(serverIDs))
	for _, sourceServerID := range serverIDs {
		sourceServerID := sourceServerID
		if err := sem.Acquire(ctx, 1); err != nil {
			errs <- err
			continue
		}
		go func() {
			defer sem.Release(1)
			errs <- r.launchOne(ctx, svc, executionID, wave.WaveNumber, sourceServerID, execType, account)
		}()
	}
	for range serverIDs {
		if err := <-errs; err != nil && r.logger != nil {
			r.logger.WithError(err).Warn("server launch failed")
		}
	}

	wave.Status = domain.WavePolling
	return r.store.UpsertWaveExecution(ctx, wave)
}

func (r *Runner) resolveServers(ctx context.Context, group domain.ProtectionGroup, account domain.TargetAccount) ([]string, error) {
	if group.ServerSelection.Explicit() {
		return group.ServerSelection.SourceServerIDs, nil
	}
	return r.catalog.ResolveServersByTag(ctx, account.AccountID, account.Region, group.ServerSelection.TagSelector)
}

func (r *Runner) serviceFor(ctx context.Context, account domain.TargetAccount, purpose credentials.Purpose) (drs.Service, error) {
	creds, err := r.credentials.Credentials(ctx, account.AccountID, account.Region, purpose)
	if err != nil {
		return nil, err
	}
	return r.services.Build(ctx, creds, account.Region)
}

// checkConcurrentJobQuota enforces spec.md §4.3 step 2's per-account DRS
// concurrent-job quota: sem's weight is the account/region's concurrency
// limit, so a slot being available right now is the quota check, and
// acquiring-then-releasing one probes it without reserving capacity the
// fan-out loop below still needs to acquire itself. If every slot stays
// taken for the bounded retry window (other in-flight waves saturating
// the same account/region), the wave fails rather than queuing forever.
func (r *Runner) checkConcurrentJobQuota(ctx context.Context, sem *semaphore.Weighted, account domain.TargetAccount) error {
	return resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
		if !sem.TryAcquire(1) {
			return domain.NewCapacityError(domain.ErrCodeConcurrentJobsLimitExceeded,
				fmt.Sprintf("no DRS concurrent-job slots available for account %s region %s", account.AccountID, account.Region))
		}
		sem.Release(1)
		return nil
	})
}

// waitForCall blocks on the shared per-(account,region) token bucket, if
// one is configured, immediately before an outbound DRS call.
func (r *Runner) waitForCall(ctx context.Context, account domain.TargetAccount) error {
	if r.limiters == nil {
		return nil
	}
	return r.limiters.Wait(ctx, ratelimit.Key{AccountID: account.AccountID, Region: account.Region})
}

func (r *Runner) launchOne(ctx context.Context, svc drs.Service, executionID string, waveNumber int, sourceServerID string, execType domain.ExecutionType, account domain.TargetAccount) error {
	launch := domain.ServerLaunch{
		ExecutionID:    executionID,
		WaveNumber:     waveNumber,
		SourceServerID: sourceServerID,
		Status:         domain.ServerLaunchPending,
	}
	if err := r.store.UpsertServerLaunch(ctx, launch); err != nil {
		return err
	}

	if err := r.waitForCall(ctx, account); err != nil {
		launch.Status = domain.ServerLaunchFailed
		launch.ErrorCode = string(domain.ErrCodeLaunchFailed)
		launch.ErrorMessage = err.Error()
		return r.store.UpsertServerLaunch(ctx, launch)
	}

	job, err := svc.StartRecovery(ctx, drs.StartRecoveryInput{
		SourceServerIDs: []string{sourceServerID},
		IsDrill:         execType == domain.ExecutionTypeDrill,
		Tags:            map[string]string{"ExecutionId": executionID},
	})
	if err != nil {
		launch.Status = domain.ServerLaunchFailed
		launch.ErrorCode = string(domain.ErrCodeLaunchFailed)
		launch.ErrorMessage = err.Error()
		return r.store.UpsertServerLaunch(ctx, launch)
	}

	launch.Status = domain.ServerLaunchLaunching
	launch.DRSJobID = job.JobID
	if err := r.store.UpsertServerLaunch(ctx, launch); err != nil {
		return err
	}

	if r.poller != nil {
		r.poller.RegisterJob(PendingJob{
			ExecutionID:    executionID,
			WaveNumber:     waveNumber,
			SourceServerID: sourceServerID,
			AccountID:      account.AccountID,
			Region:         account.Region,
			DRSJobID:       job.JobID,
			LaunchedAt:     r.now(),
		})
	}
	return nil
}

func (r *Runner) failWave(ctx context.Context, wave domain.WaveExecution, cause error) error {
	wave.Status = domain.WaveFailed
	end := r.now()
	wave.EndTime = &end
	if err := r.store.UpsertWaveExecution(ctx, wave); err != nil {
		return err
	}
	return cause
}

// Aggregate computes a wave's terminal status from its ServerLaunches per
// invariant 6: COMPLETED iff every launch is LAUNCHED, FAILED iff every
// one is FAILED, PARTIAL otherwise. Returns false if any launch is not yet
// terminal.
func Aggregate(launches []domain.ServerLaunch) (domain.WaveExecutionStatus, bool) {
	if len(launches) == 0 {
		return domain.WaveCompleted, true
	}
	allLaunched, allFailed := true, true
	for _, l := range launches {
		if !l.Status.Terminal() {
			return "", false
		}
		if l.Status != domain.ServerLaunchLaunched {
			allLaunched = false
		}
		if l.Status != domain.ServerLaunchFailed {
			allFailed = false
		}
	}
	switch {
	case allLaunched:
		return domain.WaveCompleted, true
	case allFailed:
		return domain.WaveFailed, true
	default:
		return domain.WavePartial, true
	}
}
