// Package poller is the Job Poller (spec.md §4.4): a shared pool that
// drives every in-flight DRS job to a terminal outcome, coalescing
// Describe-Jobs calls per (account, region) on each tick and writing
// progress back to the State Store. It never talks to the Supervisor
// directly; ServerLaunch rows are the only channel of communication,
// matching §2's "Job Poller writes progress back through the State
// Store; Supervisor observes wave completion".
package poller

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/R3E-Network/drs-orchestrator/internal/logging"
	"github.com/R3E-Network/drs-orchestrator/internal/ratelimit"
	"github.com/R3E-Network/drs-orchestrator/internal/resilience"
	"github.com/R3E-Network/drs-orchestrator/pkg/credentials"
	"github.com/R3E-Network/drs-orchestrator/pkg/domain"
	"github.com/R3E-Network/drs-orchestrator/pkg/drs"
	"github.com/R3E-Network/drs-orchestrator/pkg/metrics"
	"github.com/R3E-Network/drs-orchestrator/pkg/statestore"
	"github.com/R3E-Network/drs-orchestrator/pkg/wave"
)

// ServiceBuilder mints a drs.Service scoped to one credential set and
// region; the same shape wave.ServiceBuilder uses, so drs.Factory serves
// both the Wave Runner and the Job Poller.
type ServiceBuilder interface {
	Build(ctx context.Context, creds credentials.Credentials, region string) (drs.Service, error)
}

// invalidator is the optional Provider capability the poller uses to force
// a credential refresh after repeated auth failures. credentials.STSProvider
// implements it; credentials.FakeProvider does not, and that's fine — the
// type assertion in forceCredentialRefresh simply no-ops.
type invalidator interface {
	Invalidate(accountID, region string)
}

type trackedJob struct {
	wave.PendingJob
	nextPollAt time.Time
	backoff    time.Duration
}

func jobKey(executionID string, waveNumber int, sourceServerID string) string {
	return executionID + "#" + strconv.Itoa(waveNumber) + "#" + sourceServerID
}

// Poller is the Job Poller. It implements wave.Registrar so a Runner can
// hand it newly-launched jobs directly.
type Poller struct {
	credentials credentials.Provider
	services    ServiceBuilder
	store       statestore.Store
	logger      *logging.Logger

	backoff         resilience.BackoffConfig
	initialDelay    time.Duration
	maxLifetime     time.Duration
	authThreshold   uint32
	tickInterval    time.Duration
	now             func() time.Time
	limiters        *ratelimit.Registry

	mu            sync.Mutex
	jobs          map[string]*trackedJob
	breakers      map[string]*gobreaker.CircuitBreaker
	authFailures  map[string]uint32

	stopCh chan struct{}
	doneCh chan struct{}
}

// SetRateLimiter attaches a shared per-(account,region) token bucket
// guarding outbound DescribeJobs polls (spec.md §5). Nil (the zero value)
// disables limiting.
func (p *Poller) SetRateLimiter(limiters *ratelimit.Registry) {
	p.limiters = limiters
}

// Config bundles the Job Poller's tunables, sourced from
// internal/config.Config.
type Config struct {
	InitialDelay  time.Duration
	Backoff       resilience.BackoffConfig
	MaxLifetime   time.Duration
	AuthThreshold int
	TickInterval  time.Duration
}

// New builds a Poller. A zero Config.TickInterval defaults to 5s, well
// under the 10s minimum poll delay so no job's due time is missed by more
// than one tick.
func New(credProvider credentials.Provider, services ServiceBuilder, store statestore.Store, cfg Config, logger *logging.Logger) *Poller {
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = 5 * time.Second
	}
	threshold := cfg.AuthThreshold
	if threshold <= 0 {
		threshold = 3
	}
	return &Poller{
		credentials:   credProvider,
		services:      services,
		store:         store,
		logger:        logger,
		backoff:       cfg.Backoff,
		initialDelay:  cfg.InitialDelay,
		maxLifetime:   cfg.MaxLifetime,
		authThreshold: uint32(threshold),
		tickInterval:  tick,
		now:           time.Now,
		jobs:          map[string]*trackedJob{},
		breakers:      map[string]*gobreaker.CircuitBreaker{},
		authFailures:  map[string]uint32{},
	}
}

// RegisterJob enrolls a newly-launched DRS job, due for its first poll
// after Config.InitialDelay.
func (p *Poller) RegisterJob(job wave.PendingJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs[jobKey(job.ExecutionID, job.WaveNumber, job.SourceServerID)] = &trackedJob{
		PendingJob: job,
		nextPollAt: p.now().Add(p.initialDelay),
	}
}

// Start runs the poller's shared tick loop until ctx is cancelled or Stop
// is called.
func (p *Poller) Start(ctx context.Context) {
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.run(ctx)
}

// Stop halts the tick loop and waits for the in-flight tick to finish.
func (p *Poller) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.doneCh
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick polls every job whose nextPollAt has elapsed, coalescing one
// Describe-Jobs call per (accountId, region) group.
func (p *Poller) tick(ctx context.Context) {
	now := p.now()

	type group struct {
		accountID, region string
		jobIDs            []string
		byJobID           map[string][]*trackedJob
	}
	groups := map[string]*group{}
	var expired []*trackedJob

	p.mu.Lock()
	for key, tj := range p.jobs {
		if now.Sub(tj.LaunchedAt) > p.maxLifetime {
			delete(p.jobs, key)
			expired = append(expired, tj)
			continue
		}
		if now.Before(tj.nextPollAt) {
			continue
		}
		gk := tj.AccountID + "/" + tj.Region
		g, ok := groups[gk]
		if !ok {
			g = &group{accountID: tj.AccountID, region: tj.Region, byJobID: map[string][]*trackedJob{}}
			groups[gk] = g
		}
		if _, seen := g.byJobID[tj.DRSJobID]; !seen {
			g.jobIDs = append(g.jobIDs, tj.DRSJobID)
		}
		g.byJobID[tj.DRSJobID] = append(g.byJobID[tj.DRSJobID], tj)
	}
	p.mu.Unlock()

	for _, tj := range expired {
		p.expire(ctx, tj)
	}
	for _, g := range groups {
		metrics.RecordPoll(g.accountID, g.region)
		p.pollGroup(ctx, g.accountID, g.region, g.jobIDs, g.byJobID)
	}

	p.mu.Lock()
	tracked := len(p.jobs)
	p.mu.Unlock()
	metrics.SetTrackedJobs(tracked)
}

func (p *Poller) pollGroup(ctx context.Context, accountID, region string, jobIDs []string, byJobID map[string][]*trackedJob) {
	svc, err := p.serviceFor(ctx, accountID, region)
	if err != nil {
		p.onGroupError(accountID, region, err, byJobID)
		return
	}
	if p.limiters != nil {
		if err := p.limiters.Wait(ctx, ratelimit.Key{AccountID: accountID, Region: region}); err != nil {
			p.onGroupError(accountID, region, err, byJobID)
			return
		}
	}

	breakerKey := accountID + "/" + region
	breaker := p.breakerFor(breakerKey)
	start := p.now()
	result, err := breaker.Execute(func() (interface{}, error) {
		return svc.DescribeJobs(ctx, jobIDs)
	})
	metrics.SetCircuitBreakerState(accountID, region, int(breaker.State()))
	if err != nil {
		metrics.RecordDRSCall("DescribeJobs", "error", p.now().Sub(start))
		p.onGroupError(accountID, region, err, byJobID)
		return
	}
	metrics.RecordDRSCall("DescribeJobs", "success", p.now().Sub(start))

	p.mu.Lock()
	p.authFailures[breakerKey] = 0
	p.mu.Unlock()

	jobs, _ := result.([]drs.Job)
	seen := map[string]bool{}
	for _, job := range jobs {
		seen[job.JobID] = true
		p.applyJob(ctx, svc, job, byJobID[job.JobID])
	}
	for jobID, tjs := range byJobID {
		if seen[jobID] {
			continue
		}
		// DRS omitted this job from the response; retry at the next
		// backed-off tick rather than treating it as terminal.
		for _, tj := range tjs {
			p.reschedule(tj)
		}
	}
}

func (p *Poller) applyJob(ctx context.Context, svc drs.Service, job drs.Job, tjs []*trackedJob) {
	byServer := map[string]drs.ParticipatingServer{}
	for _, ps := range job.ParticipatingServers {
		byServer[ps.SourceServerID] = ps
	}

	for _, tj := range tjs {
		ps, ok := byServer[tj.SourceServerID]
		switch {
		case job.Status == drs.JobPending || job.Status == drs.JobStarted:
			p.reschedule(tj)
		case job.Status == drs.JobCompleted && ok && ps.LaunchStatus == drs.LaunchStatusLaunched:
			p.completeLaunch(ctx, svc, tj, ps)
		case job.Status == drs.JobCompleted:
			p.failLaunch(ctx, tj, domain.ErrCodeLaunchFailed, launchErrorMessage(ps))
		case job.Status == drs.JobFailed:
			p.failLaunch(ctx, tj, domain.ErrCodeLaunchFailed, launchErrorMessage(ps))
		default:
			p.reschedule(tj)
		}
	}
}

func launchErrorMessage(ps drs.ParticipatingServer) string {
	if ps.ErrorMessage != "" {
		return ps.ErrorMessage
	}
	if ps.ErrorCode != "" {
		return ps.ErrorCode
	}
	return "DRS job did not complete successfully"
}

func (p *Poller) completeLaunch(ctx context.Context, svc drs.Service, tj *trackedJob, ps drs.ParticipatingServer) {
	recoveryInstanceID := ps.RecoveryInstanceID
	if recoveryInstanceID == "" {
		if instances, err := svc.DescribeRecoveryInstances(ctx, []string{tj.SourceServerID}); err == nil {
			for _, inst := range instances {
				if inst.SourceServerID == tj.SourceServerID {
					recoveryInstanceID = inst.RecoveryInstanceID
					break
				}
			}
		} else if p.logger != nil {
			p.logger.WithError(err).Warn("describe recovery instances failed after job completion")
		}
	}

	now := p.now()
	launch := domain.ServerLaunch{
		ExecutionID:        tj.ExecutionID,
		WaveNumber:         tj.WaveNumber,
		SourceServerID:     tj.SourceServerID,
		DRSJobID:           tj.DRSJobID,
		RecoveryInstanceID: recoveryInstanceID,
		Status:             domain.ServerLaunchLaunched,
		LastPolledAt:       &now,
	}
	if err := p.store.UpsertServerLaunch(ctx, launch); err != nil && p.logger != nil {
		p.logger.WithError(err).Warn("persist LAUNCHED server launch failed")
	}
	metrics.RecordServerLaunchOutcome(string(domain.ServerLaunchLaunched))
	p.untrack(tj)
}

func (p *Poller) failLaunch(ctx context.Context, tj *trackedJob, code domain.ErrorCode, message string) {
	now := p.now()
	launch := domain.ServerLaunch{
		ExecutionID:    tj.ExecutionID,
		WaveNumber:     tj.WaveNumber,
		SourceServerID: tj.SourceServerID,
		DRSJobID:       tj.DRSJobID,
		Status:         domain.ServerLaunchFailed,
		ErrorCode:      string(code),
		ErrorMessage:   message,
		LastPolledAt:   &now,
	}
	if err := p.store.UpsertServerLaunch(ctx, launch); err != nil && p.logger != nil {
		p.logger.WithError(err).Warn("persist FAILED server launch failed")
	}
	metrics.RecordServerLaunchOutcome(string(domain.ServerLaunchFailed))
	p.untrack(tj)
}

func (p *Poller) expire(ctx context.Context, tj *trackedJob) {
	now := p.now()
	launch := domain.ServerLaunch{
		ExecutionID:    tj.ExecutionID,
		WaveNumber:     tj.WaveNumber,
		SourceServerID: tj.SourceServerID,
		DRSJobID:       tj.DRSJobID,
		Status:         domain.ServerLaunchFailed,
		ErrorCode:      string(domain.ErrCodePollTimeout),
		ErrorMessage:   "DRS job exceeded the maximum poll lifetime",
		LastPolledAt:   &now,
	}
	if err := p.store.UpsertServerLaunch(ctx, launch); err != nil && p.logger != nil {
		p.logger.WithError(err).Warn("persist POLL_TIMEOUT server launch failed")
	}
	metrics.RecordServerLaunchOutcome(string(domain.ServerLaunchFailed))
}

func (p *Poller) reschedule(tj *trackedJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tj.backoff = p.backoff.Next(tj.backoff)
	tj.nextPollAt = p.now().Add(p.backoff.Jittered(tj.backoff))
}

func (p *Poller) untrack(tj *trackedJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.jobs, jobKey(tj.ExecutionID, tj.WaveNumber, tj.SourceServerID))
}

func (p *Poller) serviceFor(ctx context.Context, accountID, region string) (drs.Service, error) {
	creds, err := p.credentials.Credentials(ctx, accountID, region, credentials.PurposeDescribe)
	if err != nil {
		return nil, err
	}
	return p.services.Build(ctx, creds, region)
}

func (p *Poller) breakerFor(key string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.breakers[key]; ok {
		return b
	}
	b := resilience.NewAWSCallBreaker("drs-poll-"+key, p.authThreshold)
	p.breakers[key] = b
	return b
}

// onGroupError classifies a failed Describe-Jobs call: transient errors are
// logged and retried next tick; auth-class errors count toward
// Config.AuthThreshold before the poller forces a credential refresh via
// the broker (§4.4: "three consecutive hard auth/permission errors force a
// credential refresh").
func (p *Poller) onGroupError(accountID, region string, err error, byJobID map[string][]*trackedJob) {
	key := accountID + "/" + region
	if code, ok := errorCode(err); ok && domain.IsAuthError(code) {
		p.mu.Lock()
		p.authFailures[key]++
		failures := p.authFailures[key]
		p.mu.Unlock()
		if failures >= p.authThreshold {
			p.forceCredentialRefresh(accountID, region)
			p.mu.Lock()
			p.authFailures[key] = 0
			p.mu.Unlock()
		}
	}
	if p.logger != nil {
		p.logger.WithError(err).Warn("describe jobs call failed, retaining jobs for retry")
	}
	for _, tjs := range byJobID {
		for _, tj := range tjs {
			p.reschedule(tj)
		}
	}
}

func (p *Poller) forceCredentialRefresh(accountID, region string) {
	if inv, ok := p.credentials.(invalidator); ok {
		inv.Invalidate(accountID, region)
	}
}

func errorCode(err error) (domain.ErrorCode, bool) {
	switch e := err.(type) {
	case *domain.AWSError:
		return e.Code, true
	case *domain.ConflictError:
		return e.Code, true
	case *domain.CapacityError:
		return e.Code, true
	default:
		return "", false
	}
}
