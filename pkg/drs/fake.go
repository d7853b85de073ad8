package drs

import (
	"context"
	"fmt"
	"sync"
)

// FakeService is an in-memory Service used by Wave Runner / Job Poller /
// Supervisor tests. Scripted outcomes are configured before use; calls
// are recorded for assertions.
type FakeService struct {
	mu sync.Mutex

	// TagResolution maps a tag-filter fingerprint (built by FilterKey) to
	// the source servers that selection should resolve to.
	TagResolution map[string][]SourceServer

	// JobOutcomes maps a jobId to the Job it should report from
	// DescribeJobs, consulted on every call (tests mutate it between
	// ticks to simulate progress).
	JobOutcomes map[string]Job

	// StartRecoveryErr, when set, is returned by every StartRecovery call.
	StartRecoveryErr error

	// LogItems maps a jobId to the log items DescribeJobLogItems should
	// report for it.
	LogItems map[string][]JobLogItem

	nextJobID int
	jobs      map[string]Job
	calls     []string
}

// NewFakeService creates an empty FakeService.
func NewFakeService() *FakeService {
	return &FakeService{
		TagResolution: map[string][]SourceServer{},
		JobOutcomes:   map[string]Job{},
		LogItems:      map[string][]JobLogItem{},
		jobs:          map[string]Job{},
	}
}

// FilterKey builds the lookup key FakeService uses for TagResolution.
func FilterKey(tagFilter map[string]string) string {
	return fmt.Sprintf("%v", tagFilter)
}

// Calls returns the method names invoked so far, in order.
func (f *FakeService) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeService) record(method string) {
	f.calls = append(f.calls, method)
}

func (f *FakeService) DescribeSourceServers(ctx context.Context, filter SourceServerFilter) ([]SourceServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DescribeSourceServers")
	if filter.Explicit() {
		servers := make([]SourceServer, 0, len(filter.SourceServerIDs))
		for _, id := range filter.SourceServerIDs {
			servers = append(servers, SourceServer{SourceServerID: id})
		}
		return servers, nil
	}
	return f.TagResolution[FilterKey(filter.TagFilter)], nil
}

// Explicit reports whether the filter selects servers by id rather than tag.
func (f SourceServerFilter) Explicit() bool { return len(f.SourceServerIDs) > 0 }

func (f *FakeService) StartRecovery(ctx context.Context, in StartRecoveryInput) (Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StartRecovery")
	if f.StartRecoveryErr != nil {
		return Job{}, f.StartRecoveryErr
	}
	f.nextJobID++
	jobID := fmt.Sprintf("job-%d", f.nextJobID)
	job := Job{JobID: jobID, Status: JobPending}
	for _, id := range in.SourceServerIDs {
		job.ParticipatingServers = append(job.ParticipatingServers, ParticipatingServer{
			SourceServerID: id,
			LaunchStatus:   LaunchStatusPending,
		})
	}
	f.jobs[jobID] = job
	if override, ok := f.JobOutcomes[jobID]; ok {
		f.jobs[jobID] = override
	}
	return f.jobs[jobID], nil
}

func (f *FakeService) DescribeJobs(ctx context.Context, jobIDs []string) ([]Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DescribeJobs")
	jobs := make([]Job, 0, len(jobIDs))
	for _, id := range jobIDs {
		if override, ok := f.JobOutcomes[id]; ok {
			jobs = append(jobs, override)
			continue
		}
		if j, ok := f.jobs[id]; ok {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

func (f *FakeService) DescribeRecoveryInstances(ctx context.Context, sourceServerIDs []string) ([]RecoveryInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DescribeRecoveryInstances")
	instances := make([]RecoveryInstance, 0, len(sourceServerIDs))
	for _, id := range sourceServerIDs {
		instances = append(instances, RecoveryInstance{
			SourceServerID:     id,
			RecoveryInstanceID: "ri-" + id,
		})
	}
	return instances, nil
}

func (f *FakeService) TerminateRecoveryInstances(ctx context.Context, recoveryInstanceIDs []string) (TerminateJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("TerminateRecoveryInstances")
	f.nextJobID++
	return TerminateJob{JobID: fmt.Sprintf("terminate-job-%d", f.nextJobID)}, nil
}

func (f *FakeService) DescribeJobLogItems(ctx context.Context, jobID string) ([]JobLogItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DescribeJobLogItems")
	return f.LogItems[jobID], nil
}

// SetJobOutcome scripts the Job that DescribeJobs/StartRecovery should
// report for jobID from now on.
func (f *FakeService) SetJobOutcome(jobID string, job Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.JobOutcomes[jobID] = job
}
