package drs

import "context"

// Service is the narrow DRS/EC2 surface consumed by the Wave Runner and
// Job Poller (spec.md §6.3). Each call is expected to be wrapped by the
// caller with the Credential Broker and a rate limiter keyed by
// (accountId, region); Service implementations do not do this themselves.
type Service interface {
	DescribeSourceServers(ctx context.Context, filter SourceServerFilter) ([]SourceServer, error)
	StartRecovery(ctx context.Context, in StartRecoveryInput) (Job, error)
	DescribeJobs(ctx context.Context, jobIDs []string) ([]Job, error)
	DescribeRecoveryInstances(ctx context.Context, sourceServerIDs []string) ([]RecoveryInstance, error)
	TerminateRecoveryInstances(ctx context.Context, recoveryInstanceIDs []string) (TerminateJob, error)
	DescribeJobLogItems(ctx context.Context, jobID string) ([]JobLogItem, error)
}
