// Package drs narrows the AWS DRS/EC2 surface (spec.md §6.3) this engine
// needs down to a consumable Service interface, backed either by the real
// AWS SDK v2 clients or, in tests, by FakeService.
package drs

import "time"

// SourceServerFilter selects source servers either by explicit id or by
// tag, mirroring ProtectionGroup.ServerSelection.
type SourceServerFilter struct {
	SourceServerIDs []string
	TagFilter       map[string]string
}

// SourceServer is the subset of DRS's DescribeSourceServers result this
// engine consumes.
type SourceServer struct {
	SourceServerID string
	Tags           map[string]string
}

// JobStatus mirrors the statuses DRS reports for a recovery job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobStarted   JobStatus = "STARTED"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// LaunchStatus mirrors the per-participating-server outcome DRS reports.
type LaunchStatus string

const (
	LaunchStatusPending LaunchStatus = "PENDING"
	LaunchStatusLaunched LaunchStatus = "LAUNCHED"
	LaunchStatusFailed   LaunchStatus = "FAILED"
	LaunchStatusInProgress LaunchStatus = "IN_PROGRESS"
)

// ParticipatingServer is one server's outcome within a recovery job.
type ParticipatingServer struct {
	SourceServerID     string
	RecoveryInstanceID string
	LaunchStatus       LaunchStatus
	ErrorCode          string
	ErrorMessage       string
}

// Job is a DRS-managed recovery job, returned by StartRecovery and
// refreshed by DescribeJobs.
type Job struct {
	JobID                string
	Status               JobStatus
	ParticipatingServers []ParticipatingServer
}

// RecoveryInstance is the subset of DescribeRecoveryInstances this engine
// consumes.
type RecoveryInstance struct {
	RecoveryInstanceID string
	SourceServerID     string
	EC2InstanceID      string
}

// TerminateJob is returned by TerminateRecoveryInstances.
type TerminateJob struct {
	JobID string
}

// JobLogItem is one entry of a job's DRS-side execution log, surfaced to
// operators via GetJobLogs.
type JobLogItem struct {
	LogDateTime time.Time
	Event       string
	Message     string
}

// StartRecoveryInput is the request to launch recovery for a set of
// source servers.
type StartRecoveryInput struct {
	SourceServerIDs []string
	IsDrill         bool
	Tags            map[string]string
}
