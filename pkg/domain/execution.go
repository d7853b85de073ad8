// Package domain holds the core entity types shared across the orchestrator:
// Protection Groups and Recovery Plans (read from the external catalog),
// Executions and their child Wave/ServerLaunch rows (owned by this engine),
// Commands and the append-only audit log.
package domain

import "time"

// ExecutionType distinguishes a test launch from a production recovery.
type ExecutionType string

const (
	ExecutionTypeDrill    ExecutionType = "DRILL"
	ExecutionTypeRecovery ExecutionType = "RECOVERY"
)

// ExecutionStatus is the top-level state of an Execution.
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "PENDING"
	ExecutionRunning    ExecutionStatus = "RUNNING"
	ExecutionPaused     ExecutionStatus = "PAUSED"
	ExecutionCancelling ExecutionStatus = "CANCELLING"
	ExecutionCompleted  ExecutionStatus = "COMPLETED"
	ExecutionFailed     ExecutionStatus = "FAILED"
	ExecutionCancelled  ExecutionStatus = "CANCELLED"
	ExecutionPartial    ExecutionStatus = "PARTIAL"
)

// Terminal reports whether no further status transition is permitted.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionPartial:
		return true
	default:
		return false
	}
}

// Execution is one attempt to run a Recovery Plan end-to-end. It is the
// only entity this engine exclusively owns; WaveExecutions and
// ServerLaunches are its children.
type Execution struct {
	ID                string          `json:"id"`
	PlanID            string          `json:"planId"`
	Type              ExecutionType   `json:"type"`
	Status            ExecutionStatus `json:"status"`
	InitiatedBy       string          `json:"initiatedBy"`
	Name              string          `json:"name,omitempty"`
	Description       string          `json:"description,omitempty"`
	StartTime         time.Time       `json:"startTime,omitempty"`
	EndTime           *time.Time      `json:"endTime,omitempty"`
	CurrentWaveNumber *int            `json:"currentWaveNumber,omitempty"`
	PauseRequested    bool            `json:"pauseRequested"`
	ReasonOnFailure    string         `json:"reasonOnFailure,omitempty"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Clone returns a deep-enough copy safe to mutate without aliasing the
// receiver's pointer fields.
func (e Execution) Clone() Execution {
	c := e
	if e.CurrentWaveNumber != nil {
		w := *e.CurrentWaveNumber
		c.CurrentWaveNumber = &w
	}
	if e.EndTime != nil {
		t := *e.EndTime
		c.EndTime = &t
	}
	return c
}

// WaveExecutionStatus is the state of one wave within an Execution.
type WaveExecutionStatus string

const (
	WavePending      WaveExecutionStatus = "PENDING"
	WaveWaitingPause WaveExecutionStatus = "WAITING_PAUSE"
	WaveLaunching    WaveExecutionStatus = "LAUNCHING"
	WavePolling      WaveExecutionStatus = "POLLING"
	WaveCompleted    WaveExecutionStatus = "COMPLETED"
	WaveFailed       WaveExecutionStatus = "FAILED"
	WavePartial      WaveExecutionStatus = "PARTIAL"
	WaveSkipped      WaveExecutionStatus = "SKIPPED"
)

// Terminal reports whether the wave has reached a settled outcome.
func (s WaveExecutionStatus) Terminal() bool {
	switch s {
	case WaveCompleted, WaveFailed, WavePartial, WaveSkipped:
		return true
	default:
		return false
	}
}

// WaveExecution is one wave of an Execution's run, a child of Execution.
type WaveExecution struct {
	ExecutionID string              `json:"executionId"`
	WaveNumber  int                 `json:"waveNumber"`
	Status      WaveExecutionStatus `json:"status"`
	StartTime   *time.Time          `json:"startTime,omitempty"`
	EndTime     *time.Time          `json:"endTime,omitempty"`
	ServerCount int                 `json:"serverCount"`
}

// ServerLaunchStatus is the state of one server's recovery within a wave.
type ServerLaunchStatus string

const (
	ServerLaunchPending   ServerLaunchStatus = "PENDING"
	ServerLaunchLaunching ServerLaunchStatus = "LAUNCHING"
	ServerLaunchLaunched  ServerLaunchStatus = "LAUNCHED"
	ServerLaunchFailed    ServerLaunchStatus = "FAILED"
	ServerLaunchCancelled ServerLaunchStatus = "CANCELLED"
)

// Terminal reports whether no further polling is needed for this launch.
func (s ServerLaunchStatus) Terminal() bool {
	switch s {
	case ServerLaunchLaunched, ServerLaunchFailed, ServerLaunchCancelled:
		return true
	default:
		return false
	}
}

// ServerLaunch tracks one source server's recovery within a wave, a child
// of WaveExecution.
type ServerLaunch struct {
	ExecutionID        string             `json:"executionId"`
	WaveNumber         int                `json:"waveNumber"`
	SourceServerID     string             `json:"sourceServerId"`
	DRSJobID           string             `json:"drsJobId,omitempty"`
	RecoveryInstanceID string             `json:"recoveryInstanceId,omitempty"`
	Status             ServerLaunchStatus `json:"status"`
	ErrorCode          string             `json:"errorCode,omitempty"`
	ErrorMessage       string             `json:"errorMessage,omitempty"`
	LastPolledAt       *time.Time         `json:"lastPolledAt,omitempty"`
}

// CommandKind is the control-signal variety accepted by the Command
// Gateway.
type CommandKind string

const (
	CommandStart               CommandKind = "START"
	CommandPause               CommandKind = "PAUSE"
	CommandResume              CommandKind = "RESUME"
	CommandCancel              CommandKind = "CANCEL"
	CommandTerminateInstances  CommandKind = "TERMINATE_INSTANCES"
)

// Command is an external control signal; consumed at most once.
type Command struct {
	ID             string      `json:"id"`
	ExecutionID    string      `json:"executionId"`
	PlanID         string      `json:"planId,omitempty"`
	Kind           CommandKind `json:"kind"`
	RequestedBy    string      `json:"requestedBy"`
	Reason         string      `json:"reason,omitempty"`
	RequestedAt    time.Time   `json:"requestedAt"`
	ConsumedAt     *time.Time  `json:"consumedAt,omitempty"`
	AcceptedAt     *time.Time  `json:"acceptedAt,omitempty"`
	RejectedReason string      `json:"rejectedReason,omitempty"`
}

// Accepted reports whether the gateway accepted this command.
func (c Command) Accepted() bool {
	return c.AcceptedAt != nil
}

// AuditSeverity classifies an audit record for downstream filtering.
type AuditSeverity string

const (
	AuditInfo  AuditSeverity = "INFO"
	AuditWarn  AuditSeverity = "WARN"
	AuditError AuditSeverity = "ERROR"
)

// AuditRecord is one entry of the append-only audit log keyed by
// (executionId, sequence).
type AuditRecord struct {
	ExecutionID string        `json:"executionId"`
	Sequence    int64         `json:"sequence"`
	Timestamp   time.Time     `json:"timestamp"`
	Severity    AuditSeverity `json:"severity"`
	Kind        string        `json:"kind"`
	Message     string        `json:"message"`
	Detail      map[string]any `json:"detail,omitempty"`
}
