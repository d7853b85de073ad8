// Package events is the outbound notification collaborator (spec.md §6.5):
// a pluggable, best-effort sink the Supervisor publishes to on every
// Execution state transition and wave terminal status. Delivery is
// best-effort; the audit_log table remains the authoritative record.
package events

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/drs-orchestrator/internal/logging"
	"github.com/R3E-Network/drs-orchestrator/pkg/domain"
)

// Event is one outbound notification.
type Event struct {
	ExecutionID string
	PlanID      string
	Status      string
	WaveNumber  *int
	Timestamp   time.Time
	Severity    domain.AuditSeverity
}

// Sink publishes Events. Implementations must not block the Supervisor for
// long; a slow or failing sink must never prevent a state transition from
// being persisted, since persistence happens first and publication second.
type Sink interface {
	Publish(ctx context.Context, event Event)
}

// NoopSink discards every event. The engine must run with this by default
// per spec.md §9 ("the engine must run with a no-op sink").
type NoopSink struct{}

func (NoopSink) Publish(ctx context.Context, event Event) {}

// LogSink publishes events as structured log lines, grounded on the
// teacher logging.Logger's WithFields idiom.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink wraps logger for event publication.
func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, event Event) {
	fields := logrus.Fields{
		"executionId": event.ExecutionID,
		"planId":      event.PlanID,
		"status":      event.Status,
		"severity":    event.Severity,
		"timestamp":   event.Timestamp,
	}
	if event.WaveNumber != nil {
		fields["waveNumber"] = *event.WaveNumber
	}
	s.logger.WithContext(ctx).WithFields(fields).Info("execution event published")
}

// MultiSink fans one event out to several sinks, letting callers compose a
// LogSink with a future metrics or webhook sink without changing call
// sites.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink returns a Sink that publishes to every given sink in order.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Publish(ctx context.Context, event Event) {
	for _, s := range m.sinks {
		s.Publish(ctx, event)
	}
}
