package events

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/drs-orchestrator/pkg/domain"
)

type recordingSink struct {
	events []Event
}

func (r *recordingSink) Publish(ctx context.Context, event Event) {
	r.events = append(r.events, event)
}

func TestNoopSinkDiscardsEvents(t *testing.T) {
	var sink NoopSink
	sink.Publish(context.Background(), Event{ExecutionID: "e1"})
}

func TestMultiSinkFansOutToEverySink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	multi := NewMultiSink(a, b)

	evt := Event{ExecutionID: "e1", Status: "RUNNING", Timestamp: time.Now(), Severity: domain.AuditInfo}
	multi.Publish(context.Background(), evt)

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both sinks to receive the event, got a=%d b=%d", len(a.events), len(b.events))
	}
	if a.events[0].ExecutionID != "e1" {
		t.Fatalf("unexpected event: %+v", a.events[0])
	}
}
