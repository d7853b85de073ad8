package wave

import (
	"context"
	"errors"
	"testing"

	"github.com/R3E-Network/drs-orchestrator/pkg/credentials"
	"github.com/R3E-Network/drs-orchestrator/pkg/domain"
	"github.com/R3E-Network/drs-orchestrator/pkg/drs"
	"github.com/R3E-Network/drs-orchestrator/pkg/repository"
	"github.com/R3E-Network/drs-orchestrator/pkg/statestore"
)

type fixedServiceBuilder struct {
	svc *drs.FakeService
}

func (b fixedServiceBuilder) Build(ctx context.Context, creds credentials.Credentials, region string) (drs.Service, error) {
	return b.svc, nil
}

type recordingRegistrar struct {
	jobs []PendingJob
}

func (r *recordingRegistrar) RegisterJob(job PendingJob) {
	r.jobs = append(r.jobs, job)
}

func setup(t *testing.T) (*Runner, *statestore.MemoryStore, *repository.FakeCatalog, *drs.FakeService, *recordingRegistrar) {
	t.Helper()
	store := statestore.NewMemoryStore()
	catalog := repository.NewFakeCatalog()
	svc := drs.NewFakeService()
	registrar := &recordingRegistrar{}
	creds := credentials.NewFakeProvider()
	builder := fixedServiceBuilder{svc: svc}
	runner := New(catalog, creds, builder, store, registrar, 100, 10, nil)
	return runner, store, catalog, svc, registrar
}

func TestLaunchExplicitSelectionRegistersJobsAndSetsPolling(t *testing.T) {
	runner, store, catalog, _, registrar := setup(t)
	ctx := context.Background()

	catalog.Accounts["acct-1"] = domain.TargetAccount{AccountID: "111122223333", Region: "us-east-1", RoleARN: "arn:aws:iam::111122223333:role/x"}
	catalog.Groups["g1"] = domain.ProtectionGroup{
		ID:              "g1",
		TargetAccountID: "acct-1",
		Region:          "us-east-1",
		ServerSelection: domain.ServerSelection{SourceServerIDs: []string{"s-1", "s-2"}},
	}

	wave := domain.WaveExecution{ExecutionID: "e1", WaveNumber: 1, Status: domain.WavePending}
	spec := domain.WaveSpec{WaveNumber: 1, GroupID: "g1"}

	if err := runner.Launch(ctx, "e1", domain.ExecutionTypeDrill, wave, spec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, err := store.GetWaveExecution(ctx, "e1", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Status != domain.WavePolling {
		t.Fatalf("expected wave to be POLLING after launch, got %s", stored.Status)
	}
	if len(registrar.jobs) != 2 {
		t.Fatalf("expected 2 jobs registered, got %d", len(registrar.jobs))
	}

	launches, err := store.ListServerLaunches(ctx, "e1", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(launches) != 2 {
		t.Fatalf("expected 2 server launches, got %d", len(launches))
	}
	for _, l := range launches {
		if l.Status != domain.ServerLaunchLaunching {
			t.Fatalf("expected LAUNCHING, got %s for %s", l.Status, l.SourceServerID)
		}
		if l.DRSJobID == "" {
			t.Fatalf("expected a drs job id for %s", l.SourceServerID)
		}
	}
}

func TestLaunchFailsWaveWhenNoServersMatch(t *testing.T) {
	runner, store, catalog, _, _ := setup(t)
	ctx := context.Background()

	catalog.Accounts["acct-1"] = domain.TargetAccount{AccountID: "111122223333", Region: "us-east-1"}
	catalog.Groups["g1"] = domain.ProtectionGroup{
		ID:              "g1",
		TargetAccountID: "acct-1",
		Region:          "us-east-1",
		ServerSelection: domain.ServerSelection{TagSelector: map[string]string{"tier": "web"}},
	}

	wave := domain.WaveExecution{ExecutionID: "e1", WaveNumber: 1, Status: domain.WavePending}
	spec := domain.WaveSpec{WaveNumber: 1, GroupID: "g1"}

	err := runner.Launch(ctx, "e1", domain.ExecutionTypeDrill, wave, spec)
	if err == nil {
		t.Fatal("expected an error when no servers match the tag selector")
	}

	stored, getErr := store.GetWaveExecution(ctx, "e1", 1)
	if getErr != nil {
		t.Fatalf("unexpected error: %v", getErr)
	}
	if stored.Status != domain.WaveFailed {
		t.Fatalf("expected wave to be FAILED, got %s", stored.Status)
	}
}

func TestLaunchRejectsOversizedWave(t *testing.T) {
	runner, store, catalog, _, _ := setup(t)
	runner.sizeLimit = 1
	ctx := context.Background()

	catalog.Accounts["acct-1"] = domain.TargetAccount{AccountID: "111122223333", Region: "us-east-1"}
	catalog.Groups["g1"] = domain.ProtectionGroup{
		ID:              "g1",
		TargetAccountID: "acct-1",
		Region:          "us-east-1",
		ServerSelection: domain.ServerSelection{SourceServerIDs: []string{"s-1", "s-2"}},
	}

	wave := domain.WaveExecution{ExecutionID: "e1", WaveNumber: 1, Status: domain.WavePending}
	spec := domain.WaveSpec{WaveNumber: 1, GroupID: "g1"}

	err := runner.Launch(ctx, "e1", domain.ExecutionTypeDrill, wave, spec)
	if err == nil {
		t.Fatal("expected WAVE_SIZE_LIMIT_EXCEEDED error")
	}

	stored, getErr := store.GetWaveExecution(ctx, "e1", 1)
	if getErr != nil {
		t.Fatalf("unexpected error: %v", getErr)
	}
	if stored.Status != domain.WaveFailed {
		t.Fatalf("expected wave to be FAILED, got %s", stored.Status)
	}
}

func TestLaunchFailsWithConcurrentJobsLimitExceededWhenQuotaSaturated(t *testing.T) {
	runner, store, catalog, _, _ := setup(t)
	runner.concurrency = 1
	ctx := context.Background()

	catalog.Accounts["acct-1"] = domain.TargetAccount{AccountID: "111122223333", Region: "us-east-1"}
	catalog.Groups["g1"] = domain.ProtectionGroup{
		ID:              "g1",
		TargetAccountID: "acct-1",
		Region:          "us-east-1",
		ServerSelection: domain.ServerSelection{SourceServerIDs: []string{"s-1"}},
	}

	sem := runner.semaphoreFor("111122223333", "us-east-1")
	if !sem.TryAcquire(1) {
		t.Fatal("expected to saturate the single concurrency slot")
	}
	defer sem.Release(1)

	wave := domain.WaveExecution{ExecutionID: "e1", WaveNumber: 1, Status: domain.WavePending}
	spec := domain.WaveSpec{WaveNumber: 1, GroupID: "g1"}

	err := runner.Launch(ctx, "e1", domain.ExecutionTypeDrill, wave, spec)
	if err == nil {
		t.Fatal("expected a CONCURRENT_JOBS_LIMIT_EXCEEDED error")
	}
	var capErr *domain.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected a *domain.CapacityError, got %T: %v", err, err)
	}
	if capErr.Code != domain.ErrCodeConcurrentJobsLimitExceeded {
		t.Fatalf("expected CONCURRENT_JOBS_LIMIT_EXCEEDED, got %s", capErr.Code)
	}

	stored, getErr := store.GetWaveExecution(ctx, "e1", 1)
	if getErr != nil {
		t.Fatalf("unexpected error: %v", getErr)
	}
	if stored.Status != domain.WaveFailed {
		t.Fatalf("expected wave to be FAILED, got %s", stored.Status)
	}
}

func TestAggregateWaveStatus(t *testing.T) {
	cases := []struct {
		name     string
		launches []domain.ServerLaunch
		want     domain.WaveExecutionStatus
		terminal bool
	}{
		{"all launched", []domain.ServerLaunch{{Status: domain.ServerLaunchLaunched}, {Status: domain.ServerLaunchLaunched}}, domain.WaveCompleted, true},
		{"all failed", []domain.ServerLaunch{{Status: domain.ServerLaunchFailed}, {Status: domain.ServerLaunchFailed}}, domain.WaveFailed, true},
		{"mixed", []domain.ServerLaunch{{Status: domain.ServerLaunchLaunched}, {Status: domain.ServerLaunchFailed}}, domain.WavePartial, true},
		{"still launching", []domain.ServerLaunch{{Status: domain.ServerLaunchLaunching}}, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, terminal := Aggregate(tc.launches)
			if terminal != tc.terminal {
				t.Fatalf("expected terminal=%v, got %v", tc.terminal, terminal)
			}
			if terminal && got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
