package supervisor

import (
	"context"
	"testing"

	"github.com/R3E-Network/drs-orchestrator/pkg/domain"
	"github.com/R3E-Network/drs-orchestrator/pkg/events"
	"github.com/R3E-Network/drs-orchestrator/pkg/repository"
	"github.com/R3E-Network/drs-orchestrator/pkg/statestore"
)

// fakeLauncher simulates the Wave Runner: it transitions the wave straight
// to POLLING and seeds one terminal ServerLaunch per call, so
// settleInFlight resolves it on the following step without a real DRS
// round trip.
type fakeLauncher struct {
	store   *statestore.MemoryStore
	outcome map[int]domain.ServerLaunchStatus // per waveNumber, default LAUNCHED
	calls   []int
}

func (f *fakeLauncher) Launch(ctx context.Context, executionID string, execType domain.ExecutionType, w domain.WaveExecution, spec domain.WaveSpec) error {
	f.calls = append(f.calls, w.WaveNumber)
	w.Status = domain.WavePolling
	w.ServerCount = 1
	if err := f.store.UpsertWaveExecution(ctx, w); err != nil {
		return err
	}
	status := domain.ServerLaunchLaunched
	if s, ok := f.outcome[w.WaveNumber]; ok {
		status = s
	}
	return f.store.UpsertServerLaunch(ctx, domain.ServerLaunch{
		ExecutionID:    executionID,
		WaveNumber:     w.WaveNumber,
		SourceServerID: "s-1",
		DRSJobID:       "job-1",
		Status:         status,
	})
}

// orphanedLauncher simulates a wave whose ServerLaunch row never made it
// past StartRecovery (e.g. a crash between runner.go's PENDING upsert and
// the DRS call returning): the wave moves to POLLING but its ServerLaunch
// keeps Status=PENDING and no DRSJobID, exactly the row
// cancelUnlaunchedServers must catch.
type orphanedLauncher struct {
	store *statestore.MemoryStore
}

func (f *orphanedLauncher) Launch(ctx context.Context, executionID string, execType domain.ExecutionType, w domain.WaveExecution, spec domain.WaveSpec) error {
	w.Status = domain.WavePolling
	w.ServerCount = 1
	if err := f.store.UpsertWaveExecution(ctx, w); err != nil {
		return err
	}
	return f.store.UpsertServerLaunch(ctx, domain.ServerLaunch{
		ExecutionID:    executionID,
		WaveNumber:     w.WaveNumber,
		SourceServerID: "s-1",
		Status:         domain.ServerLaunchPending,
	})
}

type recordingSink struct {
	events []events.Event
}

func (r *recordingSink) Publish(ctx context.Context, event events.Event) {
	r.events = append(r.events, event)
}

func seedExecution(t *testing.T, store *statestore.MemoryStore, catalog *repository.FakeCatalog, planID string, waves []domain.WaveSpec) string {
	t.Helper()
	catalog.Plans[planID] = domain.RecoveryPlan{ID: planID, Name: "plan", Waves: waves}
	exec := domain.Execution{ID: "exec-1", PlanID: planID, Type: domain.ExecutionTypeRecovery, Status: domain.ExecutionPending, InitiatedBy: "alice"}
	waveRows := make([]domain.WaveExecution, 0, len(waves))
	for _, w := range waves {
		waveRows = append(waveRows, domain.WaveExecution{ExecutionID: exec.ID, WaveNumber: w.WaveNumber, Status: domain.WavePending})
	}
	if err := store.CreateExecution(context.Background(), exec, waveRows); err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	return exec.ID
}

func TestStepDrivesTwoWaveChainToCompleted(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	catalog := repository.NewFakeCatalog()
	launcher := &fakeLauncher{store: store, outcome: map[int]domain.ServerLaunchStatus{}}
	sink := &recordingSink{}
	mgr := NewManager(store, catalog, launcher, sink, nil, 0)

	execID := seedExecution(t, store, catalog, "plan-1", []domain.WaveSpec{
		{WaveNumber: 1, GroupID: "g1"},
		{WaveNumber: 2, GroupID: "g2", DependsOn: []int{1}},
	})

	// PENDING -> RUNNING
	terminal, err := mgr.step(ctx, execID)
	if err != nil || terminal {
		t.Fatalf("expected non-terminal RUNNING pickup, got terminal=%v err=%v", terminal, err)
	}

	// RUNNING -> launch wave 1
	if _, err := mgr.step(ctx, execID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(launcher.calls) != 1 || launcher.calls[0] != 1 {
		t.Fatalf("expected wave 1 launched, got %v", launcher.calls)
	}

	// RUNNING -> settle wave 1 to COMPLETED
	if _, err := mgr.step(ctx, execID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w1, err := store.GetWaveExecution(ctx, execID, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w1.Status != domain.WaveCompleted {
		t.Fatalf("expected wave 1 COMPLETED, got %s", w1.Status)
	}

	// RUNNING -> launch wave 2
	if _, err := mgr.step(ctx, execID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(launcher.calls) != 2 || launcher.calls[1] != 2 {
		t.Fatalf("expected wave 2 launched next, got %v", launcher.calls)
	}

	// RUNNING -> settle wave 2 to COMPLETED
	if _, err := mgr.step(ctx, execID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// RUNNING -> finalize COMPLETED
	terminal, err = mgr.step(ctx, execID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !terminal {
		t.Fatal("expected execution to reach a terminal status")
	}
	exec, err := store.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.Status != domain.ExecutionCompleted {
		t.Fatalf("expected COMPLETED, got %s", exec.Status)
	}
	if exec.EndTime == nil {
		t.Fatal("expected endTime to be set")
	}

	// step() on an already-terminal execution is a pure no-op signal.
	terminal, err = mgr.step(ctx, execID)
	if err != nil || !terminal {
		t.Fatalf("expected terminal no-op, got terminal=%v err=%v", terminal, err)
	}
}

func TestStepSkipsDownstreamWaveWhenDependencyFails(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	catalog := repository.NewFakeCatalog()
	launcher := &fakeLauncher{store: store, outcome: map[int]domain.ServerLaunchStatus{1: domain.ServerLaunchFailed}}
	mgr := NewManager(store, catalog, launcher, events.NoopSink{}, nil, 0)

	execID := seedExecution(t, store, catalog, "plan-1", []domain.WaveSpec{
		{WaveNumber: 1, GroupID: "g1"},
		{WaveNumber: 2, GroupID: "g2", DependsOn: []int{1}},
	})

	mustStep(t, mgr, execID) // PENDING -> RUNNING
	mustStep(t, mgr, execID) // launch wave 1
	mustStep(t, mgr, execID) // settle wave 1 -> FAILED
	mustStep(t, mgr, execID) // skip wave 2

	w2, err := store.GetWaveExecution(ctx, execID, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w2.Status != domain.WaveSkipped {
		t.Fatalf("expected wave 2 SKIPPED, got %s", w2.Status)
	}
	if len(launcher.calls) != 1 {
		t.Fatalf("expected wave 2 never launched, got calls %v", launcher.calls)
	}

	terminal, err := mgr.step(ctx, execID) // finalize
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !terminal {
		t.Fatal("expected a terminal outcome")
	}
	exec, err := store.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.Status != domain.ExecutionFailed {
		t.Fatalf("expected FAILED, got %s", exec.Status)
	}
}

func TestStepHonorsPauseBeforeWave(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	catalog := repository.NewFakeCatalog()
	launcher := &fakeLauncher{store: store, outcome: map[int]domain.ServerLaunchStatus{}}
	mgr := NewManager(store, catalog, launcher, events.NoopSink{}, nil, 0)

	execID := seedExecution(t, store, catalog, "plan-1", []domain.WaveSpec{
		{WaveNumber: 1, GroupID: "g1"},
		{WaveNumber: 2, GroupID: "g2", DependsOn: []int{1}, PauseBeforeWave: true},
	})

	mustStep(t, mgr, execID) // PENDING -> RUNNING
	mustStep(t, mgr, execID) // launch wave 1
	mustStep(t, mgr, execID) // settle wave 1 -> COMPLETED
	mustStep(t, mgr, execID) // wave 2 ready but pauseBeforeWave -> PAUSED

	exec, err := store.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.Status != domain.ExecutionPaused {
		t.Fatalf("expected PAUSED ahead of wave 2, got %s", exec.Status)
	}
	w2, err := store.GetWaveExecution(ctx, execID, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w2.Status != domain.WaveWaitingPause {
		t.Fatalf("expected wave 2 WAITING_PAUSE, got %s", w2.Status)
	}
	if len(launcher.calls) != 1 {
		t.Fatalf("expected wave 2 not yet launched, got %v", launcher.calls)
	}

	// PAUSED -> no progress until resumed
	terminal, err := mgr.step(ctx, execID)
	if err != nil || terminal {
		t.Fatalf("expected no progress while PAUSED, got terminal=%v err=%v", terminal, err)
	}

	// Simulate the Command Gateway's RESUME guard.
	exec.Status = domain.ExecutionRunning
	exec.Version++
	if err := store.UpdateExecution(ctx, exec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mustStep(t, mgr, execID) // wave 2 WAITING_PAUSE -> launch directly
	if len(launcher.calls) != 2 || launcher.calls[1] != 2 {
		t.Fatalf("expected wave 2 launched after resume, got %v", launcher.calls)
	}
}

func TestStepDrivesCancellingToCancelled(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	catalog := repository.NewFakeCatalog()
	launcher := &fakeLauncher{store: store, outcome: map[int]domain.ServerLaunchStatus{}}
	mgr := NewManager(store, catalog, launcher, events.NoopSink{}, nil, 0)

	execID := seedExecution(t, store, catalog, "plan-1", []domain.WaveSpec{
		{WaveNumber: 1, GroupID: "g1"},
		{WaveNumber: 2, GroupID: "g2", DependsOn: []int{1}},
	})

	mustStep(t, mgr, execID) // PENDING -> RUNNING
	mustStep(t, mgr, execID) // launch wave 1 (now POLLING, not yet terminal)

	// Simulate the Command Gateway's CANCEL guard while wave 1 is in flight.
	exec, err := store.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	exec.Status = domain.ExecutionCancelling
	exec.Version++
	if err := store.UpdateExecution(ctx, exec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// CANCELLING with wave 1 in flight: fakeLauncher already seeded its launch
	// as LAUNCHED, so this step settles wave 1 -> COMPLETED and stays
	// non-terminal.
	terminal, err := mgr.step(ctx, execID)
	if err != nil || terminal {
		t.Fatalf("expected a non-terminal step while wave 1 settles, got terminal=%v err=%v", terminal, err)
	}

	// The next step skips wave 2 and finalizes CANCELLED; the one after
	// reports the terminal status.
	mustStep(t, mgr, execID) // skip wave 2, finalize CANCELLED
	terminal, err = mgr.step(ctx, execID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !terminal {
		t.Fatal("expected CANCELLED once nothing remains in flight")
	}

	exec, err = store.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.Status != domain.ExecutionCancelled {
		t.Fatalf("expected CANCELLED, got %s", exec.Status)
	}
	w2, err := store.GetWaveExecution(ctx, execID, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w2.Status != domain.WaveSkipped {
		t.Fatalf("expected wave 2 SKIPPED, got %s", w2.Status)
	}
}

func TestCancellingReachesCancelledWhenServerLaunchNeverGotAJobID(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	catalog := repository.NewFakeCatalog()
	launcher := &orphanedLauncher{store: store}
	mgr := NewManager(store, catalog, launcher, events.NoopSink{}, nil, 0)

	execID := seedExecution(t, store, catalog, "plan-1", []domain.WaveSpec{
		{WaveNumber: 1, GroupID: "g1"},
	})

	mustStep(t, mgr, execID) // PENDING -> RUNNING
	mustStep(t, mgr, execID) // launch wave 1 (POLLING, ServerLaunch stuck PENDING with no DRSJobID)

	exec, err := store.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	exec.Status = domain.ExecutionCancelling
	exec.Version++
	if err := store.UpdateExecution(ctx, exec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Without cancelUnlaunchedServers this would spin forever: the orphaned
	// PENDING ServerLaunch never becomes terminal on its own, so
	// wave.Aggregate never settles wave 1 and anyInFlight stays true.
	for i := 0; i < 4; i++ {
		terminal, err := mgr.step(ctx, execID)
		if err != nil {
			t.Fatalf("unexpected error on step %d: %v", i, err)
		}
		if terminal {
			break
		}
		if i == 3 {
			t.Fatal("expected CANCELLING to reach CANCELLED within a few steps")
		}
	}

	exec, err = store.GetExecution(ctx, execID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.Status != domain.ExecutionCancelled {
		t.Fatalf("expected CANCELLED, got %s", exec.Status)
	}

	launches, err := store.ListServerLaunches(ctx, execID, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(launches) != 1 || launches[0].Status != domain.ServerLaunchCancelled {
		t.Fatalf("expected the orphaned ServerLaunch to be CANCELLED, got %+v", launches)
	}
}

func mustStep(t *testing.T, mgr *Manager, execID string) {
	t.Helper()
	if _, err := mgr.step(context.Background(), execID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
