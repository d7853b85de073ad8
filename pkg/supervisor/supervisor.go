// Package supervisor is the Execution Supervisor (spec.md §4.2): one
// goroutine per non-terminal Execution drives that Execution's wave DAG to
// completion, single-threaded over its own Execution.status field exactly
// as spec.md §4.2 requires ("the loop is the only mutator of that
// Execution's status field"). It never talks to the Job Poller directly —
// wave completion is observed by re-reading ServerLaunch rows from the
// State Store, per §2's data-flow description.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/drs-orchestrator/internal/logging"
	"github.com/R3E-Network/drs-orchestrator/pkg/domain"
	"github.com/R3E-Network/drs-orchestrator/pkg/events"
	"github.com/R3E-Network/drs-orchestrator/pkg/metrics"
	"github.com/R3E-Network/drs-orchestrator/pkg/repository"
	"github.com/R3E-Network/drs-orchestrator/pkg/statestore"
	"github.com/R3E-Network/drs-orchestrator/pkg/wave"
)

// Launcher is the Wave Runner's surface the Supervisor drives; wave.Runner
// satisfies it structurally.
type Launcher interface {
	Launch(ctx context.Context, executionID string, execType domain.ExecutionType, w domain.WaveExecution, spec domain.WaveSpec) error
}

// Manager owns one goroutine per active Execution, implementing
// pkg/gateway.Starter so the Command Gateway can spawn a Supervisor the
// moment a START command is accepted.
type Manager struct {
	store    statestore.Store
	catalog  repository.Catalog
	launcher Launcher
	sink     events.Sink
	logger   *logging.Logger
	tick     time.Duration
	now      func() time.Time

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a Manager. tick is the control loop's poll interval
// (how often each Supervisor re-checks wave progress and command state);
// a non-positive value defaults to 2s.
func NewManager(store statestore.Store, catalog repository.Catalog, launcher Launcher, sink events.Sink, logger *logging.Logger, tick time.Duration) *Manager {
	if tick <= 0 {
		tick = 2 * time.Second
	}
	if sink == nil {
		sink = events.NoopSink{}
	}
	return &Manager{
		store:    store,
		catalog:  catalog,
		launcher: launcher,
		sink:     sink,
		logger:   logger,
		tick:     tick,
		now:      time.Now,
		active:   map[string]context.CancelFunc{},
	}
}

// Spawn starts a control loop for executionID unless one is already
// running. Safe to call more than once for the same id.
func (m *Manager) Spawn(ctx context.Context, executionID string) {
	m.mu.Lock()
	if _, running := m.active[executionID]; running {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	m.active[executionID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runLoop(loopCtx, executionID)
}

// Rehydrate scans the State Store for non-terminal Executions and spawns a
// Supervisor for each, per spec.md §5's process-restart safety
// requirement.
func (m *Manager) Rehydrate(ctx context.Context) error {
	execs, err := m.store.ListNonTerminalExecutions(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate: list non-terminal executions: %w", err)
	}
	for _, e := range execs {
		m.Spawn(ctx, e.ID)
	}
	return nil
}

// Shutdown cancels every running control loop and waits for them to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, cancel := range m.active {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) unregister(executionID string) {
	m.mu.Lock()
	delete(m.active, executionID)
	m.mu.Unlock()
}

func (m *Manager) runLoop(ctx context.Context, executionID string) {
	defer m.wg.Done()
	defer m.unregister(executionID)

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		terminal, err := m.step(ctx, executionID)
		if err != nil && m.logger != nil {
			m.logger.WithError(err).WithField("executionId", executionID).Warn("supervisor step failed")
		}
		if terminal {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// step runs one iteration of the control loop: load, decide, act. It
// returns true once the Execution has reached a terminal status.
func (m *Manager) step(ctx context.Context, executionID string) (bool, error) {
	exec, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return true, err
	}
	if exec.Status.Terminal() {
		return true, nil
	}

	plan, err := m.catalog.GetRecoveryPlan(ctx, exec.PlanID)
	if err != nil {
		return false, err
	}
	waves, err := m.store.ListWaveExecutions(ctx, executionID)
	if err != nil {
		return false, err
	}
	waveByNumber := make(map[int]domain.WaveExecution, len(waves))
	for _, w := range waves {
		waveByNumber[w.WaveNumber] = w
	}

	switch exec.Status {
	case domain.ExecutionPending:
		return false, m.start(ctx, exec)
	case domain.ExecutionPaused:
		return false, nil // wait for RESUME or CANCEL
	case domain.ExecutionCancelling:
		return m.advanceCancelling(ctx, exec, plan, waveByNumber)
	case domain.ExecutionRunning:
		return m.advanceRunning(ctx, exec, plan, waveByNumber)
	default:
		return true, nil
	}
}

func (m *Manager) start(ctx context.Context, exec domain.Execution) error {
	exec.Status = domain.ExecutionRunning
	exec.Version++
	if err := m.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	if m.logger != nil {
		m.logger.LogTransition(ctx, exec.ID, string(domain.ExecutionPending), string(domain.ExecutionRunning))
	}
	return nil
}

// advanceRunning settles any in-flight wave, honors pause points, launches
// the next ready wave, or finalizes the Execution once every wave is
// terminal.
func (m *Manager) advanceRunning(ctx context.Context, exec domain.Execution, plan domain.RecoveryPlan, waveByNumber map[int]domain.WaveExecution) (bool, error) {
	if settled, err := m.settleInFlight(ctx, exec.ID, waveByNumber); err != nil {
		return false, err
	} else if settled {
		return false, nil // re-evaluate next tick with the freshly-settled status
	}

	if skippedAny, err := m.skipFailedDependents(ctx, exec.ID, plan, waveByNumber); err != nil {
		return false, err
	} else if skippedAny {
		return false, nil
	}

	waveStatus := statusMap(waveByNumber)
	if allTerminal(plan, waveStatus) {
		return true, m.finish(ctx, exec, waveStatus)
	}

	if anyInFlight(waveByNumber) {
		return false, nil // sequential policy: one active wave at a time
	}

	// A wave already auto-paused by pauseBeforeWave sits in WAITING_PAUSE;
	// once RESUME brings the Execution back to RUNNING, launch it without
	// re-checking its dependencies (already satisfied the first time).
	for _, w := range waveByNumber {
		if w.Status == domain.WaveWaitingPause {
			spec, ok := plan.WaveByNumber(w.WaveNumber)
			if !ok {
				return false, fmt.Errorf("wave %d not found in plan %s", w.WaveNumber, plan.ID)
			}
			return false, m.launchWave(ctx, exec, w, spec)
		}
	}

	ready := domain.ReadyWaves(plan, waveStatus)
	if len(ready) == 0 {
		return false, nil
	}
	next := ready[0]
	w := waveByNumber[next]
	spec, _ := plan.WaveByNumber(next)

	if spec.PauseBeforeWave || exec.PauseRequested {
		return false, m.pauseBeforeWave(ctx, exec, w)
	}
	return false, m.launchWave(ctx, exec, w, spec)
}

func (m *Manager) launchWave(ctx context.Context, exec domain.Execution, w domain.WaveExecution, spec domain.WaveSpec) error {
	current := w.WaveNumber
	if exec.CurrentWaveNumber == nil || *exec.CurrentWaveNumber != current {
		exec.CurrentWaveNumber = &current
		exec.Version++
		if err := m.store.UpdateExecution(ctx, exec); err != nil {
			return err
		}
	}
	return m.launcher.Launch(ctx, exec.ID, exec.Type, w, spec)
}

// pauseBeforeWave transitions the Execution to PAUSED in front of wave w,
// marking w WAITING_PAUSE so the next RUNNING iteration after RESUME
// launches it directly instead of re-entering this same pause.
func (m *Manager) pauseBeforeWave(ctx context.Context, exec domain.Execution, w domain.WaveExecution) error {
	if w.Status == domain.WavePending {
		w.Status = domain.WaveWaitingPause
		if err := m.store.UpsertWaveExecution(ctx, w); err != nil {
			return err
		}
	}
	exec.Status = domain.ExecutionPaused
	exec.PauseRequested = false
	exec.Version++
	if err := m.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	if m.logger != nil {
		m.logger.LogTransition(ctx, exec.ID, string(domain.ExecutionRunning), string(domain.ExecutionPaused))
	}
	m.publish(ctx, exec.ID, &w.WaveNumber, domain.ExecutionPaused, domain.AuditInfo)
	return nil
}

// advanceCancelling skips every still-pending wave, cancels any
// not-yet-launched server within an in-flight wave, lets the rest drain to
// a terminal outcome, and finalizes the Execution to CANCELLED once
// nothing remains in flight.
func (m *Manager) advanceCancelling(ctx context.Context, exec domain.Execution, plan domain.RecoveryPlan, waveByNumber map[int]domain.WaveExecution) (bool, error) {
	if cancelled, err := m.cancelUnlaunchedServers(ctx, exec.ID, waveByNumber); err != nil {
		return false, err
	} else if cancelled {
		return false, nil
	}
	if settled, err := m.settleInFlight(ctx, exec.ID, waveByNumber); err != nil {
		return false, err
	} else if settled {
		return false, nil
	}
	if anyInFlight(waveByNumber) {
		return false, nil
	}

	for _, w := range waveByNumber {
		if w.Status == domain.WavePending || w.Status == domain.WaveWaitingPause {
			w.Status = domain.WaveSkipped
			if err := m.store.UpsertWaveExecution(ctx, w); err != nil {
				return false, err
			}
		}
	}

	end := m.now()
	exec.Status = domain.ExecutionCancelled
	exec.EndTime = &end
	exec.Version++
	if err := m.store.UpdateExecution(ctx, exec); err != nil {
		return true, err
	}
	if m.logger != nil {
		m.logger.LogTransition(ctx, exec.ID, string(domain.ExecutionCancelling), string(domain.ExecutionCancelled))
	}
	metrics.RecordExecution(string(exec.Type), string(domain.ExecutionCancelled), end.Sub(exec.StartTime))
	m.publish(ctx, exec.ID, nil, domain.ExecutionCancelled, domain.AuditInfo)
	return true, nil
}

// cancelUnlaunchedServers marks every not-yet-launched ServerLaunch
// (no DRSJobID yet, i.e. still PENDING) CANCELLED within a wave that is
// still LAUNCHING/POLLING, per spec.md §4.4: "ServerLaunches for jobs not
// yet launched are marked CANCELLED." Without this, a PENDING row
// orphaned by a crash or a StartRecovery call that never returned (so the
// Job Poller was never told about it) has no path to a terminal
// ServerLaunchStatus, wave.Aggregate never reports terminal for its wave,
// and the Execution would hang in CANCELLING past the §5 one-poll-interval
// bound. Returns true if it cancelled at least one row, so the caller
// re-evaluates from a clean slate next tick, matching settleInFlight.
func (m *Manager) cancelUnlaunchedServers(ctx context.Context, executionID string, waveByNumber map[int]domain.WaveExecution) (bool, error) {
	cancelledAny := false
	for number, w := range waveByNumber {
		if w.Status != domain.WaveLaunching && w.Status != domain.WavePolling {
			continue
		}
		launches, err := m.store.ListServerLaunches(ctx, executionID, number)
		if err != nil {
			return cancelledAny, err
		}
		for _, l := range launches {
			if l.Status.Terminal() || l.DRSJobID != "" {
				continue
			}
			l.Status = domain.ServerLaunchCancelled
			if err := m.store.UpsertServerLaunch(ctx, l); err != nil {
				return cancelledAny, err
			}
			cancelledAny = true
		}
	}
	return cancelledAny, nil
}

// settleInFlight finalizes any wave currently LAUNCHING/POLLING whose
// ServerLaunches have all reached a terminal outcome. Returns true if it
// settled at least one wave, so the caller re-evaluates from a clean slate
// next tick rather than acting on stale in-memory status.
func (m *Manager) settleInFlight(ctx context.Context, executionID string, waveByNumber map[int]domain.WaveExecution) (bool, error) {
	settledAny := false
	for number, w := range waveByNumber {
		if w.Status != domain.WaveLaunching && w.Status != domain.WavePolling {
			continue
		}
		launches, err := m.store.ListServerLaunches(ctx, executionID, number)
		if err != nil {
			return settledAny, err
		}
		status, terminal := wave.Aggregate(launches)
		if !terminal {
			continue
		}
		end := m.now()
		w.Status = status
		w.EndTime = &end
		if err := m.store.UpsertWaveExecution(ctx, w); err != nil {
			return settledAny, err
		}
		if m.logger != nil {
			m.logger.LogTransition(ctx, executionID, "WAVE_POLLING", string(status))
		}
		var duration time.Duration
		if w.StartTime != nil {
			duration = end.Sub(*w.StartTime)
		}
		metrics.RecordWave(string(status), duration, w.ServerCount)
		m.publish(ctx, executionID, &number, domain.ExecutionRunning, severityFor(status))
		settledAny = true
	}
	return settledAny, nil
}

// skipFailedDependents marks PENDING waves SKIPPED when any dependency
// settled FAILED or PARTIAL, per spec.md invariant 5 and the resolved
// FAILED/PARTIAL-propagation decision.
func (m *Manager) skipFailedDependents(ctx context.Context, executionID string, plan domain.RecoveryPlan, waveByNumber map[int]domain.WaveExecution) (bool, error) {
	skippedAny := false
	waveStatus := statusMap(waveByNumber)
	for _, spec := range plan.Waves {
		w, ok := waveByNumber[spec.WaveNumber]
		if !ok || w.Status != domain.WavePending {
			continue
		}
		if domain.DependencyFailed(spec.DependsOn, waveStatus) {
			w.Status = domain.WaveSkipped
			if err := m.store.UpsertWaveExecution(ctx, w); err != nil {
				return skippedAny, err
			}
			waveStatus[spec.WaveNumber] = domain.WaveSkipped
			skippedAny = true
		}
	}
	return skippedAny, nil
}

func (m *Manager) finish(ctx context.Context, exec domain.Execution, waveStatus map[int]domain.WaveExecutionStatus) error {
	final, reason := aggregateExecution(waveStatus)
	end := m.now()
	exec.Status = final
	exec.EndTime = &end
	exec.ReasonOnFailure = reason
	exec.Version++
	if err := m.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	if m.logger != nil {
		m.logger.LogTransition(ctx, exec.ID, string(domain.ExecutionRunning), string(final))
	}
	metrics.RecordExecution(string(exec.Type), string(final), end.Sub(exec.StartTime))
	m.publish(ctx, exec.ID, nil, final, severityForExecution(final))
	return nil
}

func (m *Manager) publish(ctx context.Context, executionID string, waveNumber *int, status domain.ExecutionStatus, severity domain.AuditSeverity) {
	m.sink.Publish(ctx, events.Event{
		ExecutionID: executionID,
		Status:      string(status),
		WaveNumber:  waveNumber,
		Timestamp:   m.now(),
		Severity:    severity,
	})
}

func statusMap(waveByNumber map[int]domain.WaveExecution) map[int]domain.WaveExecutionStatus {
	out := make(map[int]domain.WaveExecutionStatus, len(waveByNumber))
	for n, w := range waveByNumber {
		out[n] = w.Status
	}
	return out
}

func anyInFlight(waveByNumber map[int]domain.WaveExecution) bool {
	for _, w := range waveByNumber {
		if w.Status == domain.WaveLaunching || w.Status == domain.WavePolling {
			return true
		}
	}
	return false
}

func allTerminal(plan domain.RecoveryPlan, waveStatus map[int]domain.WaveExecutionStatus) bool {
	for _, w := range plan.Waves {
		if !waveStatus[w.WaveNumber].Terminal() {
			return false
		}
	}
	return true
}

// aggregateExecution derives the Execution-level outcome from its waves'
// terminal statuses per spec.md §4.2's table: COMPLETED iff every wave is
// COMPLETED or SKIPPED, FAILED iff any wave FAILED and none COMPLETED,
// PARTIAL otherwise.
func aggregateExecution(waveStatus map[int]domain.WaveExecutionStatus) (domain.ExecutionStatus, string) {
	anyCompleted, anyFailed, anyPartial := false, false, false
	for _, s := range waveStatus {
		switch s {
		case domain.WaveCompleted:
			anyCompleted = true
		case domain.WaveFailed:
			anyFailed = true
		case domain.WavePartial:
			anyPartial = true
		}
	}
	switch {
	case anyFailed && !anyCompleted:
		return domain.ExecutionFailed, "one or more waves failed"
	case !anyFailed && !anyPartial:
		return domain.ExecutionCompleted, ""
	default:
		return domain.ExecutionPartial, "mixed wave outcomes"
	}
}

func severityFor(status domain.WaveExecutionStatus) domain.AuditSeverity {
	switch status {
	case domain.WaveFailed:
		return domain.AuditError
	case domain.WavePartial:
		return domain.AuditWarn
	default:
		return domain.AuditInfo
	}
}

func severityForExecution(status domain.ExecutionStatus) domain.AuditSeverity {
	switch status {
	case domain.ExecutionFailed:
		return domain.AuditError
	case domain.ExecutionPartial:
		return domain.AuditWarn
	default:
		return domain.AuditInfo
	}
}
