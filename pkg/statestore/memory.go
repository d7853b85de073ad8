package statestore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/R3E-Network/drs-orchestrator/pkg/domain"
)

// MemoryStore is an in-memory Store, grounded on the teacher's
// infrastructure/state.PersistentState compare-and-swap pattern,
// generalized from a byte-slice KV store to typed rows per entity. Used
// as a standalone deployment mode and in Supervisor/Wave-Runner/Gateway
// unit tests.
type MemoryStore struct {
	mu sync.Mutex

	executions map[string]domain.Execution
	waves      map[waveKey]domain.WaveExecution
	launches   map[launchKey]domain.ServerLaunch
	commands   map[string]domain.Command
	audit      map[string][]domain.AuditRecord
	auditSeq   map[string]int64
}

type waveKey struct {
	executionID string
	waveNumber  int
}

type launchKey struct {
	executionID    string
	waveNumber     int
	sourceServerID string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]domain.Execution),
		waves:      make(map[waveKey]domain.WaveExecution),
		launches:   make(map[launchKey]domain.ServerLaunch),
		commands:   make(map[string]domain.Command),
		audit:      make(map[string][]domain.AuditRecord),
		auditSeq:   make(map[string]int64),
	}
}

func (s *MemoryStore) CreateExecution(ctx context.Context, exec domain.Execution, waves []domain.WaveExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.executions {
		if e.PlanID == exec.PlanID && !e.Status.Terminal() {
			return domain.NewConflictError(domain.ErrCodePlanAlreadyExecuting, "plan already has a non-terminal execution")
		}
	}
	exec.Version = 1
	s.executions[exec.ID] = exec.Clone()
	for _, w := range waves {
		s.waves[waveKey{exec.ID, w.WaveNumber}] = w
	}
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return domain.Execution{}, domain.NewNotFoundError("Execution", id)
	}
	return e.Clone(), nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, exec domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.executions[exec.ID]
	if !ok {
		return domain.NewNotFoundError("Execution", exec.ID)
	}
	if current.Status.Terminal() && current.Status != exec.Status {
		return fmt.Errorf("%w: execution %s is already terminal (%s)", domain.ErrConflict, exec.ID, current.Status)
	}
	if exec.Version != current.Version+1 {
		return fmt.Errorf("%w: execution %s expected version %d, got %d", domain.ErrVersionConflict, exec.ID, current.Version+1, exec.Version)
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

func (s *MemoryStore) HasNonTerminalExecution(ctx context.Context, planID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.executions {
		if e.PlanID == planID && !e.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Execution
	for _, e := range s.executions {
		if filter.PlanID != "" && e.PlanID != filter.PlanID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if filter.InitiatedBy != "" && e.InitiatedBy != filter.InitiatedBy {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListNonTerminalExecutions(ctx context.Context) ([]domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Execution
	for _, e := range s.executions {
		if !e.Status.Terminal() {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertWaveExecution(ctx context.Context, wave domain.WaveExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waves[waveKey{wave.ExecutionID, wave.WaveNumber}] = wave
	return nil
}

func (s *MemoryStore) ListWaveExecutions(ctx context.Context, executionID string) ([]domain.WaveExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WaveExecution
	for k, w := range s.waves {
		if k.executionID == executionID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WaveNumber < out[j].WaveNumber })
	return out, nil
}

func (s *MemoryStore) GetWaveExecution(ctx context.Context, executionID string, waveNumber int) (domain.WaveExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waves[waveKey{executionID, waveNumber}]
	if !ok {
		return domain.WaveExecution{}, domain.NewNotFoundError("WaveExecution", fmt.Sprintf("%s/%d", executionID, waveNumber))
	}
	return w, nil
}

func (s *MemoryStore) UpsertServerLaunch(ctx context.Context, launch domain.ServerLaunch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launches[launchKey{launch.ExecutionID, launch.WaveNumber, launch.SourceServerID}] = launch
	return nil
}

func (s *MemoryStore) ListServerLaunches(ctx context.Context, executionID string, waveNumber int) ([]domain.ServerLaunch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ServerLaunch
	for k, l := range s.launches {
		if k.executionID == executionID && k.waveNumber == waveNumber {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceServerID < out[j].SourceServerID })
	return out, nil
}

func (s *MemoryStore) SaveCommand(ctx context.Context, cmd domain.Command) (domain.Command, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.commands[cmd.ID]; ok {
		return existing, false, nil
	}
	s.commands[cmd.ID] = cmd
	return cmd, true, nil
}

func (s *MemoryStore) GetCommand(ctx context.Context, id string) (domain.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[id]
	if !ok {
		return domain.Command{}, domain.NewNotFoundError("Command", id)
	}
	return c, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, rec domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditSeq[rec.ExecutionID]++
	rec.Sequence = s.auditSeq[rec.ExecutionID]
	s.audit[rec.ExecutionID] = append(s.audit[rec.ExecutionID], rec)
	return nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, executionID string) ([]domain.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditRecord(nil), s.audit[executionID]...), nil
}

func (s *MemoryStore) Close(ctx context.Context) error { return nil }
