// Package postgres implements the State Store Adapter on PostgreSQL via
// raw database/sql + lib/pq, grounded on the teacher's
// internal/app/storage/postgres.Store: $n placeholders, JSON-marshaled
// nested fields, and a rowScanner abstraction shared between QueryRow and
// Query result sets. The Execution.version column is this adapter's sole
// concurrency primitive (spec.md §4.5/§9).
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/R3E-Network/drs-orchestrator/pkg/domain"
	"github.com/R3E-Network/drs-orchestrator/pkg/statestore"
)

// Store implements statestore.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ statestore.Store = (*Store)(nil)

// New wraps an already-open *sql.DB. Callers should run the embedded
// goose migrations (see migrations.Apply) before using Store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens a Postgres connection using the lib/pq driver, following the
// teacher's internal/platform/database.Open pattern (validate a non-empty
// DSN, ping with a bounded timeout).
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// rowScanner abstracts *sql.Row/*sql.Rows so scan helpers can be shared.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) CreateExecution(ctx context.Context, exec domain.Execution, waves []domain.WaveExecution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM executions
			WHERE plan_id = $1 AND status NOT IN ('COMPLETED','FAILED','CANCELLED','PARTIAL')
		)
	`, exec.PlanID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return domain.NewConflictError(domain.ErrCodePlanAlreadyExecuting, "plan already has a non-terminal execution")
	}

	exec.Version = 1
	now := time.Now().UTC()
	exec.CreatedAt, exec.UpdatedAt = now, now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions
			(id, plan_id, type, status, initiated_by, name, description,
			 start_time, end_time, current_wave_number, pause_requested,
			 reason_on_failure, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, exec.ID, exec.PlanID, exec.Type, exec.Status, exec.InitiatedBy, exec.Name, exec.Description,
		exec.StartTime, exec.EndTime, exec.CurrentWaveNumber, exec.PauseRequested,
		exec.ReasonOnFailure, exec.Version, exec.CreatedAt, exec.UpdatedAt)
	if err != nil {
		return err
	}

	for _, w := range waves {
		if err := upsertWaveTx(ctx, tx, w); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, plan_id, type, status, initiated_by, name, description,
		       start_time, end_time, current_wave_number, pause_requested,
		       reason_on_failure, version, created_at, updated_at
		FROM executions WHERE id = $1
	`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Execution{}, domain.NewNotFoundError("Execution", id)
	}
	return exec, err
}

func scanExecution(row rowScanner) (domain.Execution, error) {
	var e domain.Execution
	var endTime sql.NullTime
	var currentWave sql.NullInt64
	if err := row.Scan(&e.ID, &e.PlanID, &e.Type, &e.Status, &e.InitiatedBy, &e.Name, &e.Description,
		&e.StartTime, &endTime, &currentWave, &e.PauseRequested,
		&e.ReasonOnFailure, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return domain.Execution{}, err
	}
	if endTime.Valid {
		e.EndTime = &endTime.Time
	}
	if currentWave.Valid {
		w := int(currentWave.Int64)
		e.CurrentWaveNumber = &w
	}
	return e, nil
}

func (s *Store) UpdateExecution(ctx context.Context, exec domain.Execution) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status=$3, end_time=$4, current_wave_number=$5, pause_requested=$6,
		    reason_on_failure=$7, version=$8, updated_at=$9
		WHERE id=$1 AND version=$2
		  AND status NOT IN ('COMPLETED','FAILED','CANCELLED','PARTIAL')
	`, exec.ID, exec.Version-1, exec.Status, exec.EndTime, exec.CurrentWaveNumber, exec.PauseRequested,
		exec.ReasonOnFailure, exec.Version, time.Now().UTC())
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := s.GetExecution(ctx, exec.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: execution %s", domain.ErrVersionConflict, exec.ID)
	}
	return nil
}

func (s *Store) HasNonTerminalExecution(ctx context.Context, planID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM executions
			WHERE plan_id = $1 AND status NOT IN ('COMPLETED','FAILED','CANCELLED','PARTIAL')
		)
	`, planID).Scan(&exists)
	return exists, err
}

func (s *Store) ListExecutions(ctx context.Context, filter statestore.ExecutionFilter) ([]domain.Execution, error) {
	query := `
		SELECT id, plan_id, type, status, initiated_by, name, description,
		       start_time, end_time, current_wave_number, pause_requested,
		       reason_on_failure, version, created_at, updated_at
		FROM executions WHERE 1=1`
	var args []interface{}
	add := func(clause string, value interface{}) {
		args = append(args, value)
		query += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if filter.PlanID != "" {
		add("plan_id", filter.PlanID)
	}
	if filter.Status != "" {
		add("status", filter.Status)
	}
	if filter.Type != "" {
		add("type", filter.Type)
	}
	if filter.InitiatedBy != "" {
		add("initiated_by", filter.InitiatedBy)
	}
	query += " ORDER BY start_time"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListNonTerminalExecutions(ctx context.Context) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, type, status, initiated_by, name, description,
		       start_time, end_time, current_wave_number, pause_requested,
		       reason_on_failure, version, created_at, updated_at
		FROM executions
		WHERE status NOT IN ('COMPLETED','FAILED','CANCELLED','PARTIAL')
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func upsertWaveTx(ctx context.Context, tx *sql.Tx, wave domain.WaveExecution) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wave_executions (execution_id, wave_number, status, start_time, end_time, server_count)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (execution_id, wave_number) DO UPDATE
		SET status=$3, start_time=$4, end_time=$5, server_count=$6
	`, wave.ExecutionID, wave.WaveNumber, wave.Status, wave.StartTime, wave.EndTime, wave.ServerCount)
	return err
}

func (s *Store) UpsertWaveExecution(ctx context.Context, wave domain.WaveExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wave_executions (execution_id, wave_number, status, start_time, end_time, server_count)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (execution_id, wave_number) DO UPDATE
		SET status=$3, start_time=$4, end_time=$5, server_count=$6
	`, wave.ExecutionID, wave.WaveNumber, wave.Status, wave.StartTime, wave.EndTime, wave.ServerCount)
	return err
}

func (s *Store) ListWaveExecutions(ctx context.Context, executionID string) ([]domain.WaveExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, wave_number, status, start_time, end_time, server_count
		FROM wave_executions WHERE execution_id = $1 ORDER BY wave_number
	`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WaveExecution
	for rows.Next() {
		w, err := scanWave(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) GetWaveExecution(ctx context.Context, executionID string, waveNumber int) (domain.WaveExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, wave_number, status, start_time, end_time, server_count
		FROM wave_executions WHERE execution_id = $1 AND wave_number = $2
	`, executionID, waveNumber)
	w, err := scanWave(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WaveExecution{}, domain.NewNotFoundError("WaveExecution", fmt.Sprintf("%s/%d", executionID, waveNumber))
	}
	return w, err
}

func scanWave(row rowScanner) (domain.WaveExecution, error) {
	var w domain.WaveExecution
	var startTime, endTime sql.NullTime
	if err := row.Scan(&w.ExecutionID, &w.WaveNumber, &w.Status, &startTime, &endTime, &w.ServerCount); err != nil {
		return domain.WaveExecution{}, err
	}
	if startTime.Valid {
		w.StartTime = &startTime.Time
	}
	if endTime.Valid {
		w.EndTime = &endTime.Time
	}
	return w, nil
}

func (s *Store) UpsertServerLaunch(ctx context.Context, l domain.ServerLaunch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_launches
			(execution_id, wave_number, source_server_id, drs_job_id, recovery_instance_id,
			 status, error_code, error_message, last_polled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (execution_id, wave_number, source_server_id) DO UPDATE
		SET drs_job_id=$4, recovery_instance_id=$5, status=$6, error_code=$7,
		    error_message=$8, last_polled_at=$9
	`, l.ExecutionID, l.WaveNumber, l.SourceServerID, nullString(l.DRSJobID), nullString(l.RecoveryInstanceID),
		l.Status, nullString(l.ErrorCode), nullString(l.ErrorMessage), l.LastPolledAt)
	return err
}

func (s *Store) ListServerLaunches(ctx context.Context, executionID string, waveNumber int) ([]domain.ServerLaunch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, wave_number, source_server_id, drs_job_id, recovery_instance_id,
		       status, error_code, error_message, last_polled_at
		FROM server_launches WHERE execution_id = $1 AND wave_number = $2
		ORDER BY source_server_id
	`, executionID, waveNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ServerLaunch
	for rows.Next() {
		l, err := scanLaunch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLaunch(row rowScanner) (domain.ServerLaunch, error) {
	var l domain.ServerLaunch
	var drsJobID, recoveryInstanceID, errorCode, errorMessage sql.NullString
	var lastPolledAt sql.NullTime
	if err := row.Scan(&l.ExecutionID, &l.WaveNumber, &l.SourceServerID, &drsJobID, &recoveryInstanceID,
		&l.Status, &errorCode, &errorMessage, &lastPolledAt); err != nil {
		return domain.ServerLaunch{}, err
	}
	l.DRSJobID = drsJobID.String
	l.RecoveryInstanceID = recoveryInstanceID.String
	l.ErrorCode = errorCode.String
	l.ErrorMessage = errorMessage.String
	if lastPolledAt.Valid {
		l.LastPolledAt = &lastPolledAt.Time
	}
	return l, nil
}

func (s *Store) SaveCommand(ctx context.Context, cmd domain.Command) (domain.Command, bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands
			(id, execution_id, plan_id, kind, requested_by, reason, requested_at,
			 consumed_at, accepted_at, rejected_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING
	`, cmd.ID, cmd.ExecutionID, nullString(cmd.PlanID), cmd.Kind, cmd.RequestedBy, nullString(cmd.Reason),
		cmd.RequestedAt, cmd.ConsumedAt, cmd.AcceptedAt, nullString(cmd.RejectedReason))
	if err != nil {
		return domain.Command{}, false, err
	}

	stored, err := s.GetCommand(ctx, cmd.ID)
	if err != nil {
		return domain.Command{}, false, err
	}
	firstTime := stored.RequestedBy == cmd.RequestedBy && stored.RequestedAt.Equal(cmd.RequestedAt) &&
		stored.RejectedReason == cmd.RejectedReason
	return stored, firstTime, nil
}

func (s *Store) GetCommand(ctx context.Context, id string) (domain.Command, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, plan_id, kind, requested_by, reason, requested_at,
		       consumed_at, accepted_at, rejected_reason
		FROM commands WHERE id = $1
	`, id)

	var c domain.Command
	var planID, reason, rejectedReason sql.NullString
	var consumedAt, acceptedAt sql.NullTime
	if err := row.Scan(&c.ID, &c.ExecutionID, &planID, &c.Kind, &c.RequestedBy, &reason, &c.RequestedAt,
		&consumedAt, &acceptedAt, &rejectedReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Command{}, domain.NewNotFoundError("Command", id)
		}
		return domain.Command{}, err
	}
	c.PlanID = planID.String
	c.Reason = reason.String
	c.RejectedReason = rejectedReason.String
	if consumedAt.Valid {
		c.ConsumedAt = &consumedAt.Time
	}
	if acceptedAt.Valid {
		c.AcceptedAt = &acceptedAt.Time
	}
	return c, nil
}

func (s *Store) AppendAudit(ctx context.Context, rec domain.AuditRecord) error {
	detailJSON, err := json.Marshal(rec.Detail)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Serialize sequence assignment per execution by locking its existing
	// rows; an execution with no audit rows yet starts at 1 unlocked.
	if _, err := tx.ExecContext(ctx, `
		SELECT 1 FROM audit_log WHERE execution_id = $1 ORDER BY sequence DESC LIMIT 1 FOR UPDATE
	`, rec.ExecutionID); err != nil {
		return err
	}

	var next int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) + 1 FROM audit_log WHERE execution_id = $1
	`, rec.ExecutionID).Scan(&next); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (execution_id, sequence, timestamp, severity, kind, message, detail)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.ExecutionID, next, rec.Timestamp, rec.Severity, rec.Kind, rec.Message, detailJSON); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListAudit(ctx context.Context, executionID string) ([]domain.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, sequence, timestamp, severity, kind, message, detail
		FROM audit_log WHERE execution_id = $1 ORDER BY sequence
	`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var r domain.AuditRecord
		var detailJSON []byte
		if err := rows.Scan(&r.ExecutionID, &r.Sequence, &r.Timestamp, &r.Severity, &r.Kind, &r.Message, &detailJSON); err != nil {
			return nil, err
		}
		if len(detailJSON) > 0 {
			_ = json.Unmarshal(detailJSON, &r.Detail)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
