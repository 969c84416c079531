package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteApprovalStore persists approval records and an invocation audit log
// in SQLite, so pending approvals survive a process restart.
type SQLiteApprovalStore struct {
	db *sql.DB
}

// NewSQLiteApprovalStore creates the store and its tables.
func NewSQLiteApprovalStore(db *sql.DB) (*SQLiteApprovalStore, error) {
	s := &SQLiteApprovalStore{db: db}
	if err := s.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteApprovalStore) initTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS approvals (
		request_id TEXT PRIMARY KEY,
		capability TEXT NOT NULL,
		server_id TEXT NOT NULL,
		params TEXT,
		state TEXT NOT NULL DEFAULT 'pending',
		result TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS invocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		capability TEXT NOT NULL,
		server_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params TEXT,
		result TEXT,
		error_message TEXT,
		attempts INTEGER NOT NULL DEFAULT 1,
		elapsed_ms INTEGER,
		executed_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_approvals_state ON approvals(state);
	CREATE INDEX IF NOT EXISTS idx_invocations_capability ON invocations(capability);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Create inserts a new pending record.
func (s *SQLiteApprovalStore) Create(ctx context.Context, rec *ApprovalRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (request_id, capability, server_id, params, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.RequestID, rec.Capability, rec.ServerID, string(rec.Params), string(rec.State), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert approval: %w", err)
	}
	return nil
}

// Get retrieves a record by request id.
func (s *SQLiteApprovalStore) Get(ctx context.Context, requestID string) (*ApprovalRecord, error) {
	var rec ApprovalRecord
	var params, result sql.NullString
	var state string

	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, capability, server_id, params, state, result, created_at
		FROM approvals WHERE request_id = ?
	`, requestID).Scan(&rec.RequestID, &rec.Capability, &rec.ServerID, &params, &state, &result, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownRequest
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query approval: %w", err)
	}

	rec.State = ApprovalState(state)
	if params.Valid {
		rec.Params = json.RawMessage(params.String)
	}
	if result.Valid && result.String != "" {
		rec.Result = json.RawMessage(result.String)
	}
	return &rec, nil
}

// Approve moves a pending record to approved. The guarded UPDATE keeps the
// transition forward-only even when confirmations race.
func (s *SQLiteApprovalStore) Approve(ctx context.Context, requestID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET state = ? WHERE request_id = ? AND state = ?
	`, string(StateApproved), requestID, string(StatePending))
	if err != nil {
		return fmt.Errorf("failed to approve: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.transitionError(ctx, requestID, ErrNotPending)
	}
	return nil
}

// MarkExecuted moves an approved record to executed.
func (s *SQLiteApprovalStore) MarkExecuted(ctx context.Context, requestID string, result json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET state = ?, result = ? WHERE request_id = ? AND state = ?
	`, string(StateExecuted), string(result), requestID, string(StateApproved))
	if err != nil {
		return fmt.Errorf("failed to mark executed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.transitionError(ctx, requestID, ErrNotApproved)
	}
	return nil
}

// Sweep evicts unexecuted records older than ttl.
func (s *SQLiteApprovalStore) Sweep(ctx context.Context, ttl time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM approvals WHERE state != ? AND created_at < ?
	`, string(StateExecuted), time.Now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep approvals: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// LogInvocation appends one terminal invocation to the audit log.
func (s *SQLiteApprovalStore) LogInvocation(ctx context.Context, inv InvocationLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invocations (capability, server_id, status, params, result, error_message, attempts, elapsed_ms, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inv.Capability, inv.ServerID, inv.Status, string(inv.Params), string(inv.Result), inv.ErrorMessage, inv.Attempts, inv.ElapsedMs, time.Now())
	return err
}

// transitionError distinguishes missing records from out-of-order
// transitions after a guarded update matched no row.
func (s *SQLiteApprovalStore) transitionError(ctx context.Context, requestID string, fallback error) error {
	rec, err := s.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if rec.State == StateExecuted {
		return ErrAlreadyExecuted
	}
	return fallback
}

// InvocationLog is one audit row for a terminal invocation outcome.
type InvocationLog struct {
	Capability   string
	ServerID     string
	Status       string
	Params       json.RawMessage
	Result       json.RawMessage
	ErrorMessage string
	Attempts     int
	ElapsedMs    int64
}

// InvocationLogger is implemented by stores that keep an audit trail.
type InvocationLogger interface {
	LogInvocation(ctx context.Context, inv InvocationLog) error
}
