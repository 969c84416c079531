package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ApprovalState is the lifecycle position of an approval record.
// Transitions only move forward: pending → approved → executed.
type ApprovalState string

const (
	StatePending  ApprovalState = "pending"
	StateApproved ApprovalState = "approved"
	StateExecuted ApprovalState = "executed"
)

// ApprovalRecord stages one gated invocation awaiting confirmation.
type ApprovalRecord struct {
	RequestID  string          `json:"requestId"`
	Capability string          `json:"capabilityName"`
	ServerID   string          `json:"serverId"`
	Params     json.RawMessage `json:"params,omitempty"`
	State      ApprovalState   `json:"state"`
	CreatedAt  time.Time       `json:"createdAt"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Store errors.
var (
	ErrUnknownRequest  = errors.New("approval: unknown request id")
	ErrNotPending      = errors.New("approval: record is not pending")
	ErrNotApproved     = errors.New("approval: record is not approved")
	ErrAlreadyExecuted = errors.New("approval: record already executed")
)

// ApprovalStore persists approval records. Approve and MarkExecuted enforce
// the forward-only transition discipline; implementations must be safe for
// confirmation and execution racing from different request contexts.
type ApprovalStore interface {
	Create(ctx context.Context, rec *ApprovalRecord) error
	Get(ctx context.Context, requestID string) (*ApprovalRecord, error)
	Approve(ctx context.Context, requestID string) error
	MarkExecuted(ctx context.Context, requestID string, result json.RawMessage) error

	// Sweep evicts unexecuted records older than ttl, returning the count.
	// Abandoned approvals, including ones whose execution failed after
	// confirmation, must not leak indefinitely.
	Sweep(ctx context.Context, ttl time.Duration) (int, error)
}

// MemoryApprovalStore is the in-process ApprovalStore used when no database
// path is configured.
type MemoryApprovalStore struct {
	mu      sync.Mutex
	records map[string]*ApprovalRecord
}

// NewMemoryApprovalStore creates an empty in-memory store.
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{records: make(map[string]*ApprovalRecord)}
}

// Create stores a new pending record.
func (s *MemoryApprovalStore) Create(_ context.Context, rec *ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.RequestID]; exists {
		return fmt.Errorf("approval: duplicate request id %s", rec.RequestID)
	}
	cp := *rec
	s.records[rec.RequestID] = &cp
	return nil
}

// Get returns a copy of the record.
func (s *MemoryApprovalStore) Get(_ context.Context, requestID string) (*ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[requestID]
	if !ok {
		return nil, ErrUnknownRequest
	}
	cp := *rec
	return &cp, nil
}

// Approve moves a pending record to approved.
func (s *MemoryApprovalStore) Approve(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[requestID]
	if !ok {
		return ErrUnknownRequest
	}
	switch rec.State {
	case StatePending:
		rec.State = StateApproved
		return nil
	case StateExecuted:
		return ErrAlreadyExecuted
	default:
		return ErrNotPending
	}
}

// MarkExecuted moves an approved record to executed and attaches the result.
func (s *MemoryApprovalStore) MarkExecuted(_ context.Context, requestID string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[requestID]
	if !ok {
		return ErrUnknownRequest
	}
	switch rec.State {
	case StateApproved:
		rec.State = StateExecuted
		rec.Result = result
		return nil
	case StateExecuted:
		return ErrAlreadyExecuted
	default:
		return ErrNotApproved
	}
}

// Sweep evicts stale unexecuted records.
func (s *MemoryApprovalStore) Sweep(_ context.Context, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-ttl)
	evicted := 0
	for id, rec := range s.records {
		if rec.State != StateExecuted && rec.CreatedAt.Before(cutoff) {
			delete(s.records, id)
			evicted++
		}
	}
	return evicted, nil
}
