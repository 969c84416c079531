package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingRecord(id string) *ApprovalRecord {
	return &ApprovalRecord{
		RequestID:  id,
		Capability: "email_send",
		ServerID:   "email",
		Params:     json.RawMessage(`{"to":"alice@example.com"}`),
		State:      StatePending,
		CreatedAt:  time.Now(),
	}
}

func TestMemoryStoreForwardOnlyTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryApprovalStore()
	require.NoError(t, s.Create(ctx, pendingRecord("r1")))

	// Executed before approved is out of order.
	assert.ErrorIs(t, s.MarkExecuted(ctx, "r1", nil), ErrNotApproved)

	require.NoError(t, s.Approve(ctx, "r1"))
	assert.ErrorIs(t, s.Approve(ctx, "r1"), ErrNotPending)

	require.NoError(t, s.MarkExecuted(ctx, "r1", json.RawMessage(`{"ok":true}`)))
	assert.ErrorIs(t, s.Approve(ctx, "r1"), ErrAlreadyExecuted)
	assert.ErrorIs(t, s.MarkExecuted(ctx, "r1", nil), ErrAlreadyExecuted)

	rec, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StateExecuted, rec.State)
	assert.JSONEq(t, `{"ok":true}`, string(rec.Result))
}

func TestMemoryStoreUnknownRequest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryApprovalStore()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownRequest)
	assert.ErrorIs(t, s.Approve(ctx, "missing"), ErrUnknownRequest)
	assert.ErrorIs(t, s.MarkExecuted(ctx, "missing", nil), ErrUnknownRequest)
}

func TestMemoryStoreDuplicateCreate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryApprovalStore()
	require.NoError(t, s.Create(ctx, pendingRecord("r1")))
	assert.Error(t, s.Create(ctx, pendingRecord("r1")))
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryApprovalStore()
	require.NoError(t, s.Create(ctx, pendingRecord("r1")))

	rec, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	rec.State = StateExecuted

	again, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, again.State)
}

func TestMemoryStoreSweepEvictsStaleUnexecuted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryApprovalStore()

	stale := pendingRecord("stale")
	stale.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.Create(ctx, stale))

	fresh := pendingRecord("fresh")
	require.NoError(t, s.Create(ctx, fresh))

	// Approved but never executed: a confirmation whose execution failed.
	abandoned := pendingRecord("abandoned")
	abandoned.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.Create(ctx, abandoned))
	require.NoError(t, s.Approve(ctx, "abandoned"))

	executed := pendingRecord("executed")
	executed.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.Create(ctx, executed))
	require.NoError(t, s.Approve(ctx, "executed"))
	require.NoError(t, s.MarkExecuted(ctx, "executed", nil))

	n, err := s.Sweep(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Get(ctx, "stale")
	assert.ErrorIs(t, err, ErrUnknownRequest)
	_, err = s.Get(ctx, "abandoned")
	assert.ErrorIs(t, err, ErrUnknownRequest)
	_, err = s.Get(ctx, "fresh")
	assert.NoError(t, err)
	_, err = s.Get(ctx, "executed")
	assert.NoError(t, err, "sweep never evicts executed records")
}
