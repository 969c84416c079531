// Package executor runs route decisions against remote tool servers with
// sequential fallback, per-attempt time-boxing, and a human-approval gate.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/golovatskygroup/mcp-router/internal/config"
	"github.com/golovatskygroup/mcp-router/internal/discovery"
	"github.com/golovatskygroup/mcp-router/internal/router"
	"github.com/golovatskygroup/mcp-router/internal/transport"
	"github.com/golovatskygroup/mcp-router/pkg/mcp"
)

// Connector opens a transport to a configured server.
type Connector interface {
	Connect(ctx context.Context, desc config.ServerDescriptor) (transport.Transport, error)
}

// Recorder receives invocation outcomes for health tracking.
type Recorder interface {
	ReportSuccess(serverID string)
	ReportFailure(serverID string)
	ReportRateLimited(serverID string, resetAt time.Time)
}

// ErrEmptyDecision is returned when Execute is handed a decision that
// selected no capability.
var ErrEmptyDecision = errors.New("executor: route decision selected no capability")

// ApprovalRequiredError signals that execution was deliberately suspended:
// the matched capability is gated and awaits external confirmation. It
// carries what would have run so the caller can present it.
type ApprovalRequiredError struct {
	RequestID  string
	Capability string
	Params     json.RawMessage
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("capability %s requires approval (request %s)", e.Capability, e.RequestID)
}

// Outcome reports a successful invocation, annotated with which capability
// and server actually answered.
type Outcome struct {
	Result     *mcp.CallToolResult
	Capability string
	ServerID   string
	Attempts   int
	Elapsed    time.Duration
}

// failure kinds, used to phrase terminal errors for humans.
type failureKind int

const (
	kindUnavailable failureKind = iota
	kindTimeout
	kindRateLimit
	kindBadParams
)

type plannedAttempt struct {
	record  discovery.CapabilityRecord
	timeout time.Duration
}

// Coordinator drives the per-invocation state machine:
// pending → (approval?) → approved → executing → succeeded | failed→fallback.
type Coordinator struct {
	connector Connector
	servers   config.ServerSource
	approvals ApprovalStore
	health    Recorder

	globalTimeout time.Duration
	approvalTTL   time.Duration
	sweepEvery    time.Duration

	// staged holds the full fallback plan for pending approvals. The
	// durable record keeps only the primary capability, enough to proceed
	// after a restart.
	staged   map[string][]plannedAttempt
	stagedMu sync.Mutex

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// CoordinatorOption configures the Coordinator.
type CoordinatorOption func(*Coordinator)

// WithGlobalTimeout bounds one invocation across its whole fallback chain.
func WithGlobalTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.globalTimeout = d
	}
}

// WithApprovalTTL sets how long an unconfirmed approval survives.
func WithApprovalTTL(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.approvalTTL = d
	}
}

// WithSweepInterval sets how often abandoned approvals are evicted.
func WithSweepInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.sweepEvery = d
	}
}

// NewCoordinator creates an execution coordinator.
func NewCoordinator(connector Connector, servers config.ServerSource, approvals ApprovalStore, health Recorder, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		connector:     connector,
		servers:       servers,
		approvals:     approvals,
		health:        health,
		globalTimeout: 60 * time.Second,
		approvalTTL:   30 * time.Minute,
		sweepEvery:    5 * time.Minute,
		staged:        make(map[string][]plannedAttempt),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs the approval eviction loop.
func (c *Coordinator) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := c.approvals.Sweep(ctx, c.approvalTTL); err != nil {
					log.Printf("executor: approval sweep failed: %v", err)
				} else if n > 0 {
					c.dropStaleStaged()
					log.Printf("executor: evicted %d abandoned approvals", n)
				}
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts the eviction loop.
func (c *Coordinator) Stop() {
	c.once.Do(func() { close(c.stop) })
	<-c.done
}

// Execute runs a route decision. When the primary capability is gated, no
// transport call happens: an ApprovalRecord is created and an
// ApprovalRequiredError comes back instead of a result.
func (c *Coordinator) Execute(ctx context.Context, decision router.RouteDecision, params json.RawMessage) (*Outcome, error) {
	if decision.Empty() {
		return nil, ErrEmptyDecision
	}

	attempts := c.planAttempts(decision)

	if decision.Primary.Capability.RequiresApproval {
		rec := &ApprovalRecord{
			RequestID:  uuid.New().String(),
			Capability: decision.Primary.Capability.Name,
			ServerID:   decision.Primary.Capability.ServerID,
			Params:     params,
			State:      StatePending,
			CreatedAt:  time.Now(),
		}
		if err := c.approvals.Create(ctx, rec); err != nil {
			return nil, fmt.Errorf("staging approval: %w", err)
		}
		c.stagedMu.Lock()
		c.staged[rec.RequestID] = attempts
		c.stagedMu.Unlock()
		return nil, &ApprovalRequiredError{
			RequestID:  rec.RequestID,
			Capability: rec.Capability,
			Params:     params,
		}
	}

	return c.run(ctx, attempts, params)
}

// Confirm proceeds with a previously staged invocation. The store's guarded
// transition makes racing confirmations single-winner; a record left
// approved by a failed execution may be confirmed again.
func (c *Coordinator) Confirm(ctx context.Context, requestID string) (*Outcome, error) {
	if err := c.approvals.Approve(ctx, requestID); err != nil {
		if !errors.Is(err, ErrNotPending) {
			return nil, err
		}
		rec, gerr := c.approvals.Get(ctx, requestID)
		if gerr != nil {
			return nil, gerr
		}
		if rec.State != StateApproved {
			return nil, err
		}
	}

	c.stagedMu.Lock()
	attempts, ok := c.staged[requestID]
	delete(c.staged, requestID)
	c.stagedMu.Unlock()

	if !ok {
		// Staged plan lost (restart). Rebuild a single attempt from the
		// durable record.
		rec, err := c.approvals.Get(ctx, requestID)
		if err != nil {
			return nil, err
		}
		attempts = []plannedAttempt{{
			record: discovery.CapabilityRecord{
				Name:     rec.Capability,
				ServerID: rec.ServerID,
			},
			timeout: 10 * time.Second,
		}}
	}

	rec, err := c.approvals.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	outcome, err := c.run(ctx, attempts, rec.Params)
	if err != nil {
		return nil, err
	}

	resultJSON, merr := json.Marshal(outcome.Result)
	if merr != nil {
		resultJSON = nil
	}
	if err := c.approvals.MarkExecuted(ctx, requestID, resultJSON); err != nil {
		return nil, err
	}
	return outcome, nil
}

// run walks the fallback chain strictly in order: attempt n+1 starts only
// after attempt n has failed. Each attempt is time-boxed; the whole chain
// is bounded by the global timeout.
func (c *Coordinator) run(ctx context.Context, attempts []plannedAttempt, params json.RawMessage) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.globalTimeout)
	defer cancel()

	start := time.Now()
	lastKind := kindUnavailable
	var lastReset time.Time
	tried := 0

	for i, att := range attempts {
		if ctx.Err() != nil {
			lastKind = kindTimeout
			break
		}
		// A gated capability never runs as a silent fallback.
		if i > 0 && att.record.RequiresApproval {
			continue
		}

		tried++
		kind, reset, outcome := c.attempt(ctx, att, params, tried, start)
		if outcome != nil {
			c.logOutcome(ctx, att.record, params, outcome, "")
			return outcome, nil
		}
		lastKind = kind
		if kind == kindRateLimit {
			lastReset = reset
		}
	}

	err := c.terminalError(tried, lastKind, lastReset)
	if len(attempts) > 0 {
		c.logOutcome(ctx, attempts[0].record, params, &Outcome{Attempts: tried, Elapsed: time.Since(start)}, err.Error())
	}
	return nil, err
}

// attempt executes one planned invocation, reporting its outcome to the
// health recorder and classifying any failure.
func (c *Coordinator) attempt(ctx context.Context, att plannedAttempt, params json.RawMessage, attemptNo int, start time.Time) (failureKind, time.Time, *Outcome) {
	rec := att.record

	if err := validateParams(rec.Name, rec.InputSchema, params); err != nil {
		log.Printf("executor: attempt %d on %s rejected: %v", attemptNo, rec.Name, err)
		return kindBadParams, time.Time{}, nil
	}

	desc, ok := c.lookupServer(rec.ServerID)
	if !ok {
		log.Printf("executor: server %s for capability %s is no longer configured", rec.ServerID, rec.Name)
		return kindUnavailable, time.Time{}, nil
	}

	tr, err := c.connector.Connect(ctx, desc)
	if err != nil {
		return c.classifyFailure(rec.ServerID, err), resetOf(err), nil
	}
	defer tr.Close()

	result, err := tr.Invoke(ctx, rec.Name, params, att.timeout)
	if err != nil {
		return c.classifyFailure(rec.ServerID, err), resetOf(err), nil
	}
	if result.IsError {
		c.health.ReportFailure(rec.ServerID)
		return kindUnavailable, time.Time{}, nil
	}

	c.health.ReportSuccess(rec.ServerID)
	return 0, time.Time{}, &Outcome{
		Result:     result,
		Capability: rec.Name,
		ServerID:   rec.ServerID,
		Attempts:   attemptNo,
		Elapsed:    time.Since(start),
	}
}

func (c *Coordinator) classifyFailure(serverID string, err error) failureKind {
	if rl, ok := transport.IsRateLimit(err); ok {
		c.health.ReportRateLimited(serverID, rl.ResetAt)
		return kindRateLimit
	}
	if errors.Is(err, context.DeadlineExceeded) {
		c.health.ReportFailure(serverID)
		return kindTimeout
	}
	c.health.ReportFailure(serverID)
	return kindUnavailable
}

// terminalError phrases chain exhaustion for humans, distinguishing
// rate-limiting, timeout, and generic unavailability.
func (c *Coordinator) terminalError(attempts int, kind failureKind, reset time.Time) error {
	switch kind {
	case kindRateLimit:
		return fmt.Errorf("all %d attempts failed: the server is rate-limited, try again after %s", attempts, reset.Format(time.Kitchen))
	case kindTimeout:
		return fmt.Errorf("all %d attempts failed: the server did not answer in time", attempts)
	case kindBadParams:
		return fmt.Errorf("all %d attempts failed: the request parameters did not match the capability's schema", attempts)
	default:
		return fmt.Errorf("all %d attempts failed: no configured server is currently available", attempts)
	}
}

func (c *Coordinator) planAttempts(decision router.RouteDecision) []plannedAttempt {
	matches := append([]router.ToolMatch{*decision.Primary}, decision.Fallbacks...)
	attempts := make([]plannedAttempt, 0, len(matches))
	for i, m := range matches {
		timeout := 10 * time.Second
		if i < len(decision.Plan) {
			timeout = decision.Plan[i].Timeout
		}
		attempts = append(attempts, plannedAttempt{record: m.Capability, timeout: timeout})
	}
	return attempts
}

func (c *Coordinator) lookupServer(serverID string) (config.ServerDescriptor, bool) {
	for _, desc := range c.servers.Servers() {
		if desc.ID == serverID {
			return desc, true
		}
	}
	return config.ServerDescriptor{}, false
}

// logOutcome writes an audit row when the store keeps one.
func (c *Coordinator) logOutcome(ctx context.Context, rec discovery.CapabilityRecord, params json.RawMessage, outcome *Outcome, errMsg string) {
	logger, ok := c.approvals.(InvocationLogger)
	if !ok {
		return
	}

	status := "succeeded"
	var resultJSON json.RawMessage
	if errMsg != "" {
		status = "failed"
	} else if outcome.Result != nil {
		resultJSON, _ = json.Marshal(outcome.Result)
	}

	inv := InvocationLog{
		Capability:   rec.Name,
		ServerID:     rec.ServerID,
		Status:       status,
		Params:       params,
		Result:       resultJSON,
		ErrorMessage: errMsg,
		Attempts:     outcome.Attempts,
		ElapsedMs:    outcome.Elapsed.Milliseconds(),
	}
	if err := logger.LogInvocation(ctx, inv); err != nil {
		log.Printf("executor: audit log write failed: %v", err)
	}
}

// dropStaleStaged clears staged plans whose records were evicted.
func (c *Coordinator) dropStaleStaged() {
	c.stagedMu.Lock()
	defer c.stagedMu.Unlock()
	for id := range c.staged {
		if _, err := c.approvals.Get(context.Background(), id); errors.Is(err, ErrUnknownRequest) {
			delete(c.staged, id)
		}
	}
}

func resetOf(err error) time.Time {
	if rl, ok := transport.IsRateLimit(err); ok {
		return rl.ResetAt
	}
	return time.Time{}
}
