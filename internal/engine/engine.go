// Package engine wires discovery, health, intent analysis, routing, and
// execution into the request-facing service.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/golovatskygroup/mcp-router/internal/discovery"
	"github.com/golovatskygroup/mcp-router/internal/executor"
	"github.com/golovatskygroup/mcp-router/internal/health"
	"github.com/golovatskygroup/mcp-router/internal/intent"
	"github.com/golovatskygroup/mcp-router/internal/router"
	"github.com/golovatskygroup/mcp-router/internal/session"
	"github.com/golovatskygroup/mcp-router/pkg/mcp"
)

// ApprovalRequest describes an invocation suspended behind the approval
// gate, returned upstream instead of a result.
type ApprovalRequest struct {
	RequestID  string          `json:"requestId"`
	Capability string          `json:"capabilityName"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// Response is the upstream-facing outcome of one request: exactly one of
// Result, Approval, or Error is meaningful, with NoMatch marking requests
// that legitimately need no capability.
type Response struct {
	Result      *mcp.CallToolResult `json:"result,omitempty"`
	Approval    *ApprovalRequest    `json:"approvalRequired,omitempty"`
	NoMatch     bool                `json:"noMatch,omitempty"`
	Error       string              `json:"error,omitempty"`
	UserMessage string              `json:"userMessage,omitempty"`

	Capability string `json:"capability,omitempty"`
	ServerID   string `json:"serverId,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
}

// Engine owns the discovery/routing pipeline. It is explicitly constructed
// and dependency-injected; lifecycle is Start/Stop, not first-access.
type Engine struct {
	classifier intent.Classifier
	discovery  *discovery.Service
	health     *health.Monitor
	router     *router.Router
	exec       *executor.Coordinator
	sessions   *session.Cache
}

// New assembles an engine from its parts.
func New(classifier intent.Classifier, disc *discovery.Service, mon *health.Monitor, rt *router.Router, exec *executor.Coordinator, sessions *session.Cache) *Engine {
	return &Engine{
		classifier: classifier,
		discovery:  disc,
		health:     mon,
		router:     rt,
		exec:       exec,
		sessions:   sessions,
	}
}

// Start launches the health monitor and approval eviction loops.
func (e *Engine) Start(ctx context.Context) {
	e.health.Start(ctx)
	e.exec.Start(ctx)
}

// Stop halts background loops and releases the session cache.
func (e *Engine) Stop() {
	e.health.Stop()
	e.exec.Stop()
	e.sessions.Close()
}

// RouteAndExecute analyzes the request text, selects the best capability,
// and runs it. Gated capabilities come back as an approval request; text
// matching no known capability comes back as a no-match, not an error.
func (e *Engine) RouteAndExecute(ctx context.Context, text, sessionID string) (*Response, error) {
	qi := e.classifier.Analyze(text)
	if qi.Primary == intent.CategoryUnknown {
		return &Response{
			NoMatch:     true,
			UserMessage: "No remote capability is needed for this request.",
		}, nil
	}

	reg, fromSession, err := e.registryFor(ctx, sessionID)
	if err != nil {
		return &Response{
			Error:       err.Error(),
			UserMessage: "Capability discovery failed; no tool servers are reachable.",
		}, nil
	}

	decision := e.router.Route(qi, reg, e.health.Snapshot())
	if decision.Empty() && fromSession {
		// The session's memoized subset may simply not cover this request;
		// retry against a full discovery before giving up.
		e.sessions.Invalidate(sessionID)
		if full, err := e.discovery.DiscoverAll(ctx); err == nil {
			reg = full
			decision = e.router.Route(qi, reg, e.health.Snapshot())
		}
	}
	if decision.Empty() {
		return &Response{
			NoMatch:     true,
			UserMessage: "No registered capability matches this request.",
		}, nil
	}

	if sessionID != "" {
		e.sessions.Put(sessionID, decisionRecords(decision))
	}

	params := buildParams(qi)
	outcome, err := e.exec.Execute(ctx, decision, params)
	if err != nil {
		var approval *executor.ApprovalRequiredError
		if errors.As(err, &approval) {
			return &Response{
				Approval: &ApprovalRequest{
					RequestID:  approval.RequestID,
					Capability: approval.Capability,
					Params:     approval.Params,
				},
				UserMessage: fmt.Sprintf("Capability %s requires approval before it can run.", approval.Capability),
			}, nil
		}
		return &Response{
			Error:       err.Error(),
			UserMessage: err.Error(),
			Capability:  decision.Primary.Capability.Name,
		}, nil
	}

	return responseFromOutcome(outcome), nil
}

// Confirm proceeds with a previously staged, approval-gated invocation.
func (e *Engine) Confirm(ctx context.Context, requestID string) (*Response, error) {
	outcome, err := e.exec.Confirm(ctx, requestID)
	if err != nil {
		switch {
		case errors.Is(err, executor.ErrUnknownRequest):
			return &Response{Error: err.Error(), UserMessage: "This approval request is unknown or has expired."}, nil
		case errors.Is(err, executor.ErrAlreadyExecuted):
			return &Response{Error: err.Error(), UserMessage: "This request has already been executed."}, nil
		default:
			return &Response{Error: err.Error(), UserMessage: err.Error()}, nil
		}
	}
	return responseFromOutcome(outcome), nil
}

// SearchCapabilities ranks the discovered capabilities against a keyword
// query, answering "what can you do" style requests.
func (e *Engine) SearchCapabilities(ctx context.Context, query string, limit int) ([]discovery.SearchResult, error) {
	reg, err := e.discovery.DiscoverAll(ctx)
	if err != nil {
		return nil, err
	}
	return reg.Search(query, limit), nil
}

// registryFor prefers the session's memoized capabilities over a fresh
// discovery cycle.
func (e *Engine) registryFor(ctx context.Context, sessionID string) (*discovery.Registry, bool, error) {
	if sessionID != "" {
		if caps, ok := e.sessions.Get(sessionID); ok {
			return discovery.RegistryFromRecords(caps), true, nil
		}
	}
	reg, err := e.discovery.DiscoverAll(ctx)
	if err != nil {
		return nil, false, err
	}
	return reg, false, nil
}

// buildParams derives invocation arguments from the analyzed intent: the
// raw query plus any extracted entities.
func buildParams(qi intent.QueryIntent) json.RawMessage {
	payload := map[string]any{"query": qi.RawQuery}
	for kind, values := range qi.Entities {
		payload[kind] = values
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("engine: failed to marshal params: %v", err)
		return json.RawMessage(`{}`)
	}
	return data
}

func decisionRecords(decision router.RouteDecision) []discovery.CapabilityRecord {
	records := []discovery.CapabilityRecord{decision.Primary.Capability}
	for _, m := range decision.Fallbacks {
		records = append(records, m.Capability)
	}
	return records
}

func responseFromOutcome(outcome *executor.Outcome) *Response {
	return &Response{
		Result:     outcome.Result,
		Capability: outcome.Capability,
		ServerID:   outcome.ServerID,
		Attempts:   outcome.Attempts,
	}
}
