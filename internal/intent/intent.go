// Package intent is the canonical-turn pipeline: it resolves an intent to a
// registered handler, checks the actor's capability, and runs the handler
// inside one unit of work. Each handler is responsible for the turn itself
// (idempotency short-circuit, preconditions, rule evaluation, entity
// mutation, event append, projection apply) but shares the collaborators and
// helpers in this package so the shape stays uniform across intent types.
package intent

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mcarvalho21/mdmplatform/internal/domainmodel"
	"github.com/mcarvalho21/mdmplatform/internal/entitygraph"
	"github.com/mcarvalho21/mdmplatform/internal/eventstore"
	"github.com/mcarvalho21/mdmplatform/internal/idgen"
	"github.com/mcarvalho21/mdmplatform/internal/metrics"
	"github.com/mcarvalho21/mdmplatform/internal/platform/uow"
	"github.com/mcarvalho21/mdmplatform/internal/platformerrors"
	"github.com/mcarvalho21/mdmplatform/internal/projection"
	"github.com/mcarvalho21/mdmplatform/internal/rules"
)

// StatusPendingApproval marks a result routed for manual approval rather
// than rejected or approved outright.
const StatusPendingApproval = "pending_approval"

// Intent is a caller's request to perform one mutation against the system.
type Intent struct {
	IntentType      string
	Actor           domainmodel.Actor
	LegalEntity     string
	TenantID        string
	Data            map[string]any
	IdempotencyKey  string
	CorrelationID   string
}

// Result is what Execute returns for one intent, matching the external
// /intents response shape.
type Result struct {
	Success              bool                   `json:"success"`
	IntentID             string                 `json:"intent_id"`
	EventID              string                 `json:"event_id,omitempty"`
	Event                *eventstore.Event      `json:"event,omitempty"`
	Error                string                 `json:"error,omitempty"`
	Status               string                 `json:"status,omitempty"`
	RequiredApproverRole string                 `json:"required_approver_role,omitempty"`
	Traces               []rules.Trace          `json:"traces,omitempty"`
}

// Handler implements one intent type's canonical turn. It runs inside the
// unit of work Execute already opened; returning an error rolls the whole
// turn back.
type Handler func(ctx context.Context, p *Pipeline, in Intent, intentID string) (Result, error)

// Pipeline resolves intents to handlers and owns the shared collaborators
// every handler needs to run its canonical turn.
type Pipeline struct {
	db          *sql.DB
	Events      *eventstore.Store
	Entities    *entitygraph.Store
	Projections *projection.Engine
	handlers    map[string]Handler
	ruleSets    map[string][]rules.Rule
}

// New creates a Pipeline with no handlers or rules registered yet.
func New(db *sql.DB, events *eventstore.Store, entities *entitygraph.Store, projections *projection.Engine) *Pipeline {
	return &Pipeline{
		db:          db,
		Events:      events,
		Entities:    entities,
		Projections: projections,
		handlers:    make(map[string]Handler),
		ruleSets:    make(map[string][]rules.Rule),
	}
}

// RegisterHandler binds a handler function to an intent type.
func (p *Pipeline) RegisterHandler(intentType string, h Handler) {
	p.handlers[intentType] = h
}

// RegisterRules replaces the active rule set for an intent type. Rules are
// filtered to their effective window at evaluation time, not registration
// time, so a rule can be registered ahead of its effective_from date.
func (p *Pipeline) RegisterRules(intentType string, ruleSet []rules.Rule) {
	p.ruleSets[intentType] = ruleSet
}

// rulesFor returns the active rules for intentType as of now.
func (p *Pipeline) rulesFor(intentType string) []rules.Rule {
	return rules.FilterActiveRules(p.ruleSets[intentType], domainmodel.SystemClock())
}

// Execute resolves in.IntentType to a handler, checks the actor's
// capability, and runs the handler inside one freshly begun unit of work.
// A missing handler or a business-level rejection is reported inside the
// returned Result, not as an error; an error return means the turn could
// not be evaluated at all (authorization failure, storage failure).
func (p *Pipeline) Execute(ctx context.Context, in Intent) (Result, error) {
	h, ok := p.handlers[in.IntentType]
	if !ok {
		return Result{Success: false, Error: "No handler registered for intent type " + in.IntentType}, nil
	}

	if !in.Actor.HasCapability(in.IntentType) {
		return Result{}, platformerrors.Authorization(in.IntentType)
	}

	intentID := idgen.New()
	start := time.Now()

	var result Result
	err := uow.Run(ctx, p.db, func(ctx context.Context, u *uow.UnitOfWork) error {
		r, err := h(ctx, p, in, intentID)
		if err != nil {
			return err
		}
		// A business rejection or route-for-approval is not a transaction
		// failure: the handler wrote nothing beyond what it reads, so the
		// unit of work commits as a no-op rather than rolling back.
		result = r
		return nil
	})
	if err != nil {
		metrics.RecordIntent(in.IntentType, "error", time.Since(start))
		return Result{}, err
	}

	if result.Status == StatusPendingApproval {
		if err := p.persistPendingIntent(ctx, in, intentID, result); err != nil {
			metrics.RecordIntent(in.IntentType, "error", time.Since(start))
			return Result{}, err
		}
	}

	result.IntentID = intentID

	status := "rejected"
	if result.Success {
		status = "success"
	} else if result.Status == StatusPendingApproval {
		status = StatusPendingApproval
	}
	metrics.RecordIntent(in.IntentType, status, time.Since(start))
	for _, trace := range result.Traces {
		metrics.RecordRuleEvaluation(trace.RuleID, string(trace.Result), time.Duration(trace.ElapsedMS)*time.Millisecond)
	}

	return result, nil
}

func (p *Pipeline) persistPendingIntent(ctx context.Context, in Intent, intentID string, result Result) error {
	dataJSON, err := json.Marshal(in.Data)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindValidation, "marshal pending intent data", 400, err)
	}

	q := uow.QuerierFrom(ctx, p.db)
	now := time.Now().UTC()
	_, err = q.ExecContext(ctx, `
		INSERT INTO intents (id, intent_type, actor_sub, actor_legal_entity, data, idempotency_key, status, required_approver_role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending_approval', $7, $8, $8)
	`, intentID, in.IntentType, in.Actor.Sub, in.Actor.LegalEntity, dataJSON, nullString(in.IdempotencyKey), result.RequiredApproverRole, now)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindEventStore, "persist pending intent", 500, err)
	}
	return nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

// ruleContext turns an intent's data plus any preconditions a handler has
// already resolved into the map rules.EvaluatePhased evaluates conditions
// against.
func ruleContext(in Intent, extra map[string]any) map[string]any {
	ctx := make(map[string]any, len(in.Data)+len(extra)+2)
	for k, v := range in.Data {
		ctx[k] = v
	}
	for k, v := range extra {
		ctx[k] = v
	}
	ctx["legal_entity"] = in.LegalEntity
	ctx["actor_type"] = string(in.Actor.ActorType)
	return ctx
}

// rejectedResult builds the Result for a rules.DecisionReject outcome.
func rejectedResult(decision rules.Result) Result {
	return Result{
		Success: false,
		Error:   decision.RejectionMessage,
		Traces:  decision.Traces,
	}
}

// pendingApprovalResult builds the Result for a rules.DecisionRouteForApproval outcome.
func pendingApprovalResult(decision rules.Result) Result {
	return Result{
		Success:               false,
		Status:                StatusPendingApproval,
		RequiredApproverRole:  decision.RequiredApproverRole,
		Traces:                decision.Traces,
	}
}

// replayedResult builds the Result for an idempotency replay.
func replayedResult(existing *eventstore.Event) Result {
	return Result{
		Success: true,
		EventID: existing.ID,
		Event:   existing,
	}
}

// successResult builds the Result for a newly appended event.
func successResult(appended *eventstore.Event, traces []rules.Trace) Result {
	return Result{
		Success: true,
		EventID: appended.ID,
		Event:   appended,
		Traces:  traces,
	}
}
