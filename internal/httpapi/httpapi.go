// Package httpapi exposes the intent pipeline, audit log, projection
// management, and event-type registry over HTTP, using gorilla/mux for
// path-parameterized routes.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/mcarvalho21/mdmplatform/internal/eventstore"
	"github.com/mcarvalho21/mdmplatform/internal/eventtype"
	"github.com/mcarvalho21/mdmplatform/internal/intent"
	"github.com/mcarvalho21/mdmplatform/internal/platformerrors"
	"github.com/mcarvalho21/mdmplatform/internal/projection"
	"github.com/mcarvalho21/mdmplatform/internal/snapshot"
	"github.com/mcarvalho21/mdmplatform/pkg/logger"
)

// handler bundles the HTTP endpoints over the platform's domain services.
type handler struct {
	pipeline    *intent.Pipeline
	events      *eventstore.Store
	eventTypes  *eventtype.Registry
	projections *projection.Engine
	snapshots   *snapshot.Service
	healthCheck func(ctx context.Context) error
	log         *logger.Logger
}

// NewRouter builds the mux.Router exposing the full HTTP surface, wrapped in
// the bearer-auth middleware.
func NewRouter(pipeline *intent.Pipeline, events *eventstore.Store, eventTypes *eventtype.Registry, projections *projection.Engine, snapshots *snapshot.Service, healthCheck func(ctx context.Context) error, validator JWTValidator, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("http")
	}
	h := &handler{
		pipeline:    pipeline,
		events:      events,
		eventTypes:  eventTypes,
		projections: projections,
		snapshots:   snapshots,
		healthCheck: healthCheck,
		log:         log,
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", h.health).Methods(http.MethodGet)
	router.HandleFunc("/intents", h.createIntent).Methods(http.MethodPost)
	router.HandleFunc("/audit/events", h.listEvents).Methods(http.MethodGet)
	router.HandleFunc("/audit/events/{id}", h.getEvent).Methods(http.MethodGet)
	router.HandleFunc("/projections/{type}", h.getProjection).Methods(http.MethodGet)
	router.HandleFunc("/projections/{type}/rebuild", h.rebuildProjection).Methods(http.MethodPost)
	router.HandleFunc("/projections/{type}/snapshot", h.createSnapshot).Methods(http.MethodPost)
	router.HandleFunc("/projections/{type}/snapshot/restore", h.restoreSnapshot).Methods(http.MethodPost)
	router.HandleFunc("/projections/{type}/snapshots", h.listSnapshots).Methods(http.MethodGet)
	router.HandleFunc("/projections/{type}/dead-letters", h.deadLetters).Methods(http.MethodGet)
	router.HandleFunc("/event-types", h.eventTypesHandler).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc("/event-types/{name}", h.getEventType).Methods(http.MethodGet)

	return wrapWithAuth(router, validator, log)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := "ok"
	httpStatus := http.StatusOK
	if h.healthCheck != nil {
		if err := h.healthCheck(ctx); err != nil {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	body := map[string]any{"status": status}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		body["memory_used_percent"] = vm.UsedPercent
	}
	writeJSON(w, httpStatus, body)
}

func (h *handler) createIntent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IntentType     string         `json:"intent_type"`
		LegalEntity    string         `json:"legal_entity"`
		TenantID       string         `json:"tenant_id"`
		Data           map[string]any `json:"data"`
		IdempotencyKey string         `json:"idempotency_key"`
		CorrelationID  string         `json:"correlation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, platformerrors.Validation("invalid request body", nil))
		return
	}

	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, platformerrors.Authentication("no authenticated actor"))
		return
	}

	in := intent.Intent{
		IntentType:     body.IntentType,
		Actor:          actor,
		LegalEntity:    body.LegalEntity,
		TenantID:       body.TenantID,
		Data:           body.Data,
		IdempotencyKey: body.IdempotencyKey,
		CorrelationID:  body.CorrelationID,
	}
	result, err := h.pipeline.Execute(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeIntentResult(result))
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	after := parseInt64(query.Get("after_sequence"), 0)
	limit := int(parseInt64(query.Get("limit"), int64(eventstore.DefaultReadLimit)))

	page, err := h.events.ReadStream(r.Context(), eventstore.ReadStreamInput{AfterSequence: after, Limit: limit})
	if err != nil {
		writeError(w, err)
		return
	}

	events := make([]map[string]any, 0, len(page.Events))
	for _, e := range page.Events {
		events = append(events, encodeEvent(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":        events,
		"has_more":      page.HasMore,
		"next_sequence": strconv.FormatInt(page.NextSequence, 10),
	})
}

func (h *handler) getEvent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	evt, err := h.events.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if evt == nil {
		writeError(w, platformerrors.New(platformerrors.KindEntityNotFound, "event not found", http.StatusNotFound))
		return
	}
	writeJSON(w, http.StatusOK, encodeEvent(evt))
}

func (h *handler) getProjection(w http.ResponseWriter, r *http.Request) {
	projectionType := mux.Vars(r)["type"]
	rows, err := h.projections.ListProjection(r.Context(), projectionType)
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *handler) rebuildProjection(w http.ResponseWriter, r *http.Request) {
	projectionType := mux.Vars(r)["type"]
	result, err := h.projections.Rebuild(r.Context(), projectionType, projection.DefaultBatchSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events_processed": result.EventsProcessed,
		"dead_lettered":     result.DeadLettered,
	})
}

func (h *handler) createSnapshot(w http.ResponseWriter, r *http.Request) {
	projectionType := mux.Vars(r)["type"]
	snap, err := h.snapshots.CreateSnapshot(r.Context(), projectionType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) restoreSnapshot(w http.ResponseWriter, r *http.Request) {
	projectionType := mux.Vars(r)["type"]
	var body struct {
		SnapshotID string `json:"snapshot_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, platformerrors.Validation("invalid request body", nil))
		return
	}
	if err := h.snapshots.RestoreFromSnapshot(r.Context(), projectionType, body.SnapshotID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

func (h *handler) listSnapshots(w http.ResponseWriter, r *http.Request) {
	projectionType := mux.Vars(r)["type"]
	snaps, err := h.snapshots.ListSnapshots(r.Context(), projectionType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (h *handler) deadLetters(w http.ResponseWriter, r *http.Request) {
	projectionType := mux.Vars(r)["type"]
	entries, err := h.projections.GetDeadLetterEvents(r.Context(), projectionType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) eventTypesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var body struct {
			TypeName      string          `json:"type_name"`
			SchemaVersion string          `json:"schema_version"`
			JSONSchema    json.RawMessage `json:"json_schema"`
			Description   string          `json:"description"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, platformerrors.Validation("invalid request body", nil))
			return
		}
		schema, err := h.eventTypes.Register(r.Context(), body.TypeName, body.SchemaVersion, body.JSONSchema, body.Description)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, schema)
		return
	}

	types, err := h.eventTypes.ListTypes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types)
}

func (h *handler) getEventType(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	versions, err := h.eventTypes.ListVersions(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"type_name": name, "versions": versions})
}

func parseInt64(raw string, fallback int64) int64 {
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

// encodeEvent renders an event with its 64-bit sequence as a decimal string,
// per spec: JSON number precision is insufficient for a BIGSERIAL sequence.
func encodeEvent(e *eventstore.Event) map[string]any {
	out := map[string]any{
		"id":              e.ID,
		"sequence":        strconv.FormatInt(e.Sequence, 10),
		"type":            e.Type,
		"schema_version":  e.SchemaVersion,
		"occurred_at":     e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"recorded_at":     e.RecordedAt.UTC().Format(time.RFC3339Nano),
		"scope":           e.Scope,
		"actor":           e.Actor,
		"intent_id":       e.IntentID,
		"correlation_id":  e.CorrelationID,
		"caused_by":       e.CausedBy,
		"data":            e.Data,
		"entities":        e.Entities,
		"rules_evaluated": e.RulesEvaluated,
		"idempotency_key": e.IdempotencyKey,
	}
	if e.EffectiveDate != nil {
		out["effective_date"] = e.EffectiveDate.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func encodeIntentResult(r intent.Result) map[string]any {
	out := map[string]any{
		"success":   r.Success,
		"intent_id": r.IntentID,
	}
	if r.EventID != "" {
		out["event_id"] = r.EventID
	}
	if r.Event != nil {
		out["event"] = encodeEvent(r.Event)
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	if r.Status != "" {
		out["status"] = r.Status
	}
	if r.RequiredApproverRole != "" {
		out["required_approver_role"] = r.RequiredApproverRole
	}
	if len(r.Traces) > 0 {
		traces := make([]map[string]any, 0, len(r.Traces))
		for _, t := range r.Traces {
			traces = append(traces, map[string]any{
				"rule_id":       t.RuleID,
				"rule_name":     t.RuleName,
				"result":        t.Result,
				"evaluation_ms": t.ElapsedMS,
			})
		}
		out["traces"] = traces
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	status := platformerrors.HTTPStatus(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"error": err.Error()}
	if pe := platformerrors.As(err); pe != nil {
		body["kind"] = pe.Kind
		if len(pe.Details) > 0 {
			body["details"] = pe.Details
		}
	}
	_ = json.NewEncoder(w).Encode(body)
}
