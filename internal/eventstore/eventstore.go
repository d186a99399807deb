// Package eventstore implements the append-only audit log: every accepted
// intent produces one event, persisted with a monotonic sequence number and
// replayed by idempotency key.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mcarvalho21/mdmplatform/internal/domainmodel"
	"github.com/mcarvalho21/mdmplatform/internal/platform/uow"
	platformerrors "github.com/mcarvalho21/mdmplatform/internal/platformerrors"
)

// DefaultReadLimit and MaxReadLimit bound ReadStream page sizes.
const (
	DefaultReadLimit = 100
	MaxReadLimit     = 1000
)

// Event is one immutable record in the audit log.
type Event struct {
	ID             string                   `json:"id"`
	Sequence       int64                    `json:"sequence"`
	Type           string                   `json:"type"`
	SchemaVersion  string                   `json:"schema_version"`
	OccurredAt     time.Time                `json:"occurred_at"`
	RecordedAt     time.Time                `json:"recorded_at"`
	EffectiveDate  *time.Time               `json:"effective_date,omitempty"`
	Scope          domainmodel.Scope        `json:"scope"`
	Actor          domainmodel.Actor        `json:"actor"`
	IntentID       string                   `json:"intent_id,omitempty"`
	CorrelationID  string                   `json:"correlation_id,omitempty"`
	CausedBy       string                   `json:"caused_by,omitempty"`
	Data           json.RawMessage          `json:"data"`
	Entities       []domainmodel.EntityRef  `json:"entities,omitempty"`
	RulesEvaluated []domainmodel.RuleTrace  `json:"rules_evaluated,omitempty"`
	IdempotencyKey string                   `json:"idempotency_key,omitempty"`
}

// AppendInput carries everything needed to append a new event. The event's
// ID, Sequence and RecordedAt are not part of the input; Append assigns them.
type AppendInput struct {
	Type                  string
	SchemaVersion         string
	OccurredAt            time.Time
	EffectiveDate         *time.Time
	Scope                 domainmodel.Scope
	Actor                 domainmodel.Actor
	IntentID              string
	CorrelationID         string
	CausedBy              string
	Data                  json.RawMessage
	Entities              []domainmodel.EntityRef
	RulesEvaluated        []domainmodel.RuleTrace
	IdempotencyKey        string
	ExpectedEntityType    string
	ExpectedEntityID      string
	ExpectedEntityVersion *int64
}

// AppendResult reports whether Append created a new event or short-circuited
// on an already-seen idempotency key.
type AppendResult struct {
	Event    *Event
	Replayed bool
}

// SchemaValidator validates a payload against a registered event type schema.
// The concrete JSON-schema implementation lives in package eventtype; the
// store only depends on this narrow interface so the two packages don't
// import each other.
type SchemaValidator interface {
	Validate(ctx context.Context, eventType, schemaVersion string, data json.RawMessage) error
}

// EntityVersionChecker looks up an entity's current version so Append can
// enforce optimistic concurrency without importing package entitygraph.
type EntityVersionChecker interface {
	CurrentVersion(ctx context.Context, entityType, entityID string) (version int64, found bool, err error)
}

// Store is the Postgres-backed event log.
type Store struct {
	db        *sql.DB
	schema    SchemaValidator
	versions  EntityVersionChecker
}

// Option configures optional collaborators on a Store.
type Option func(*Store)

// WithSchemaValidator wires a schema registry into Append.
func WithSchemaValidator(v SchemaValidator) Option {
	return func(s *Store) { s.schema = v }
}

// WithEntityVersionChecker wires entity version lookups into Append.
func WithEntityVersionChecker(c EntityVersionChecker) Option {
	return func(s *Store) { s.versions = c }
}

// New creates a Store using the provided database handle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append validates and persists a new event inside the caller's unit of
// work (if any). A repeated IdempotencyKey returns the original event with
// Replayed set to true rather than creating a duplicate or erroring.
func (s *Store) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	q := uow.QuerierFrom(ctx, s.db)

	if in.IdempotencyKey != "" {
		existing, err := s.getByIdempotencyKey(ctx, q, in.IdempotencyKey)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return AppendResult{}, platformerrors.EventStore("idempotency_lookup_failed", err)
		}
		if err == nil {
			return AppendResult{Event: existing, Replayed: true}, nil
		}
	}

	if in.ExpectedEntityVersion != nil && s.versions != nil {
		current, found, err := s.versions.CurrentVersion(ctx, in.ExpectedEntityType, in.ExpectedEntityID)
		if err != nil {
			return AppendResult{}, platformerrors.EventStore("entity_version_lookup_failed", err)
		}
		if !found {
			return AppendResult{}, platformerrors.EntityNotFound(in.ExpectedEntityType, in.ExpectedEntityID)
		}
		if current != *in.ExpectedEntityVersion {
			return AppendResult{}, platformerrors.ConcurrencyConflict(in.ExpectedEntityID, *in.ExpectedEntityVersion, current)
		}
	}

	if s.schema != nil {
		if err := s.schema.Validate(ctx, in.Type, in.SchemaVersion, in.Data); err != nil {
			return AppendResult{}, err
		}
	}

	now := domainmodel.SystemClock()
	evt := &Event{
		ID:             uuid.NewString(),
		Type:           in.Type,
		SchemaVersion:  in.SchemaVersion,
		OccurredAt:     in.OccurredAt,
		RecordedAt:     now,
		EffectiveDate:  in.EffectiveDate,
		Scope:          in.Scope,
		Actor:          in.Actor,
		IntentID:       in.IntentID,
		CorrelationID:  in.CorrelationID,
		CausedBy:       in.CausedBy,
		Data:           in.Data,
		Entities:       in.Entities,
		RulesEvaluated: in.RulesEvaluated,
		IdempotencyKey: in.IdempotencyKey,
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = now
	}

	capabilitiesJSON, err := json.Marshal(evt.Actor.Capabilities)
	if err != nil {
		return AppendResult{}, platformerrors.Wrap(platformerrors.KindEventStore, "marshal actor capabilities", 500, err)
	}
	entitiesJSON, err := json.Marshal(evt.Entities)
	if err != nil {
		return AppendResult{}, platformerrors.Wrap(platformerrors.KindEventStore, "marshal entities", 500, err)
	}
	rulesJSON, err := json.Marshal(evt.RulesEvaluated)
	if err != nil {
		return AppendResult{}, platformerrors.Wrap(platformerrors.KindEventStore, "marshal rules evaluated", 500, err)
	}

	row := q.QueryRowContext(ctx, `
		INSERT INTO events (
			id, type, schema_version, occurred_at, recorded_at, effective_date,
			tenant_id, legal_entity, actor_sub, actor_name, actor_type, actor_legal_entity,
			actor_capabilities, intent_id, correlation_id, caused_by, data, entities,
			rules_evaluated, idempotency_key
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)
		RETURNING sequence
	`,
		evt.ID, evt.Type, evt.SchemaVersion, evt.OccurredAt, evt.RecordedAt, nullableTime(evt.EffectiveDate),
		nullString(evt.Scope.TenantID), evt.Scope.LegalEntity, evt.Actor.Sub, nullString(evt.Actor.Name), evt.Actor.ActorType, nullString(evt.Actor.LegalEntity),
		capabilitiesJSON, nullString(evt.IntentID), nullString(evt.CorrelationID), nullString(evt.CausedBy), []byte(evt.Data), entitiesJSON,
		rulesJSON, nullString(evt.IdempotencyKey),
	)
	if err := row.Scan(&evt.Sequence); err != nil {
		if isUniqueViolation(err, "idx_events_idempotency_key") {
			existing, lookupErr := s.getByIdempotencyKey(ctx, q, in.IdempotencyKey)
			if lookupErr == nil {
				return AppendResult{Event: existing, Replayed: true}, nil
			}
		}
		return AppendResult{}, platformerrors.EventStore("insert_failed", err)
	}

	return AppendResult{Event: evt}, nil
}

// GetByID retrieves a single event by id. Returns nil, nil if not found.
func (s *Store) GetByID(ctx context.Context, id string) (*Event, error) {
	q := uow.QuerierFrom(ctx, s.db)
	row := q.QueryRowContext(ctx, selectColumns+` FROM events WHERE id = $1`, id)
	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, platformerrors.EventStore("get_by_id_failed", err)
	}
	return evt, nil
}

// ReadStreamInput filters a ReadStream call.
type ReadStreamInput struct {
	AfterSequence int64
	Limit         int
	Type          string
}

// ReadStreamResult is a page of the event log.
type ReadStreamResult struct {
	Events       []*Event
	HasMore      bool
	NextSequence int64
}

// ReadStream returns events with sequence > AfterSequence in ascending
// order, bounded by Limit (default DefaultReadLimit, capped MaxReadLimit).
func (s *Store) ReadStream(ctx context.Context, in ReadStreamInput) (ReadStreamResult, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	if limit > MaxReadLimit {
		limit = MaxReadLimit
	}

	q := uow.QuerierFrom(ctx, s.db)
	query := selectColumns + ` FROM events WHERE sequence > $1`
	args := []any{in.AfterSequence}
	if in.Type != "" {
		query += ` AND type = $2 ORDER BY sequence ASC LIMIT $3`
		args = append(args, in.Type, limit+1)
	} else {
		query += ` ORDER BY sequence ASC LIMIT $2`
		args = append(args, limit+1)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return ReadStreamResult{}, platformerrors.EventStore("read_stream_failed", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return ReadStreamResult{}, platformerrors.EventStore("read_stream_scan_failed", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return ReadStreamResult{}, platformerrors.EventStore("read_stream_failed", err)
	}

	result := ReadStreamResult{Events: events}
	if len(events) > limit {
		result.Events = events[:limit]
		result.HasMore = true
	}
	if len(result.Events) > 0 {
		result.NextSequence = result.Events[len(result.Events)-1].Sequence
	} else {
		result.NextSequence = in.AfterSequence
	}
	return result, nil
}

// FindByIdempotencyKey returns the event previously recorded under key, or
// nil if none exists. Handlers call this ahead of precondition loading and
// rule evaluation so a repeated request short-circuits before any of that
// work runs, not just before the insert.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*Event, error) {
	if key == "" {
		return nil, nil
	}
	q := uow.QuerierFrom(ctx, s.db)
	evt, err := s.getByIdempotencyKey(ctx, q, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, platformerrors.EventStore("idempotency_lookup_failed", err)
	}
	return evt, nil
}

// GetByCorrelation returns every event sharing a correlation id, in
// ascending sequence order.
func (s *Store) GetByCorrelation(ctx context.Context, correlationID string) ([]*Event, error) {
	q := uow.QuerierFrom(ctx, s.db)
	rows, err := q.QueryContext(ctx, selectColumns+` FROM events WHERE correlation_id = $1 ORDER BY sequence ASC`, correlationID)
	if err != nil {
		return nil, platformerrors.EventStore("get_by_correlation_failed", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, platformerrors.EventStore("get_by_correlation_scan_failed", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func (s *Store) getByIdempotencyKey(ctx context.Context, q uow.Querier, key string) (*Event, error) {
	row := q.QueryRowContext(ctx, selectColumns+` FROM events WHERE idempotency_key = $1`, key)
	return scanEvent(row)
}

const selectColumns = `
	SELECT id, sequence, type, schema_version, occurred_at, recorded_at, effective_date,
		tenant_id, legal_entity, actor_sub, actor_name, actor_type, actor_legal_entity,
		actor_capabilities, intent_id, correlation_id, caused_by, data, entities,
		rules_evaluated, idempotency_key`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(scanner rowScanner) (*Event, error) {
	var (
		evt               Event
		effectiveDate     sql.NullTime
		tenantID          sql.NullString
		actorName         sql.NullString
		actorLegalEntity  sql.NullString
		intentID          sql.NullString
		correlationID     sql.NullString
		causedBy          sql.NullString
		idempotencyKey    sql.NullString
		capabilitiesRaw   []byte
		entitiesRaw       []byte
		rulesRaw          []byte
		data              []byte
	)

	if err := scanner.Scan(
		&evt.ID, &evt.Sequence, &evt.Type, &evt.SchemaVersion, &evt.OccurredAt, &evt.RecordedAt, &effectiveDate,
		&tenantID, &evt.Scope.LegalEntity, &evt.Actor.Sub, &actorName, &evt.Actor.ActorType, &actorLegalEntity,
		&capabilitiesRaw, &intentID, &correlationID, &causedBy, &data, &entitiesRaw,
		&rulesRaw, &idempotencyKey,
	); err != nil {
		return nil, err
	}

	if effectiveDate.Valid {
		t := effectiveDate.Time.UTC()
		evt.EffectiveDate = &t
	}
	evt.Scope.TenantID = tenantID.String
	evt.Actor.Name = actorName.String
	evt.Actor.LegalEntity = actorLegalEntity.String
	evt.IntentID = intentID.String
	evt.CorrelationID = correlationID.String
	evt.CausedBy = causedBy.String
	evt.IdempotencyKey = idempotencyKey.String
	evt.OccurredAt = evt.OccurredAt.UTC()
	evt.RecordedAt = evt.RecordedAt.UTC()
	evt.Data = json.RawMessage(data)

	if len(capabilitiesRaw) > 0 {
		_ = json.Unmarshal(capabilitiesRaw, &evt.Actor.Capabilities)
	}
	if len(entitiesRaw) > 0 {
		_ = json.Unmarshal(entitiesRaw, &evt.Entities)
	}
	if len(rulesRaw) > 0 {
		_ = json.Unmarshal(rulesRaw, &evt.RulesEvaluated)
	}

	return &evt, nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// isUniqueViolation does a string match on the pq error rather than
// importing pq's error type, since this package only needs the one check
// and the driver is selected at the database/sql layer.
func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") && strings.Contains(msg, constraint)
}
