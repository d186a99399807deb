// Package eventtype is the registry of JSON schemas keyed by
// (type_name, schema_version). It backs eventstore.SchemaValidator: any
// event type with no registered schema is accepted permissively, any
// registered schema is checked on every append.
//
// The JSON-schema validation library itself is treated as an external
// collaborator the platform does not vendor (spec.md keeps it out of
// scope), so Validate implements a minimal structural check — required
// fields and top-level property types — rather than full JSON Schema
// semantics such as $ref, allOf, or pattern matching.
package eventtype

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mcarvalho21/mdmplatform/internal/platform/uow"
	"github.com/mcarvalho21/mdmplatform/internal/platformerrors"
)

// Schema is a registered JSON schema document for one (type, version) pair.
type Schema struct {
	TypeName      string          `json:"type_name"`
	SchemaVersion string          `json:"schema_version"`
	JSONSchema    json.RawMessage `json:"json_schema"`
	Description   string          `json:"description,omitempty"`
}

// Registry is the Postgres-backed event-type schema registry. Schemas are
// cached in memory once loaded; the cache is authoritative for the life of
// the process and reloaded fresh on restart.
type Registry struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]*compiledSchema // key: typeName + "\x00" + version
}

type compiledSchema struct {
	doc      schemaDoc
	rawJSON  json.RawMessage
}

// New creates a Registry using the provided database handle.
func New(db *sql.DB) *Registry {
	return &Registry{db: db, cache: make(map[string]*compiledSchema)}
}

func cacheKey(typeName, version string) string {
	return typeName + "\x00" + version
}

// Register upserts a schema by (type_name, schema_version). The schema
// document must itself be valid JSON and, if it sets "type", that type
// must be "object"; anything else fails ValidationError. A "properties"
// map is optional.
func (r *Registry) Register(ctx context.Context, typeName, schemaVersion string, jsonSchema json.RawMessage, description string) (*Schema, error) {
	doc, err := parseSchemaDoc(jsonSchema)
	if err != nil {
		return nil, platformerrors.Validation("invalid json schema", map[string]string{"json_schema": err.Error()})
	}

	q := uow.QuerierFrom(ctx, r.db)
	now := time.Now().UTC()
	_, err = q.ExecContext(ctx, `
		INSERT INTO event_type_registry (type_name, schema_version, json_schema, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (type_name, schema_version)
		DO UPDATE SET json_schema = EXCLUDED.json_schema, description = EXCLUDED.description, updated_at = EXCLUDED.updated_at
	`, typeName, schemaVersion, []byte(jsonSchema), nullString(description), now)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindEventStore, "register event type schema", 500, err)
	}

	r.mu.Lock()
	r.cache[cacheKey(typeName, schemaVersion)] = &compiledSchema{doc: doc, rawJSON: jsonSchema}
	r.mu.Unlock()

	return &Schema{TypeName: typeName, SchemaVersion: schemaVersion, JSONSchema: jsonSchema, Description: description}, nil
}

// GetSchema returns the registered schema, or nil if none exists.
func (r *Registry) GetSchema(ctx context.Context, typeName, schemaVersion string) (*Schema, error) {
	if cs := r.fromCache(typeName, schemaVersion); cs != nil {
		return &Schema{TypeName: typeName, SchemaVersion: schemaVersion, JSONSchema: cs.rawJSON}, nil
	}

	q := uow.QuerierFrom(ctx, r.db)
	row := q.QueryRowContext(ctx, `
		SELECT type_name, schema_version, json_schema, description
		FROM event_type_registry WHERE type_name = $1 AND schema_version = $2
	`, typeName, schemaVersion)

	var (
		s           Schema
		description sql.NullString
		raw         []byte
	)
	if err := row.Scan(&s.TypeName, &s.SchemaVersion, &raw, &description); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, platformerrors.Wrap(platformerrors.KindEventStore, "get event type schema", 500, err)
	}
	s.JSONSchema = raw
	s.Description = description.String

	if doc, err := parseSchemaDoc(raw); err == nil {
		r.mu.Lock()
		r.cache[cacheKey(typeName, schemaVersion)] = &compiledSchema{doc: doc, rawJSON: raw}
		r.mu.Unlock()
	}

	return &s, nil
}

// ListTypes returns the distinct registered type names, sorted.
func (r *Registry) ListTypes(ctx context.Context) ([]string, error) {
	q := uow.QuerierFrom(ctx, r.db)
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT type_name FROM event_type_registry ORDER BY type_name`)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindEventStore, "list event types", 500, err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	sort.Strings(types)
	return types, rows.Err()
}

// ListVersions returns the registered schema versions for a type name,
// sorted.
func (r *Registry) ListVersions(ctx context.Context, typeName string) ([]string, error) {
	q := uow.QuerierFrom(ctx, r.db)
	rows, err := q.QueryContext(ctx, `
		SELECT schema_version FROM event_type_registry WHERE type_name = $1 ORDER BY schema_version
	`, typeName)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindEventStore, "list schema versions", 500, err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Validate satisfies eventstore.SchemaValidator: a permissive pass if no
// schema is registered for (eventType, schemaVersion), otherwise a
// structural check of data against the registered schema.
func (r *Registry) Validate(ctx context.Context, eventType, schemaVersion string, data json.RawMessage) error {
	schema, err := r.GetSchema(ctx, eventType, schemaVersion)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}

	doc, err := parseSchemaDoc(schema.JSONSchema)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindEventStore, "registered schema is corrupt", 500, err)
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		details := map[string]string{"data": err.Error()}
		if typ, version, ok := discriminators(data); ok {
			details["observed_type"] = typ
			details["observed_schema_version"] = version
		}
		return platformerrors.Validation("event data must be a JSON object", details)
	}

	if pathErrors := doc.check(payload); len(pathErrors) > 0 {
		return platformerrors.Validation("event data failed schema validation", pathErrors)
	}
	return nil
}

// discriminators best-effort extracts "type"/"schema_version" fields from a
// payload that failed to parse as a JSON object, for diagnostics, using
// gjson rather than a full unmarshal (the payload is already known not to
// decode cleanly as map[string]any, so a tolerant field-path read is the
// only option short of a byte-level scan).
func discriminators(data json.RawMessage) (typeName, schemaVersion string, ok bool) {
	if !gjson.ValidBytes(data) {
		return "", "", false
	}
	typ := gjson.GetBytes(data, "type")
	version := gjson.GetBytes(data, "schema_version")
	if !typ.Exists() && !version.Exists() {
		return "", "", false
	}
	return typ.String(), version.String(), true
}

func (r *Registry) fromCache(typeName, schemaVersion string) *compiledSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache[cacheKey(typeName, schemaVersion)]
}

// schemaDoc is the minimal subset of JSON Schema this registry enforces:
// object type, required fields, and per-property primitive types.
type schemaDoc struct {
	Type       string                    `json:"type"`
	Required   []string                  `json:"required"`
	Properties map[string]schemaProperty `json:"properties"`
}

type schemaProperty struct {
	Type string `json:"type"`
}

func parseSchemaDoc(raw json.RawMessage) (schemaDoc, error) {
	var doc schemaDoc
	if len(raw) == 0 {
		return doc, fmt.Errorf("schema must not be empty")
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("schema is not valid JSON: %w", err)
	}
	if doc.Type != "" && doc.Type != "object" {
		return doc, fmt.Errorf("only object schemas are supported, got %q", doc.Type)
	}
	return doc, nil
}

func (d schemaDoc) check(payload map[string]any) map[string]string {
	pathErrors := make(map[string]string)
	for _, field := range d.Required {
		if _, ok := payload[field]; !ok {
			pathErrors[field] = "required field missing"
		}
	}
	for field, prop := range d.Properties {
		value, present := payload[field]
		if !present || prop.Type == "" {
			continue
		}
		if !matchesJSONType(value, prop.Type) {
			pathErrors[field] = fmt.Sprintf("expected type %q", prop.Type)
		}
	}
	return pathErrors
}

func matchesJSONType(value any, jsonType string) bool {
	switch jsonType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "null":
		return value == nil
	default:
		return true
	}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
