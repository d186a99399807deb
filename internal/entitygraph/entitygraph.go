// Package entitygraph is the versioned, legal-entity-scoped current-state
// store for master data entities (vendors, items, and whatever other
// entity types intents create). Every mutation is a compare-and-swap on
// version; cross-tenant lookups come back as not-found rather than
// forbidden.
package entitygraph

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/mcarvalho21/mdmplatform/internal/platform/uow"
	"github.com/mcarvalho21/mdmplatform/internal/platformerrors"
)

// Entity is one row in the current-state graph.
type Entity struct {
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	LegalEntity string         `json:"legal_entity"`
	Attributes  map[string]any `json:"attributes"`
	Version     int64          `json:"version"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Store is the Postgres-backed entity graph.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CurrentVersion implements eventstore.EntityVersionChecker.
func (s *Store) CurrentVersion(ctx context.Context, entityType, entityID string) (int64, bool, error) {
	q := uow.QuerierFrom(ctx, s.db)
	row := q.QueryRowContext(ctx, `SELECT version FROM entities WHERE entity_type = $1 AND entity_id = $2`, entityType, entityID)
	var version int64
	if err := row.Scan(&version); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, platformerrors.Wrap(platformerrors.KindEventStore, "lookup entity version", 500, err)
	}
	return version, true, nil
}

// CreateEntity inserts a new entity at version 1.
func (s *Store) CreateEntity(ctx context.Context, entityType, entityID string, attributes map[string]any, legalEntity string) (*Entity, error) {
	attrsJSON, err := json.Marshal(attributes)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindValidation, "marshal entity attributes", 400, err)
	}

	now := time.Now().UTC()
	q := uow.QuerierFrom(ctx, s.db)
	_, err = q.ExecContext(ctx, `
		INSERT INTO entities (entity_type, entity_id, legal_entity, attributes, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $5)
	`, entityType, entityID, legalEntity, attrsJSON, now)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindEventStore, "create entity", 500, err)
	}

	return &Entity{
		EntityType:  entityType,
		EntityID:    entityID,
		LegalEntity: legalEntity,
		Attributes:  attributes,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetEntity looks up an entity by type and id. If legalEntity is non-empty
// it scopes the lookup; an entity that exists but belongs to a different
// legal entity is reported as not found (nil, nil), never as forbidden.
func (s *Store) GetEntity(ctx context.Context, entityType, entityID, legalEntity string) (*Entity, error) {
	q := uow.QuerierFrom(ctx, s.db)
	query := `
		SELECT entity_type, entity_id, legal_entity, attributes, version, created_at, updated_at
		FROM entities WHERE entity_type = $1 AND entity_id = $2
	`
	args := []any{entityType, entityID}
	if legalEntity != "" {
		query += ` AND legal_entity = $3`
		args = append(args, legalEntity)
	}

	row := q.QueryRowContext(ctx, query, args...)
	entity, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindEventStore, "get entity", 500, err)
	}
	return entity, nil
}

// GetEntityByTypeAndAttribute finds the first entity of entityType whose
// attributes[jsonPath] equals value, scoped to legalEntity. jsonPath is a
// dot-separated path into the JSONB attributes column (e.g. "sku" or
// "address.country"). Used for uniqueness checks (e.g. duplicate SKU).
func (s *Store) GetEntityByTypeAndAttribute(ctx context.Context, entityType, jsonPath string, value any, legalEntity string) (*Entity, error) {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindValidation, "marshal attribute value", 400, err)
	}

	q := uow.QuerierFrom(ctx, s.db)
	row := q.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, legal_entity, attributes, version, created_at, updated_at
		FROM entities
		WHERE entity_type = $1 AND legal_entity = $2 AND attributes #> $3::text[] = $4::jsonb
		ORDER BY created_at
		LIMIT 1
	`, entityType, legalEntity, pgPathArray(jsonPath), string(valueJSON))

	entity, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindEventStore, "get entity by attribute", 500, err)
	}
	return entity, nil
}

// UpdateEntity compares-and-swaps attributes at expectedVersion, scoped by
// legal entity. Zero rows affected triggers a follow-up read to decide
// between ConcurrencyConflict (version moved) and EntityNotFound (missing
// or wrong scope).
func (s *Store) UpdateEntity(ctx context.Context, entityType, entityID string, newAttributes map[string]any, expectedVersion int64, legalEntity string) (*Entity, error) {
	attrsJSON, err := json.Marshal(newAttributes)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindValidation, "marshal entity attributes", 400, err)
	}

	now := time.Now().UTC()
	q := uow.QuerierFrom(ctx, s.db)
	result, err := q.ExecContext(ctx, `
		UPDATE entities
		SET attributes = $1, version = version + 1, updated_at = $2
		WHERE entity_type = $3 AND entity_id = $4 AND version = $5 AND legal_entity = $6
	`, attrsJSON, now, entityType, entityID, expectedVersion, legalEntity)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindEventStore, "update entity", 500, err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, s.diagnoseUpdateFailure(ctx, entityType, entityID, expectedVersion, legalEntity)
	}

	return s.GetEntity(ctx, entityType, entityID, legalEntity)
}

func (s *Store) diagnoseUpdateFailure(ctx context.Context, entityType, entityID string, expectedVersion int64, legalEntity string) error {
	existing, err := s.GetEntity(ctx, entityType, entityID, legalEntity)
	if err != nil {
		return err
	}
	if existing == nil {
		return platformerrors.EntityNotFound(entityType, entityID)
	}
	return platformerrors.ConcurrencyConflict(entityID, expectedVersion, existing.Version)
}

// FindByType returns every entity of entityType, optionally scoped by
// legalEntity, ordered by creation time.
func (s *Store) FindByType(ctx context.Context, entityType, legalEntity string) ([]*Entity, error) {
	q := uow.QuerierFrom(ctx, s.db)
	query := `
		SELECT entity_type, entity_id, legal_entity, attributes, version, created_at, updated_at
		FROM entities WHERE entity_type = $1
	`
	args := []any{entityType}
	if legalEntity != "" {
		query += ` AND legal_entity = $2`
		args = append(args, legalEntity)
	}
	query += ` ORDER BY created_at`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindEventStore, "find entities by type", 500, err)
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(scanner rowScanner) (*Entity, error) {
	var (
		e          Entity
		attrsRaw   []byte
	)
	if err := scanner.Scan(&e.EntityType, &e.EntityID, &e.LegalEntity, &attrsRaw, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if len(attrsRaw) > 0 {
		_ = json.Unmarshal(attrsRaw, &e.Attributes)
	}
	return &e, nil
}

// pgPathArray turns a dot-separated path like "address.country" into the
// Postgres text array literal '{address,country}' the #> operator expects.
func pgPathArray(dotPath string) string {
	parts := strings.Split(dotPath, ".")
	return "{" + strings.Join(parts, ",") + "}"
}
