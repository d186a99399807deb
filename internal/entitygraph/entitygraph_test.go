package entitygraph

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/mcarvalho21/mdmplatform/internal/platformerrors"
)

func TestCreateEntity(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := New(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entities")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	entity, err := store.CreateEntity(context.Background(), "vendor", "v-1", map[string]any{"name": "Acme"}, "le-1")
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if entity.Version != 1 {
		t.Fatalf("expected version 1, got %d", entity.Version)
	}
}

func TestGetEntityCrossTenantIsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := New(db)
	mock.ExpectQuery(`FROM entities WHERE entity_type = \$1 AND entity_id = \$2 AND legal_entity = \$3`).
		WithArgs("vendor", "v-1", "le-2").
		WillReturnRows(sqlmock.NewRows([]string{"entity_type", "entity_id", "legal_entity", "attributes", "version", "created_at", "updated_at"}))

	entity, err := store.GetEntity(context.Background(), "vendor", "v-1", "le-2")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if entity != nil {
		t.Fatalf("expected nil entity for cross-tenant lookup, got %+v", entity)
	}
}

func TestUpdateEntityConcurrencyConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := New(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE entities")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	now := time.Now().UTC()
	mock.ExpectQuery(`FROM entities WHERE entity_type = \$1 AND entity_id = \$2 AND legal_entity = \$3`).
		WithArgs("vendor", "v-1", "le-1").
		WillReturnRows(sqlmock.NewRows([]string{"entity_type", "entity_id", "legal_entity", "attributes", "version", "created_at", "updated_at"}).
			AddRow("vendor", "v-1", "le-1", []byte(`{}`), int64(3), now, now))

	_, err = store.UpdateEntity(context.Background(), "vendor", "v-1", map[string]any{"name": "New"}, 2, "le-1")
	if !platformerrors.Is(err, platformerrors.KindConcurrencyConflict) {
		t.Fatalf("expected KindConcurrencyConflict, got %v", err)
	}
}

func TestUpdateEntityNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := New(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE entities")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectQuery(`FROM entities WHERE entity_type = \$1 AND entity_id = \$2 AND legal_entity = \$3`).
		WithArgs("vendor", "missing", "le-1").
		WillReturnRows(sqlmock.NewRows([]string{"entity_type", "entity_id", "legal_entity", "attributes", "version", "created_at", "updated_at"}))

	_, err = store.UpdateEntity(context.Background(), "vendor", "missing", map[string]any{"name": "New"}, 1, "le-1")
	if !platformerrors.Is(err, platformerrors.KindEntityNotFound) {
		t.Fatalf("expected KindEntityNotFound, got %v", err)
	}
}
