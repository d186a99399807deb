package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/mcarvalho21/mdmplatform/internal/domainmodel"
	"github.com/mcarvalho21/mdmplatform/internal/platformerrors"
)

func TestAppendInsertsAndReturnsSequence(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := New(db)

	mock.ExpectQuery(`SELECT id, sequence, type, schema_version.*FROM events WHERE idempotency_key = \$1`).
		WithArgs("idem-1").
		WillReturnError(sql.ErrNoRows)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO events")).
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(42)))

	res, err := store.Append(context.Background(), AppendInput{
		Type:          "mdm.vendor.created",
		SchemaVersion: "1.0",
		Scope:         domainmodel.Scope{LegalEntity: "le-1"},
		Actor:         domainmodel.Actor{Sub: "user-1", ActorType: domainmodel.ActorHuman},
		Data:          json.RawMessage(`{"vendor_id":"v-1"}`),
		IdempotencyKey: "idem-1",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if res.Replayed {
		t.Fatalf("expected a fresh append, got replay")
	}
	if res.Event.Sequence != 42 {
		t.Fatalf("expected sequence 42, got %d", res.Event.Sequence)
	}
	if res.Event.ID == "" {
		t.Fatalf("expected a generated event id")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendReplaysOnExistingIdempotencyKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := New(db)

	now := time.Now().UTC()
	row := existingEventRow("evt-1", 7, now)

	mock.ExpectQuery(`FROM events WHERE idempotency_key = \$1`).
		WithArgs("idem-1").
		WillReturnRows(row)

	res, err := store.Append(context.Background(), AppendInput{
		Type:           "mdm.vendor.created",
		SchemaVersion:  "1.0",
		Data:           json.RawMessage(`{}`),
		IdempotencyKey: "idem-1",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !res.Replayed {
		t.Fatalf("expected a replay")
	}
	if res.Event.ID != "evt-1" {
		t.Fatalf("expected replayed event evt-1, got %s", res.Event.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendFailsConcurrencyConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	checker := fakeVersionChecker{version: 3, found: true}
	store := New(db, WithEntityVersionChecker(checker))

	mock.ExpectQuery(`FROM events WHERE idempotency_key = \$1`).
		WillReturnError(sql.ErrNoRows)

	expected := int64(2)
	_, err = store.Append(context.Background(), AppendInput{
		Type:                  "mdm.vendor.updated",
		SchemaVersion:         "1.0",
		Data:                  json.RawMessage(`{}`),
		IdempotencyKey:        "idem-2",
		ExpectedEntityType:    "vendor",
		ExpectedEntityID:      "v-1",
		ExpectedEntityVersion: &expected,
	})
	if err == nil {
		t.Fatalf("expected a concurrency conflict error")
	}
	if !platformerrors.Is(err, platformerrors.KindConcurrencyConflict) {
		t.Fatalf("expected KindConcurrencyConflict, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReadStreamReportsHasMore(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := New(db)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(eventColumns())
	for i := 0; i < 3; i++ {
		appendEventRow(rows, "evt", int64(i+1), now)
	}

	mock.ExpectQuery(`FROM events WHERE sequence > \$1`).
		WithArgs(int64(0), 3).
		WillReturnRows(rows)

	result, err := store.ReadStream(context.Background(), ReadStreamInput{Limit: 2})
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if len(result.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(result.Events))
	}
	if !result.HasMore {
		t.Fatalf("expected HasMore true")
	}
	if result.NextSequence != 2 {
		t.Fatalf("expected next sequence 2, got %d", result.NextSequence)
	}
}

type fakeVersionChecker struct {
	version int64
	found   bool
}

func (f fakeVersionChecker) CurrentVersion(ctx context.Context, entityType, entityID string) (int64, bool, error) {
	return f.version, f.found, nil
}

func eventColumns() []string {
	return []string{
		"id", "sequence", "type", "schema_version", "occurred_at", "recorded_at", "effective_date",
		"tenant_id", "legal_entity", "actor_sub", "actor_name", "actor_type", "actor_legal_entity",
		"actor_capabilities", "intent_id", "correlation_id", "caused_by", "data", "entities",
		"rules_evaluated", "idempotency_key",
	}
}

func existingEventRow(id string, sequence int64, now time.Time) *sqlmock.Rows {
	rows := sqlmock.NewRows(eventColumns())
	appendEventRowWithID(rows, id, sequence, now)
	return rows
}

func appendEventRow(rows *sqlmock.Rows, idPrefix string, sequence int64, now time.Time) {
	appendEventRowWithID(rows, idPrefix, sequence, now)
}

func appendEventRowWithID(rows *sqlmock.Rows, id string, sequence int64, now time.Time) {
	rows.AddRow(
		id, sequence, "mdm.vendor.created", "1.0", now, now, nil,
		nil, "le-1", "user-1", nil, "human", nil,
		[]byte(`[]`), nil, nil, nil, []byte(`{}`), []byte(`[]`),
		[]byte(`[]`), nil,
	)
}

