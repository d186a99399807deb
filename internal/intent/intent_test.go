package intent

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/mcarvalho21/mdmplatform/internal/domainmodel"
	"github.com/mcarvalho21/mdmplatform/internal/entitygraph"
	"github.com/mcarvalho21/mdmplatform/internal/eventstore"
	"github.com/mcarvalho21/mdmplatform/internal/platformerrors"
	"github.com/mcarvalho21/mdmplatform/internal/projection"
	"github.com/mcarvalho21/mdmplatform/internal/rules"
)

func newTestPipeline(db *sql.DB) *Pipeline {
	events := eventstore.New(db)
	entities := entitygraph.New(db)
	projections := projection.New(db, events)
	p := New(db, events, entities, projections)
	RegisterDefaultHandlers(p)
	return p
}

func vendorCreateIntent(name, idempotencyKey string) Intent {
	return Intent{
		IntentType:     "mdm.vendor.create",
		Actor:          domainmodel.Actor{Sub: "user-1", ActorType: domainmodel.ActorHuman, Capabilities: []string{"mdm.vendor.create"}},
		LegalEntity:    "le-1",
		Data:           map[string]any{"name": name, "status": "active"},
		IdempotencyKey: idempotencyKey,
	}
}

func TestExecuteRejectsMissingCapability(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	p := newTestPipeline(db)
	in := vendorCreateIntent("Acme", "idem-1")
	in.Actor.Capabilities = nil

	_, err = p.Execute(context.Background(), in)
	if !platformerrors.Is(err, platformerrors.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestExecuteReportsMissingHandler(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	p := newTestPipeline(db)
	in := Intent{
		IntentType: "mdm.unknown.intent",
		Actor:      domainmodel.Actor{Sub: "user-1", Capabilities: []string{"mdm.unknown.intent"}},
	}

	result, err := p.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Fatalf("expected an unsuccessful result")
	}
	if result.Error == "" {
		t.Fatalf("expected a no-handler error message")
	}
}

func TestExecuteVendorCreateApproves(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	p := newTestPipeline(db)
	in := vendorCreateIntent("Acme", "idem-1")

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM events WHERE idempotency_key = \$1`).
		WithArgs("idem-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO entities`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM events WHERE idempotency_key = \$1`).
		WithArgs("idem-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO events`).
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(1)))
	mock.ExpectCommit()

	result, err := p.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if result.Event == nil || result.Event.Sequence != 1 {
		t.Fatalf("expected appended event with sequence 1, got %+v", result.Event)
	}
	if result.IntentID == "" {
		t.Fatalf("expected a generated intent id")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExecuteVendorCreateReplaysOnRepeatedIdempotencyKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	p := newTestPipeline(db)
	in := vendorCreateIntent("Acme", "idem-1")

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM events WHERE idempotency_key = \$1`).
		WithArgs("idem-1").
		WillReturnRows(existingVendorCreatedRow())
	mock.ExpectCommit()

	result, err := p.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected a successful replay, got error %q", result.Error)
	}
	if result.EventID != "evt-existing" {
		t.Fatalf("expected replayed event evt-existing, got %s", result.EventID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExecuteVendorCreateRejectsOnMissingName(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	p := newTestPipeline(db)
	p.RegisterRules("mdm.vendor.create", []rules.Rule{
		{
			ID:               "r-name-required",
			Name:             "name required",
			IntentType:       "mdm.vendor.create",
			Phase:            rules.PhaseValidate,
			Conditions:       []rules.Condition{{Field: "_name_missing", Operator: rules.OpEq, Value: true}},
			Action:           rules.ActionReject,
			RejectionMessage: "name is required",
		},
	})

	in := vendorCreateIntent("", "idem-2")

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM events WHERE idempotency_key = \$1`).
		WithArgs("idem-2").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()

	result, err := p.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Fatalf("expected rejection")
	}
	if result.Error != "name is required" {
		t.Fatalf("unexpected rejection message %q", result.Error)
	}
	if len(result.Traces) != 1 || result.Traces[0].Result != rules.TraceFired {
		t.Fatalf("expected one fired trace, got %+v", result.Traces)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExecuteVendorCreateRoutesForApproval(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	p := newTestPipeline(db)
	p.RegisterRules("mdm.vendor.create", []rules.Rule{
		{
			ID:           "r-route",
			Name:         "route large vendors",
			IntentType:   "mdm.vendor.create",
			Phase:        rules.PhaseDecide,
			Conditions:   nil,
			Action:       rules.ActionRouteForApproval,
			ApproverRole: "finance_manager",
		},
	})

	in := vendorCreateIntent("Acme", "idem-3")

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM events WHERE idempotency_key = \$1`).
		WithArgs("idem-3").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()
	mock.ExpectExec(`INSERT INTO intents`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := p.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != StatusPendingApproval {
		t.Fatalf("expected pending_approval status, got %q", result.Status)
	}
	if result.RequiredApproverRole != "finance_manager" {
		t.Fatalf("unexpected approver role %q", result.RequiredApproverRole)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExecuteItemCreateRejectsDuplicateSKU(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	p := newTestPipeline(db)
	p.RegisterRules("mdm.item.create", []rules.Rule{
		{
			ID:               "r-sku-unique",
			Name:             "sku must be unique",
			IntentType:       "mdm.item.create",
			Phase:            rules.PhaseValidate,
			Conditions:       []rules.Condition{{Field: "_sku_duplicate_exists", Operator: rules.OpEq, Value: true}},
			Action:           rules.ActionReject,
			RejectionMessage: "sku already exists",
		},
	})

	in := Intent{
		IntentType:     "mdm.item.create",
		Actor:          domainmodel.Actor{Sub: "user-1", Capabilities: []string{"mdm.item.create"}},
		LegalEntity:    "le-1",
		Data:           map[string]any{"sku": "SKU-1", "name": "Widget", "status": "active"},
		IdempotencyKey: "idem-4",
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM events WHERE idempotency_key = \$1`).
		WithArgs("idem-4").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`attributes #> \$3::text\[\] = \$4::jsonb`).
		WillReturnRows(sqlmock.NewRows([]string{"entity_type", "entity_id", "legal_entity", "attributes", "version", "created_at", "updated_at"}).
			AddRow("item", "item-existing", "le-1", []byte(`{"sku":"SKU-1"}`), int64(1), sqlmockTime(), sqlmockTime()))
	mock.ExpectCommit()

	result, err := p.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Fatalf("expected rejection on duplicate sku")
	}
	if result.Error != "sku already exists" {
		t.Fatalf("unexpected rejection message %q", result.Error)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func sqlmockTime() time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func existingVendorCreatedRow() *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "sequence", "type", "schema_version", "occurred_at", "recorded_at", "effective_date",
		"tenant_id", "legal_entity", "actor_sub", "actor_name", "actor_type", "actor_legal_entity",
		"actor_capabilities", "intent_id", "correlation_id", "caused_by", "data", "entities",
		"rules_evaluated", "idempotency_key",
	})
	now := sqlmockTime()
	rows.AddRow(
		"evt-existing", int64(5), "mdm.vendor.created", "1.0", now, now, nil,
		nil, "le-1", "user-1", nil, "human", nil,
		[]byte(`[]`), nil, nil, nil, []byte(`{}`), []byte(`[]`),
		[]byte(`[]`), "idem-1",
	)
	return rows
}
