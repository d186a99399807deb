package snapshot

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/mcarvalho21/mdmplatform/internal/platformerrors"
)

func mustTime() time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func TestCreateSnapshotCapturesRowsAndSequence(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	svc := New(db, TableSpec{ProjectionType: "vendor_list", TableName: "vendor_list", PrimaryKey: "vendor_id", LastEventColumn: "last_event_id"})

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM vendor_list")).
		WillReturnRows(sqlmock.NewRows([]string{"vendor_id", "name", "last_event_id"}).
			AddRow("v-1", "Acme", "evt-1"))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(sequence), 0) FROM events WHERE id = ANY($1)")).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(7)))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO projection_snapshots")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	snap, err := svc.CreateSnapshot(context.Background(), "vendor_list")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if snap.SequenceNumber != 7 {
		t.Fatalf("expected sequence 7, got %d", snap.SequenceNumber)
	}
	if snap.SnapshotID == "" {
		t.Fatalf("expected a generated snapshot id")
	}
}

func TestCreateSnapshotRejectsUnknownProjectionType(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	svc := New(db)
	_, err = svc.CreateSnapshot(context.Background(), "unknown")
	if !platformerrors.Is(err, platformerrors.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestListSnapshotsMarksAllButNewestStale(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	svc := New(db, TableSpec{ProjectionType: "vendor_list", TableName: "vendor_list"})

	mock.ExpectQuery(regexp.QuoteMeta("FROM projection_snapshots")).
		WillReturnRows(sqlmock.NewRows([]string{"snapshot_id", "projection_type", "sequence_number", "created_at"}).
			AddRow("snap-2", "vendor_list", int64(20), mustTime()).
			AddRow("snap-1", "vendor_list", int64(10), mustTime()))

	snapshots, err := svc.ListSnapshots(context.Background(), "vendor_list")
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snapshots))
	}
	if snapshots[0].IsStale {
		t.Fatalf("expected the newest snapshot to not be stale")
	}
	if !snapshots[1].IsStale {
		t.Fatalf("expected the older snapshot to be stale")
	}
}
