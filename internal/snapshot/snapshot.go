// Package snapshot captures and restores point-in-time copies of a
// projection's read-side table, so a rebuild has a cheap fallback and an
// operator can roll a projection back to a known-good state.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mcarvalho21/mdmplatform/internal/platform/uow"
	"github.com/mcarvalho21/mdmplatform/internal/platformerrors"
)

// TableSpec describes one projection's backing table, enough to snapshot
// and restore it generically: its name, primary key column, and the
// column holding the id of the last event applied to each row (used to
// compute the snapshot's sequence_number). PrimaryKey is not consulted
// by this package: restore truncates the table and reinserts rows with
// plain INSERTs.
type TableSpec struct {
	ProjectionType  string
	TableName       string
	PrimaryKey      string
	LastEventColumn string
}

// Snapshot is one captured copy of a projection table.
type Snapshot struct {
	SnapshotID     string    `json:"snapshot_id"`
	ProjectionType string    `json:"projection_type"`
	SequenceNumber int64     `json:"sequence_number"`
	IsStale        bool      `json:"is_stale"`
	CreatedAt      time.Time `json:"created_at"`
}

// Service is the Postgres-backed snapshot service.
type Service struct {
	db     *sql.DB
	tables map[string]TableSpec
}

// New creates a Service with the given table registry.
func New(db *sql.DB, tables ...TableSpec) *Service {
	registry := make(map[string]TableSpec, len(tables))
	for _, t := range tables {
		registry[t.ProjectionType] = t
	}
	return &Service{db: db, tables: registry}
}

// RegisterTable adds (or replaces) a projection's table spec.
func (s *Service) RegisterTable(spec TableSpec) {
	s.tables[spec.ProjectionType] = spec
}

// CreateSnapshot captures every row of projectionType's table plus the
// highest sequence number of events applied to it.
func (s *Service) CreateSnapshot(ctx context.Context, projectionType string) (*Snapshot, error) {
	spec, ok := s.tables[projectionType]
	if !ok {
		return nil, platformerrors.New(platformerrors.KindValidation, fmt.Sprintf("no registered table for projection type %q", projectionType), 400)
	}

	q := uow.QuerierFrom(ctx, s.db)

	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s`, spec.TableName))
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindEventStore, "read projection table for snapshot", 500, err)
	}
	blob, lastEventIDs, err := captureRows(rows, spec)
	if err != nil {
		return nil, err
	}

	sequence, err := s.highestSequence(ctx, q, lastEventIDs)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		SnapshotID:     uuid.NewString(),
		ProjectionType: projectionType,
		SequenceNumber: sequence,
		CreatedAt:      time.Now().UTC(),
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO projection_snapshots (snapshot_id, projection_type, sequence_number, is_stale, created_at, blob)
		VALUES ($1, $2, $3, false, $4, $5)
	`, snap.SnapshotID, snap.ProjectionType, snap.SequenceNumber, snap.CreatedAt, blob)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindEventStore, "persist snapshot", 500, err)
	}

	return snap, nil
}

func captureRows(rows *sql.Rows, spec TableSpec) (json.RawMessage, []string, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, platformerrors.Wrap(platformerrors.KindEventStore, "read projection table columns", 500, err)
	}

	var captured []map[string]any
	var lastEventIDs []string

	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, nil, platformerrors.Wrap(platformerrors.KindEventStore, "scan projection row", 500, err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeScanned(values[i])
			if col == spec.LastEventColumn {
				if id, ok := row[col].(string); ok {
					lastEventIDs = append(lastEventIDs, id)
				}
			}
		}
		captured = append(captured, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, platformerrors.Wrap(platformerrors.KindEventStore, "iterate projection rows", 500, err)
	}

	blob, err := json.Marshal(captured)
	if err != nil {
		return nil, nil, platformerrors.Wrap(platformerrors.KindEventStore, "marshal snapshot blob", 500, err)
	}
	return blob, lastEventIDs, nil
}

func normalizeScanned(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func (s *Service) highestSequence(ctx context.Context, q uow.Querier, lastEventIDs []string) (int64, error) {
	if len(lastEventIDs) == 0 {
		return 0, nil
	}
	row := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM events WHERE id = ANY($1)`, pq.Array(lastEventIDs))
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, platformerrors.Wrap(platformerrors.KindEventStore, "resolve snapshot sequence", 500, err)
	}
	return seq, nil
}

// RestoreFromSnapshot truncates projectionType's live table and reinserts
// the snapshot's rows inside one UoW.
func (s *Service) RestoreFromSnapshot(ctx context.Context, projectionType, snapshotID string) error {
	spec, ok := s.tables[projectionType]
	if !ok {
		return platformerrors.New(platformerrors.KindValidation, fmt.Sprintf("no registered table for projection type %q", projectionType), 400)
	}

	return uow.Run(ctx, s.db, func(ctx context.Context, u *uow.UnitOfWork) error {
		q := uow.QuerierFrom(ctx, s.db)

		row := q.QueryRowContext(ctx, `
			SELECT blob FROM projection_snapshots WHERE snapshot_id = $1 AND projection_type = $2
		`, snapshotID, projectionType)
		var blob []byte
		if err := row.Scan(&blob); err != nil {
			if err == sql.ErrNoRows {
				return platformerrors.New(platformerrors.KindValidation, "snapshot not found", 404)
			}
			return platformerrors.Wrap(platformerrors.KindEventStore, "load snapshot", 500, err)
		}

		var captured []map[string]any
		if err := json.Unmarshal(blob, &captured); err != nil {
			return platformerrors.Wrap(platformerrors.KindEventStore, "decode snapshot blob", 500, err)
		}

		if _, err := q.ExecContext(ctx, fmt.Sprintf(`TRUNCATE TABLE %s`, spec.TableName)); err != nil {
			return platformerrors.Wrap(platformerrors.KindEventStore, "truncate projection table before restore", 500, err)
		}

		for _, row := range captured {
			if err := insertRow(ctx, q, spec.TableName, row); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertRow(ctx context.Context, q uow.Querier, tableName string, row map[string]any) error {
	columns := make([]string, 0, len(row))
	for col := range row {
		columns = append(columns, col)
	}

	placeholders := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, col := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[col]
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, tableName, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	_, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindEventStore, "insert restored row", 500, err)
	}
	return nil
}

// ListSnapshots returns every snapshot for projectionType, most recent
// first, with IsStale set on every row except the newest.
func (s *Service) ListSnapshots(ctx context.Context, projectionType string) ([]Snapshot, error) {
	q := uow.QuerierFrom(ctx, s.db)
	rows, err := q.QueryContext(ctx, `
		SELECT snapshot_id, projection_type, sequence_number, created_at
		FROM projection_snapshots
		WHERE projection_type = $1
		ORDER BY created_at DESC
	`, projectionType)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindEventStore, "list snapshots", 500, err)
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.SnapshotID, &snap.ProjectionType, &snap.SequenceNumber, &snap.CreatedAt); err != nil {
			return nil, err
		}
		snap.CreatedAt = snap.CreatedAt.UTC()
		snap.IsStale = len(snapshots) > 0
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

