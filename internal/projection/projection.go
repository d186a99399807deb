// Package projection is the synchronous projection engine: handlers
// subscribed per event type update read-side tables inside the same
// write transaction as the event that produced them, and can be replayed
// from the log in batches with poison events dead-lettered rather than
// aborting the whole rebuild.
package projection

import (
	"context"
	"database/sql"
	"time"

	"github.com/mcarvalho21/mdmplatform/internal/eventstore"
	"github.com/mcarvalho21/mdmplatform/internal/metrics"
	"github.com/mcarvalho21/mdmplatform/internal/platform/uow"
	"github.com/mcarvalho21/mdmplatform/internal/platformerrors"
)

// Handler projects events of its subscribed types into a read-side table.
// Implementations must be idempotent with respect to event.ID, typically
// via INSERT ... ON CONFLICT (primary_key) DO UPDATE including the
// event's id as last_event_id.
type Handler interface {
	ProjectionType() string
	EventTypes() []string
	Handle(ctx context.Context, event *eventstore.Event) error
}

// Resettable is an optional extension a Handler may implement to clear its
// projection table before a rebuild.
type Resettable interface {
	Reset(ctx context.Context) error
}

// Lister is an optional extension a Handler may implement to serve
// GET /projections/:type: the full current contents of its read-side
// table, as generic rows.
type Lister interface {
	List(ctx context.Context) ([]map[string]any, error)
}

// DeadLetter is one event a handler failed to apply during a rebuild.
type DeadLetter struct {
	ID             int64
	ProjectionType string
	EventID        string
	EventSequence  int64
	EventType      string
	FailedAt       time.Time
	ErrorMessage   string
}

// RebuildResult summarizes one rebuild run.
type RebuildResult struct {
	EventsProcessed int
	DeadLettered    int
}

// DefaultBatchSize is used by Rebuild when none is specified.
const DefaultBatchSize = 500

// Engine is the projection engine: a registry of handlers plus the
// machinery to apply events synchronously and to replay the log.
type Engine struct {
	db    *sql.DB
	store *eventstore.Store

	byEventType      map[string][]Handler
	byProjectionType map[string][]Handler
}

// New creates an Engine. store is used for Rebuild's log replay.
func New(db *sql.DB, store *eventstore.Store) *Engine {
	return &Engine{
		db:               db,
		store:            store,
		byEventType:      make(map[string][]Handler),
		byProjectionType: make(map[string][]Handler),
	}
}

// RegisterHandler appends handler to the subscription list for each of its
// event types, preserving registration order. Intended to be called once
// at startup; the registry is read-mostly thereafter.
func (e *Engine) RegisterHandler(h Handler) {
	for _, eventType := range h.EventTypes() {
		e.byEventType[eventType] = append(e.byEventType[eventType], h)
	}
	e.byProjectionType[h.ProjectionType()] = append(e.byProjectionType[h.ProjectionType()], h)
}

// ProcessEvent synchronously invokes every handler subscribed to
// event.Type within the caller's unit of work. If any handler fails, the
// caller's UoW is expected to roll back — projection updates are never
// partially applied during normal operation.
func (e *Engine) ProcessEvent(ctx context.Context, event *eventstore.Event) error {
	for _, h := range e.byEventType[event.Type] {
		if err := h.Handle(ctx, event); err != nil {
			return platformerrors.Wrap(platformerrors.KindEventStore, "projection handler failed", 500, err).
				WithDetail("projection_type", h.ProjectionType()).
				WithDetail("event_id", event.ID)
		}
	}
	return nil
}

// Rebuild resets every handler registered for projectionType, then
// replays the event log in ascending sequence order in batches of
// batchSize (default DefaultBatchSize), dead-lettering any event a
// handler fails on rather than aborting the whole rebuild.
func (e *Engine) Rebuild(ctx context.Context, projectionType string, batchSize int) (RebuildResult, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	handlers := e.byProjectionType[projectionType]
	subscribedTypes := make(map[string]bool)
	for _, h := range handlers {
		for _, t := range h.EventTypes() {
			subscribedTypes[t] = true
		}
	}

	if err := uow.Run(ctx, e.db, func(ctx context.Context, u *uow.UnitOfWork) error {
		for _, h := range handlers {
			if resettable, ok := h.(Resettable); ok {
				if err := resettable.Reset(ctx); err != nil {
					return err
				}
			}
		}
		return nil
	}); err != nil {
		return RebuildResult{}, platformerrors.Wrap(platformerrors.KindEventStore, "reset projection handlers", 500, err)
	}

	var result RebuildResult
	var afterSequence int64

	for {
		page, err := e.store.ReadStream(ctx, eventstore.ReadStreamInput{AfterSequence: afterSequence, Limit: batchSize})
		if err != nil {
			return result, err
		}
		if len(page.Events) == 0 {
			break
		}

		err = uow.Run(ctx, e.db, func(ctx context.Context, u *uow.UnitOfWork) error {
			for _, evt := range page.Events {
				if !subscribedTypes[evt.Type] {
					continue
				}
				result.EventsProcessed++

				var handleErr error
				for _, h := range handlers {
					if !handlesType(h, evt.Type) {
						continue
					}
					if err := h.Handle(ctx, evt); err != nil {
						handleErr = err
						break
					}
				}
				if handleErr != nil {
					if err := e.insertDeadLetter(ctx, projectionType, evt, handleErr); err != nil {
						return err
					}
					result.DeadLettered++
				}
			}
			return nil
		})
		if err != nil {
			return result, platformerrors.Wrap(platformerrors.KindEventStore, "rebuild batch failed", 500, err)
		}

		afterSequence = page.NextSequence
		if !page.HasMore {
			break
		}
	}

	metrics.RecordProjectionLag(projectionType, result.EventsProcessed)
	return result, nil
}

// ListProjection returns the current rows of the first registered handler
// for projectionType that implements Lister. Returns nil, nil if no
// registered handler for that type supports listing.
func (e *Engine) ListProjection(ctx context.Context, projectionType string) ([]map[string]any, error) {
	for _, h := range e.byProjectionType[projectionType] {
		if lister, ok := h.(Lister); ok {
			return lister.List(ctx)
		}
	}
	return nil, nil
}

func handlesType(h Handler, eventType string) bool {
	for _, t := range h.EventTypes() {
		if t == eventType {
			return true
		}
	}
	return false
}

func (e *Engine) insertDeadLetter(ctx context.Context, projectionType string, evt *eventstore.Event, cause error) error {
	q := uow.QuerierFrom(ctx, e.db)
	_, err := q.ExecContext(ctx, `
		INSERT INTO projection_dead_letters (projection_type, event_id, event_sequence, event_type, failed_at, error_message)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, projectionType, evt.ID, evt.Sequence, evt.Type, time.Now().UTC(), cause.Error())
	if err == nil {
		metrics.RecordDeadLetter(projectionType)
	}
	return err
}

// GetDeadLetterEvents returns the dead-letter entries recorded for
// projectionType, most recent first.
func (e *Engine) GetDeadLetterEvents(ctx context.Context, projectionType string) ([]DeadLetter, error) {
	q := uow.QuerierFrom(ctx, e.db)
	rows, err := q.QueryContext(ctx, `
		SELECT id, projection_type, event_id, event_sequence, event_type, failed_at, error_message
		FROM projection_dead_letters
		WHERE projection_type = $1
		ORDER BY failed_at DESC
	`, projectionType)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindEventStore, "list dead letters", 500, err)
	}
	defer rows.Close()

	var entries []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.ProjectionType, &d.EventID, &d.EventSequence, &d.EventType, &d.FailedAt, &d.ErrorMessage); err != nil {
			return nil, err
		}
		d.FailedAt = d.FailedAt.UTC()
		entries = append(entries, d)
	}
	return entries, rows.Err()
}
