// Package subscription is a cursor store for external consumers of the
// event log. It does not deliver events itself; callers advance their own
// cursor and persist progress here so they can resume after a restart.
package subscription

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mcarvalho21/mdmplatform/internal/platform/uow"
	"github.com/mcarvalho21/mdmplatform/internal/platformerrors"
)

// Subscription is one consumer's cursor state.
type Subscription struct {
	SubscriberID     string    `json:"subscriber_id"`
	EventTypes       []string  `json:"event_types"`
	LastProcessedSeq int64     `json:"last_processed_seq"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store is the Postgres-backed subscription cursor store.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Register upserts a subscriber's event type filter, leaving an existing
// cursor position untouched.
func (s *Store) Register(ctx context.Context, subscriberID string, eventTypes []string) (*Subscription, error) {
	typesJSON, err := json.Marshal(eventTypes)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindValidation, "marshal event types", 400, err)
	}

	now := time.Now().UTC()
	q := uow.QuerierFrom(ctx, s.db)
	_, err = q.ExecContext(ctx, `
		INSERT INTO subscriptions (subscriber_id, event_types, last_processed_seq, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $3)
		ON CONFLICT (subscriber_id) DO UPDATE SET event_types = EXCLUDED.event_types, updated_at = EXCLUDED.updated_at
	`, subscriberID, typesJSON, now)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindEventStore, "register subscription", 500, err)
	}

	return s.Get(ctx, subscriberID)
}

// Get returns a subscriber's cursor state, or nil if unregistered.
func (s *Store) Get(ctx context.Context, subscriberID string) (*Subscription, error) {
	q := uow.QuerierFrom(ctx, s.db)
	row := q.QueryRowContext(ctx, `
		SELECT subscriber_id, event_types, last_processed_seq, created_at, updated_at
		FROM subscriptions WHERE subscriber_id = $1
	`, subscriberID)

	var (
		sub        Subscription
		typesRaw   []byte
	)
	if err := row.Scan(&sub.SubscriberID, &typesRaw, &sub.LastProcessedSeq, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, platformerrors.Wrap(platformerrors.KindEventStore, "get subscription", 500, err)
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	if len(typesRaw) > 0 {
		_ = json.Unmarshal(typesRaw, &sub.EventTypes)
	}
	return &sub, nil
}

// Advance moves a subscriber's cursor forward to sequence, provided
// sequence is greater than the current position (advancing is monotonic;
// an out-of-order or stale call is a silent no-op).
func (s *Store) Advance(ctx context.Context, subscriberID string, sequence int64) error {
	q := uow.QuerierFrom(ctx, s.db)
	_, err := q.ExecContext(ctx, `
		UPDATE subscriptions
		SET last_processed_seq = $1, updated_at = $2
		WHERE subscriber_id = $3 AND last_processed_seq < $1
	`, sequence, time.Now().UTC(), subscriberID)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindEventStore, "advance subscription cursor", 500, err)
	}
	return nil
}
