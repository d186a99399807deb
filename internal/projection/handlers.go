package projection

import (
	"context"
	"database/sql"
	"time"

	"github.com/mcarvalho21/mdmplatform/internal/entitygraph"
	"github.com/mcarvalho21/mdmplatform/internal/eventstore"
	"github.com/mcarvalho21/mdmplatform/internal/platform/uow"
	"github.com/mcarvalho21/mdmplatform/internal/platformerrors"
)

// VendorListHandler projects vendor entity mutations into the vendor_list
// read table. It re-reads the entity graph rather than diffing the event's
// payload, since by the time ProcessEvent runs the entity's compare-and-swap
// has already landed in the same unit of work — the graph already holds the
// attributes this projection needs, full and merged.
type VendorListHandler struct {
	db       *sql.DB
	entities *entitygraph.Store
}

// NewVendorListHandler creates a VendorListHandler.
func NewVendorListHandler(db *sql.DB, entities *entitygraph.Store) *VendorListHandler {
	return &VendorListHandler{db: db, entities: entities}
}

func (h *VendorListHandler) ProjectionType() string { return "vendor_list" }

func (h *VendorListHandler) EventTypes() []string {
	return []string{"mdm.vendor.created", "mdm.vendor.updated"}
}

func (h *VendorListHandler) Handle(ctx context.Context, event *eventstore.Event) error {
	vendorID := subjectEntityID(event, "vendor")
	if vendorID == "" {
		return platformerrors.Wrap(platformerrors.KindEventStore, "vendor event carries no subject entity", 500, nil)
	}

	entity, err := h.entities.GetEntity(ctx, "vendor", vendorID, event.Scope.LegalEntity)
	if err != nil {
		return err
	}
	if entity == nil {
		return platformerrors.EntityNotFound("vendor", vendorID)
	}

	name, _ := entity.Attributes["name"].(string)
	status, _ := entity.Attributes["status"].(string)

	q := uow.QuerierFrom(ctx, h.db)
	_, err = q.ExecContext(ctx, `
		INSERT INTO vendor_list (vendor_id, legal_entity, name, status, last_event_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (vendor_id) DO UPDATE SET
			legal_entity = EXCLUDED.legal_entity,
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			last_event_id = EXCLUDED.last_event_id,
			updated_at = EXCLUDED.updated_at
	`, vendorID, entity.LegalEntity, name, status, event.ID, time.Now().UTC())
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindEventStore, "project vendor_list row", 500, err)
	}
	return nil
}

func (h *VendorListHandler) Reset(ctx context.Context) error {
	q := uow.QuerierFrom(ctx, h.db)
	_, err := q.ExecContext(ctx, `TRUNCATE TABLE vendor_list`)
	return err
}

func (h *VendorListHandler) List(ctx context.Context) ([]map[string]any, error) {
	q := uow.QuerierFrom(ctx, h.db)
	rows, err := q.QueryContext(ctx, `
		SELECT vendor_id, legal_entity, name, status, last_event_id, updated_at
		FROM vendor_list ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindEventStore, "list vendor_list", 500, err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var (
			vendorID, legalEntity, name, status, lastEventID string
			updatedAt                                         time.Time
		)
		if err := rows.Scan(&vendorID, &legalEntity, &name, &status, &lastEventID, &updatedAt); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{
			"vendor_id":     vendorID,
			"legal_entity":  legalEntity,
			"name":          name,
			"status":        status,
			"last_event_id": lastEventID,
			"updated_at":    updatedAt.UTC(),
		})
	}
	return out, rows.Err()
}

// ItemListHandler projects item entity mutations into the item_list read
// table, mirroring VendorListHandler.
type ItemListHandler struct {
	db       *sql.DB
	entities *entitygraph.Store
}

// NewItemListHandler creates an ItemListHandler.
func NewItemListHandler(db *sql.DB, entities *entitygraph.Store) *ItemListHandler {
	return &ItemListHandler{db: db, entities: entities}
}

func (h *ItemListHandler) ProjectionType() string { return "item_list" }

func (h *ItemListHandler) EventTypes() []string {
	return []string{"mdm.item.created", "mdm.item.updated"}
}

func (h *ItemListHandler) Handle(ctx context.Context, event *eventstore.Event) error {
	itemID := subjectEntityID(event, "item")
	if itemID == "" {
		return platformerrors.Wrap(platformerrors.KindEventStore, "item event carries no subject entity", 500, nil)
	}

	entity, err := h.entities.GetEntity(ctx, "item", itemID, event.Scope.LegalEntity)
	if err != nil {
		return err
	}
	if entity == nil {
		return platformerrors.EntityNotFound("item", itemID)
	}

	sku, _ := entity.Attributes["sku"].(string)
	name, _ := entity.Attributes["name"].(string)
	status, _ := entity.Attributes["status"].(string)

	q := uow.QuerierFrom(ctx, h.db)
	_, err = q.ExecContext(ctx, `
		INSERT INTO item_list (item_id, legal_entity, sku, name, status, last_event_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (item_id) DO UPDATE SET
			legal_entity = EXCLUDED.legal_entity,
			sku = EXCLUDED.sku,
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			last_event_id = EXCLUDED.last_event_id,
			updated_at = EXCLUDED.updated_at
	`, itemID, entity.LegalEntity, sku, name, status, event.ID, time.Now().UTC())
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindEventStore, "project item_list row", 500, err)
	}
	return nil
}

func (h *ItemListHandler) Reset(ctx context.Context) error {
	q := uow.QuerierFrom(ctx, h.db)
	_, err := q.ExecContext(ctx, `TRUNCATE TABLE item_list`)
	return err
}

func (h *ItemListHandler) List(ctx context.Context) ([]map[string]any, error) {
	q := uow.QuerierFrom(ctx, h.db)
	rows, err := q.QueryContext(ctx, `
		SELECT item_id, legal_entity, sku, name, status, last_event_id, updated_at
		FROM item_list ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindEventStore, "list item_list", 500, err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var (
			itemID, legalEntity, sku, name, status, lastEventID string
			updatedAt                                            time.Time
		)
		if err := rows.Scan(&itemID, &legalEntity, &sku, &name, &status, &lastEventID, &updatedAt); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{
			"item_id":       itemID,
			"legal_entity":  legalEntity,
			"sku":           sku,
			"name":          name,
			"status":        status,
			"last_event_id": lastEventID,
			"updated_at":    updatedAt.UTC(),
		})
	}
	return out, rows.Err()
}

func subjectEntityID(event *eventstore.Event, entityType string) string {
	for _, ref := range event.Entities {
		if ref.EntityType == entityType && ref.Role == "subject" {
			return ref.EntityID
		}
	}
	return ""
}
