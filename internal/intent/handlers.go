package intent

import (
	"context"
	"encoding/json"

	"github.com/mcarvalho21/mdmplatform/internal/domainmodel"
	"github.com/mcarvalho21/mdmplatform/internal/eventstore"
	"github.com/mcarvalho21/mdmplatform/internal/idgen"
	"github.com/mcarvalho21/mdmplatform/internal/platformerrors"
	"github.com/mcarvalho21/mdmplatform/internal/rules"
)

// RegisterDefaultHandlers wires up the vendor and item intent types. Called
// once at startup by cmd/mdmserver. It registers handlers only, no rule sets.
func RegisterDefaultHandlers(p *Pipeline) {
	p.RegisterHandler("mdm.vendor.create", handleVendorCreate)
	p.RegisterHandler("mdm.vendor.update", handleVendorUpdate)
	p.RegisterHandler("mdm.item.create", handleItemCreate)
	p.RegisterHandler("mdm.item.update", handleItemUpdate)
}

func stringField(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

// handleVendorCreate runs the canonical turn for a new vendor: idempotency
// short-circuit, then validate/enrich/decide over the submitted fields,
// then create the entity and append the event.
func handleVendorCreate(ctx context.Context, p *Pipeline, in Intent, intentID string) (Result, error) {
	if existing, err := p.Events.FindByIdempotencyKey(ctx, in.IdempotencyKey); err != nil {
		return Result{}, err
	} else if existing != nil {
		return replayedResult(existing), nil
	}

	name := stringField(in.Data, "name")
	ruleCtx := ruleContext(in, map[string]any{
		"_name_missing": name == "",
	})

	decision := rules.EvaluatePhased(p.rulesFor("mdm.vendor.create"), ruleCtx)
	switch decision.Decision {
	case rules.DecisionReject:
		return rejectedResult(decision), nil
	case rules.DecisionRouteForApproval:
		return pendingApprovalResult(decision), nil
	}

	entityID := idgen.New()
	attributes := map[string]any{
		"name":   name,
		"status": stringField(in.Data, "status"),
	}

	entity, err := p.Entities.CreateEntity(ctx, "vendor", entityID, attributes, in.LegalEntity)
	if err != nil {
		return Result{}, err
	}

	dataJSON, err := json.Marshal(in.Data)
	if err != nil {
		return Result{}, platformerrors.Wrap(platformerrors.KindValidation, "marshal intent data", 400, err)
	}

	appended, err := p.Events.Append(ctx, eventstore.AppendInput{
		Type:          "mdm.vendor.created",
		SchemaVersion: "1.0",
		Scope:         domainmodel.Scope{TenantID: in.TenantID, LegalEntity: in.LegalEntity},
		Actor:         in.Actor,
		IntentID:      intentID,
		CorrelationID: in.CorrelationID,
		Data:          dataJSON,
		Entities: []domainmodel.EntityRef{
			{EntityType: "vendor", EntityID: entity.EntityID, Role: "subject"},
		},
		RulesEvaluated: rules.ToDomainTraces(decision.Traces),
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		return Result{}, err
	}
	if appended.Replayed {
		return replayedResult(appended.Event), nil
	}

	if err := p.Projections.ProcessEvent(ctx, appended.Event); err != nil {
		return Result{}, err
	}

	return successResult(appended.Event, decision.Traces), nil
}

// handleVendorUpdate runs the canonical turn for a vendor attribute change.
// The event is appended before the entity's compare-and-swap so both OCC
// checks agree on the same baseline version; if either step loses a race to
// a concurrent update, the whole unit of work rolls back together.
func handleVendorUpdate(ctx context.Context, p *Pipeline, in Intent, intentID string) (Result, error) {
	if existing, err := p.Events.FindByIdempotencyKey(ctx, in.IdempotencyKey); err != nil {
		return Result{}, err
	} else if existing != nil {
		return replayedResult(existing), nil
	}

	vendorID := stringField(in.Data, "vendor_id")
	current, err := p.Entities.GetEntity(ctx, "vendor", vendorID, in.LegalEntity)
	if err != nil {
		return Result{}, err
	}
	if current == nil {
		return Result{}, platformerrors.EntityNotFound("vendor", vendorID)
	}

	newAttributes := mergeAttributes(current.Attributes, in.Data, "vendor_id", "expected_version")
	name, _ := newAttributes["name"].(string)

	ruleCtx := ruleContext(in, map[string]any{
		"current_attributes": current.Attributes,
		"_name_missing":      name == "",
	})

	decision := rules.EvaluatePhased(p.rulesFor("mdm.vendor.update"), ruleCtx)
	switch decision.Decision {
	case rules.DecisionReject:
		return rejectedResult(decision), nil
	case rules.DecisionRouteForApproval:
		return pendingApprovalResult(decision), nil
	}

	dataJSON, err := json.Marshal(in.Data)
	if err != nil {
		return Result{}, platformerrors.Wrap(platformerrors.KindValidation, "marshal intent data", 400, err)
	}

	expectedVersion := current.Version
	appended, err := p.Events.Append(ctx, eventstore.AppendInput{
		Type:                  "mdm.vendor.updated",
		SchemaVersion:         "1.0",
		Scope:                 domainmodel.Scope{TenantID: in.TenantID, LegalEntity: in.LegalEntity},
		Actor:                 in.Actor,
		IntentID:              intentID,
		CorrelationID:         in.CorrelationID,
		Data:                  dataJSON,
		Entities:              []domainmodel.EntityRef{{EntityType: "vendor", EntityID: vendorID, Role: "subject"}},
		RulesEvaluated:        rules.ToDomainTraces(decision.Traces),
		IdempotencyKey:        in.IdempotencyKey,
		ExpectedEntityType:    "vendor",
		ExpectedEntityID:      vendorID,
		ExpectedEntityVersion: &expectedVersion,
	})
	if err != nil {
		return Result{}, err
	}
	if appended.Replayed {
		return replayedResult(appended.Event), nil
	}

	if _, err := p.Entities.UpdateEntity(ctx, "vendor", vendorID, newAttributes, expectedVersion, in.LegalEntity); err != nil {
		return Result{}, err
	}

	if err := p.Projections.ProcessEvent(ctx, appended.Event); err != nil {
		return Result{}, err
	}

	return successResult(appended.Event, decision.Traces), nil
}

// handleItemCreate runs the canonical turn for a new item, including the
// duplicate-SKU precondition the rule set relies on to reject or route
// items that collide with an existing SKU in the same legal entity.
func handleItemCreate(ctx context.Context, p *Pipeline, in Intent, intentID string) (Result, error) {
	if existing, err := p.Events.FindByIdempotencyKey(ctx, in.IdempotencyKey); err != nil {
		return Result{}, err
	} else if existing != nil {
		return replayedResult(existing), nil
	}

	sku := stringField(in.Data, "sku")
	name := stringField(in.Data, "name")

	duplicate, err := p.Entities.GetEntityByTypeAndAttribute(ctx, "item", "sku", sku, in.LegalEntity)
	if err != nil {
		return Result{}, err
	}

	ruleCtx := ruleContext(in, map[string]any{
		"_sku_duplicate_exists": duplicate != nil,
		"_name_missing":         name == "",
	})

	decision := rules.EvaluatePhased(p.rulesFor("mdm.item.create"), ruleCtx)
	switch decision.Decision {
	case rules.DecisionReject:
		return rejectedResult(decision), nil
	case rules.DecisionRouteForApproval:
		return pendingApprovalResult(decision), nil
	}

	entityID := idgen.New()
	attributes := map[string]any{
		"sku":    sku,
		"name":   name,
		"status": stringField(in.Data, "status"),
	}

	entity, err := p.Entities.CreateEntity(ctx, "item", entityID, attributes, in.LegalEntity)
	if err != nil {
		return Result{}, err
	}

	dataJSON, err := json.Marshal(in.Data)
	if err != nil {
		return Result{}, platformerrors.Wrap(platformerrors.KindValidation, "marshal intent data", 400, err)
	}

	appended, err := p.Events.Append(ctx, eventstore.AppendInput{
		Type:          "mdm.item.created",
		SchemaVersion: "1.0",
		Scope:         domainmodel.Scope{TenantID: in.TenantID, LegalEntity: in.LegalEntity},
		Actor:         in.Actor,
		IntentID:      intentID,
		CorrelationID: in.CorrelationID,
		Data:          dataJSON,
		Entities: []domainmodel.EntityRef{
			{EntityType: "item", EntityID: entity.EntityID, Role: "subject"},
		},
		RulesEvaluated: rules.ToDomainTraces(decision.Traces),
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		return Result{}, err
	}
	if appended.Replayed {
		return replayedResult(appended.Event), nil
	}

	if err := p.Projections.ProcessEvent(ctx, appended.Event); err != nil {
		return Result{}, err
	}

	return successResult(appended.Event, decision.Traces), nil
}

// handleItemUpdate mirrors handleVendorUpdate for items, re-running the
// duplicate-SKU check against the proposed new SKU (if changed) so a
// rename can't collide with another item's SKU either.
func handleItemUpdate(ctx context.Context, p *Pipeline, in Intent, intentID string) (Result, error) {
	if existing, err := p.Events.FindByIdempotencyKey(ctx, in.IdempotencyKey); err != nil {
		return Result{}, err
	} else if existing != nil {
		return replayedResult(existing), nil
	}

	itemID := stringField(in.Data, "item_id")
	current, err := p.Entities.GetEntity(ctx, "item", itemID, in.LegalEntity)
	if err != nil {
		return Result{}, err
	}
	if current == nil {
		return Result{}, platformerrors.EntityNotFound("item", itemID)
	}

	newAttributes := mergeAttributes(current.Attributes, in.Data, "item_id", "expected_version")
	newSKU, _ := newAttributes["sku"].(string)

	duplicateExists := false
	if currentSKU, _ := current.Attributes["sku"].(string); newSKU != "" && newSKU != currentSKU {
		duplicate, err := p.Entities.GetEntityByTypeAndAttribute(ctx, "item", "sku", newSKU, in.LegalEntity)
		if err != nil {
			return Result{}, err
		}
		duplicateExists = duplicate != nil
	}

	name, _ := newAttributes["name"].(string)
	ruleCtx := ruleContext(in, map[string]any{
		"current_attributes":   current.Attributes,
		"_sku_duplicate_exists": duplicateExists,
		"_name_missing":         name == "",
	})

	decision := rules.EvaluatePhased(p.rulesFor("mdm.item.update"), ruleCtx)
	switch decision.Decision {
	case rules.DecisionReject:
		return rejectedResult(decision), nil
	case rules.DecisionRouteForApproval:
		return pendingApprovalResult(decision), nil
	}

	dataJSON, err := json.Marshal(in.Data)
	if err != nil {
		return Result{}, platformerrors.Wrap(platformerrors.KindValidation, "marshal intent data", 400, err)
	}

	expectedVersion := current.Version
	appended, err := p.Events.Append(ctx, eventstore.AppendInput{
		Type:                  "mdm.item.updated",
		SchemaVersion:         "1.0",
		Scope:                 domainmodel.Scope{TenantID: in.TenantID, LegalEntity: in.LegalEntity},
		Actor:                 in.Actor,
		IntentID:              intentID,
		CorrelationID:         in.CorrelationID,
		Data:                  dataJSON,
		Entities:              []domainmodel.EntityRef{{EntityType: "item", EntityID: itemID, Role: "subject"}},
		RulesEvaluated:        rules.ToDomainTraces(decision.Traces),
		IdempotencyKey:        in.IdempotencyKey,
		ExpectedEntityType:    "item",
		ExpectedEntityID:      itemID,
		ExpectedEntityVersion: &expectedVersion,
	})
	if err != nil {
		return Result{}, err
	}
	if appended.Replayed {
		return replayedResult(appended.Event), nil
	}

	if _, err := p.Entities.UpdateEntity(ctx, "item", itemID, newAttributes, expectedVersion, in.LegalEntity); err != nil {
		return Result{}, err
	}

	if err := p.Projections.ProcessEvent(ctx, appended.Event); err != nil {
		return Result{}, err
	}

	return successResult(appended.Event, decision.Traces), nil
}

// mergeAttributes overlays incoming intent fields onto an entity's current
// attributes, skipping routing fields that aren't themselves attributes.
func mergeAttributes(current map[string]any, incoming map[string]any, skip ...string) map[string]any {
	skipSet := make(map[string]bool, len(skip))
	for _, k := range skip {
		skipSet[k] = true
	}

	merged := make(map[string]any, len(current)+len(incoming))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range incoming {
		if skipSet[k] {
			continue
		}
		merged[k] = v
	}
	return merged
}
