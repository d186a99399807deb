package rules

import (
	"testing"
	"time"
)

func TestFilterActiveRulesRespectsWindow(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	past := now.AddDate(0, -1, 0)
	future := now.AddDate(0, 1, 0)

	rulesIn := []Rule{
		{ID: "always", Name: "always"},
		{ID: "expired", Name: "expired", EffectiveTo: &past},
		{ID: "not-yet", Name: "not-yet", EffectiveFrom: &future},
		{ID: "active-window", Name: "active-window", EffectiveFrom: &past, EffectiveTo: &future},
	}

	active := FilterActiveRules(rulesIn, now)
	if len(active) != 2 {
		t.Fatalf("expected 2 active rules, got %d: %+v", len(active), active)
	}
}

func TestEvaluatePhasedRejectTerminatesImmediately(t *testing.T) {
	rulesIn := []Rule{
		{ID: "r1", Name: "reject-high-amount", Phase: PhaseDecide, Priority: 1, Action: ActionReject,
			RejectionMessage: "amount too high",
			Conditions:       []Condition{{Field: "amount", Operator: OpGt, Value: float64(1000)}}},
		{ID: "r2", Name: "approve-everything", Phase: PhaseDecide, Priority: 2, Action: ActionApprove},
	}

	result := EvaluatePhased(rulesIn, map[string]any{"amount": float64(5000)})
	if result.Decision != DecisionReject {
		t.Fatalf("expected reject, got %s", result.Decision)
	}
	if result.RejectionMessage != "amount too high" {
		t.Fatalf("unexpected rejection message %q", result.RejectionMessage)
	}
	if len(result.Traces) != 1 {
		t.Fatalf("expected evaluation to stop after the reject, got %d traces", len(result.Traces))
	}
}

func TestEvaluatePhasedRouteForApprovalUsesHighestPriority(t *testing.T) {
	rulesIn := []Rule{
		{ID: "r1", Name: "route-low-priority", Phase: PhaseDecide, Priority: 5, Action: ActionRouteForApproval, ApproverRole: "manager"},
		{ID: "r2", Name: "route-high-priority", Phase: PhaseDecide, Priority: 1, Action: ActionRouteForApproval, ApproverRole: "director"},
	}

	result := EvaluatePhased(rulesIn, map[string]any{})
	if result.Decision != DecisionRouteForApproval {
		t.Fatalf("expected route_for_approval, got %s", result.Decision)
	}
	if result.RequiredApproverRole != "director" {
		t.Fatalf("expected the earliest-firing rule's approver role, got %q", result.RequiredApproverRole)
	}
}

func TestEvaluatePhasedEnrichFeedsLaterRules(t *testing.T) {
	rulesIn := []Rule{
		{ID: "r1", Name: "enrich-region", Phase: PhaseEnrich, Priority: 1, Action: ActionEnrich,
			EnrichFields: map[string]any{"region": "EMEA"}},
		{ID: "r2", Name: "reject-emea", Phase: PhaseDecide, Priority: 1, Action: ActionReject,
			RejectionMessage: "EMEA restricted",
			Conditions:       []Condition{{Field: "region", Operator: OpEq, Value: "EMEA"}}},
	}

	result := EvaluatePhased(rulesIn, map[string]any{})
	if result.Decision != DecisionReject {
		t.Fatalf("expected the enriched field to drive the later rule's reject, got %s", result.Decision)
	}
}

func TestEvaluatePhasedDefaultsToApprove(t *testing.T) {
	result := EvaluatePhased(nil, map[string]any{})
	if result.Decision != DecisionApprove {
		t.Fatalf("expected approve with no rules, got %s", result.Decision)
	}
}

func TestEvaluateConditionOperators(t *testing.T) {
	context := map[string]any{
		"sku":    "ABC-123",
		"amount": float64(42),
		"tags":   []any{"a", "b"},
	}

	cases := []struct {
		name      string
		condition Condition
		want      bool
	}{
		{"eq matches", Condition{Field: "sku", Operator: OpEq, Value: "ABC-123"}, true},
		{"neq differs", Condition{Field: "sku", Operator: OpNeq, Value: "XYZ"}, true},
		{"not_empty true", Condition{Field: "sku", Operator: OpNotEmpty}, true},
		{"exists missing field", Condition{Field: "missing", Operator: OpExists}, false},
		{"gt true", Condition{Field: "amount", Operator: OpGt, Value: float64(10)}, true},
		{"lte false", Condition{Field: "amount", Operator: OpLte, Value: float64(10)}, false},
		{"matches regex", Condition{Field: "sku", Operator: OpMatches, Value: "^ABC-"}, true},
		{"in list", Condition{Field: "sku", Operator: OpIn, Value: []any{"ABC-123", "DEF-456"}}, true},
		{"not_in list", Condition{Field: "sku", Operator: OpNotIn, Value: []any{"DEF-456"}}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := evaluateCondition(tc.condition, context)
			if err != nil {
				t.Fatalf("evaluateCondition: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
