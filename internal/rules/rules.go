// Package rules implements the declarative, phased rule engine that
// decides whether an intent is approved, rejected, or routed for manual
// approval: validate -> enrich -> decide, each phase's rules run in
// ascending priority order, with a per-rule trace kept for audit.
package rules

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"github.com/mcarvalho21/mdmplatform/internal/domainmodel"
)

// Phase is one of the three evaluation stages a rule can belong to.
type Phase string

const (
	PhaseValidate Phase = "validate"
	PhaseEnrich   Phase = "enrich"
	PhaseDecide   Phase = "decide"
)

// Action is what a firing rule instructs the pipeline to do.
type Action string

const (
	ActionApprove          Action = "approve"
	ActionReject           Action = "reject"
	ActionRouteForApproval Action = "route_for_approval"
	ActionEnrich           Action = "enrich"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpNotEmpty Operator = "not_empty"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
	OpExists   Operator = "exists"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpMatches  Operator = "matches"
)

// Condition is one clause of a rule, evaluated against a dot-path field in
// the running context.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// Rule is one declarative policy entry.
type Rule struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Priority          int         `json:"priority"`
	IntentType        string      `json:"intent_type"`
	Phase             Phase       `json:"phase"`
	Conditions        []Condition `json:"conditions"`
	Action            Action      `json:"action"`
	EffectiveFrom     *time.Time  `json:"effective_from,omitempty"`
	EffectiveTo       *time.Time  `json:"effective_to,omitempty"`
	RejectionMessage  string      `json:"rejection_message,omitempty"`
	ApproverRole      string      `json:"approver_role,omitempty"`
	EnrichFields      map[string]any `json:"enrich_fields,omitempty"`

	sourceOrder int
}

// TraceResult is the outcome recorded for one rule's evaluation.
type TraceResult string

const (
	TraceFired           TraceResult = "fired"
	TraceNotApplicable   TraceResult = "not_applicable"
	TraceConditionFalse  TraceResult = "condition_false"
	TraceSkippedInactive TraceResult = "skipped_inactive"
)

// Trace is one rule's contribution to an evaluation, in evaluation order.
type Trace struct {
	RuleID       string
	RuleName     string
	Phase        Phase
	Result       TraceResult
	ElapsedMS    int64
}

// Decision is the overall outcome of evaluating a rule set against a
// context.
type Decision string

const (
	DecisionApprove          Decision = "approve"
	DecisionReject           Decision = "reject"
	DecisionRouteForApproval Decision = "route_for_approval"
)

// Result is the outcome of Evaluate or EvaluatePhased.
type Result struct {
	Decision             Decision
	Traces               []Trace
	RejectionMessage     string
	RequiredApproverRole string
	EnrichedContext      map[string]any
}

// FilterActiveRules keeps rules whose effective window contains today.
// Unbounded ends (nil EffectiveFrom/EffectiveTo) are permitted.
func FilterActiveRules(rulesIn []Rule, today time.Time) []Rule {
	var active []Rule
	for _, r := range rulesIn {
		if r.EffectiveFrom != nil && today.Before(*r.EffectiveFrom) {
			continue
		}
		if r.EffectiveTo != nil && today.After(*r.EffectiveTo) {
			continue
		}
		active = append(active, r)
	}
	return active
}

// Evaluate runs every phase in order against context. It is a thin
// convenience wrapper over EvaluatePhased for callers that don't need to
// inspect phases separately.
func Evaluate(rulesIn []Rule, context map[string]any) Result {
	return EvaluatePhased(rulesIn, context)
}

// EvaluatePhased runs validate -> enrich -> decide in order. Each phase's
// rules are sorted by ascending priority, ties broken by source order. A
// reject terminates evaluation immediately. A route_for_approval records
// the highest-priority approver role and wins unless a later rule rejects.
// An enrich rule merges enrich_fields into the running context for
// subsequent rules. An approve records intent to approve; absent any
// reject or route, the final decision is approve.
func EvaluatePhased(rulesIn []Rule, context map[string]any) Result {
	runningContext := cloneContext(context)

	var (
		traces        []Trace
		routeApprover string
		routed        bool
	)

	for _, phase := range []Phase{PhaseValidate, PhaseEnrich, PhaseDecide} {
		ordered := rulesForPhase(rulesIn, phase)

		for _, r := range ordered {
			start := time.Now()
			matched, applicable := evaluateConditions(r.Conditions, runningContext)
			elapsed := time.Since(start).Milliseconds()

			if !applicable {
				traces = append(traces, Trace{RuleID: r.ID, RuleName: r.Name, Phase: r.Phase, Result: TraceNotApplicable, ElapsedMS: elapsed})
				continue
			}
			if !matched {
				traces = append(traces, Trace{RuleID: r.ID, RuleName: r.Name, Phase: r.Phase, Result: TraceConditionFalse, ElapsedMS: elapsed})
				continue
			}

			traces = append(traces, Trace{RuleID: r.ID, RuleName: r.Name, Phase: r.Phase, Result: TraceFired, ElapsedMS: elapsed})

			switch r.Action {
			case ActionReject:
				return Result{
					Decision:         DecisionReject,
					Traces:           traces,
					RejectionMessage: r.RejectionMessage,
					EnrichedContext:  runningContext,
				}
			case ActionRouteForApproval:
				if !routed {
					routeApprover = r.ApproverRole
					routed = true
				}
			case ActionEnrich:
				for k, v := range r.EnrichFields {
					runningContext[k] = v
				}
			case ActionApprove:
				// Recorded implicitly: absent a later reject, approve wins
				// unless a route_for_approval already fired.
			}
		}
	}

	if routed {
		return Result{
			Decision:              DecisionRouteForApproval,
			Traces:                traces,
			RequiredApproverRole:  routeApprover,
			EnrichedContext:       runningContext,
		}
	}

	return Result{
		Decision:        DecisionApprove,
		Traces:          traces,
		EnrichedContext: runningContext,
	}
}

func rulesForPhase(rulesIn []Rule, phase Phase) []Rule {
	var matched []Rule
	for i, r := range rulesIn {
		if r.Phase == phase {
			r.sourceOrder = i
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		return matched[i].sourceOrder < matched[j].sourceOrder
	})
	return matched
}

func evaluateConditions(conditions []Condition, context map[string]any) (matched bool, applicable bool) {
	if len(conditions) == 0 {
		return true, true
	}
	for _, c := range conditions {
		ok, err := evaluateCondition(c, context)
		if err != nil {
			return false, false
		}
		if !ok {
			return false, true
		}
	}
	return true, true
}

func evaluateCondition(c Condition, context map[string]any) (bool, error) {
	value, err := fieldValue(c.Field, context)
	exists := err == nil

	switch c.Operator {
	case OpExists:
		return exists, nil
	case OpNotEmpty:
		if !exists {
			return false, nil
		}
		return !isEmpty(value), nil
	}

	if !exists {
		return false, nil
	}

	switch c.Operator {
	case OpEq:
		return compareEqual(value, c.Value), nil
	case OpNeq:
		return !compareEqual(value, c.Value), nil
	case OpIn:
		return memberOf(value, c.Value), nil
	case OpNotIn:
		return !memberOf(value, c.Value), nil
	case OpGt, OpLt, OpGte, OpLte:
		return compareOrdered(c.Operator, value, c.Value)
	case OpMatches:
		pattern, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("matches operator requires a string pattern")
		}
		str, ok := value.(string)
		if !ok {
			return false, nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(str), nil
	default:
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

// fieldValue resolves a dot-path field (e.g. "vendor.attributes.sku")
// against the evaluation context using JSONPath.
func fieldValue(field string, context map[string]any) (any, error) {
	return jsonpath.Get("$."+field, context)
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

func compareEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func memberOf(value, list any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if compareEqual(value, item) {
			return true
		}
	}
	return false
}

func compareOrdered(op Operator, a, b any) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false, fmt.Errorf("operator %q requires numeric operands", op)
	}
	switch op {
	case OpGt:
		return af > bf, nil
	case OpLt:
		return af < bf, nil
	case OpGte:
		return af >= bf, nil
	case OpLte:
		return af <= bf, nil
	}
	return false, fmt.Errorf("unhandled ordered operator %q", op)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

// ToDomainTraces converts evaluation traces into the audit shape persisted
// on the resulting event's rules_evaluated column.
func ToDomainTraces(traces []Trace) []domainmodel.RuleTrace {
	out := make([]domainmodel.RuleTrace, 0, len(traces))
	for _, t := range traces {
		result := domainmodel.RuleResultSkipped
		switch t.Result {
		case TraceFired:
			result = domainmodel.RuleResultPass
		case TraceConditionFalse:
			result = domainmodel.RuleResultFail
		}
		out = append(out, domainmodel.RuleTrace{
			RuleID:       t.RuleID,
			RuleName:     t.RuleName,
			Phase:        string(t.Phase),
			Result:       result,
			EvaluationMS: t.ElapsedMS,
		})
	}
	return out
}

func cloneContext(context map[string]any) map[string]any {
	clone := make(map[string]any, len(context))
	for k, v := range context {
		clone[k] = v
	}
	return clone
}
