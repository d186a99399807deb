// Package domainmodel holds the shared value types that flow between the
// event store, entity graph, rules engine, and intent pipeline. Keeping them
// in one place avoids import cycles between those packages.
package domainmodel

import "time"

// ActorType classifies who or what produced an intent or event.
type ActorType string

const (
	ActorHuman    ActorType = "human"
	ActorAgent    ActorType = "agent"
	ActorSystem   ActorType = "system"
	ActorExternal ActorType = "external"
	ActorImport   ActorType = "import"
)

// Actor identifies the originator of an intent and is carried onto every
// event it produces.
type Actor struct {
	Sub          string    `json:"sub"`
	Name         string    `json:"name,omitempty"`
	ActorType    ActorType `json:"actor_type"`
	LegalEntity  string    `json:"legal_entity,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
}

// HasCapability reports whether the actor carries the named capability, or
// the wildcard "*" (used for the development-mode actor when auth is
// disabled).
func (a Actor) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability || c == "*" {
			return true
		}
	}
	return false
}

// Scope narrows an event or entity to a tenant and legal entity.
type Scope struct {
	TenantID    string `json:"tenant_id,omitempty"`
	LegalEntity string `json:"legal_entity"`
}

// EntityRef points at an entity touched by an event, with the role it
// played in the intent that produced it (e.g. "subject", "related").
type EntityRef struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Role       string `json:"role,omitempty"`
}

// RuleResult is the outcome a single rule reached during evaluation.
type RuleResult string

const (
	RuleResultPass    RuleResult = "pass"
	RuleResultFail    RuleResult = "fail"
	RuleResultSkipped RuleResult = "skipped"
)

// RuleTrace records one rule's contribution to an intent's evaluation, kept
// on the resulting event for audit purposes.
type RuleTrace struct {
	RuleID       string     `json:"rule_id"`
	RuleName     string     `json:"rule_name"`
	Phase        string     `json:"phase"`
	Result       RuleResult `json:"result"`
	ActionsTaken []string   `json:"actions_taken,omitempty"`
	EvaluationMS int64      `json:"evaluation_ms"`
}

// Clock lets packages stamp timestamps while remaining testable.
type Clock func() time.Time

// SystemClock returns the current UTC time.
func SystemClock() time.Time { return time.Now().UTC() }
