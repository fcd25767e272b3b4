package models

import "strings"

// ProviderKind identifies an OAuth-connected booking provider.
type ProviderKind string

const (
	ProviderCalendly ProviderKind = "CALENDLY"
)

// ParseProviderKind resolves a provider name case-insensitively.
// The second return value is false for providers the engine does not know.
func ParseProviderKind(name string) (ProviderKind, bool) {
	switch ProviderKind(strings.ToUpper(strings.TrimSpace(name))) {
	case ProviderCalendly:
		return ProviderCalendly, true
	default:
		return ProviderKind(name), false
	}
}

// Slug is the lowercase form used in job names and URLs.
func (p ProviderKind) Slug() string {
	return strings.ToLower(string(p))
}

type ProviderPlan string

const (
	ProviderPlanFree ProviderPlan = "FREE"
	ProviderPlanPro  ProviderPlan = "PRO"
)

// ConditionKind is the tagged variant of a condition node's conditionType.
type ConditionKind string

const (
	ConditionBudgetQualification ConditionKind = "budget_qualification"
	ConditionReplyReceived       ConditionKind = "reply_received"
	ConditionBookingCompleted    ConditionKind = "booking_completed"
	ConditionUnknown             ConditionKind = "unknown"
)

// ParseConditionKind maps a raw conditionType onto a known variant, falling
// back to ConditionUnknown.
func ParseConditionKind(raw string) ConditionKind {
	switch kind := ConditionKind(raw); kind {
	case ConditionBudgetQualification, ConditionReplyReceived, ConditionBookingCompleted:
		return kind
	default:
		return ConditionUnknown
	}
}

// NodeType is the behaviour a workflow node triggers when executed.
type NodeType string

const (
	NodeTypeTriggerForm  NodeType = "trigger_form"
	NodeTypeSendEmail    NodeType = "send_email"
	NodeTypeSendFollowup NodeType = "send_followup"
	NodeTypeDelay        NodeType = "delay"
	NodeTypeCondition    NodeType = "condition"
	NodeTypeMarkFailed   NodeType = "mark_failed"
)

type NodeCategory string

const (
	NodeCategoryTrigger   NodeCategory = "trigger"
	NodeCategoryAction    NodeCategory = "action"
	NodeCategoryCondition NodeCategory = "condition"
	NodeCategoryDelay     NodeCategory = "delay"
)
