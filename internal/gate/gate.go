// Package gate validates candidate event batches and generated drafts
// against a story's canonical state.
//
// The gate runs ten rules over the pair (current state, projected state)
// and classifies the batch into one of four actions. Rules are total:
// a rule that cannot resolve an entity it references skips it instead of
// failing, so the gate itself never becomes a source of rewrite loops.
package gate

import (
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/storycanon/internal/canon"
	"github.com/louisbranch/storycanon/internal/canon/apply"
	"github.com/louisbranch/storycanon/internal/canon/event"
)

// Action is the gate's verdict on a batch or draft.
type Action string

const (
	// ActionPass accepts the batch unchanged.
	ActionPass Action = "PASS"
	// ActionAutoFix accepts the batch plus a synthesised repair patch.
	ActionAutoFix Action = "AUTO_FIX"
	// ActionRewrite rejects the batch; reasons double as rewrite instructions.
	ActionRewrite Action = "REWRITE"
	// ActionAskUser rejects the batch pending user clarification.
	ActionAskUser Action = "ASK_USER"
)

// Severity grades a violation.
type Severity string

const (
	// SeverityError blocks the batch.
	SeverityError Severity = "error"
	// SeverityWarning flags the batch but may be auto-fixable.
	SeverityWarning Severity = "warning"
)

// RuleViolation is one rule's diagnostic against a batch or draft.
type RuleViolation struct {
	RuleID   string   `json:"rule_id"`
	RuleName string   `json:"rule_name"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	EntityID string   `json:"entity_id,omitempty"`
	Fixable  bool     `json:"fixable"`
}

// Result is the gate's full verdict. Fixes is set only for AUTO_FIX and
// Questions only for ASK_USER.
type Result struct {
	Action     Action          `json:"action"`
	Reasons    []string        `json:"reasons"`
	Violations []RuleViolation `json:"violations"`
	Fixes      *canon.Patch    `json:"fixes,omitempty"`
	Questions  []string        `json:"questions,omitempty"`
}

// ruleFunc evaluates one rule over the current state, the projected state,
// and the pending batch.
type ruleFunc func(current, temp canon.State, pending []event.Event) []RuleViolation

// batchRules run on the event-batch path, in report order. Draft fidelity
// has its own entrypoint and is not part of this list.
var batchRules = []ruleFunc{
	checkUniqueItemOwnership,
	checkItemLocationCoherence,
	checkDeadCharacterAction,
	checkExplicitStateChange,
	checkTravelEventRequired,
	checkSingleLocationPerCharacter,
	checkMonotonicTimeline,
	checkImmutableConstraints,
	checkTraceableRelationshipChange,
}

// ValidateEvents projects the pending batch onto the current state and
// runs every batch rule against the projection.
func ValidateEvents(current canon.State, pending []event.Event) Result {
	temp := apply.Events(current, pending, time.Now())

	var violations []RuleViolation
	for _, rule := range batchRules {
		violations = append(violations, rule(current, temp, pending)...)
	}
	return decide(violations, temp)
}

// AlternateHistory reports whether the story has entered alternate-history
// mode, marked by an entity_state constraint whose description contains
// the "架空" marker. The gate still emits raw violations in this mode;
// callers decide whether to demote them.
func AlternateHistory(state canon.State) bool {
	for _, c := range state.Constraints.Constraints {
		if c.Type == canon.ConstraintEntityState && strings.Contains(c.Description, "架空") {
			return true
		}
	}
	return false
}

// decide maps a violation list to the four-way action per the escalation
// ladder: errors force REWRITE, or ASK_USER when a message mentions
// multi-ownership or a dead character; all-fixable warnings become
// AUTO_FIX with a synthesised repair patch.
func decide(violations []RuleViolation, projected canon.State) Result {
	if len(violations) == 0 {
		return Result{Action: ActionPass, Reasons: []string{}, Violations: []RuleViolation{}}
	}

	reasons := make([]string, 0, len(violations))
	for _, v := range violations {
		reasons = append(reasons, fmt.Sprintf("%s: %s", v.RuleID, v.Message))
	}

	var errors []RuleViolation
	warnings, fixable := 0, 0
	for _, v := range violations {
		switch v.Severity {
		case SeverityError:
			errors = append(errors, v)
		case SeverityWarning:
			warnings++
		}
		if v.Fixable {
			fixable++
		}
	}

	if len(errors) > 0 {
		needsClarification := false
		for _, v := range errors {
			if strings.Contains(v.Message, "多重归属") || strings.Contains(v.Message, "死亡角色") {
				needsClarification = true
				break
			}
		}
		if needsClarification {
			questions := make([]string, 0, len(errors))
			for _, v := range errors {
				questions = append(questions, fmt.Sprintf("规则 %s 违反: %s。请确认如何处理？", v.RuleID, v.Message))
			}
			return Result{Action: ActionAskUser, Reasons: reasons, Violations: violations, Questions: questions}
		}
		return Result{Action: ActionRewrite, Reasons: reasons, Violations: violations}
	}

	if warnings > 0 && fixable == warnings {
		fixes := buildFixes(violations, projected)
		return Result{Action: ActionAutoFix, Reasons: reasons, Violations: violations, Fixes: fixes}
	}

	return Result{Action: ActionRewrite, Reasons: reasons, Violations: violations}
}

// buildFixes synthesises the repair patch for fixable violations. Today
// only item-position warnings are repairable: the item's location_id is
// rewritten to follow its owner.
func buildFixes(violations []RuleViolation, state canon.State) *canon.Patch {
	updates := map[string]canon.EntityUpdate{}

	for _, v := range violations {
		if !v.Fixable || v.EntityID == "" || v.RuleID != ruleIDItemLocation {
			continue
		}
		item, ok := state.Entities.Items[v.EntityID]
		if !ok || item.OwnerID == "" {
			continue
		}
		var correct string
		if owner, ok := state.Entities.Characters[item.OwnerID]; ok {
			correct = owner.LocationID
		} else if _, ok := state.Entities.Locations[item.OwnerID]; ok {
			correct = item.OwnerID
		} else {
			continue
		}
		update, ok := updates[v.EntityID]
		if !ok {
			update = canon.EntityUpdate{
				EntityType: canon.EntityItem,
				EntityID:   v.EntityID,
				Updates:    map[string]any{},
			}
		}
		update.Updates["location_id"] = correct
		updates[v.EntityID] = update
	}

	if len(updates) == 0 {
		return nil
	}
	return &canon.Patch{EntityUpdates: updates}
}
