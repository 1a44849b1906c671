package gate

import (
	"fmt"
	"sort"

	"github.com/louisbranch/storycanon/internal/canon"
	"github.com/louisbranch/storycanon/internal/canon/event"
)

// Rule ids, stable across releases; clients key rewrite prompts off them.
const (
	ruleIDUniqueItem      = "R1"
	ruleIDItemLocation    = "R2"
	ruleIDDeadCharacter   = "R3"
	ruleIDExplicitChange  = "R4"
	ruleIDTravelRequired  = "R5"
	ruleIDSingleLocation  = "R6"
	ruleIDMonotonicTime   = "R7"
	ruleIDImmutable       = "R8"
	ruleIDTraceableChange = "R9"
	ruleIDDraftFidelity   = "R10"
)

// Rule names, surfaced verbatim in violations.
const (
	ruleNameUniqueItem      = "唯一物品不能多重归属"
	ruleNameItemLocation    = "物品位置与归属一致"
	ruleNameDeadCharacter   = "死亡角色不能行动/说话"
	ruleNameExplicitChange  = "生死/状态变更必须显式事件"
	ruleNameTravelRequired  = "位置变化必须由 move 事件解释（防瞬移）"
	ruleNameSingleLocation  = "同一角色同一时刻不能在多个地点"
	ruleNameMonotonicTime   = "时间戳单调递增（回忆不推进time）"
	ruleNameImmutable       = "immutable timeline constraints 不可违背"
	ruleNameTraceableChange = "阵营/关系变更需可追溯事件"
	ruleNameDraftFidelity   = "草稿硬事实必须忠实于 canonical state"
)

// checkUniqueItemOwnership flags a batch that assigns one unique item to
// more than one distinct owner.
func checkUniqueItemOwnership(current, temp canon.State, pending []event.Event) []RuleViolation {
	uniqueIDs := map[string]struct{}{}
	for _, id := range current.Constraints.UniqueItemIDs {
		uniqueIDs[id] = struct{}{}
	}

	newOwners := map[string][]string{}
	for _, evt := range pending {
		for _, update := range evt.StatePatch.EntityUpdates {
			if update.EntityType != canon.EntityItem {
				continue
			}
			if _, unique := uniqueIDs[update.EntityID]; !unique {
				continue
			}
			if owner, ok := update.Updates["owner_id"].(string); ok && owner != "" {
				newOwners[update.EntityID] = append(newOwners[update.EntityID], owner)
			}
		}
	}

	var violations []RuleViolation
	for _, itemID := range sortedKeys(newOwners) {
		distinct := map[string]struct{}{}
		for _, owner := range newOwners[itemID] {
			distinct[owner] = struct{}{}
		}
		if len(distinct) <= 1 {
			continue
		}
		name := itemID
		if item, ok := current.Entities.Items[itemID]; ok {
			name = item.Name
		}
		owners := make([]string, 0, len(distinct))
		for owner := range distinct {
			owners = append(owners, owner)
		}
		sort.Strings(owners)
		violations = append(violations, RuleViolation{
			RuleID:   ruleIDUniqueItem,
			RuleName: ruleNameUniqueItem,
			Severity: SeverityError,
			Message:  fmt.Sprintf("唯一物品 '%s' (%s) 在多个事件中被分配给不同的拥有者: %v", name, itemID, owners),
			EntityID: itemID,
		})
	}
	return violations
}

// checkItemLocationCoherence verifies every owned item in the projected
// state sits where its owner is. Violations are warnings and carry a fix.
func checkItemLocationCoherence(current, temp canon.State, pending []event.Event) []RuleViolation {
	var violations []RuleViolation
	for _, itemID := range sortedKeys(temp.Entities.Items) {
		item := temp.Entities.Items[itemID]
		if item.OwnerID == "" {
			continue
		}
		var expected string
		if owner, ok := temp.Entities.Characters[item.OwnerID]; ok {
			expected = owner.LocationID
		} else if _, ok := temp.Entities.Locations[item.OwnerID]; ok {
			expected = item.OwnerID
		}
		if expected == "" || item.LocationID == expected {
			continue
		}
		violations = append(violations, RuleViolation{
			RuleID:   ruleIDItemLocation,
			RuleName: ruleNameItemLocation,
			Severity: SeverityWarning,
			Message: fmt.Sprintf("物品 '%s' (%s) 的 location_id (%s) 与 owner (%s) 的位置 (%s) 不一致",
				item.Name, itemID, item.LocationID, item.OwnerID, expected),
			EntityID: itemID,
			Fixable:  true,
		})
	}
	return violations
}

// checkDeadCharacterAction flags dead characters acting in events, and
// resurrections that arrive without a REVIVAL event.
func checkDeadCharacterAction(current, temp canon.State, pending []event.Event) []RuleViolation {
	dead := map[string]string{}
	for id, char := range current.Entities.Characters {
		if !char.Alive {
			dead[id] = char.Name
		}
	}

	var violations []RuleViolation
	for _, evt := range pending {
		if evt.Type != event.TypeDeath && evt.Type != event.TypeRevival {
			for _, actorID := range evt.Who.Actors {
				name, isDead := dead[actorID]
				if !isDead {
					continue
				}
				violations = append(violations, RuleViolation{
					RuleID:   ruleIDDeadCharacter,
					RuleName: ruleNameDeadCharacter,
					Severity: SeverityError,
					Message:  fmt.Sprintf("死亡角色 '%s' (%s) 在事件 '%s' 中作为行动者", name, actorID, evt.Summary),
					EntityID: actorID,
				})
			}
		}

		if evt.Type == event.TypeRevival {
			continue
		}
		for _, update := range evt.StatePatch.EntityUpdates {
			if update.EntityType != canon.EntityCharacter {
				continue
			}
			name, isDead := dead[update.EntityID]
			if !isDead {
				continue
			}
			if alive, ok := update.Updates["alive"].(bool); ok && alive {
				violations = append(violations, RuleViolation{
					RuleID:   ruleIDDeadCharacter,
					RuleName: ruleNameDeadCharacter,
					Severity: SeverityError,
					Message:  fmt.Sprintf("死亡角色 '%s' (%s) 被更新为 alive=true，但事件类型不是 REVIVAL", name, update.EntityID),
					EntityID: update.EntityID,
				})
			}
		}
	}
	return violations
}

// checkExplicitStateChange requires a matching event type for life and
// faction transitions.
func checkExplicitStateChange(current, temp canon.State, pending []event.Event) []RuleViolation {
	var violations []RuleViolation
	for _, evt := range pending {
		for _, update := range evt.StatePatch.EntityUpdates {
			if update.EntityType != canon.EntityCharacter {
				continue
			}
			char, ok := current.Entities.Characters[update.EntityID]
			if !ok {
				continue
			}

			if alive, present := update.Updates["alive"].(bool); present && char.Alive != alive {
				if !alive && evt.Type != event.TypeDeath {
					violations = append(violations, RuleViolation{
						RuleID:   ruleIDExplicitChange,
						RuleName: ruleNameExplicitChange,
						Severity: SeverityError,
						Message:  fmt.Sprintf("角色 '%s' (%s) 的 alive 状态从 true 变为 false，但事件类型不是 DEATH", char.Name, update.EntityID),
						EntityID: update.EntityID,
					})
				} else if alive && evt.Type != event.TypeRevival {
					violations = append(violations, RuleViolation{
						RuleID:   ruleIDExplicitChange,
						RuleName: ruleNameExplicitChange,
						Severity: SeverityError,
						Message:  fmt.Sprintf("角色 '%s' (%s) 的 alive 状态从 false 变为 true，但事件类型不是 REVIVAL", char.Name, update.EntityID),
						EntityID: update.EntityID,
					})
				}
			}

			if faction, present := update.Updates["faction_id"]; present {
				newFaction, _ := faction.(string)
				if char.FactionID != newFaction && evt.Type != event.TypeFactionChange {
					violations = append(violations, RuleViolation{
						RuleID:   ruleIDExplicitChange,
						RuleName: ruleNameExplicitChange,
						Severity: SeverityError,
						Message: fmt.Sprintf("角色 '%s' (%s) 的 faction_id 从 '%s' 变为 '%s'，但事件类型不是 FACTION_CHANGE",
							char.Name, update.EntityID, char.FactionID, newFaction),
						EntityID: update.EntityID,
					})
				}
			}
		}
	}
	return violations
}

// checkTravelEventRequired rejects teleports: character location changes
// outside TRAVEL events, or TRAVEL payloads naming the wrong character.
func checkTravelEventRequired(current, temp canon.State, pending []event.Event) []RuleViolation {
	var violations []RuleViolation
	for _, evt := range pending {
		for _, update := range evt.StatePatch.EntityUpdates {
			if update.EntityType != canon.EntityCharacter {
				continue
			}
			newLocation, present := update.Updates["location_id"].(string)
			if !present {
				continue
			}
			char, ok := current.Entities.Characters[update.EntityID]
			if !ok || char.LocationID == newLocation {
				continue
			}

			if evt.Type != event.TypeTravel {
				violations = append(violations, RuleViolation{
					RuleID:   ruleIDTravelRequired,
					RuleName: ruleNameTravelRequired,
					Severity: SeverityError,
					Message: fmt.Sprintf("角色 '%s' (%s) 的位置从 '%s' 变为 '%s'，但事件类型不是 TRAVEL",
						char.Name, update.EntityID, char.LocationID, newLocation),
					EntityID: update.EntityID,
				})
				continue
			}
			if payloadChar, ok := evt.Payload["character_id"]; ok {
				if s, _ := payloadChar.(string); s != update.EntityID {
					violations = append(violations, RuleViolation{
						RuleID:   ruleIDTravelRequired,
						RuleName: ruleNameTravelRequired,
						Severity: SeverityError,
						Message:  fmt.Sprintf("TRAVEL 事件的 character_id (%v) 与更新的角色 (%s) 不匹配", payloadChar, update.EntityID),
						EntityID: update.EntityID,
					})
				}
			}
		}
	}
	return violations
}

// checkSingleLocationPerCharacter groups the batch by time order and
// rejects any character asserted to be in two places within one group.
func checkSingleLocationPerCharacter(current, temp canon.State, pending []event.Event) []RuleViolation {
	groups := map[int][]event.Event{}
	for _, evt := range pending {
		groups[evt.Time.Order] = append(groups[evt.Time.Order], evt)
	}
	orders := make([]int, 0, len(groups))
	for order := range groups {
		orders = append(orders, order)
	}
	sort.Ints(orders)

	var violations []RuleViolation
	for _, order := range orders {
		locations := map[string]map[string]struct{}{}
		assert := func(charID, locID string) {
			if locations[charID] == nil {
				locations[charID] = map[string]struct{}{}
			}
			locations[charID][locID] = struct{}{}
		}

		for _, evt := range groups[order] {
			for _, update := range evt.StatePatch.EntityUpdates {
				if update.EntityType != canon.EntityCharacter {
					continue
				}
				if loc, ok := update.Updates["location_id"].(string); ok {
					assert(update.EntityID, loc)
				}
			}
		}
		for _, evt := range groups[order] {
			if evt.Type == event.TypeTravel {
				continue
			}
			for _, actorID := range evt.Who.Actors {
				if _, explicit := locations[actorID]; explicit {
					continue
				}
				if evt.Where.LocationID != "" {
					assert(actorID, evt.Where.LocationID)
				}
			}
		}

		for _, charID := range sortedKeys(locations) {
			if len(locations[charID]) <= 1 {
				continue
			}
			name := charID
			if char, ok := current.Entities.Characters[charID]; ok {
				name = char.Name
			}
			locs := make([]string, 0, len(locations[charID]))
			for loc := range locations[charID] {
				locs = append(locs, loc)
			}
			sort.Strings(locs)
			violations = append(violations, RuleViolation{
				RuleID:   ruleIDSingleLocation,
				RuleName: ruleNameSingleLocation,
				Severity: SeverityError,
				Message:  fmt.Sprintf("角色 '%s' (%s) 在时间点 %d 同时出现在多个地点: %v", name, charID, order, locs),
				EntityID: charID,
			})
		}
	}
	return violations
}

// checkMonotonicTimeline enforces that story time never rewinds: every
// event sits at or after the current anchor, same-turn events keep their
// input order, and the projected anchor never regresses.
func checkMonotonicTimeline(current, temp canon.State, pending []event.Event) []RuleViolation {
	var violations []RuleViolation

	if len(pending) > 0 {
		ordered := make([]event.Event, len(pending))
		copy(ordered, pending)
		sort.SliceStable(ordered, func(i, j int) bool {
			if ordered[i].Turn != ordered[j].Turn {
				return ordered[i].Turn < ordered[j].Turn
			}
			return ordered[i].Time.Order < ordered[j].Time.Order
		})

		threshold := current.Time.Anchor.Order
		for _, evt := range ordered {
			if evt.Time.Order < threshold {
				violations = append(violations, RuleViolation{
					RuleID:   ruleIDMonotonicTime,
					RuleName: ruleNameMonotonicTime,
					Severity: SeverityError,
					Message: fmt.Sprintf("事件 '%s' (event_id: %s) 的时间顺序值 (%d) 小于当前时间 (%d)",
						evt.Summary, evt.EventID, evt.Time.Order, threshold),
				})
			}
			if evt.Time.Order > threshold {
				threshold = evt.Time.Order
			}
		}

		for i := 0; i < len(pending)-1; i++ {
			for j := i + 1; j < len(pending); j++ {
				if pending[i].Turn != pending[j].Turn {
					continue
				}
				if pending[i].Time.Order > pending[j].Time.Order {
					violations = append(violations, RuleViolation{
						RuleID:   ruleIDMonotonicTime,
						RuleName: ruleNameMonotonicTime,
						Severity: SeverityError,
						Message: fmt.Sprintf("同一轮次 (%d) 中，事件 '%s' 的时间顺序值 (%d) 大于后续事件 '%s' 的时间顺序值 (%d)",
							pending[i].Turn, pending[i].Summary, pending[i].Time.Order,
							pending[j].Summary, pending[j].Time.Order),
					})
					break
				}
			}
		}
	}

	if temp.Time.Anchor.Order < current.Time.Anchor.Order {
		violations = append(violations, RuleViolation{
			RuleID:   ruleIDMonotonicTime,
			RuleName: ruleNameMonotonicTime,
			Severity: SeverityError,
			Message: fmt.Sprintf("临时状态的时间顺序值 (%d) 小于当前状态的时间顺序值 (%d)",
				temp.Time.Anchor.Order, current.Time.Anchor.Order),
		})
	}
	return violations
}

// checkImmutableConstraints re-evaluates the story's hard constraints on
// the projected state and rejects batches touching immutable events.
func checkImmutableConstraints(current, temp canon.State, pending []event.Event) []RuleViolation {
	var violations []RuleViolation

	immutable := map[string]struct{}{}
	for _, id := range current.Constraints.ImmutableEvents {
		immutable[id] = struct{}{}
	}
	for _, evt := range pending {
		if _, ok := immutable[evt.EventID]; ok {
			violations = append(violations, RuleViolation{
				RuleID:   ruleIDImmutable,
				RuleName: ruleNameImmutable,
				Severity: SeverityError,
				Message:  fmt.Sprintf("事件 '%s' 已被标记为不可变事件，不能修改或删除", evt.EventID),
			})
		}
	}

	for _, constraint := range current.Constraints.Constraints {
		if constraint.EntityID == "" {
			continue
		}
		switch constraint.Type {
		case canon.ConstraintEntityState:
			char, ok := temp.Entities.Characters[constraint.EntityID]
			if !ok {
				continue
			}
			if want, ok := constraint.Value["alive"].(bool); ok && char.Alive != want {
				violations = append(violations, RuleViolation{
					RuleID:   ruleIDImmutable,
					RuleName: ruleNameImmutable,
					Severity: SeverityError,
					Message:  fmt.Sprintf("硬约束违反：角色 '%s' (%s) 的状态违反约束 '%s'", char.Name, constraint.EntityID, constraint.Description),
					EntityID: constraint.EntityID,
				})
			}
		case canon.ConstraintRelationship:
			char, ok := temp.Entities.Characters[constraint.EntityID]
			if !ok {
				continue
			}
			if want, ok := constraint.Value["faction_id"].(string); ok && char.FactionID != want {
				violations = append(violations, RuleViolation{
					RuleID:   ruleIDImmutable,
					RuleName: ruleNameImmutable,
					Severity: SeverityError,
					Message:  fmt.Sprintf("硬约束违反：角色 '%s' (%s) 的阵营关系违反约束 '%s'", char.Name, constraint.EntityID, constraint.Description),
					EntityID: constraint.EntityID,
				})
			}
		case canon.ConstraintUniqueItem:
			item, ok := temp.Entities.Items[constraint.EntityID]
			if !ok {
				continue
			}
			if want, ok := constraint.Value["owner_id"].(string); ok && item.OwnerID != want {
				violations = append(violations, RuleViolation{
					RuleID:   ruleIDImmutable,
					RuleName: ruleNameImmutable,
					Severity: SeverityError,
					Message:  fmt.Sprintf("硬约束违反：物品 '%s' (%s) 的所有权违反约束 '%s'", item.Name, constraint.EntityID, constraint.Description),
					EntityID: constraint.EntityID,
				})
			}
		}
	}
	return violations
}

// checkTraceableRelationshipChange requires faction changes to arrive as
// well-formed FACTION_CHANGE events and relationship edits to arrive as
// RELATIONSHIP_CHANGE events.
func checkTraceableRelationshipChange(current, temp canon.State, pending []event.Event) []RuleViolation {
	var violations []RuleViolation
	for _, evt := range pending {
		for _, update := range evt.StatePatch.EntityUpdates {
			if update.EntityType != canon.EntityCharacter {
				continue
			}
			char, known := current.Entities.Characters[update.EntityID]
			name := update.EntityID
			if known {
				name = char.Name
			}

			if faction, present := update.Updates["faction_id"]; present && known {
				newFaction, _ := faction.(string)
				if char.FactionID != newFaction {
					if evt.Type != event.TypeFactionChange {
						violations = append(violations, RuleViolation{
							RuleID:   ruleIDTraceableChange,
							RuleName: ruleNameTraceableChange,
							Severity: SeverityError,
							Message: fmt.Sprintf("角色 '%s' (%s) 的阵营从 '%s' 变为 '%s'，但事件类型不是 FACTION_CHANGE",
								name, update.EntityID, char.FactionID, newFaction),
							EntityID: update.EntityID,
						})
					} else if _, ok := evt.Payload["character_id"]; !ok {
						violations = append(violations, RuleViolation{
							RuleID:   ruleIDTraceableChange,
							RuleName: ruleNameTraceableChange,
							Severity: SeverityError,
							Message:  "FACTION_CHANGE 事件缺少 character_id 字段，无法追溯",
							EntityID: update.EntityID,
						})
					}
				}
			}

			if metadata, ok := update.Updates["metadata"].(map[string]any); ok {
				if _, changed := metadata["relationship_changes"]; changed && evt.Type != event.TypeRelationshipChange {
					violations = append(violations, RuleViolation{
						RuleID:   ruleIDTraceableChange,
						RuleName: ruleNameTraceableChange,
						Severity: SeverityError,
						Message:  fmt.Sprintf("角色 '%s' (%s) 的关系发生变更，但事件类型不是 RELATIONSHIP_CHANGE", name, update.EntityID),
						EntityID: update.EntityID,
					})
				}
			}
		}
	}
	return violations
}

// sortedKeys returns the map's keys in ascending order so rule output is
// deterministic across runs.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
