// Package apply folds state patches into a canonical state.
//
// The applier is deterministic and pure: it deep-copies the input state,
// applies each effect in order, and stamps bookkeeping from the clock it
// is given. It never re-checks referential integrity; whoever persists the
// result owns that.
package apply

import (
	"time"

	"github.com/louisbranch/storycanon/internal/canon"
	"github.com/louisbranch/storycanon/internal/canon/event"
)

// Patch folds one patch into state and returns the updated copy. The
// event id and turn are recorded in meta; now stamps meta.updated_at.
// Missing entities are tolerated: characters are never auto-created, and
// items, locations, and factions are created only when the update carries
// a name. Referenced-but-undefined locations are materialised afterwards.
func Patch(state canon.State, patch canon.Patch, eventID string, turn int, now time.Time) canon.State {
	next := state.Clone()

	for entityID, update := range patch.EntityUpdates {
		applyEntityUpdate(&next, entityID, update)
	}
	applyPlayerUpdates(&next, patch.PlayerUpdates)
	if patch.TimeUpdate != nil {
		if patch.TimeUpdate.Calendar != "" {
			next.Time.Calendar = patch.TimeUpdate.Calendar
		}
		if patch.TimeUpdate.Anchor != nil {
			next.Time.Anchor = *patch.TimeUpdate.Anchor
		}
	}
	for _, update := range patch.QuestUpdates {
		applyQuestUpdate(&next, update)
	}
	for _, constraint := range patch.ConstraintAdditions {
		next.Constraints.Constraints = append(next.Constraints.Constraints, constraint)
		if constraint.Type == canon.ConstraintUniqueItem && constraint.EntityID != "" {
			if !contains(next.Constraints.UniqueItemIDs, constraint.EntityID) {
				next.Constraints.UniqueItemIDs = append(next.Constraints.UniqueItemIDs, constraint.EntityID)
			}
		}
	}

	next.Meta.Turn = turn
	next.Meta.LastEventID = eventID
	next.Meta.UpdatedAt = now.UTC()

	next.EnsureLocations()
	return next
}

// Events folds an ordered event sequence into state. The resulting turn is
// the maximum of the state's turn and every event's turn, and
// meta.last_event_id is the final event's id. Applying an empty sequence
// returns the state unchanged.
func Events(state canon.State, events []event.Event, now time.Time) canon.State {
	if len(events) == 0 {
		return state
	}

	current := state
	maxTurn := state.Meta.Turn
	lastEventID := state.Meta.LastEventID

	for _, evt := range events {
		if evt.Turn > maxTurn {
			maxTurn = evt.Turn
		}
		lastEventID = evt.EventID
		current = Patch(current, evt.StatePatch, evt.EventID, evt.Turn, now)
	}

	current.Meta.Turn = maxTurn
	current.Meta.LastEventID = lastEventID
	current.Meta.UpdatedAt = now.UTC()
	current.EnsureLocations()
	return current
}

func applyEntityUpdate(state *canon.State, entityID string, update canon.EntityUpdate) {
	switch update.EntityType {
	case canon.EntityCharacter:
		char, ok := state.Entities.Characters[entityID]
		if !ok {
			// Characters are never created from a bare update.
			return
		}
		for field, value := range update.Updates {
			switch field {
			case "name":
				if s, ok := value.(string); ok {
					char.Name = s
				}
			case "location_id":
				if s, ok := value.(string); ok {
					char.LocationID = s
				}
			case "alive":
				if b, ok := value.(bool); ok {
					char.Alive = b
				}
			case "faction_id":
				char.FactionID = asOptionalString(value)
			case "metadata":
				char.Metadata = mergeMetadata(char.Metadata, value)
			}
		}
		state.Entities.Characters[entityID] = char

	case canon.EntityItem:
		item, ok := state.Entities.Items[entityID]
		if !ok {
			name, hasName := update.Updates["name"].(string)
			if !hasName {
				return
			}
			item = canon.Item{
				ID:         entityID,
				Name:       name,
				OwnerID:    asOptionalString(update.Updates["owner_id"]),
				LocationID: asOptionalString(update.Updates["location_id"]),
				Metadata:   mergeMetadata(nil, update.Updates["metadata"]),
			}
			if unique, ok := update.Updates["unique"].(bool); ok {
				item.Unique = unique
			}
			state.Entities.Items[entityID] = item
			return
		}
		for field, value := range update.Updates {
			switch field {
			case "name":
				if s, ok := value.(string); ok {
					item.Name = s
				}
			case "owner_id":
				item.OwnerID = asOptionalString(value)
			case "location_id":
				item.LocationID = asOptionalString(value)
			case "unique":
				if b, ok := value.(bool); ok {
					item.Unique = b
				}
			case "metadata":
				item.Metadata = mergeMetadata(item.Metadata, value)
			}
		}
		state.Entities.Items[entityID] = item

	case canon.EntityLocation:
		loc, ok := state.Entities.Locations[entityID]
		if !ok {
			name, hasName := update.Updates["name"].(string)
			if !hasName {
				return
			}
			state.Entities.Locations[entityID] = canon.Location{
				ID:               entityID,
				Name:             name,
				ParentLocationID: asOptionalString(update.Updates["parent_location_id"]),
				Metadata:         mergeMetadata(nil, update.Updates["metadata"]),
			}
			return
		}
		for field, value := range update.Updates {
			switch field {
			case "name":
				if s, ok := value.(string); ok {
					loc.Name = s
				}
			case "parent_location_id":
				loc.ParentLocationID = asOptionalString(value)
			case "metadata":
				loc.Metadata = mergeMetadata(loc.Metadata, value)
			}
		}
		state.Entities.Locations[entityID] = loc

	case canon.EntityFaction:
		faction, ok := state.Entities.Factions[entityID]
		if !ok {
			name, hasName := update.Updates["name"].(string)
			if !hasName {
				return
			}
			state.Entities.Factions[entityID] = canon.Faction{
				ID:       entityID,
				Name:     name,
				LeaderID: asOptionalString(update.Updates["leader_id"]),
				Members:  asStringSlice(update.Updates["members"]),
				Metadata: mergeMetadata(nil, update.Updates["metadata"]),
			}
			return
		}
		for field, value := range update.Updates {
			switch field {
			case "name":
				if s, ok := value.(string); ok {
					faction.Name = s
				}
			case "leader_id":
				faction.LeaderID = asOptionalString(value)
			case "members":
				faction.Members = asStringSlice(value)
			case "metadata":
				faction.Metadata = mergeMetadata(faction.Metadata, value)
			}
		}
		state.Entities.Factions[entityID] = faction
	}
}

func applyPlayerUpdates(state *canon.State, updates map[string]any) {
	for key, value := range updates {
		switch key {
		case canon.PlayerInventoryAdd:
			for _, itemID := range asStringSlice(value) {
				if !contains(state.Player.Inventory, itemID) {
					state.Player.Inventory = append(state.Player.Inventory, itemID)
				}
			}
		case canon.PlayerInventoryRemove:
			state.Player.Inventory = removeAll(state.Player.Inventory, asStringSlice(value))
		case canon.PlayerPartyAdd:
			for _, charID := range asStringSlice(value) {
				if !contains(state.Player.Party, charID) {
					state.Player.Party = append(state.Player.Party, charID)
				}
			}
		case canon.PlayerPartyRemove:
			state.Player.Party = removeAll(state.Player.Party, asStringSlice(value))
		case canon.PlayerLocationID:
			if s, ok := value.(string); ok {
				state.Player.LocationID = s
			}
		case "id":
			if s, ok := value.(string); ok {
				state.Player.ID = s
			}
		case "name":
			if s, ok := value.(string); ok {
				state.Player.Name = s
			}
		}
	}
}

func applyQuestUpdate(state *canon.State, update canon.QuestUpdate) {
	found := false
	for i, quest := range state.Quest.Active {
		if quest.ID == update.QuestID {
			state.Quest.Active[i].Status = update.Status
			state.Quest.Active[i].Metadata = mergeMetadata(quest.Metadata, update.Metadata)
			found = true
			break
		}
	}
	if !found {
		for i, quest := range state.Quest.Completed {
			if quest.ID == update.QuestID {
				state.Quest.Completed[i].Status = update.Status
				state.Quest.Completed[i].Metadata = mergeMetadata(quest.Metadata, update.Metadata)
				found = true
				break
			}
		}
	}
	if !found {
		title := update.QuestID
		if t, ok := update.Metadata["title"].(string); ok && t != "" {
			title = t
		}
		quest := canon.Quest{
			ID:       update.QuestID,
			Title:    title,
			Status:   update.Status,
			Metadata: mergeMetadata(nil, update.Metadata),
		}
		if update.Status == canon.QuestCompleted || update.Status == canon.QuestFailed {
			state.Quest.Completed = append(state.Quest.Completed, quest)
		} else {
			state.Quest.Active = append(state.Quest.Active, quest)
		}
	}

	// A quest that just completed or failed must leave the active list;
	// an id never appears in both lists.
	if update.Status == canon.QuestCompleted || update.Status == canon.QuestFailed {
		var moved *canon.Quest
		active := state.Quest.Active[:0]
		for _, quest := range state.Quest.Active {
			if quest.ID == update.QuestID {
				q := quest
				moved = &q
				continue
			}
			active = append(active, quest)
		}
		state.Quest.Active = active

		inCompleted := false
		for _, quest := range state.Quest.Completed {
			if quest.ID == update.QuestID {
				inCompleted = true
				break
			}
		}
		if !inCompleted && moved != nil {
			moved.Status = update.Status
			state.Quest.Completed = append(state.Quest.Completed, *moved)
		}
	}
}

// mergeMetadata shallow-merges an update value into existing metadata.
// Non-map update values are ignored.
func mergeMetadata(existing map[string]any, value any) map[string]any {
	update, ok := value.(map[string]any)
	if !ok {
		return existing
	}
	merged := make(map[string]any, len(existing)+len(update))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range update {
		merged[k] = v
	}
	return merged
}

// asOptionalString maps nil (an explicit JSON null) to the empty string.
func asOptionalString(value any) string {
	s, _ := value.(string)
	return s
}

// asStringSlice accepts both []string and decoded-JSON []any values.
func asStringSlice(value any) []string {
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func removeAll(values, remove []string) []string {
	if len(remove) == 0 {
		return values
	}
	drop := make(map[string]struct{}, len(remove))
	for _, v := range remove {
		drop[v] = struct{}{}
	}
	out := values[:0]
	for _, v := range values {
		if _, ok := drop[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}
