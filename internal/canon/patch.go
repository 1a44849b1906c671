package canon

// Entity types usable in an EntityUpdate.
const (
	EntityCharacter = "character"
	EntityItem      = "item"
	EntityLocation  = "location"
	EntityFaction   = "faction"
)

// EntityUpdate assigns new field values to one entity. Updates maps field
// name to the replacement value; metadata is the only field that is
// shallow-merged instead of replaced.
type EntityUpdate struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Updates    map[string]any `json:"updates"`
}

// TimeUpdate overwrites parts of the story's time state.
type TimeUpdate struct {
	Calendar string      `json:"calendar,omitempty"`
	Anchor   *TimeAnchor `json:"anchor,omitempty"`
}

// QuestUpdate sets a quest's status, creating the quest when it is unknown.
type QuestUpdate struct {
	QuestID  string         `json:"quest_id"`
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Recognised player-update keys. Any other key is assigned directly to the
// matching player field.
const (
	PlayerLocationID      = "location_id"
	PlayerInventoryAdd    = "inventory_add"
	PlayerInventoryRemove = "inventory_remove"
	PlayerPartyAdd        = "party_add"
	PlayerPartyRemove     = "party_remove"
)

// Patch is the declarative diff an event asserts against the state.
type Patch struct {
	EntityUpdates       map[string]EntityUpdate `json:"entity_updates,omitempty"`
	TimeUpdate          *TimeUpdate             `json:"time_update,omitempty"`
	QuestUpdates        []QuestUpdate           `json:"quest_updates,omitempty"`
	ConstraintAdditions []Constraint            `json:"constraint_additions,omitempty"`
	PlayerUpdates       map[string]any          `json:"player_updates,omitempty"`
}

// IsEmpty reports whether the patch carries no effect at all. An event
// whose patch is empty is untraceable and is rejected at construction.
func (p Patch) IsEmpty() bool {
	return len(p.EntityUpdates) == 0 &&
		p.TimeUpdate == nil &&
		len(p.QuestUpdates) == 0 &&
		len(p.ConstraintAdditions) == 0 &&
		len(p.PlayerUpdates) == 0
}
