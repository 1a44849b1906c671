package canon

import "time"

// Meta carries bookkeeping for a story's canonical state.
type Meta struct {
	// StoryID identifies the story this state belongs to.
	StoryID string `json:"story_id"`
	// CanonVersion is the canon format version.
	CanonVersion string `json:"canon_version"`
	// Turn is the request-cycle counter, starting at 0.
	Turn int `json:"turn"`
	// LastEventID is the id of the most recently applied event.
	LastEventID string `json:"last_event_id,omitempty"`
	// UpdatedAt is when the state was last rewritten.
	UpdatedAt time.Time `json:"updated_at"`
}

// TimeAnchor orders narrative time. Order is distinct from Meta.Turn:
// the turn counts request cycles while Order counts story time.
type TimeAnchor struct {
	Label string `json:"label"`
	Order int    `json:"order"`
}

// TimeState is the story's current narrative time.
type TimeState struct {
	Calendar string     `json:"calendar"`
	Anchor   TimeAnchor `json:"anchor"`
}

// Player is the player-controlled protagonist.
//
// Party and Inventory preserve insertion order and never hold duplicates;
// membership changes go through the patch applier's closed player-update set.
type Player struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	LocationID string   `json:"location_id"`
	Party      []string `json:"party"`
	Inventory  []string `json:"inventory"`
}

// Character is a non-player person in the story world.
type Character struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	LocationID string         `json:"location_id"`
	Alive      bool           `json:"alive"`
	FactionID  string         `json:"faction_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Item is an object in the story world. OwnerID may name a character or a
// location; a unique item must always have an owner, and every item must
// have either an owner or a location.
type Item struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	OwnerID    string         `json:"owner_id,omitempty"`
	LocationID string         `json:"location_id,omitempty"`
	Unique     bool           `json:"unique"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Location is a place in the story world.
type Location struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	ParentLocationID string         `json:"parent_location_id,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Faction is a group of characters with an optional leader.
type Faction struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	LeaderID string         `json:"leader_id,omitempty"`
	Members  []string       `json:"members"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Entities holds every entity keyed by id. Identity is string equality;
// cross-entity references are id-based, never pointer-based.
type Entities struct {
	Characters map[string]Character `json:"characters"`
	Items      map[string]Item      `json:"items"`
	Locations  map[string]Location  `json:"locations"`
	Factions   map[string]Faction   `json:"factions"`
}

// Quest statuses.
const (
	QuestActive    = "active"
	QuestCompleted = "completed"
	QuestFailed    = "failed"
)

// Quest tracks one storyline objective.
type Quest struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Status        string         `json:"status"`
	Prerequisites []string       `json:"prerequisites,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// QuestState splits quests into in-progress and finished lists. Failed
// quests live in Completed; a quest id never appears in both lists.
type QuestState struct {
	Active    []Quest `json:"active"`
	Completed []Quest `json:"completed"`
}

// Constraint types.
const (
	ConstraintImmutableEvent = "immutable_event"
	ConstraintUniqueItem     = "unique_item"
	ConstraintEntityState    = "entity_state"
	ConstraintRelationship   = "relationship"
)

// Constraint is a hard rule the gate enforces against every projected state.
type Constraint struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	EntityID    string         `json:"entity_id,omitempty"`
	Value       map[string]any `json:"value,omitempty"`
}

// Constraints aggregates the story's hard rules. Entries are only ever
// added through a patch's constraint additions, never silently removed.
type Constraints struct {
	UniqueItemIDs   []string     `json:"unique_item_ids"`
	ImmutableEvents []string     `json:"immutable_events"`
	Constraints     []Constraint `json:"constraints"`
}

// State is the canonical snapshot of one story's world: the single
// authoritative answer to "what is true in this story so far". One State
// exists per story id; it is rewritten atomically on each committed turn.
type State struct {
	Meta        Meta        `json:"meta"`
	Time        TimeState   `json:"time"`
	Player      Player      `json:"player"`
	Entities    Entities    `json:"entities"`
	Quest       QuestState  `json:"quest"`
	Constraints Constraints `json:"constraints"`
}

// Seed values for a freshly created story.
const (
	SeedCalendar     = "初始时间"
	SeedPlayerID     = "player_001"
	SeedPlayerName   = "玩家"
	SeedLocationID   = "unknown"
	SeedLocationName = "未知地点"
	canonVersion     = "1.0.0"
)

// NewState returns the initial canonical state for a story: turn 0, seed
// time, the player at the seed "unknown" location, and empty entity sets.
func NewState(storyID string, now time.Time) State {
	return State{
		Meta: Meta{
			StoryID:      storyID,
			CanonVersion: canonVersion,
			Turn:         0,
			UpdatedAt:    now.UTC(),
		},
		Time: TimeState{
			Calendar: SeedCalendar,
			Anchor:   TimeAnchor{Label: SeedCalendar, Order: 0},
		},
		Player: Player{
			ID:         SeedPlayerID,
			Name:       SeedPlayerName,
			LocationID: SeedLocationID,
		},
		Entities: Entities{
			Characters: map[string]Character{},
			Items:      map[string]Item{},
			Locations: map[string]Location{
				SeedLocationID: {ID: SeedLocationID, Name: SeedLocationName},
			},
			Factions: map[string]Faction{},
		},
	}
}
