// Package event defines the unit of state change for a story.
//
// Every change to a story's canonical state is recorded as an immutable
// event in a per-story append-only log. An event carries both a
// human-readable summary and the declarative state patch that realises it,
// so the log alone can rebuild any past state.
package event

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/storycanon/internal/canon"
)

// Type identifies the kind of state change an event records.
type Type string

const (
	// TypeOwnershipChange records an item moving between owners.
	TypeOwnershipChange Type = "OWNERSHIP_CHANGE"
	// TypeDeath records a character dying.
	TypeDeath Type = "DEATH"
	// TypeRevival records a dead character returning to life.
	TypeRevival Type = "REVIVAL"
	// TypeTravel records a character changing location.
	TypeTravel Type = "TRAVEL"
	// TypeFactionChange records a character switching factions.
	TypeFactionChange Type = "FACTION_CHANGE"
	// TypeQuestStart records a quest becoming active.
	TypeQuestStart Type = "QUEST_START"
	// TypeQuestComplete records a quest finishing successfully.
	TypeQuestComplete Type = "QUEST_COMPLETE"
	// TypeQuestFail records a quest failing.
	TypeQuestFail Type = "QUEST_FAIL"
	// TypeItemCreate records a new item entering the world.
	TypeItemCreate Type = "ITEM_CREATE"
	// TypeItemDestroy records an item leaving the world.
	TypeItemDestroy Type = "ITEM_DESTROY"
	// TypeRelationshipChange records a change between characters.
	TypeRelationshipChange Type = "RELATIONSHIP_CHANGE"
	// TypeTimeAdvance records narrative time moving forward.
	TypeTimeAdvance Type = "TIME_ADVANCE"
	// TypeOther records anything without a dedicated type.
	TypeOther Type = "OTHER"
)

// IsValid reports whether t is a member of the closed event type set.
func (t Type) IsValid() bool {
	switch t {
	case TypeOwnershipChange, TypeDeath, TypeRevival, TypeTravel,
		TypeFactionChange, TypeQuestStart, TypeQuestComplete, TypeQuestFail,
		TypeItemCreate, TypeItemDestroy, TypeRelationshipChange,
		TypeTimeAdvance, TypeOther:
		return true
	}
	return false
}

// Time positions an event on the narrative timeline.
type Time struct {
	Label string `json:"label"`
	Order int    `json:"order"`
}

// Where is the location an event takes place at.
type Where struct {
	LocationID string `json:"location_id"`
}

// Participants lists who acted and who only watched.
type Participants struct {
	Actors    []string `json:"actors"`
	Witnesses []string `json:"witnesses"`
}

// Evidence ties an event back to the draft text it was extracted from.
type Evidence struct {
	Source   string `json:"source"`
	TextSpan string `json:"text_span,omitempty"`
}

// IDPrefix is the mandatory prefix of every event id.
const IDPrefix = "evt_"

var (
	// ErrInvalidID indicates an event id without the evt_ prefix.
	ErrInvalidID = errors.New("event_id must start with \"evt_\"")
	// ErrInvalidType indicates an event type outside the closed set.
	ErrInvalidType = errors.New("event type is invalid")
	// ErrEmptySummary indicates a missing event summary.
	ErrEmptySummary = errors.New("event summary is required")
	// ErrEmptyPatch indicates an event whose state patch has no effect.
	ErrEmptyPatch = errors.New("event state_patch must contain at least one update")
	// ErrNegativeTurn indicates a negative turn number.
	ErrNegativeTurn = errors.New("event turn must not be negative")
	// ErrNegativeOrder indicates a negative time order.
	ErrNegativeOrder = errors.New("event time.order must not be negative")
)

// Event records a single state-changing occurrence. Once appended to the
// log an event is never mutated; its id is globally unique.
type Event struct {
	EventID    string         `json:"event_id"`
	Turn       int            `json:"turn"`
	Time       Time           `json:"time"`
	Where      Where          `json:"where"`
	Who        Participants   `json:"who"`
	Type       Type           `json:"type"`
	Summary    string         `json:"summary"`
	Payload    map[string]any `json:"payload"`
	StatePatch canon.Patch    `json:"state_patch"`
	Evidence   Evidence       `json:"evidence"`
	CreatedAt  time.Time      `json:"created_at"`
}

// payloadKeys lists the payload keys each event type requires.
var payloadKeys = map[Type][]string{
	TypeOwnershipChange: {"item_id", "old_owner_id", "new_owner_id"},
	TypeDeath:           {"character_id"},
	TypeTravel:          {"character_id", "from_location_id", "to_location_id"},
	TypeFactionChange:   {"character_id", "old_faction_id", "new_faction_id"},
	TypeQuestStart:      {"quest_id"},
	TypeQuestComplete:   {"quest_id"},
	TypeQuestFail:       {"quest_id"},
	TypeItemCreate:      {"item_id"},
	TypeItemDestroy:     {"item_id"},
	TypeTimeAdvance:     {"time_anchor"},
}

// Validate checks the event's structural invariants: id format, type
// membership, a non-empty summary, the per-type payload keys, and the
// traceability requirement that the state patch has at least one effect.
func (e Event) Validate() error {
	if !strings.HasPrefix(e.EventID, IDPrefix) {
		return fmt.Errorf("%w: %q", ErrInvalidID, e.EventID)
	}
	if e.Turn < 0 {
		return ErrNegativeTurn
	}
	if e.Time.Order < 0 {
		return ErrNegativeOrder
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, e.Type)
	}
	if strings.TrimSpace(e.Summary) == "" {
		return ErrEmptySummary
	}
	for _, key := range payloadKeys[e.Type] {
		if _, ok := e.Payload[key]; !ok {
			return fmt.Errorf("%s event must have %q in payload", e.Type, key)
		}
	}
	if e.StatePatch.IsEmpty() {
		return ErrEmptyPatch
	}
	return nil
}

// PayloadString returns the payload value for key as a string, or "" when
// the key is absent or not a string. Extracted payloads arrive as decoded
// JSON, so rule code reads them through this accessor.
func (e Event) PayloadString(key string) string {
	value, ok := e.Payload[key]
	if !ok {
		return ""
	}
	s, _ := value.(string)
	return s
}
