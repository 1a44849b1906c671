package canon

import (
	"errors"
	"fmt"
	"strings"
)

// ErrReferentialIntegrity wraps every reference-validation failure so
// callers can distinguish corrupt states from transport errors.
var ErrReferentialIntegrity = errors.New("referential integrity violated")

// Validate checks the state's referential invariants: the player, every
// character, item, location, and faction may only reference ids that exist
// in the entity maps. It returns a single error listing every violation.
func (s *State) Validate() error {
	var problems []string

	if _, ok := s.Entities.Locations[s.Player.LocationID]; !ok {
		problems = append(problems, fmt.Sprintf("player location_id %q not found in locations", s.Player.LocationID))
	}
	for _, charID := range s.Player.Party {
		if _, ok := s.Entities.Characters[charID]; !ok {
			problems = append(problems, fmt.Sprintf("party member %q not found in characters", charID))
		}
	}
	for _, itemID := range s.Player.Inventory {
		if _, ok := s.Entities.Items[itemID]; !ok {
			problems = append(problems, fmt.Sprintf("inventory item %q not found in items", itemID))
		}
	}

	for charID, char := range s.Entities.Characters {
		if _, ok := s.Entities.Locations[char.LocationID]; !ok {
			problems = append(problems, fmt.Sprintf("character %q location_id %q not found", charID, char.LocationID))
		}
		if char.FactionID != "" {
			if _, ok := s.Entities.Factions[char.FactionID]; !ok {
				problems = append(problems, fmt.Sprintf("character %q faction_id %q not found", charID, char.FactionID))
			}
		}
	}

	for itemID, item := range s.Entities.Items {
		if item.Unique && item.OwnerID == "" {
			problems = append(problems, fmt.Sprintf("unique item %q must have owner_id", itemID))
		}
		if item.OwnerID == "" && item.LocationID == "" {
			problems = append(problems, fmt.Sprintf("item %q must have either owner_id or location_id", itemID))
		}
		if item.OwnerID != "" {
			_, isChar := s.Entities.Characters[item.OwnerID]
			_, isLoc := s.Entities.Locations[item.OwnerID]
			if !isChar && !isLoc {
				problems = append(problems, fmt.Sprintf("item %q owner_id %q not found", itemID, item.OwnerID))
			}
		}
		if item.LocationID != "" {
			if _, ok := s.Entities.Locations[item.LocationID]; !ok {
				problems = append(problems, fmt.Sprintf("item %q location_id %q not found", itemID, item.LocationID))
			}
		}
	}

	for locID, loc := range s.Entities.Locations {
		if loc.ParentLocationID != "" {
			if _, ok := s.Entities.Locations[loc.ParentLocationID]; !ok {
				problems = append(problems, fmt.Sprintf("location %q parent_location_id %q not found", locID, loc.ParentLocationID))
			}
		}
	}

	for factionID, faction := range s.Entities.Factions {
		if faction.LeaderID != "" {
			if _, ok := s.Entities.Characters[faction.LeaderID]; !ok {
				problems = append(problems, fmt.Sprintf("faction %q leader_id %q not found", factionID, faction.LeaderID))
			}
		}
		for _, memberID := range faction.Members {
			if _, ok := s.Entities.Characters[memberID]; !ok {
				problems = append(problems, fmt.Sprintf("faction %q member %q not found", factionID, memberID))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n%s", ErrReferentialIntegrity, strings.Join(problems, "\n"))
	}
	return nil
}

// EnsureLocations materialises every location id the state references but
// does not define: the player's location, character locations, item
// locations, and item owners that are clearly not characters. Created
// locations use the id as their name. This is the only auto-creation the
// model permits; missing characters, items, and factions stay errors.
func (s *State) EnsureLocations() {
	required := map[string]struct{}{}

	if s.Player.LocationID != "" {
		required[s.Player.LocationID] = struct{}{}
	}
	for _, char := range s.Entities.Characters {
		if char.LocationID != "" {
			required[char.LocationID] = struct{}{}
		}
	}
	for _, item := range s.Entities.Items {
		if item.LocationID != "" {
			required[item.LocationID] = struct{}{}
		}
		if item.OwnerID != "" {
			if _, isChar := s.Entities.Characters[item.OwnerID]; !isChar {
				required[item.OwnerID] = struct{}{}
			}
		}
	}

	if s.Entities.Locations == nil {
		s.Entities.Locations = map[string]Location{}
	}
	for locID := range required {
		if _, ok := s.Entities.Locations[locID]; !ok {
			s.Entities.Locations[locID] = Location{ID: locID, Name: locID}
		}
	}
}
