package canon

// Clone returns a deep copy of the state. The applier and the gate clone
// before mutating so the caller's snapshot is never touched; metadata maps
// are copied one level deep, which matches the shallow-merge semantics the
// patch applier gives them.
func (s State) Clone() State {
	out := s

	out.Player.Party = append([]string(nil), s.Player.Party...)
	out.Player.Inventory = append([]string(nil), s.Player.Inventory...)

	out.Entities.Characters = make(map[string]Character, len(s.Entities.Characters))
	for id, char := range s.Entities.Characters {
		char.Metadata = cloneMetadata(char.Metadata)
		out.Entities.Characters[id] = char
	}
	out.Entities.Items = make(map[string]Item, len(s.Entities.Items))
	for id, item := range s.Entities.Items {
		item.Metadata = cloneMetadata(item.Metadata)
		out.Entities.Items[id] = item
	}
	out.Entities.Locations = make(map[string]Location, len(s.Entities.Locations))
	for id, loc := range s.Entities.Locations {
		loc.Metadata = cloneMetadata(loc.Metadata)
		out.Entities.Locations[id] = loc
	}
	out.Entities.Factions = make(map[string]Faction, len(s.Entities.Factions))
	for id, faction := range s.Entities.Factions {
		faction.Members = append([]string(nil), faction.Members...)
		faction.Metadata = cloneMetadata(faction.Metadata)
		out.Entities.Factions[id] = faction
	}

	out.Quest.Active = cloneQuests(s.Quest.Active)
	out.Quest.Completed = cloneQuests(s.Quest.Completed)

	out.Constraints.UniqueItemIDs = append([]string(nil), s.Constraints.UniqueItemIDs...)
	out.Constraints.ImmutableEvents = append([]string(nil), s.Constraints.ImmutableEvents...)
	out.Constraints.Constraints = make([]Constraint, len(s.Constraints.Constraints))
	for i, c := range s.Constraints.Constraints {
		c.Value = cloneMetadata(c.Value)
		out.Constraints.Constraints[i] = c
	}

	return out
}

func cloneQuests(quests []Quest) []Quest {
	if quests == nil {
		return nil
	}
	out := make([]Quest, len(quests))
	for i, q := range quests {
		q.Prerequisites = append([]string(nil), q.Prerequisites...)
		q.Metadata = cloneMetadata(q.Metadata)
		out[i] = q
	}
	return out
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
