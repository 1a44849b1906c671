package gate

import (
	"fmt"
	"strings"

	"github.com/louisbranch/storycanon/internal/canon"
)

// Cue word lists for the draft heuristics. These are deliberately coarse;
// the draft scan is a safety net in front of the extractor, not an NLP
// pipeline.
var (
	actionCues   = []string{"说", "道", "做", "行动", "前往", "拿起", "放下", "使用"}
	deathCues    = []string{"死亡", "死了", "去世", "逝世", "被杀", "被斩"}
	positionCues = []string{"在", "位于", "到达", "来到", "到了"}
)

// Context windows, measured in characters.
const (
	actionCueWindow = 20
	deathCueWindow  = 50
)

// ValidateDraft scans generated prose for hard-fact contradictions with
// the current state: dead characters acting, live characters described as
// dead, and characters placed somewhere other than their recorded
// location. No draft violation is auto-fixable.
func ValidateDraft(current canon.State, draft string) Result {
	var violations []RuleViolation

	for _, charID := range sortedKeys(current.Entities.Characters) {
		char := current.Entities.Characters[charID]
		if char.Alive {
			continue
		}
		if characterActsInText(draft, char.Name) {
			violations = append(violations, RuleViolation{
				RuleID:   ruleIDDeadCharacter,
				RuleName: ruleNameDeadCharacter,
				Severity: SeverityError,
				Message:  fmt.Sprintf("死亡角色 '%s' 在草稿中表现为行动或说话", char.Name),
				EntityID: charID,
			})
		}
	}

	violations = append(violations, checkDraftHardFacts(draft, current)...)

	return decide(violations, current)
}

// characterActsInText reports whether the character's name appears near an
// action cue in the text.
func characterActsInText(text, name string) bool {
	if name == "" {
		return false
	}
	runes := []rune(text)
	nameRunes := []rune(name)
	idx := runeIndex(runes, nameRunes)
	if idx < 0 {
		return false
	}
	start := idx - actionCueWindow
	if start < 0 {
		start = 0
	}
	end := idx + len(nameRunes) + actionCueWindow
	if end > len(runes) {
		end = len(runes)
	}
	window := string(runes[start:end])
	for _, cue := range actionCues {
		if strings.Contains(window, cue) {
			return true
		}
	}
	return false
}

// checkDraftHardFacts compares the draft's death and position claims
// against the recorded state.
func checkDraftHardFacts(draft string, current canon.State) []RuleViolation {
	var violations []RuleViolation
	runes := []rune(draft)

	for _, charID := range sortedKeys(current.Entities.Characters) {
		char := current.Entities.Characters[charID]
		if !char.Alive || char.Name == "" {
			continue
		}
		nameIdx := runeIndex(runes, []rune(char.Name))
		if nameIdx < 0 {
			continue
		}
		for _, cue := range deathCues {
			cueIdx := runeIndex(runes, []rune(cue))
			if cueIdx < 0 {
				continue
			}
			distance := nameIdx - cueIdx
			if distance < 0 {
				distance = -distance
			}
			if distance < deathCueWindow {
				violations = append(violations, RuleViolation{
					RuleID:   ruleIDDraftFidelity,
					RuleName: ruleNameDraftFidelity,
					Severity: SeverityError,
					Message:  fmt.Sprintf("草稿中描述角色 '%s' (%s) 死亡，但当前状态中该角色是存活的", char.Name, charID),
					EntityID: charID,
				})
				break
			}
		}
	}

	sentences := splitSentences(draft)
	for _, charID := range sortedKeys(current.Entities.Characters) {
		char := current.Entities.Characters[charID]
		if char.Name == "" {
			continue
		}
		currentLoc, ok := current.Entities.Locations[char.LocationID]
		if !ok {
			continue
		}
	sentenceScan:
		for _, sentence := range sentences {
			if !strings.Contains(sentence, char.Name) {
				continue
			}
			for _, locID := range sortedKeys(current.Entities.Locations) {
				if locID == char.LocationID {
					continue
				}
				loc := current.Entities.Locations[locID]
				if loc.Name == "" || !strings.Contains(sentence, loc.Name) {
					continue
				}
				if !containsAny(sentence, positionCues) {
					continue
				}
				if !positionCueBetween(sentence, char.Name, loc.Name) {
					continue
				}
				violations = append(violations, RuleViolation{
					RuleID:   ruleIDDraftFidelity,
					RuleName: ruleNameDraftFidelity,
					Severity: SeverityError,
					Message: fmt.Sprintf("草稿中描述角色 '%s' (%s) 在 '%s'，但当前状态中该角色在 '%s'",
						char.Name, charID, loc.Name, currentLoc.Name),
					EntityID: charID,
				})
				break sentenceScan
			}
		}
	}

	return violations
}

// positionCueBetween reports whether a position cue falls in the span
// covering both the character and the location mention.
func positionCueBetween(sentence, charName, locName string) bool {
	runes := []rune(sentence)
	charPos := runeIndex(runes, []rune(charName))
	locPos := runeIndex(runes, []rune(locName))
	if charPos < 0 || locPos < 0 {
		return false
	}
	longest := len([]rune(charName))
	if l := len([]rune(locName)); l > longest {
		longest = l
	}
	start := charPos
	if locPos < start {
		start = locPos
	}
	end := charPos
	if locPos > end {
		end = locPos
	}
	end += longest
	if end > len(runes) {
		end = len(runes)
	}
	return containsAny(string(runes[start:end]), positionCues)
}

// splitSentences breaks the draft on Chinese sentence terminators.
func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '。' || r == '！' || r == '？'
	})
}

func containsAny(s string, cues []string) bool {
	for _, cue := range cues {
		if strings.Contains(s, cue) {
			return true
		}
	}
	return false
}

// runeIndex returns the rune offset of the first occurrence of needle in
// haystack, or -1.
func runeIndex(haystack, needle []rune) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
