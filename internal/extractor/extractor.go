// Package extractor turns a generated story draft into structured events.
//
// Extraction is LLM-driven with a two-stage protocol: a forced function
// call first, then a JSON-mode completion as fallback, each retried once
// with a stricter reminder. When both stages fail the extractor emits a
// default no-op event so the turn pipeline never stalls on the model.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/storycanon/internal/canon"
	"github.com/louisbranch/storycanon/internal/canon/event"
	"github.com/louisbranch/storycanon/internal/llm"
	"github.com/louisbranch/storycanon/internal/platform/id"
)

// evidenceSpanLimit caps the draft excerpt stored on each event.
const evidenceSpanLimit = 200

// DefaultSummary is the summary of the fallback event emitted when no
// state change was extracted.
const DefaultSummary = "对话继续"

// Result is the outcome of one extraction pass.
type Result struct {
	Events            []event.Event `json:"events"`
	OpenQuestions     []string      `json:"open_questions"`
	RequiresUserInput bool          `json:"requires_user_input"`
}

// Extractor extracts events from drafts via an LLM client.
type Extractor struct {
	client llm.Client
	now    func() time.Time
}

// New builds an extractor on top of an LLM client.
func New(client llm.Client) *Extractor {
	return &Extractor{
		client: client,
		now:    time.Now,
	}
}

// wirePayload is the shape both extraction stages return.
type wirePayload struct {
	Events        []wireEvent `json:"events"`
	OpenQuestions []string    `json:"open_questions"`
}

// wireEvent is an event as the model emits it: no event_id yet, and an
// advisory confidence score that is not persisted.
type wireEvent struct {
	Turn       int                `json:"turn"`
	Time       event.Time         `json:"time"`
	Where      event.Where        `json:"where"`
	Who        event.Participants `json:"who"`
	Type       event.Type         `json:"type"`
	Summary    string             `json:"summary"`
	Payload    map[string]any     `json:"payload"`
	StatePatch canon.Patch        `json:"state_patch"`
	Evidence   event.Evidence     `json:"evidence"`
	Confidence float64            `json:"confidence"`
}

// Extract derives structured events from the turn's draft. It never
// returns an empty event list unless user input is required: extraction
// failure degrades to a default OTHER event.
func (x *Extractor) Extract(ctx context.Context, state canon.State, userMessage, draft string, turn int) (Result, error) {
	systemPrompt := buildSystemPrompt(state, turn)
	userPrompt := buildUserPrompt(userMessage, draft)

	payload, err := x.callWithTool(ctx, systemPrompt, userPrompt)
	if err != nil {
		log.Printf("event extraction: function calling failed: %v, falling back to JSON mode", err)
		payload, err = x.callWithJSON(ctx, systemPrompt, userPrompt)
		if err != nil {
			log.Printf("event extraction: JSON mode failed: %v, emitting default event", err)
			payload = nil
		}
	}

	result := Result{}
	if payload != nil {
		if len(payload.OpenQuestions) > 0 {
			result.OpenQuestions = payload.OpenQuestions
			result.RequiresUserInput = true
		}
		for _, wire := range payload.Events {
			evt := x.toEvent(wire, turn, draft)
			if err := evt.Validate(); err != nil {
				log.Printf("event extraction: dropping invalid event %q: %v", evt.Summary, err)
				continue
			}
			result.Events = append(result.Events, evt)
		}
	}

	if len(result.Events) == 0 && !result.RequiresUserInput {
		result.Events = append(result.Events, x.defaultEvent(state, turn, draft))
	}
	return result, nil
}

// callWithTool runs the forced function call, retrying once with a
// stricter reminder.
func (x *Extractor) callWithTool(ctx context.Context, systemPrompt, userPrompt string) (*wirePayload, error) {
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			messages = append(messages, llm.Message{Role: "system", Content: toolRetryReminder})
		}
		arguments, err := x.client.CallWithTool(ctx, messages, extractTool())
		if err != nil {
			lastErr = err
			continue
		}
		var payload wirePayload
		if err := json.Unmarshal([]byte(arguments), &payload); err != nil {
			lastErr = fmt.Errorf("parse function arguments: %w", err)
			continue
		}
		return &payload, nil
	}
	return nil, lastErr
}

// callWithJSON runs the JSON-mode fallback, retrying once. Responses are
// cleaned of markdown wrapping before parsing.
func (x *Extractor) callWithJSON(ctx context.Context, systemPrompt, userPrompt string) (*wirePayload, error) {
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			messages = append(messages, llm.Message{Role: "system", Content: jsonRetryReminder})
		}
		content, err := x.client.CallWithJSON(ctx, messages)
		if err != nil {
			lastErr = err
			continue
		}
		var payload wirePayload
		if err := json.Unmarshal([]byte(content), &payload); err != nil {
			cleaned := cleanJSONResponse(content)
			if err2 := json.Unmarshal([]byte(cleaned), &payload); err2 != nil {
				lastErr = fmt.Errorf("parse JSON response: %w", err)
				continue
			}
		}
		return &payload, nil
	}
	return nil, lastErr
}

// toEvent assigns an id and evidence to a wire event. The evidence source
// ties the event to the turn it was extracted from.
func (x *Extractor) toEvent(wire wireEvent, turn int, draft string) event.Event {
	return event.Event{
		EventID:    id.NewEventID(turn, x.now()),
		Turn:       wire.Turn,
		Time:       wire.Time,
		Where:      wire.Where,
		Who:        wire.Who,
		Type:       wire.Type,
		Summary:    wire.Summary,
		Payload:    wire.Payload,
		StatePatch: wire.StatePatch,
		Evidence: event.Evidence{
			Source:   fmt.Sprintf("draft_turn_%d", turn),
			TextSpan: truncateRunes(draft, evidenceSpanLimit),
		},
		CreatedAt: x.now().UTC(),
	}
}

// defaultEvent is the no-op OTHER event recorded when nothing was
// extracted; its patch touches only the player's metadata so the event
// stays traceable without changing world facts.
func (x *Extractor) defaultEvent(state canon.State, turn int, draft string) event.Event {
	return event.Event{
		EventID: id.NewEventID(turn, x.now()),
		Turn:    turn,
		Time: event.Time{
			Label: state.Time.Calendar,
			Order: state.Time.Anchor.Order,
		},
		Where:   event.Where{LocationID: state.Player.LocationID},
		Who:     event.Participants{Actors: []string{state.Player.ID}},
		Type:    event.TypeOther,
		Summary: DefaultSummary,
		Payload: map[string]any{},
		StatePatch: canon.Patch{
			EntityUpdates: map[string]canon.EntityUpdate{
				state.Player.ID: {
					EntityType: canon.EntityCharacter,
					EntityID:   state.Player.ID,
					Updates:    map[string]any{"metadata": map[string]any{"last_turn": turn}},
				},
			},
		},
		Evidence: event.Evidence{
			Source:   fmt.Sprintf("draft_turn_%d", turn),
			TextSpan: truncateRunes(draft, evidenceSpanLimit),
		},
		CreatedAt: x.now().UTC(),
	}
}

// cleanJSONResponse strips markdown code fences and any prose around the
// outermost JSON object.
func cleanJSONResponse(content string) string {
	cleaned := strings.TrimSpace(content)

	if idx := strings.Index(cleaned, "```json"); idx >= 0 {
		rest := cleaned[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			cleaned = strings.TrimSpace(rest[:end])
		}
	} else if idx := strings.Index(cleaned, "```"); idx >= 0 {
		rest := cleaned[idx+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			cleaned = strings.TrimSpace(rest[:end])
		}
	}

	first := strings.Index(cleaned, "{")
	last := strings.LastIndex(cleaned, "}")
	if first >= 0 && last > first {
		cleaned = cleaned[first : last+1]
	}
	return cleaned
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
