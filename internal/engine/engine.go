// Package engine runs the draft pipeline: extract events from a draft,
// validate them against the canonical state, and commit the turn when the
// gate allows it. All processing for a story is serialized so concurrent
// requests cannot interleave reads and writes of the same state.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/storycanon/internal/canon"
	"github.com/louisbranch/storycanon/internal/canon/apply"
	"github.com/louisbranch/storycanon/internal/canon/event"
	"github.com/louisbranch/storycanon/internal/extractor"
	"github.com/louisbranch/storycanon/internal/gate"
	"github.com/louisbranch/storycanon/internal/platform/id"
	"github.com/louisbranch/storycanon/internal/storage"
)

const recentEventsLimit = 10

// FixSummary is the summary of a synthesized repair event.
const FixSummary = "自动修复"

// Extractor turns a draft into candidate events. *extractor.Extractor
// satisfies it; tests substitute scripted fakes.
type Extractor interface {
	Extract(ctx context.Context, state canon.State, userMessage, draft string, turn int) (extractor.Result, error)
}

// ProcessResult is the outcome of one draft cycle. State and RecentEvents
// are set when the turn committed; RewriteInstructions for REWRITE;
// Questions for ASK_USER.
type ProcessResult struct {
	FinalAction         gate.Action          `json:"final_action"`
	State               *canon.State         `json:"state,omitempty"`
	RecentEvents        []event.Event        `json:"recent_events,omitempty"`
	RewriteInstructions string               `json:"rewrite_instructions,omitempty"`
	Questions           []string             `json:"questions,omitempty"`
	Violations          []gate.RuleViolation `json:"violations,omitempty"`
}

// Engine orchestrates the extract / validate / commit pipeline over a
// store. Safe for concurrent use; work is serialized per story.
type Engine struct {
	store     storage.Store
	extractor Extractor
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns an Engine over the given store and extractor.
func New(store storage.Store, ext Extractor) *Engine {
	return &Engine{
		store:     store,
		extractor: ext,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (e *Engine) storyLock(storyID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[storyID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[storyID] = lock
	}
	return lock
}

func tracer() trace.Tracer {
	return otel.Tracer("storycanon/engine")
}

// State returns the story's canonical state, creating the seed state for
// new stories.
func (e *Engine) State(ctx context.Context, storyID string) (canon.State, error) {
	lock := e.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()
	return e.store.InitializeState(ctx, storyID)
}

// Events answers the event-log queries for a story.
func (e *Engine) Events(ctx context.Context, storyID string, turn *int, timeRange storage.TimeRange, limit, offset int) ([]event.Event, error) {
	if turn != nil {
		return e.store.EventsByTurn(ctx, storyID, *turn)
	}
	if timeRange.Min != nil || timeRange.Max != nil {
		return e.store.EventsByTimeRange(ctx, storyID, timeRange)
	}
	return e.store.ListRecentEvents(ctx, storyID, limit, offset)
}

// ProcessDraft runs one full draft cycle for the story: extract events
// from the draft, gate them against the current state, and commit the
// turn when the verdict allows writing.
func (e *Engine) ProcessDraft(ctx context.Context, storyID, userMessage, assistantDraft string) (ProcessResult, error) {
	lock := e.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := tracer().Start(ctx, "engine.ProcessDraft",
		trace.WithAttributes(attribute.String("story.id", storyID)))
	defer span.End()

	state, err := e.store.InitializeState(ctx, storyID)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("load state: %w", err)
	}
	turn := state.Meta.Turn + 1
	span.SetAttributes(attribute.Int("story.turn", turn))

	if gate.AlternateHistory(state) {
		log.Printf("story %s: alternate-history constraint active, historical facts not enforced", storyID)
	}

	extracted, err := e.extractor.Extract(ctx, state, userMessage, assistantDraft, turn)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("extract events: %w", err)
	}
	if extracted.RequiresUserInput {
		span.SetAttributes(attribute.String("gate.action", string(gate.ActionAskUser)))
		return ProcessResult{
			FinalAction: gate.ActionAskUser,
			Questions:   extracted.OpenQuestions,
		}, nil
	}

	verdict := gate.ValidateEvents(state, extracted.Events)
	span.SetAttributes(
		attribute.String("gate.action", string(verdict.Action)),
		attribute.Int("gate.violations", len(verdict.Violations)),
	)

	switch verdict.Action {
	case gate.ActionPass:
		return e.commitTurn(ctx, storyID, state, extracted.Events, nil, turn, verdict)
	case gate.ActionAutoFix:
		return e.commitTurn(ctx, storyID, state, extracted.Events, verdict.Fixes, turn, verdict)
	case gate.ActionRewrite:
		return ProcessResult{
			FinalAction:         gate.ActionRewrite,
			RewriteInstructions: strings.Join(verdict.Reasons, "\n"),
			Violations:          verdict.Violations,
		}, nil
	case gate.ActionAskUser:
		return ProcessResult{
			FinalAction: gate.ActionAskUser,
			Questions:   verdict.Questions,
			Violations:  verdict.Violations,
		}, nil
	}
	return ProcessResult{
		FinalAction:         gate.ActionRewrite,
		RewriteInstructions: "未知的处理动作",
		Violations:          verdict.Violations,
	}, nil
}

// commitTurn applies the accepted events (plus an optional repair patch),
// persists state and events atomically, and reports the committed view.
func (e *Engine) commitTurn(ctx context.Context, storyID string, state canon.State, events []event.Event, fixes *canon.Patch, turn int, verdict gate.Result) (ProcessResult, error) {
	updated := apply.Events(state, events, e.now())
	toAppend := events

	action := gate.ActionPass
	var violations []gate.RuleViolation
	if fixes != nil {
		fixEvent := e.buildFixEvent(updated, *fixes, turn)
		updated = apply.Patch(updated, *fixes, fixEvent.EventID, turn, e.now())
		toAppend = append(append([]event.Event{}, events...), fixEvent)
		action = gate.ActionAutoFix
		violations = verdict.Violations
	}

	if err := e.store.CommitTurn(ctx, updated, toAppend); err != nil {
		return ProcessResult{}, fmt.Errorf("commit turn: %w", err)
	}
	recent, err := e.store.ListRecentEvents(ctx, storyID, recentEventsLimit, 0)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("list recent events: %w", err)
	}
	return ProcessResult{
		FinalAction:  action,
		State:        &updated,
		RecentEvents: recent,
		Violations:   violations,
	}, nil
}

func (e *Engine) buildFixEvent(state canon.State, fixes canon.Patch, turn int) event.Event {
	now := e.now()
	return event.Event{
		EventID: id.NewFixEventID(turn, now),
		Turn:    turn,
		Time: event.Time{
			Label: state.Time.Calendar,
			Order: state.Time.Anchor.Order,
		},
		Where:      event.Where{LocationID: state.Player.LocationID},
		Who:        event.Participants{Actors: []string{state.Player.ID}},
		Type:       event.TypeOther,
		Summary:    FixSummary,
		Payload:    map[string]any{"fix_type": "auto_fix"},
		StatePatch: fixes,
		Evidence:   event.Evidence{Source: fmt.Sprintf("auto_fix_turn_%d", turn)},
		CreatedAt:  now,
	}
}

// ValidateDraft checks a draft text against the current state without
// extracting or committing anything.
func (e *Engine) ValidateDraft(ctx context.Context, storyID, draftText string) (gate.Result, error) {
	lock := e.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := tracer().Start(ctx, "engine.ValidateDraft",
		trace.WithAttributes(attribute.String("story.id", storyID)))
	defer span.End()

	state, err := e.store.InitializeState(ctx, storyID)
	if err != nil {
		return gate.Result{}, fmt.Errorf("load state: %w", err)
	}
	verdict := gate.ValidateDraft(state, draftText)
	span.SetAttributes(attribute.String("gate.action", string(verdict.Action)))
	return verdict, nil
}
