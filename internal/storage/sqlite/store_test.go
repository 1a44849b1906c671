package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/storycanon/internal/canon"
	"github.com/louisbranch/storycanon/internal/canon/event"
	"github.com/louisbranch/storycanon/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "storycanon.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testEvent(id string, turn, order int) event.Event {
	return event.Event{
		EventID: id,
		Turn:    turn,
		Time:    event.Time{Label: "第一天", Order: order},
		Type:    event.TypeOther,
		Summary: "事件 " + id,
		Payload: map[string]any{},
		StatePatch: canon.Patch{
			PlayerUpdates: map[string]any{"location_id": "unknown"},
		},
		Evidence:  event.Evidence{Source: "draft_turn_1"},
		CreatedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("Open(\"\") = nil error")
	}
}

func TestLoadStateNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.LoadState(context.Background(), "missing")
	if !errors.Is(err, storage.ErrStateNotFound) {
		t.Errorf("err = %v, want ErrStateNotFound", err)
	}
}

func TestSaveAndLoadState(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	state := canon.NewState("story_1", time.Now())
	state.Entities.Characters["caocao"] = canon.Character{
		ID: "caocao", Name: "曹操", LocationID: "luoyang", Alive: true,
	}
	state.Entities.Locations["luoyang"] = canon.Location{ID: "luoyang", Name: "洛阳"}
	state.Meta.Turn = 4

	if err := store.SaveState(ctx, state); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	loaded, err := store.LoadState(ctx, "story_1")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if loaded.Meta.Turn != 4 {
		t.Errorf("turn = %d, want 4", loaded.Meta.Turn)
	}
	if loaded.Entities.Characters["caocao"].Name != "曹操" {
		t.Errorf("character lost on round trip: %+v", loaded.Entities.Characters)
	}
	if loaded.Meta.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not stamped on save")
	}
}

func TestLoadStateMaterialisesMissingLocations(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	state := canon.NewState("story_1", time.Now())
	state.Entities.Characters["caocao"] = canon.Character{
		ID: "caocao", Name: "曹操", LocationID: "loc_ghost", Alive: true,
	}
	if err := store.SaveState(ctx, state); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	loaded, err := store.LoadState(ctx, "story_1")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if _, ok := loaded.Entities.Locations["loc_ghost"]; !ok {
		t.Error("referenced location not materialised on load")
	}
}

func TestInitializeStateSeedsNewStory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	state, err := store.InitializeState(ctx, "story_new")
	if err != nil {
		t.Fatalf("InitializeState: %v", err)
	}
	if state.Player.ID != canon.SeedPlayerID || state.Player.LocationID != canon.SeedLocationID {
		t.Errorf("seed state = %+v", state.Player)
	}

	state.Meta.Turn = 7
	if err := store.SaveState(ctx, state); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	again, err := store.InitializeState(ctx, "story_new")
	if err != nil {
		t.Fatalf("InitializeState again: %v", err)
	}
	if again.Meta.Turn != 7 {
		t.Errorf("turn = %d, want existing state preserved", again.Meta.Turn)
	}
}

func TestAppendEventRejectsDuplicateID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AppendEvent(ctx, "story_1", testEvent("evt_1", 1, 1)); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	err := store.AppendEvent(ctx, "story_1", testEvent("evt_1", 2, 2))
	if !errors.Is(err, storage.ErrEventExists) {
		t.Errorf("duplicate append = %v, want ErrEventExists", err)
	}
}

func TestEventQueries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, evt := range []event.Event{
		testEvent("evt_1", 1, 1),
		testEvent("evt_2", 1, 2),
		testEvent("evt_3", 2, 5),
	} {
		if err := store.AppendEvent(ctx, "story_1", evt); err != nil {
			t.Fatalf("AppendEvent %s: %v", evt.EventID, err)
		}
	}
	if err := store.AppendEvent(ctx, "story_other", testEvent("evt_x", 1, 1)); err != nil {
		t.Fatalf("AppendEvent other story: %v", err)
	}

	recent, err := store.ListRecentEvents(ctx, "story_1", 2, 0)
	if err != nil {
		t.Fatalf("ListRecentEvents: %v", err)
	}
	if len(recent) != 2 || recent[0].EventID != "evt_3" || recent[1].EventID != "evt_2" {
		t.Errorf("recent = %v", eventIDs(recent))
	}

	page, err := store.ListRecentEvents(ctx, "story_1", 2, 2)
	if err != nil {
		t.Fatalf("ListRecentEvents page 2: %v", err)
	}
	if len(page) != 1 || page[0].EventID != "evt_1" {
		t.Errorf("page 2 = %v", eventIDs(page))
	}

	byTurn, err := store.EventsByTurn(ctx, "story_1", 1)
	if err != nil {
		t.Fatalf("EventsByTurn: %v", err)
	}
	if len(byTurn) != 2 || byTurn[0].EventID != "evt_1" {
		t.Errorf("by turn = %v", eventIDs(byTurn))
	}

	min, max := 2, 5
	ranged, err := store.EventsByTimeRange(ctx, "story_1", storage.TimeRange{Min: &min, Max: &max})
	if err != nil {
		t.Fatalf("EventsByTimeRange: %v", err)
	}
	if len(ranged) != 2 || ranged[0].EventID != "evt_2" || ranged[1].EventID != "evt_3" {
		t.Errorf("ranged = %v", eventIDs(ranged))
	}

	if _, err := store.GetEvent(ctx, "evt_2"); err != nil {
		t.Errorf("GetEvent: %v", err)
	}
	if _, err := store.GetEvent(ctx, "evt_missing"); !errors.Is(err, storage.ErrEventNotFound) {
		t.Errorf("GetEvent missing = %v, want ErrEventNotFound", err)
	}
}

func TestCommitTurnIsAtomic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	state, err := store.InitializeState(ctx, "story_1")
	if err != nil {
		t.Fatalf("InitializeState: %v", err)
	}
	if err := store.AppendEvent(ctx, "story_1", testEvent("evt_dup", 1, 1)); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	state.Meta.Turn = 1
	err = store.CommitTurn(ctx, state, []event.Event{
		testEvent("evt_new", 1, 2),
		testEvent("evt_dup", 1, 3), // collides, must roll everything back
	})
	if !errors.Is(err, storage.ErrEventExists) {
		t.Fatalf("CommitTurn = %v, want ErrEventExists", err)
	}

	if _, err := store.GetEvent(ctx, "evt_new"); !errors.Is(err, storage.ErrEventNotFound) {
		t.Errorf("evt_new persisted despite rollback: %v", err)
	}
	loaded, err := store.LoadState(ctx, "story_1")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if loaded.Meta.Turn != 0 {
		t.Errorf("turn = %d, want 0 after rollback", loaded.Meta.Turn)
	}

	// A clean batch commits both sides.
	if err := store.CommitTurn(ctx, state, []event.Event{testEvent("evt_ok", 1, 2)}); err != nil {
		t.Fatalf("CommitTurn clean: %v", err)
	}
	if _, err := store.GetEvent(ctx, "evt_ok"); err != nil {
		t.Errorf("GetEvent evt_ok: %v", err)
	}
	loaded, err = store.LoadState(ctx, "story_1")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if loaded.Meta.Turn != 1 {
		t.Errorf("turn = %d, want 1 after commit", loaded.Meta.Turn)
	}
}

func eventIDs(events []event.Event) []string {
	ids := make([]string, len(events))
	for i, evt := range events {
		ids[i] = evt.EventID
	}
	return ids
}
