// Package sqlite persists canonical states and event logs in a single
// SQLite database. States are stored as one JSON document per story and
// rewritten whole; events are append-only rows keyed by a globally
// unique event id.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/louisbranch/storycanon/internal/canon"
	"github.com/louisbranch/storycanon/internal/canon/event"
	"github.com/louisbranch/storycanon/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/storycanon/internal/storage"
	"github.com/louisbranch/storycanon/internal/storage/sqlite/migrations"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// Store is a SQLite-backed storage.Store.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies
// embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, "."); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the underlying database. Nil-safe so callers can defer it
// in all startup paths.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// LoadState returns the story's canonical state. Missing locations
// referenced by the stored document are materialised before the state is
// handed out, so callers always see a referentially whole state.
func (s *Store) LoadState(ctx context.Context, storyID string) (canon.State, error) {
	var stateJSON string
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT state_json FROM state WHERE story_id = ?", storyID,
	).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return canon.State{}, fmt.Errorf("story %q: %w", storyID, storage.ErrStateNotFound)
	}
	if err != nil {
		return canon.State{}, fmt.Errorf("query state: %w", err)
	}

	var state canon.State
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return canon.State{}, fmt.Errorf("story %q: %w: %v", storyID, storage.ErrCorruptState, err)
	}
	state.EnsureLocations()
	if err := state.Validate(); err != nil {
		return canon.State{}, fmt.Errorf("story %q: %w: %v", storyID, storage.ErrCorruptState, err)
	}
	return state, nil
}

// SaveState atomically rewrites the story's state row.
func (s *Store) SaveState(ctx context.Context, state canon.State) error {
	return s.saveState(ctx, s.sqlDB, state)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) saveState(ctx context.Context, db execer, state canon.State) error {
	state.Meta.UpdatedAt = s.now().UTC()
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = db.ExecContext(ctx,
		"INSERT OR REPLACE INTO state (story_id, state_json, updated_at) VALUES (?, ?, ?)",
		state.Meta.StoryID, string(stateJSON), toMillis(state.Meta.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// InitializeState returns the story's state, creating and persisting the
// seed state when the story is new.
func (s *Store) InitializeState(ctx context.Context, storyID string) (canon.State, error) {
	state, err := s.LoadState(ctx, storyID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, storage.ErrStateNotFound) {
		return canon.State{}, err
	}

	state = canon.NewState(storyID, s.now())
	if err := s.SaveState(ctx, state); err != nil {
		return canon.State{}, err
	}
	return state, nil
}

// AppendEvent appends one event to the story's log. Event ids are
// globally unique; a duplicate id fails with ErrEventExists.
func (s *Store) AppendEvent(ctx context.Context, storyID string, evt event.Event) error {
	return s.appendEvent(ctx, s.sqlDB, storyID, evt)
}

func (s *Store) appendEvent(ctx context.Context, db execer, storyID string, evt event.Event) error {
	eventJSON, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO events (story_id, event_id, turn, time_order, event_json, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		storyID, evt.EventID, evt.Turn, evt.Time.Order, string(eventJSON), toMillis(evt.CreatedAt),
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("event %q: %w", evt.EventID, storage.ErrEventExists)
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// CommitTurn saves the state and appends the turn's events in one
// transaction, preserving the batch order.
func (s *Store) CommitTurn(ctx context.Context, state canon.State, events []event.Event) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.saveState(ctx, tx, state); err != nil {
		return err
	}
	for _, evt := range events {
		if err := s.appendEvent(ctx, tx, state.Meta.StoryID, evt); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	return nil
}

// GetEvent returns one event by id.
func (s *Store) GetEvent(ctx context.Context, eventID string) (event.Event, error) {
	var eventJSON string
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT event_json FROM events WHERE event_id = ?", eventID,
	).Scan(&eventJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, fmt.Errorf("event %q: %w", eventID, storage.ErrEventNotFound)
	}
	if err != nil {
		return event.Event{}, fmt.Errorf("query event: %w", err)
	}
	return decodeEvent(eventJSON)
}

// ListRecentEvents returns the story's newest events first.
func (s *Store) ListRecentEvents(ctx context.Context, storyID string, limit, offset int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.queryEvents(ctx,
		`SELECT event_json FROM events
		 WHERE story_id = ?
		 ORDER BY time_order DESC, turn DESC, created_at DESC
		 LIMIT ? OFFSET ?`,
		storyID, limit, offset)
}

// EventsByTurn returns one turn's events in time order.
func (s *Store) EventsByTurn(ctx context.Context, storyID string, turn int) ([]event.Event, error) {
	return s.queryEvents(ctx,
		`SELECT event_json FROM events
		 WHERE story_id = ? AND turn = ?
		 ORDER BY time_order ASC, created_at ASC`,
		storyID, turn)
}

// EventsByTimeRange returns events within the inclusive time-order range.
func (s *Store) EventsByTimeRange(ctx context.Context, storyID string, r storage.TimeRange) ([]event.Event, error) {
	query := "SELECT event_json FROM events WHERE story_id = ?"
	args := []any{storyID}
	if r.Min != nil {
		query += " AND time_order >= ?"
		args = append(args, *r.Min)
	}
	if r.Max != nil {
		query += " AND time_order <= ?"
		args = append(args, *r.Max)
	}
	query += " ORDER BY time_order ASC, turn ASC, created_at ASC"
	return s.queryEvents(ctx, query, args...)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]event.Event, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var eventJSON string
		if err := rows.Scan(&eventJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt, err := decodeEvent(eventJSON)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func decodeEvent(eventJSON string) (event.Event, error) {
	var evt event.Event
	if err := json.Unmarshal([]byte(eventJSON), &evt); err != nil {
		return event.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return evt, nil
}
