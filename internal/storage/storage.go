// Package storage defines the persistence interfaces for canonical
// states and the append-only event log.
package storage

import (
	"context"
	"errors"

	"github.com/louisbranch/storycanon/internal/canon"
	"github.com/louisbranch/storycanon/internal/canon/event"
)

var (
	// ErrStateNotFound indicates no canonical state exists for the story.
	ErrStateNotFound = errors.New("canonical state not found")
	// ErrEventNotFound indicates no event exists with the given id.
	ErrEventNotFound = errors.New("event not found")
	// ErrEventExists indicates an append with an already-used event id.
	ErrEventExists = errors.New("event id already exists")
	// ErrCorruptState indicates a stored state that no longer decodes or
	// validates. Recovery means replaying the story's event log from the
	// seed state.
	ErrCorruptState = errors.New("stored canonical state is corrupt; rebuild it by replaying the event log")
)

// TimeRange bounds an event query by time order. A nil bound is open.
type TimeRange struct {
	Min *int
	Max *int
}

// Store persists canonical states and events. One state row exists per
// story; events are append-only and never mutated.
type Store interface {
	// LoadState returns the story's canonical state, or ErrStateNotFound.
	LoadState(ctx context.Context, storyID string) (canon.State, error)
	// SaveState atomically rewrites the story's canonical state.
	SaveState(ctx context.Context, state canon.State) error
	// InitializeState returns the existing state or creates and persists
	// the seed state for a new story.
	InitializeState(ctx context.Context, storyID string) (canon.State, error)

	// AppendEvent adds one event to the story's log, or ErrEventExists.
	AppendEvent(ctx context.Context, storyID string, evt event.Event) error
	// CommitTurn saves the state and appends the turn's events in one
	// transaction: either all of it lands or none of it does.
	CommitTurn(ctx context.Context, state canon.State, events []event.Event) error

	// GetEvent returns one event by id, or ErrEventNotFound.
	GetEvent(ctx context.Context, eventID string) (event.Event, error)
	// ListRecentEvents returns the story's newest events, time order
	// descending, paged by limit and offset.
	ListRecentEvents(ctx context.Context, storyID string, limit, offset int) ([]event.Event, error)
	// EventsByTurn returns the events of one turn, time order ascending.
	EventsByTurn(ctx context.Context, storyID string, turn int) ([]event.Event, error)
	// EventsByTimeRange returns events within the time-order range,
	// ascending.
	EventsByTimeRange(ctx context.Context, storyID string, r TimeRange) ([]event.Event, error)
}
