// Package id generates identifiers for stories and events.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns a 26-character lowercase base32 identifier derived from a
// random UUID, with no padding. Used for story ids.
func NewID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(u[:])
	return strings.ToLower(encoded), nil
}

// NewEventID returns an event id of the form evt_{turn}_{unix}_{suffix},
// where suffix is the first 8 hex characters of a random UUID. The turn
// and timestamp make ids grep-able in logs; the suffix makes them unique.
func NewEventID(turn int, now time.Time) string {
	return fmt.Sprintf("evt_%d_%d_%s", turn, now.Unix(), randomSuffix())
}

// NewFixEventID returns an id for a synthesized repair event, shaped like
// an event id but with a fix marker so repair events stand out in the log.
func NewFixEventID(turn int, now time.Time) string {
	return fmt.Sprintf("evt_fix_%d_%d_%s", turn, now.Unix(), randomSuffix())
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
