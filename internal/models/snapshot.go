package models

import "time"

// Freshness labels derived from a snapshot's age.
const (
	FreshnessFresh   = "fresh"
	FreshnessStale   = "stale"
	FreshnessExpired = "expired"
)

// SeatSnapshot is the persisted result of the most recent successful seat
// audit for a scope. One row per scope, overwritten on each completion.
type SeatSnapshot struct {
	Scope          Scope     `json:"scope"`
	MeasuredSeats  int       `json:"measured_seats"`
	SeatLimit      int       `json:"seat_limit"`
	OverLimit      bool      `json:"over_limit"`
	Freshness      string    `json:"freshness"`
	CheckedAt      time.Time `json:"checked_at"`
	NextCheckAfter time.Time `json:"next_check_after"`
	LastError      *string   `json:"last_error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FreshnessOf classifies a snapshot age against the two thresholds.
func FreshnessOf(now, checkedAt time.Time, staleAfter, expireAfter time.Duration) string {
	age := now.Sub(checkedAt)
	switch {
	case age >= expireAfter:
		return FreshnessExpired
	case age >= staleAfter:
		return FreshnessStale
	default:
		return FreshnessFresh
	}
}
