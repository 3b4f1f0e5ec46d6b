// ABOUTME: Store interface and data types for botwatch persistence
// ABOUTME: Defines monitored targets, ownership decisions and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateDecision is returned when a decision with the same correlation id was already recorded
var ErrDuplicateDecision = errors.New("decision already recorded")

// Outcome values stored in the decision log
const (
	OutcomeGranted     = "granted"      // no answer within the window
	OutcomeDenied      = "denied"       // a peer answered
	OutcomeSessionLost = "session_lost" // the session went away mid-query
	OutcomeCancelled   = "cancelled"    // the caller gave up
	OutcomeYielded     = "yielded"      // a peer asked for the same target with a lower id
)

// Target is one entry of the monitored set
type Target struct {
	ID         string
	AcquiredAt time.Time
}

// Decision records how one ownership query resolved
type Decision struct {
	CorrelationID string
	Target        string
	Outcome       string
	DecidedAt     time.Time
}

// Store persists the monitored set and the decision log
type Store interface {
	// SaveTarget adds or refreshes a monitored target.
	SaveTarget(ctx context.Context, target Target) error

	// DeleteTarget removes a target. Deleting an absent target is not an error.
	DeleteTarget(ctx context.Context, id string) error

	// ListTargets returns all monitored targets ordered by ID.
	ListTargets(ctx context.Context) ([]Target, error)

	// RecordDecision appends to the decision log.
	// Returns ErrDuplicateDecision if the correlation id is already present.
	RecordDecision(ctx context.Context, d *Decision) error

	// RecentDecisions returns up to limit decisions, newest first.
	RecentDecisions(ctx context.Context, limit int) ([]Decision, error)

	// Close releases the underlying resources.
	Close() error
}

func validOutcome(o string) bool {
	switch o {
	case OutcomeGranted, OutcomeDenied, OutcomeSessionLost, OutcomeCancelled, OutcomeYielded:
		return true
	}
	return false
}
