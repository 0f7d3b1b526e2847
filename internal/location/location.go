// Package location applies the reset rules of moving the player between
// locations.
//
// A transition never mutates the state it is given. [Manager.ChangeLocation]
// builds the post-transition state on a deep copy and returns it whole, so
// no reader ever sees the new location with the old scratchpad or the
// reverse.
package location

import (
	"context"
	"errors"

	"github.com/MrWong99/casekeep/internal/observe"
	"github.com/MrWong99/casekeep/pkg/gamestate"
)

// ErrEmptyLocation is returned when the destination location id is empty.
var ErrEmptyLocation = errors.New("location: empty location id")

// Transition describes an applied location change.
type Transition struct {
	From string
	To   string

	// FirstVisit is true when To was not in the visited set before.
	FirstVisit bool

	// ClearedRecords is the number of narrator scratchpad records dropped.
	ClearedRecords int
}

// Option configures a [Manager].
type Option func(*Manager)

// WithOnTransition registers fn to run after every applied transition.
// No-op changes do not call it.
func WithOnTransition(fn func(context.Context, Transition)) Option {
	return func(m *Manager) { m.onTransition = fn }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(metrics *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// Manager applies location transitions. It holds no per-game state and is
// safe for concurrent use.
type Manager struct {
	onTransition func(context.Context, Transition)
	metrics      *observe.Metrics
}

// NewManager returns a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// ChangeLocation moves s to the location to.
//
// When to is already the current location s itself is returned and the
// transition is zero. Otherwise the result is a copy of s at to with the
// narrator scratchpad cleared, to marked visited and updated_at bumped.
// Evidence, witnesses and the verdict are carried over untouched.
func (m *Manager) ChangeLocation(ctx context.Context, s *gamestate.State, to string) (*gamestate.State, Transition, error) {
	if to == "" {
		return nil, Transition{}, ErrEmptyLocation
	}
	if s == nil {
		return nil, Transition{}, errors.New("location: nil state")
	}
	if s.CurrentLocation == to {
		return s, Transition{}, nil
	}

	t := Transition{
		From:           s.CurrentLocation,
		To:             to,
		FirstVisit:     !s.HasVisited(to),
		ClearedRecords: len(s.NarratorConversationHistory),
	}

	next := s.Clone()
	next.MoveTo(to)

	m.metrics.RecordTransition(ctx, t.FirstVisit)
	observe.Logger(ctx).Debug("location changed",
		"case_id", s.CaseID, "player_id", s.PlayerID,
		"from", t.From, "to", t.To, "first_visit", t.FirstVisit, "cleared_records", t.ClearedRecords)
	if m.onTransition != nil {
		m.onTransition(ctx, t)
	}
	return next, t, nil
}
