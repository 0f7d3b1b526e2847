package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/casekeep/internal/autosave"
	"github.com/MrWong99/casekeep/internal/casedef"
	"github.com/MrWong99/casekeep/internal/location"
	"github.com/MrWong99/casekeep/internal/slotstore"
	"github.com/MrWong99/casekeep/pkg/gamestate"
)

// Session owns the live state of one active game. Every verb mutates the
// state under the session lock and reports autosave triggers while still
// holding it, so autosave snapshots are taken in mutation order.
type Session struct {
	engine  *Engine
	caseDef *casedef.Case // nil when the catalog does not know the case
	owner   string
	outcome slotstore.Outcome

	mu     sync.Mutex
	state  *gamestate.State
	closed bool
}

// Outcome reports how the session's state was obtained: a [slotstore.Outcome]
// or "new_game".
func (s *Session) Outcome() slotstore.Outcome { return s.outcome }

// Snapshot returns a deep copy of the live state.
func (s *Session) Snapshot() *gamestate.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// do runs fn on the live state under the session lock.
func (s *Session) do(fn func(st *gamestate.State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return fn(s.state)
}

func (s *Session) notify(ctx context.Context, kind autosave.Kind) {
	s.engine.NotifyEvent(ctx, kind, s.state)
}

// DiscoverEvidence records evidence and reports whether it was new.
// Rediscovering is a no-op and triggers nothing.
func (s *Session) DiscoverEvidence(ctx context.Context, evidenceID string) (bool, error) {
	var added bool
	err := s.do(func(st *gamestate.State) error {
		if added = st.DiscoverEvidence(evidenceID); added {
			s.notify(ctx, autosave.KindEvidenceDiscovered)
		}
		return nil
	})
	return added, err
}

// Interrogate appends an exchange with a witness. A witness met for the first
// time starts at the trust the case configures.
func (s *Session) Interrogate(ctx context.Context, witnessID string, recs ...gamestate.ConversationRecord) error {
	if witnessID == "" {
		return fmt.Errorf("app: interrogate: empty witness id")
	}
	return s.do(func(st *gamestate.State) error {
		st.EnsureWitness(witnessID, s.initialTrust(witnessID))
		st.RecordWitnessExchange(witnessID, recs...)
		s.notify(ctx, autosave.KindWitnessInterrogated)
		return nil
	})
}

// AdjustTrust changes a witness's trust by delta and returns the clamped
// result.
func (s *Session) AdjustTrust(witnessID string, delta int) (int, error) {
	var trust int
	err := s.do(func(st *gamestate.State) error {
		st.EnsureWitness(witnessID, s.initialTrust(witnessID))
		trust = st.AdjustTrust(witnessID, delta)
		return nil
	})
	return trust, err
}

// RevealSecret marks a witness secret as revealed.
func (s *Session) RevealSecret(witnessID, secretID string) (bool, error) {
	var added bool
	err := s.do(func(st *gamestate.State) error {
		st.EnsureWitness(witnessID, s.initialTrust(witnessID))
		added = st.RevealSecret(witnessID, secretID)
		return nil
	})
	return added, err
}

// CastSpell counts a spell cast at the current location, optionally against
// a witness, and returns the number of casts of that spell here.
func (s *Session) CastSpell(spell, witnessID string) (int, error) {
	var n int
	err := s.do(func(st *gamestate.State) error {
		if witnessID != "" {
			st.EnsureWitness(witnessID, s.initialTrust(witnessID))
		}
		n = st.RecordSpellAttempt(spell, witnessID)
		return nil
	})
	return n, err
}

// SubmitVerdict consumes a verdict attempt. The autosave slot holds the new
// attempt count when SubmitVerdict returns.
func (s *Session) SubmitVerdict(ctx context.Context, attempt gamestate.VerdictAttempt) error {
	return s.do(func(st *gamestate.State) error {
		if err := st.SubmitVerdict(attempt); err != nil {
			return err
		}
		s.notify(ctx, autosave.KindVerdictSubmitted)
		return nil
	})
}

// MoveTo changes the current location. Locations outside the case's
// location list are rejected.
func (s *Session) MoveTo(ctx context.Context, to string) (location.Transition, error) {
	var t location.Transition
	err := s.do(func(st *gamestate.State) error {
		if s.caseDef != nil && to != "" && !s.caseDef.HasLocation(to) {
			return fmt.Errorf("app: case %s has no location %q", s.caseDef.ID, to)
		}
		next, tr, err := s.engine.locations.ChangeLocation(ctx, st, to)
		if err != nil {
			return err
		}
		t = tr
		if next != st {
			s.state = next
			s.notify(ctx, autosave.KindLocationChanged)
		}
		return nil
	})
	return t, err
}

// StartBriefing opens the case briefing.
func (s *Session) StartBriefing() error {
	return s.do(func(st *gamestate.State) error {
		st.StartBriefing()
		return nil
	})
}

// RecordBriefing appends a briefing exchange.
func (s *Session) RecordBriefing(rec gamestate.ConversationRecord) error {
	return s.do(func(st *gamestate.State) error {
		st.RecordBriefingExchange(rec)
		return nil
	})
}

// CompleteBriefing marks the briefing completed.
func (s *Session) CompleteBriefing(ctx context.Context) error {
	return s.do(func(st *gamestate.State) error {
		if st.CompleteBriefing() {
			s.notify(ctx, autosave.KindBriefingCompleted)
		}
		return nil
	})
}

// FireInnerVoice records an inner-voice trigger and reports whether it was
// new.
func (s *Session) FireInnerVoice(triggerID string) (bool, error) {
	var fired bool
	err := s.do(func(st *gamestate.State) error {
		fired = st.FireInnerVoice(triggerID)
		return nil
	})
	return fired, err
}

// Narrate appends rec to the narrator scratchpad of the current location.
func (s *Session) Narrate(rec gamestate.ConversationRecord) error {
	limit := s.engine.cfg.Gameplay.NarratorHistoryLimit
	return s.do(func(st *gamestate.State) error {
		s.ensureWitness(st, rec.WitnessID)
		st.AppendNarrator(rec, limit)
		return nil
	})
}

// Converse appends rec to the global conversation log.
func (s *Session) Converse(rec gamestate.ConversationRecord) error {
	return s.do(func(st *gamestate.State) error {
		s.ensureWitness(st, rec.WitnessID)
		st.RecordConversation(rec)
		return nil
	})
}

// ensureWitness creates the witness with its case trust before a record
// that references it would create it with the package default.
func (s *Session) ensureWitness(st *gamestate.State, witnessID string) {
	if witnessID != "" {
		st.EnsureWitness(witnessID, s.initialTrust(witnessID))
	}
}

// SaveTo writes the live state to slotID synchronously.
func (s *Session) SaveTo(ctx context.Context, slotID, customName string) (SaveResult, error) {
	var res SaveResult
	err := s.do(func(st *gamestate.State) error {
		var err error
		res, err = s.engine.Save(ctx, st, slotID, customName)
		return err
	})
	return res, err
}

// Restart resets the case to its initial state. Identity and creation time
// are kept.
func (s *Session) Restart() error {
	return s.do(func(st *gamestate.State) error {
		fresh, err := s.engine.NewGame(st.CaseID, st.PlayerID, "")
		if err != nil {
			return err
		}
		st.Reset(fresh.CurrentLocation, fresh.Verdict.AttemptsRemaining)
		return nil
	})
}

// Close flushes the pending autosave and ends the session.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var err error
	if c := s.engine.lookupController(s.owner); c != nil {
		err = c.Flush(ctx)
	}
	s.engine.endSession(ctx, s.owner)
	return err
}

// markClosed stops the session without flushing; the engine flushes its
// controllers itself.
func (s *Session) markClosed(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.engine.endSession(ctx, s.owner)
}

func (s *Session) initialTrust(witnessID string) int {
	fallback := s.engine.cfg.Gameplay.DefaultTrust
	if s.caseDef == nil {
		return fallback
	}
	return s.caseDef.WitnessTrust(witnessID, fallback)
}
