package gamestate

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// ViolationCode classifies a failed invariant.
type ViolationCode string

const (
	CodeMissingField      ViolationCode = "missing_field"
	CodeTrustOutOfRange   ViolationCode = "trust_out_of_range"
	CodeTimestampOrder    ViolationCode = "timestamp_order"
	CodeLocationUnvisited ViolationCode = "location_not_visited"
	CodeNegativeAttempts  ViolationCode = "negative_attempts"
	CodeDanglingWitness   ViolationCode = "dangling_witness_ref"
	CodeWitnessKey        ViolationCode = "witness_key_mismatch"
	CodeNilWitness        ViolationCode = "nil_witness"
	CodeMalformedSet      ViolationCode = "malformed_set"
	CodeInvalidPhase      ViolationCode = "invalid_phase"
)

// Violation describes one broken invariant found by [State.Validate].
type Violation struct {
	Code ViolationCode `json:"code"`

	// Path locates the offending value, e.g. "witness_states[butler].trust".
	Path string `json:"path"`

	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s (%s)", v.Path, v.Message, v.Code)
}

// Validate checks the structural and referential invariants of s and returns
// every violation found. A nil result means s is valid.
func (s *State) Validate() []Violation {
	var vs []Violation
	add := func(code ViolationCode, path, format string, args ...any) {
		vs = append(vs, Violation{Code: code, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	// Identity.
	if s.StateID == "" {
		add(CodeMissingField, "state_id", "state id is empty")
	}
	if s.CaseID == "" {
		add(CodeMissingField, "case_id", "case id is empty")
	}
	if s.PlayerID == "" {
		add(CodeMissingField, "player_id", "player id is empty")
	}
	if s.CurrentLocation == "" {
		add(CodeMissingField, "current_location", "current location is empty")
	}

	// Timestamps.
	if s.CreatedAt.IsZero() {
		add(CodeMissingField, "created_at", "creation time is not set")
	} else if s.UpdatedAt.Before(s.CreatedAt) {
		add(CodeTimestampOrder, "updated_at", "updated_at %s precedes created_at %s",
			s.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"), s.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	}

	// Sets.
	if !isStrictSet(s.VisitedLocations) {
		add(CodeMalformedSet, "visited_locations", "set is unsorted, has duplicates or empty ids")
	}
	if !isStrictSet(s.DiscoveredEvidence) {
		add(CodeMalformedSet, "discovered_evidence", "set is unsorted, has duplicates or empty ids")
	}
	if s.CurrentLocation != "" && !slices.Contains(s.VisitedLocations, s.CurrentLocation) {
		add(CodeLocationUnvisited, "visited_locations", "current location %q is not in the visited set", s.CurrentLocation)
	}

	// Witnesses.
	for _, id := range sortedKeys(s.WitnessStates) {
		w := s.WitnessStates[id]
		path := fmt.Sprintf("witness_states[%s]", id)
		if w == nil {
			add(CodeNilWitness, path, "witness entry is null")
			continue
		}
		if w.WitnessID != id {
			add(CodeWitnessKey, path+".witness_id", "witness id %q does not match key %q", w.WitnessID, id)
		}
		if w.Trust < MinTrust || w.Trust > MaxTrust {
			add(CodeTrustOutOfRange, path+".trust", "trust %d outside [%d, %d]", w.Trust, MinTrust, MaxTrust)
		}
		if !isStrictSet(w.SecretsRevealed) {
			add(CodeMalformedSet, path+".secrets_revealed", "set is unsorted, has duplicates or empty ids")
		}
		for i, rec := range w.ConversationHistory {
			if rec.WitnessID != "" && rec.WitnessID != id {
				add(CodeDanglingWitness, fmt.Sprintf("%s.conversation_history[%d]", path, i),
					"record references witness %q inside %q", rec.WitnessID, id)
			}
		}
	}

	// Referential integrity of the global log.
	for i, rec := range s.ConversationHistory {
		if rec.WitnessID == "" {
			continue
		}
		if w, ok := s.WitnessStates[rec.WitnessID]; !ok || w == nil {
			add(CodeDanglingWitness, fmt.Sprintf("conversation_history[%d].witness_id", i),
				"unknown witness %q", rec.WitnessID)
		}
	}
	for i, rec := range s.NarratorConversationHistory {
		if rec.WitnessID == "" {
			continue
		}
		if w, ok := s.WitnessStates[rec.WitnessID]; !ok || w == nil {
			add(CodeDanglingWitness, fmt.Sprintf("narrator_conversation_history[%d].witness_id", i),
				"unknown witness %q", rec.WitnessID)
		}
	}

	// Verdict.
	if s.Verdict.AttemptsRemaining < 0 {
		add(CodeNegativeAttempts, "verdict_state.attempts_remaining", "attempts remaining is %d", s.Verdict.AttemptsRemaining)
	}

	// Lazy sub-records.
	if s.Briefing != nil && !s.Briefing.Phase.IsValid() {
		add(CodeInvalidPhase, "briefing_state.phase", "unknown phase %q", s.Briefing.Phase)
	}
	if s.InnerVoice != nil {
		if !s.InnerVoice.Phase.IsValid() {
			add(CodeInvalidPhase, "inner_voice_state.phase", "unknown phase %q", s.InnerVoice.Phase)
		}
		if !isStrictSet(s.InnerVoice.FiredTriggers) {
			add(CodeMalformedSet, "inner_voice_state.fired_triggers", "set is unsorted, has duplicates or empty ids")
		}
	}

	return vs
}

// ViolationsError joins violations into a single error.
func ViolationsError(vs []Violation) error {
	errs := make([]error, 0, len(vs))
	for _, v := range vs {
		errs = append(errs, errors.New(v.String()))
	}
	return errors.Join(errs...)
}

// isStrictSet reports whether set is sorted, duplicate free and has no empty
// members.
func isStrictSet(set []string) bool {
	for i, v := range set {
		if v == "" {
			return false
		}
		if i > 0 && set[i-1] >= v {
			return false
		}
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
