package gamestate

import "slices"

// Repair applies conservative fixes for the violations [State.Validate]
// reports: out-of-range values are clamped, malformed sets are rebuilt and
// records that reference unknown witnesses are dropped. Nothing else is
// touched. Repair returns the violations that remain afterwards; identity
// fields and a missing creation time cannot be repaired.
func (s *State) Repair() []Violation {
	s.Normalize()

	for id, w := range s.WitnessStates {
		if w == nil {
			delete(s.WitnessStates, id)
			continue
		}
		w.WitnessID = id
		w.Trust = clampTrust(w.Trust)
		w.SecretsRevealed = rebuildSet(w.SecretsRevealed)
		w.ConversationHistory = slices.DeleteFunc(w.ConversationHistory, func(rec ConversationRecord) bool {
			return rec.WitnessID != "" && rec.WitnessID != id
		})
	}

	s.VisitedLocations = rebuildSet(s.VisitedLocations)
	s.DiscoveredEvidence = rebuildSet(s.DiscoveredEvidence)
	if s.CurrentLocation != "" {
		s.VisitedLocations = addToSet(s.VisitedLocations, s.CurrentLocation)
	}

	dangling := func(rec ConversationRecord) bool {
		if rec.WitnessID == "" {
			return false
		}
		_, ok := s.WitnessStates[rec.WitnessID]
		return !ok
	}
	s.ConversationHistory = slices.DeleteFunc(s.ConversationHistory, dangling)
	s.NarratorConversationHistory = slices.DeleteFunc(s.NarratorConversationHistory, dangling)

	if !s.CreatedAt.IsZero() && s.UpdatedAt.Before(s.CreatedAt) {
		s.UpdatedAt = s.CreatedAt
	}
	if s.Verdict.AttemptsRemaining < 0 {
		s.Verdict.AttemptsRemaining = 0
	}

	if s.Briefing != nil && !s.Briefing.Phase.IsValid() {
		s.Briefing.Phase = PhaseInProgress
	}
	if s.InnerVoice != nil {
		if !s.InnerVoice.Phase.IsValid() {
			s.InnerVoice.Phase = PhaseInProgress
		}
		s.InnerVoice.FiredTriggers = rebuildSet(s.InnerVoice.FiredTriggers)
	}

	return s.Validate()
}

// rebuildSet sorts set, removes duplicates and drops empty members.
func rebuildSet(set []string) []string {
	out := slices.DeleteFunc(slices.Clone(set), func(v string) bool { return v == "" })
	slices.Sort(out)
	out = slices.Compact(out)
	if out == nil {
		out = []string{}
	}
	return out
}
