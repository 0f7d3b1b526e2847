package gamestate

import (
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	MinTrust = 0
	MaxTrust = 100

	// DefaultTrust is the starting trust of a witness the case catalog does
	// not configure.
	DefaultTrust = 50

	// DefaultVerdictAttempts is the number of verdict submissions a new case
	// allows.
	DefaultVerdictAttempts = 10

	// DefaultNarratorLimit bounds the narrator scratchpad when the caller
	// passes no explicit limit.
	DefaultNarratorLimit = 10
)

var (
	// ErrNoAttemptsRemaining is returned by [State.SubmitVerdict] once every
	// verdict attempt has been used.
	ErrNoAttemptsRemaining = errors.New("gamestate: no verdict attempts remaining")

	// ErrCaseSolved is returned by [State.SubmitVerdict] after a correct
	// verdict has already been recorded.
	ErrCaseSolved = errors.New("gamestate: case already solved")
)

// now returns the current time in UTC without a monotonic reading so that
// timestamps compare equal after an encode/decode round trip.
var now = func() time.Time {
	return time.Now().UTC().Round(0)
}

// Option configures a new [State].
type Option func(*State)

// WithVerdictAttempts overrides [DefaultVerdictAttempts].
func WithVerdictAttempts(n int) Option {
	return func(s *State) {
		if n >= 0 {
			s.Verdict.AttemptsRemaining = n
		}
	}
}

// WithStateID sets an explicit state id instead of a generated UUID.
func WithStateID(id string) Option {
	return func(s *State) {
		if id != "" {
			s.StateID = id
		}
	}
}

// New returns an empty investigation for caseID and playerID positioned at
// startLocation. The start location counts as visited.
func New(caseID, playerID, startLocation string, opts ...Option) *State {
	ts := now()
	s := &State{
		StateID:         uuid.NewString(),
		CaseID:          caseID,
		PlayerID:        playerID,
		CurrentLocation: startLocation,
		Verdict: VerdictState{
			AttemptsRemaining: DefaultVerdictAttempts,
		},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	s.Normalize()
	if startLocation != "" {
		s.VisitedLocations = addToSet(s.VisitedLocations, startLocation)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Touch bumps UpdatedAt. UpdatedAt never moves behind CreatedAt.
func (s *State) Touch() {
	ts := now()
	if ts.Before(s.CreatedAt) {
		ts = s.CreatedAt
	}
	s.UpdatedAt = ts
}

// DiscoverEvidence adds evidenceID to the discovered set. It reports whether
// the evidence was new; rediscovering is a no-op.
func (s *State) DiscoverEvidence(evidenceID string) bool {
	if evidenceID == "" || s.HasEvidence(evidenceID) {
		return false
	}
	s.DiscoveredEvidence = addToSet(s.DiscoveredEvidence, evidenceID)
	s.Touch()
	return true
}

// HasEvidence reports whether evidenceID has been discovered.
func (s *State) HasEvidence(evidenceID string) bool {
	_, ok := slices.BinarySearch(s.DiscoveredEvidence, evidenceID)
	return ok
}

// HasVisited reports whether locationID is in the visited set.
func (s *State) HasVisited(locationID string) bool {
	_, ok := slices.BinarySearch(s.VisitedLocations, locationID)
	return ok
}

// MoveTo sets the current location, clears the narrator scratchpad and marks
// the destination visited in one step. Callers normally go through the
// location manager, which works on a copy.
func (s *State) MoveTo(locationID string) {
	s.NarratorConversationHistory = []ConversationRecord{}
	s.CurrentLocation = locationID
	s.VisitedLocations = addToSet(s.VisitedLocations, locationID)
	s.Touch()
}

// Witness returns the state of witnessID, creating it with [DefaultTrust] on
// first use.
func (s *State) Witness(witnessID string) *WitnessState {
	return s.EnsureWitness(witnessID, DefaultTrust)
}

// EnsureWitness returns the state of witnessID, creating it with
// initialTrust (clamped) on first use. An existing witness is returned
// unchanged.
func (s *State) EnsureWitness(witnessID string, initialTrust int) *WitnessState {
	if s.WitnessStates == nil {
		s.WitnessStates = map[string]*WitnessState{}
	}
	if w, ok := s.WitnessStates[witnessID]; ok {
		return w
	}
	w := &WitnessState{
		WitnessID:           witnessID,
		Trust:               clampTrust(initialTrust),
		ConversationHistory: []ConversationRecord{},
		SecretsRevealed:     []string{},
		SpellAttempts:       map[string]int{},
	}
	s.WitnessStates[witnessID] = w
	s.Touch()
	return w
}

// AdjustTrust adds delta to the witness's trust and clamps the result to
// [MinTrust, MaxTrust]. It returns the new trust.
func (s *State) AdjustTrust(witnessID string, delta int) int {
	w := s.Witness(witnessID)
	w.Trust = clampTrust(w.Trust + delta)
	s.Touch()
	return w.Trust
}

// SetTrust sets the witness's trust, clamped.
func (s *State) SetTrust(witnessID string, trust int) int {
	w := s.Witness(witnessID)
	w.Trust = clampTrust(trust)
	s.Touch()
	return w.Trust
}

// RecordConversation appends rec to the global conversation log. A record
// addressed to a witness creates the witness entry if needed so the log never
// references an unknown witness.
func (s *State) RecordConversation(rec ConversationRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now()
	}
	if rec.WitnessID != "" {
		s.Witness(rec.WitnessID)
	}
	s.ConversationHistory = append(s.ConversationHistory, rec)
	s.Touch()
}

// RecordWitnessExchange appends records to the witness's own history.
func (s *State) RecordWitnessExchange(witnessID string, recs ...ConversationRecord) {
	w := s.Witness(witnessID)
	for _, rec := range recs {
		if rec.Timestamp.IsZero() {
			rec.Timestamp = now()
		}
		rec.WitnessID = witnessID
		w.ConversationHistory = append(w.ConversationHistory, rec)
	}
	s.Touch()
}

// RevealSecret marks secretID as revealed by witnessID. It reports whether
// the secret was new.
func (s *State) RevealSecret(witnessID, secretID string) bool {
	w := s.Witness(witnessID)
	if _, ok := slices.BinarySearch(w.SecretsRevealed, secretID); ok || secretID == "" {
		return false
	}
	w.SecretsRevealed = addToSet(w.SecretsRevealed, secretID)
	s.Touch()
	return true
}

// SetAwaitingConfirmation flags whether the witness waits for a player
// confirmation.
func (s *State) SetAwaitingConfirmation(witnessID string, awaiting bool) {
	s.Witness(witnessID).AwaitingConfirmation = awaiting
	s.Touch()
}

// RecordSpellAttempt counts a cast of spell at the current location and,
// when witnessID is non-empty, against that witness. It returns the
// location-level count.
func (s *State) RecordSpellAttempt(spell, witnessID string) int {
	if s.SpellAttemptsByLocation == nil {
		s.SpellAttemptsByLocation = map[string]map[string]int{}
	}
	byLoc := s.SpellAttemptsByLocation[s.CurrentLocation]
	if byLoc == nil {
		byLoc = map[string]int{}
		s.SpellAttemptsByLocation[s.CurrentLocation] = byLoc
	}
	byLoc[spell]++
	if witnessID != "" {
		w := s.Witness(witnessID)
		w.SpellAttempts[spell]++
	}
	s.Touch()
	return byLoc[spell]
}

// AppendNarrator appends rec to the narrator scratchpad, keeping at most
// limit records. A non-positive limit means [DefaultNarratorLimit]. Like
// [State.RecordConversation], a record addressed to a witness creates the
// witness entry if needed.
func (s *State) AppendNarrator(rec ConversationRecord, limit int) {
	if limit <= 0 {
		limit = DefaultNarratorLimit
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now()
	}
	if rec.WitnessID != "" {
		s.Witness(rec.WitnessID)
	}
	h := append(s.NarratorConversationHistory, rec)
	if len(h) > limit {
		h = slices.Clone(h[len(h)-limit:])
	}
	s.NarratorConversationHistory = h
	s.Touch()
}

// SubmitVerdict records a verdict attempt and consumes one attempt. A correct
// verdict marks the case solved.
func (s *State) SubmitVerdict(attempt VerdictAttempt) error {
	if s.Verdict.CaseSolved {
		return ErrCaseSolved
	}
	if s.Verdict.AttemptsRemaining <= 0 {
		return ErrNoAttemptsRemaining
	}
	if attempt.SubmittedAt.IsZero() {
		attempt.SubmittedAt = now()
	}
	if attempt.EvidenceCited == nil {
		attempt.EvidenceCited = []string{}
	}
	s.Verdict.AttemptsRemaining--
	s.Verdict.Attempts = append(s.Verdict.Attempts, attempt)
	if attempt.Correct {
		s.Verdict.CaseSolved = true
	}
	s.Touch()
	return nil
}

// BriefingPhase returns the briefing phase, [PhaseNotStarted] when the
// briefing has never been opened.
func (s *State) BriefingPhase() Phase {
	if s.Briefing == nil {
		return PhaseNotStarted
	}
	return s.Briefing.Phase
}

// StartBriefing opens the briefing. It is a no-op once started.
func (s *State) StartBriefing() {
	if s.Briefing != nil {
		return
	}
	s.Briefing = &BriefingState{
		Phase:               PhaseInProgress,
		ConversationHistory: []ConversationRecord{},
		StartedAt:           now(),
	}
	s.Touch()
}

// RecordBriefingExchange appends rec to the briefing dialogue, opening the
// briefing first if needed.
func (s *State) RecordBriefingExchange(rec ConversationRecord) {
	s.StartBriefing()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now()
	}
	s.Briefing.ConversationHistory = append(s.Briefing.ConversationHistory, rec)
	s.Touch()
}

// CompleteBriefing marks the briefing completed. It reports whether the call
// changed the phase.
func (s *State) CompleteBriefing() bool {
	s.StartBriefing()
	if s.Briefing.Phase == PhaseCompleted {
		return false
	}
	ts := now()
	s.Briefing.Phase = PhaseCompleted
	s.Briefing.CompletedAt = &ts
	s.Touch()
	return true
}

// InnerVoicePhase returns the inner-voice phase, [PhaseNotStarted] when no
// trigger has fired yet.
func (s *State) InnerVoicePhase() Phase {
	if s.InnerVoice == nil {
		return PhaseNotStarted
	}
	return s.InnerVoice.Phase
}

// FireInnerVoice records triggerID as fired. It reports false when the
// trigger had already fired.
func (s *State) FireInnerVoice(triggerID string) bool {
	if s.InnerVoice == nil {
		s.InnerVoice = &InnerVoiceState{
			Phase:         PhaseInProgress,
			FiredTriggers: []string{},
		}
	}
	if _, ok := slices.BinarySearch(s.InnerVoice.FiredTriggers, triggerID); ok {
		return false
	}
	s.InnerVoice.FiredTriggers = addToSet(s.InnerVoice.FiredTriggers, triggerID)
	s.InnerVoice.LastFiredAt = now()
	s.Touch()
	return true
}

// Reset clears all progress and returns the case to its initial shape at
// startLocation. Identity, StateID and CreatedAt are kept.
func (s *State) Reset(startLocation string, verdictAttempts int) {
	fresh := New(s.CaseID, s.PlayerID, startLocation,
		WithStateID(s.StateID), WithVerdictAttempts(verdictAttempts))
	fresh.CreatedAt = s.CreatedAt
	*s = *fresh
	s.Touch()
}

// Normalize replaces nil collections with empty ones so that decoded and
// freshly constructed states compare equal.
func (s *State) Normalize() {
	if s.VisitedLocations == nil {
		s.VisitedLocations = []string{}
	}
	if s.DiscoveredEvidence == nil {
		s.DiscoveredEvidence = []string{}
	}
	if s.ConversationHistory == nil {
		s.ConversationHistory = []ConversationRecord{}
	}
	if s.NarratorConversationHistory == nil {
		s.NarratorConversationHistory = []ConversationRecord{}
	}
	if s.WitnessStates == nil {
		s.WitnessStates = map[string]*WitnessState{}
	}
	for _, w := range s.WitnessStates {
		if w == nil {
			continue
		}
		if w.ConversationHistory == nil {
			w.ConversationHistory = []ConversationRecord{}
		}
		if w.SecretsRevealed == nil {
			w.SecretsRevealed = []string{}
		}
		if w.SpellAttempts == nil {
			w.SpellAttempts = map[string]int{}
		}
	}
	if s.Verdict.Attempts == nil {
		s.Verdict.Attempts = []VerdictAttempt{}
	}
	for i := range s.Verdict.Attempts {
		if s.Verdict.Attempts[i].EvidenceCited == nil {
			s.Verdict.Attempts[i].EvidenceCited = []string{}
		}
	}
	if s.Briefing != nil && s.Briefing.ConversationHistory == nil {
		s.Briefing.ConversationHistory = []ConversationRecord{}
	}
	if s.InnerVoice != nil && s.InnerVoice.FiredTriggers == nil {
		s.InnerVoice.FiredTriggers = []string{}
	}
	if s.SpellAttemptsByLocation == nil {
		s.SpellAttemptsByLocation = map[string]map[string]int{}
	}
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.VisitedLocations = slices.Clone(s.VisitedLocations)
	c.DiscoveredEvidence = slices.Clone(s.DiscoveredEvidence)
	c.ConversationHistory = slices.Clone(s.ConversationHistory)
	c.NarratorConversationHistory = slices.Clone(s.NarratorConversationHistory)

	if s.WitnessStates != nil {
		c.WitnessStates = make(map[string]*WitnessState, len(s.WitnessStates))
		for id, w := range s.WitnessStates {
			if w == nil {
				c.WitnessStates[id] = nil
				continue
			}
			wc := *w
			wc.ConversationHistory = slices.Clone(w.ConversationHistory)
			wc.SecretsRevealed = slices.Clone(w.SecretsRevealed)
			wc.SpellAttempts = maps.Clone(w.SpellAttempts)
			c.WitnessStates[id] = &wc
		}
	}

	c.Verdict.Attempts = slices.Clone(s.Verdict.Attempts)
	for i := range c.Verdict.Attempts {
		c.Verdict.Attempts[i].EvidenceCited = slices.Clone(s.Verdict.Attempts[i].EvidenceCited)
	}

	if s.Briefing != nil {
		b := *s.Briefing
		b.ConversationHistory = slices.Clone(s.Briefing.ConversationHistory)
		if s.Briefing.CompletedAt != nil {
			ts := *s.Briefing.CompletedAt
			b.CompletedAt = &ts
		}
		c.Briefing = &b
	}
	if s.InnerVoice != nil {
		iv := *s.InnerVoice
		iv.FiredTriggers = slices.Clone(s.InnerVoice.FiredTriggers)
		c.InnerVoice = &iv
	}

	if s.SpellAttemptsByLocation != nil {
		c.SpellAttemptsByLocation = make(map[string]map[string]int, len(s.SpellAttemptsByLocation))
		for loc, m := range s.SpellAttemptsByLocation {
			c.SpellAttemptsByLocation[loc] = maps.Clone(m)
		}
	}
	return &c
}

// InterrogatedWitnesses counts witnesses with a non-empty conversation
// history.
func (s *State) InterrogatedWitnesses() int {
	n := 0
	for _, w := range s.WitnessStates {
		if w != nil && w.Interrogated() {
			n++
		}
	}
	return n
}

func clampTrust(t int) int {
	return min(max(t, MinTrust), MaxTrust)
}

// addToSet inserts v into the sorted set, returning the set unchanged when v
// is already present.
func addToSet(set []string, v string) []string {
	i, ok := slices.BinarySearch(set, v)
	if ok {
		return set
	}
	return slices.Insert(set, i, v)
}
