// Package gamestate defines the snapshot of a single investigation: where the
// player stands, what they have found, how each witness regards them and how
// many verdict attempts remain.
//
// A [State] is plain data plus invariants. It performs no I/O; persistence is
// handled by the slot store and the codec, which both operate on copies
// obtained through [State.Clone].
//
// A State is not safe for concurrent mutation. Exactly one live instance
// exists per active game session and its owner serialises access.
package gamestate

import "time"

// SpeakerKind tags the author of a [ConversationRecord]. The engine stores the
// tag verbatim and never interprets the record's text.
type SpeakerKind string

const (
	SpeakerPlayer   SpeakerKind = "player"
	SpeakerNarrator SpeakerKind = "narrator"
	SpeakerWitness  SpeakerKind = "witness"
	SpeakerSystem   SpeakerKind = "system"
)

// IsValid reports whether k is a recognised speaker kind.
func (k SpeakerKind) IsValid() bool {
	switch k {
	case SpeakerPlayer, SpeakerNarrator, SpeakerWitness, SpeakerSystem:
		return true
	}
	return false
}

// ConversationRecord is one opaque exchange handed over by the narrative layer.
type ConversationRecord struct {
	Speaker SpeakerKind `json:"speaker"`

	// WitnessID links the record to an entry in [State.WitnessStates]. Empty
	// for narrator and player records that are not addressed to a witness.
	WitnessID string `json:"witness_id,omitempty"`

	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// WitnessState is everything the game remembers about one witness.
type WitnessState struct {
	WitnessID string `json:"witness_id"`

	// Trust is always within [MinTrust, MaxTrust]. Mutations clamp.
	Trust int `json:"trust"`

	ConversationHistory []ConversationRecord `json:"conversation_history"`

	// SecretsRevealed is a sorted set of secret ids.
	SecretsRevealed []string `json:"secrets_revealed"`

	// SpellAttempts counts casts per spell name against this witness.
	SpellAttempts map[string]int `json:"spell_attempts"`

	// AwaitingConfirmation is set while the witness waits for the player to
	// confirm a pending action (for example a spell cast).
	AwaitingConfirmation bool `json:"awaiting_confirmation"`
}

// Interrogated reports whether the player has exchanged any dialogue with the
// witness.
func (w *WitnessState) Interrogated() bool {
	return len(w.ConversationHistory) > 0
}

// VerdictAttempt is one past verdict submission.
type VerdictAttempt struct {
	AccusedID     string    `json:"accused_id"`
	Reasoning     string    `json:"reasoning"`
	EvidenceCited []string  `json:"evidence_cited"`
	Correct       bool      `json:"correct"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// VerdictState tracks the verdict attempts of a case. CaseSolved is
// monotonic: once true it is only cleared by [State.Reset].
type VerdictState struct {
	AttemptsRemaining int              `json:"attempts_remaining"`
	Attempts          []VerdictAttempt `json:"attempts"`
	CaseSolved        bool             `json:"case_solved"`
}

// Phase describes the progress of a lazily initialised sub-record.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseInProgress Phase = "in_progress"
	PhaseCompleted  Phase = "completed"
)

// IsValid reports whether p is a recognised phase.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseNotStarted, PhaseInProgress, PhaseCompleted:
		return true
	}
	return false
}

// BriefingState records the case briefing. It is nil on a fresh state and is
// created by [State.StartBriefing].
type BriefingState struct {
	Phase               Phase                `json:"phase"`
	ConversationHistory []ConversationRecord `json:"conversation_history"`
	StartedAt           time.Time            `json:"started_at"`
	CompletedAt         *time.Time           `json:"completed_at,omitempty"`
}

// InnerVoiceState records which inner-voice triggers have already fired. It
// is nil until the first trigger fires.
type InnerVoiceState struct {
	Phase         Phase     `json:"phase"`
	FiredTriggers []string  `json:"fired_triggers"`
	LastFiredAt   time.Time `json:"last_fired_at"`
}

// State is the persisted snapshot of one investigation for one player.
type State struct {
	StateID         string `json:"state_id"`
	CaseID          string `json:"case_id"`
	PlayerID        string `json:"player_id"`
	CurrentLocation string `json:"current_location"`

	// VisitedLocations and DiscoveredEvidence are sorted sets that only grow
	// during play. Only [State.Reset] clears them.
	VisitedLocations   []string `json:"visited_locations"`
	DiscoveredEvidence []string `json:"discovered_evidence"`

	ConversationHistory []ConversationRecord `json:"conversation_history"`

	// NarratorConversationHistory is the per-location scratchpad. It holds at
	// most the last N records and is cleared on every location change.
	NarratorConversationHistory []ConversationRecord `json:"narrator_conversation_history"`

	WitnessStates map[string]*WitnessState `json:"witness_states"`

	Verdict VerdictState `json:"verdict_state"`

	Briefing   *BriefingState   `json:"briefing_state,omitempty"`
	InnerVoice *InnerVoiceState `json:"inner_voice_state,omitempty"`

	SpellAttemptsByLocation map[string]map[string]int `json:"spell_attempts_by_location"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
