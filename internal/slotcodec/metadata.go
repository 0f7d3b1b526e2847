package slotcodec

import (
	"time"

	"github.com/MrWong99/casekeep/pkg/gamestate"
)

// Metadata is the slot summary written ahead of the state body. Listing slots
// only ever reads Metadata, never the full state.
type Metadata struct {
	SlotID   string `json:"slot_id"`
	CaseID   string `json:"case_id"`
	PlayerID string `json:"player_id"`
	StateID  string `json:"state_id"`

	// Timestamp is the time of the save that produced the record.
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`

	Location              string `json:"location"`
	EvidenceCount         int    `json:"evidence_count"`
	WitnessesInterrogated int    `json:"witnesses_interrogated"`

	// ProgressPercent is EvidenceCount relative to the case total, in
	// [0, 100]. Zero when the total is unknown.
	ProgressPercent int `json:"progress_percent"`

	CustomName string `json:"custom_name,omitempty"`
	CaseSolved bool   `json:"case_solved"`

	// Version is the schema version of the body. Set by [Codec.Encode].
	Version int `json:"version"`

	// Corrupt marks a listing entry whose header could not be read.
	Corrupt bool `json:"-"`
}

// NewMetadata summarises s for slotID. totalEvidence is the number of
// evidence items the case defines, or zero when unknown.
func NewMetadata(slotID string, s *gamestate.State, totalEvidence int, customName string) Metadata {
	return Metadata{
		SlotID:                slotID,
		CaseID:                s.CaseID,
		PlayerID:              s.PlayerID,
		StateID:               s.StateID,
		Timestamp:             s.UpdatedAt,
		CreatedAt:             s.CreatedAt,
		Location:              s.CurrentLocation,
		EvidenceCount:         len(s.DiscoveredEvidence),
		WitnessesInterrogated: s.InterrogatedWitnesses(),
		ProgressPercent:       ProgressPercent(len(s.DiscoveredEvidence), totalEvidence),
		CustomName:            customName,
		CaseSolved:            s.Verdict.CaseSolved,
	}
}

// ProgressPercent returns found/total as a whole percentage clamped to
// [0, 100].
func ProgressPercent(found, total int) int {
	if total <= 0 || found <= 0 {
		return 0
	}
	return min(found*100/total, 100)
}
