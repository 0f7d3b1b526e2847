package slotcodec_test

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/casekeep/internal/slotcodec"
	"github.com/MrWong99/casekeep/pkg/gamestate"
)

func richState(t *testing.T) *gamestate.State {
	t.Helper()
	s := gamestate.New("manor", "alice", "library", gamestate.WithVerdictAttempts(3))
	s.DiscoverEvidence("knife")
	s.DiscoverEvidence("letter")
	s.RecordWitnessExchange("cook",
		gamestate.ConversationRecord{Speaker: gamestate.SpeakerPlayer, Text: "Where were you?"},
		gamestate.ConversationRecord{Speaker: gamestate.SpeakerWitness, Text: "In the pantry."},
	)
	s.RevealSecret("cook", "pantry-key")
	s.RecordSpellAttempt("truth", "cook")
	s.AppendNarrator(gamestate.ConversationRecord{Speaker: gamestate.SpeakerNarrator, Text: "Dust everywhere."}, 10)
	s.StartBriefing()
	s.CompleteBriefing()
	s.FireInnerVoice("first-clue")
	if err := s.SubmitVerdict(gamestate.VerdictAttempt{AccusedID: "butler", Reasoning: "motive", EvidenceCited: []string{"knife"}}); err != nil {
		t.Fatalf("SubmitVerdict: %v", err)
	}
	return s
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	c := slotcodec.New()
	s := richState(t)
	meta := slotcodec.NewMetadata("slot_1", s, 4, "before the accusation")

	rec, err := c.Encode(s, meta)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Contains(string(rec.Header), "\n") {
		t.Fatal("header must be a single line")
	}

	got, gotMeta, err := c.Decode(slotcodec.SplitRecord(rec.Bytes()))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(got, s) {
		t.Errorf("decoded state differs\n got: %+v\nwant: %+v", got, s)
	}

	meta.Version = slotcodec.CurrentVersion
	if !reflect.DeepEqual(gotMeta, meta) {
		t.Errorf("metadata = %+v, want %+v", gotMeta, meta)
	}
	if gotMeta.EvidenceCount != 2 || gotMeta.ProgressPercent != 50 || gotMeta.WitnessesInterrogated != 1 {
		t.Errorf("summary fields wrong: %+v", gotMeta)
	}
}

func TestDecodeHeader(t *testing.T) {
	t.Parallel()

	c := slotcodec.New()
	s := gamestate.New("manor", "alice", "hall")
	rec, err := c.Encode(s, slotcodec.NewMetadata("autosave", s, 0, ""))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	meta, err := c.DecodeHeader(rec.Header)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if meta.SlotID != "autosave" || meta.Location != "hall" || meta.Version != slotcodec.CurrentVersion {
		t.Errorf("unexpected metadata %+v", meta)
	}

	if _, err := c.DecodeHeader(nil); !errors.Is(err, slotcodec.ErrNoHeader) {
		t.Errorf("empty header: got %v, want ErrNoHeader", err)
	}
	if _, err := c.DecodeHeader([]byte("{oops")); !errors.Is(err, slotcodec.ErrCorruptState) {
		t.Errorf("garbage header: got %v, want ErrCorruptState", err)
	}
}

func TestSplitRecord_Legacy(t *testing.T) {
	t.Parallel()

	legacy := []byte("{\n  \"case_id\": \"manor\"\n}\n")
	rec := slotcodec.SplitRecord(legacy)
	if rec.Header != nil {
		t.Errorf("expected no header, got %q", rec.Header)
	}
	if string(rec.Body) != string(legacy) {
		t.Errorf("body = %q", rec.Body)
	}
}

// legacyV1 is a flat pre-slot save.
const legacyV1 = `{
  "case_id": "manor",
  "player_id": "alice",
  "location": "library",
  "evidence_discovered": ["knife", "letter"],
  "conversation_history": [
    {"speaker": "witness", "witness_id": "cook", "text": "I saw nothing.", "timestamp": "2026-01-02T10:00:00Z"}
  ],
  "witness_states": {
    "cook": {
      "trust": 40,
      "conversation_history": [
        {"speaker": "witness", "witness_id": "cook", "text": "I saw nothing.", "timestamp": "2026-01-02T10:00:00Z"}
      ],
      "secrets_revealed": ["pantry"]
    }
  },
  "attempts_remaining": 9,
  "verdict_attempts": [
    {"accused_id": "butler", "reasoning": "motive", "evidence_cited": ["knife"], "correct": false, "submitted_at": "2026-01-02T11:00:00Z"}
  ],
  "case_solved": false,
  "last_saved": "2026-01-02T12:00:00Z"
}`

func expectedFromV1() *gamestate.State {
	rec := gamestate.ConversationRecord{
		Speaker:   gamestate.SpeakerWitness,
		WitnessID: "cook",
		Text:      "I saw nothing.",
		Timestamp: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
	}
	saved := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	s := &gamestate.State{
		StateID:             "legacy-manor-alice",
		CaseID:              "manor",
		PlayerID:            "alice",
		CurrentLocation:     "library",
		VisitedLocations:    []string{"library"},
		DiscoveredEvidence:  []string{"knife", "letter"},
		ConversationHistory: []gamestate.ConversationRecord{rec},
		WitnessStates: map[string]*gamestate.WitnessState{
			"cook": {
				WitnessID:           "cook",
				Trust:               40,
				ConversationHistory: []gamestate.ConversationRecord{rec},
				SecretsRevealed:     []string{"pantry"},
			},
		},
		Verdict: gamestate.VerdictState{
			AttemptsRemaining: 9,
			Attempts: []gamestate.VerdictAttempt{{
				AccusedID:     "butler",
				Reasoning:     "motive",
				EvidenceCited: []string{"knife"},
				SubmittedAt:   time.Date(2026, 1, 2, 11, 0, 0, 0, time.UTC),
			}},
		},
		CreatedAt: saved,
		UpdatedAt: saved,
	}
	s.Normalize()
	return s
}

func TestDecode_MigratesLegacyHeaderless(t *testing.T) {
	t.Parallel()

	got, meta, err := slotcodec.New().Decode(slotcodec.SplitRecord([]byte(legacyV1)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if want := expectedFromV1(); !reflect.DeepEqual(got, want) {
		t.Errorf("migrated state differs\n got: %+v\nwant: %+v", got, want)
	}
	if meta.Version != 1 {
		t.Errorf("metadata version = %d, want 1", meta.Version)
	}
	if meta.SlotID != "" || meta.EvidenceCount != 2 {
		t.Errorf("derived metadata = %+v", meta)
	}
}

func TestDecode_MigrationCanonicalizesSets(t *testing.T) {
	t.Parallel()

	// Older saves kept ids in discovery order, sometimes with repeats.
	v1 := strings.NewReplacer(
		`"evidence_discovered": ["knife", "letter"]`, `"evidence_discovered": ["letter", "knife", "letter", ""]`,
		`"secrets_revealed": ["pantry"]`, `"secrets_revealed": ["pantry", "cellar"]`,
	).Replace(legacyV1)

	got, _, err := slotcodec.New().Decode(slotcodec.SplitRecord([]byte(v1)))
	if err != nil {
		t.Fatalf("Decode v1: %v", err)
	}
	if want := []string{"knife", "letter"}; !reflect.DeepEqual(got.DiscoveredEvidence, want) {
		t.Errorf("evidence = %v, want %v", got.DiscoveredEvidence, want)
	}
	if want := []string{"cellar", "pantry"}; !reflect.DeepEqual(got.Witness("cook").SecretsRevealed, want) {
		t.Errorf("secrets = %v, want %v", got.Witness("cook").SecretsRevealed, want)
	}

	v2 := `{
		"state_id": "s-1", "case_id": "manor", "player_id": "alice",
		"current_location": "hall", "visited_locations": ["hall", "attic", "hall"],
		"discovered_evidence": [], "conversation_history": [],
		"narrator_conversation_history": [], "witness_states": {},
		"inner_voice_state": {"phase": "in_progress", "fired_triggers": ["second", "first"], "last_fired_at": "2026-03-01T09:10:00Z"},
		"attempts_remaining": 4,
		"created_at": "2026-03-01T09:00:00Z", "updated_at": "2026-03-01T09:30:00Z"
	}`
	head := `{"version":2,"metadata":{"slot_id":"slot_1","case_id":"manor","player_id":"alice"}}`
	got, _, err = slotcodec.New().Decode(slotcodec.Record{Header: []byte(head), Body: []byte(v2)})
	if err != nil {
		t.Fatalf("Decode v2: %v", err)
	}
	if want := []string{"attic", "hall"}; !reflect.DeepEqual(got.VisitedLocations, want) {
		t.Errorf("visited = %v, want %v", got.VisitedLocations, want)
	}
	if want := []string{"first", "second"}; got.InnerVoice == nil || !reflect.DeepEqual(got.InnerVoice.FiredTriggers, want) {
		t.Errorf("inner voice = %+v, want triggers %v", got.InnerVoice, want)
	}
}

func TestDecode_MigratesV2WithHeader(t *testing.T) {
	t.Parallel()

	body := `{
		"state_id": "s-1", "case_id": "manor", "player_id": "alice",
		"current_location": "hall", "visited_locations": ["hall"],
		"discovered_evidence": [], "conversation_history": [],
		"narrator_conversation_history": [],
		"witness_states": {"cook": {"witness_id": "cook", "trust": 55, "conversation_history": [], "secrets_revealed": []}},
		"attempts_remaining": 4, "case_solved": true,
		"created_at": "2026-03-01T09:00:00Z", "updated_at": "2026-03-01T09:30:00Z"
	}`
	head := `{"version":2,"metadata":{"slot_id":"slot_2","case_id":"manor","player_id":"alice"}}`

	got, meta, err := slotcodec.New().Decode(slotcodec.Record{Header: []byte(head), Body: []byte(body)})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Verdict.AttemptsRemaining != 4 || !got.Verdict.CaseSolved {
		t.Errorf("verdict = %+v", got.Verdict)
	}
	if got.Witness("cook").SpellAttempts == nil || got.SpellAttemptsByLocation == nil {
		t.Error("spell attempt maps not seeded")
	}
	if meta.SlotID != "slot_2" || meta.Version != 2 {
		t.Errorf("metadata = %+v", meta)
	}
}

func TestDecode_NewerVersion(t *testing.T) {
	t.Parallel()

	head := `{"version":99,"metadata":{"slot_id":"slot_1"}}`
	_, _, err := slotcodec.New().Decode(slotcodec.Record{Header: []byte(head), Body: []byte(`{}`)})
	if !errors.Is(err, slotcodec.ErrUnsupportedVersion) {
		t.Fatalf("got %v, want ErrUnsupportedVersion", err)
	}
	var ve *slotcodec.VersionError
	if !errors.As(err, &ve) || ve.Found != 99 || ve.Supported != slotcodec.CurrentVersion {
		t.Errorf("VersionError = %+v", ve)
	}
}

func TestDecode_Corrupt(t *testing.T) {
	t.Parallel()

	c := slotcodec.New()
	valid := gamestate.New("manor", "alice", "hall")
	invalid := valid.Clone()
	invalid.EnsureWitness("cook", 50).Trust = 500
	invalidRec, err := c.Encode(invalid, slotcodec.NewMetadata("slot_1", invalid, 0, ""))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	validRec, err := c.Encode(valid, slotcodec.NewMetadata("slot_1", valid, 0, ""))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	tests := []struct {
		name          string
		rec           slotcodec.Record
		wantCandidate bool
	}{
		{name: "truncated body", rec: slotcodec.Record{Header: validRec.Header, Body: validRec.Body[:len(validRec.Body)/2]}},
		{name: "body is not an object", rec: slotcodec.Record{Body: []byte(`[1,2,3]`)}},
		{name: "legacy without location", rec: slotcodec.Record{Body: []byte(`{"case_id":"manor","player_id":"alice"}`)}},
		{name: "violates invariants", rec: invalidRec, wantCandidate: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, _, err := c.Decode(tc.rec)
			if s != nil {
				t.Error("corrupt record must not yield a state")
			}
			if !errors.Is(err, slotcodec.ErrCorruptState) {
				t.Fatalf("got %v, want ErrCorruptState", err)
			}
			var ce *slotcodec.CorruptStateError
			if !errors.As(err, &ce) {
				t.Fatalf("error %T is not *CorruptStateError", err)
			}
			if got := ce.Candidate != nil; got != tc.wantCandidate {
				t.Errorf("candidate present = %v, want %v", got, tc.wantCandidate)
			}
			if tc.wantCandidate && len(ce.Violations) == 0 {
				t.Error("expected violations")
			}
		})
	}
}

func TestProgressPercent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		found, total, want int
	}{
		{0, 10, 0},
		{3, 10, 30},
		{10, 10, 100},
		{12, 10, 100},
		{5, 0, 0},
		{2, 3, 66},
	}
	for _, tc := range tests {
		if got := slotcodec.ProgressPercent(tc.found, tc.total); got != tc.want {
			t.Errorf("ProgressPercent(%d, %d) = %d, want %d", tc.found, tc.total, got, tc.want)
		}
	}
}
