package slotstore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/casekeep/internal/observe"
	"github.com/MrWong99/casekeep/internal/slotcodec"
	"github.com/MrWong99/casekeep/internal/slotstore"
	"github.com/MrWong99/casekeep/pkg/gamestate"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// tickingClock returns a clock that advances by one minute per call.
func tickingClock() func() time.Time {
	var n atomic.Int64
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Minute)
	}
}

func newFileStore(t *testing.T, opts ...slotstore.Option) (*slotstore.Store, *slotstore.FileBackend) {
	t.Helper()
	fb, err := slotstore.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	opts = append([]slotstore.Option{slotstore.WithClock(tickingClock())}, opts...)
	return slotstore.New(fb, opts...), fb
}

func key(slot string) slotstore.Key {
	return slotstore.Key{CaseID: "manor", PlayerID: "alice", SlotID: slot}
}

func newState() *gamestate.State {
	s := gamestate.New("manor", "alice", "library")
	s.CreatedAt = base
	s.UpdatedAt = base
	return s
}

// writeRaw stores rec under k bypassing the store.
func writeRaw(t *testing.T, b slotstore.Backend, k slotstore.Key, rec slotcodec.Record) {
	t.Helper()
	if err := b.Write(context.Background(), k, rec); err != nil {
		t.Fatalf("backend Write: %v", err)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newFileStore(t, slotstore.WithEvidenceTotals(func(string) int { return 4 }))

	s := newState()
	s.DiscoverEvidence("knife")
	s.RecordWitnessExchange("cook", gamestate.ConversationRecord{Speaker: gamestate.SpeakerWitness, Text: "Hm."})

	meta, err := store.Save(ctx, key(slotstore.Slot1), s, slotstore.SaveOptions{CustomName: "first night"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if meta.SlotID != slotstore.Slot1 || meta.EvidenceCount != 1 || meta.ProgressPercent != 25 || meta.WitnessesInterrogated != 1 {
		t.Errorf("metadata = %+v", meta)
	}

	res, err := store.Load(ctx, key(slotstore.Slot1))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Outcome != slotstore.OutcomeLoaded {
		t.Errorf("Outcome = %q", res.Outcome)
	}
	if res.State.StateID != meta.StateID || !res.State.HasEvidence("knife") || res.State.Witness("cook").Trust != s.Witness("cook").Trust {
		t.Errorf("loaded state differs: %+v", res.State)
	}
	if res.Metadata.CustomName != "first night" {
		t.Errorf("CustomName = %q", res.Metadata.CustomName)
	}
}

func TestSave_StateIDPerSlot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newFileStore(t)
	s := newState()

	slots := []string{slotstore.Slot1, slotstore.Slot2, slotstore.SlotAutosave}
	first := map[string]string{}
	for _, slot := range slots {
		meta, err := store.Save(ctx, key(slot), s, slotstore.SaveOptions{})
		if err != nil {
			t.Fatalf("Save %s: %v", slot, err)
		}
		first[slot] = meta.StateID
	}

	metas, err := store.List(ctx, "manor", "alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	seen := map[string]string{}
	for _, m := range metas {
		if m.StateID == "" {
			continue
		}
		if other, dup := seen[m.StateID]; dup {
			t.Errorf("slots %s and %s share state id %s", other, m.SlotID, m.StateID)
		}
		seen[m.StateID] = m.SlotID
	}
	if len(seen) != len(slots) {
		t.Errorf("listed %d distinct state ids, want %d", len(seen), len(slots))
	}

	// Overwriting a slot keeps its id.
	s.DiscoverEvidence("knife")
	meta, err := store.Save(ctx, key(slotstore.Slot1), s, slotstore.SaveOptions{})
	if err != nil {
		t.Fatalf("Save overwrite: %v", err)
	}
	if meta.StateID != first[slotstore.Slot1] {
		t.Errorf("overwrite state id = %s, want %s", meta.StateID, first[slotstore.Slot1])
	}
	if s.StateID == meta.StateID {
		t.Error("Save mutated the caller's state id")
	}
}

func TestLoad_NeverSaved(t *testing.T) {
	t.Parallel()
	store, _ := newFileStore(t)

	res, err := store.Load(context.Background(), key(slotstore.Slot2))
	if err != nil || res != nil {
		t.Fatalf("Load = (%v, %v), want (nil, nil)", res, err)
	}
}

func TestSave_PreservesCreatedAt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newFileStore(t)

	first, err := store.Save(ctx, key(slotstore.Slot1), newState(), slotstore.SaveOptions{})
	if err != nil {
		t.Fatalf("first Save: %v", err)
	}

	// A game started later overwrites the slot.
	later := newState()
	later.CreatedAt = base.Add(time.Hour)
	later.UpdatedAt = later.CreatedAt
	second, err := store.Save(ctx, key(slotstore.Slot1), later, slotstore.SaveOptions{})
	if err != nil {
		t.Fatalf("second Save: %v", err)
	}

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at changed from %v to %v", first.CreatedAt, second.CreatedAt)
	}
	if second.Timestamp.Before(second.CreatedAt) {
		t.Errorf("timestamp %v precedes created_at %v", second.Timestamp, second.CreatedAt)
	}

	res, err := store.Load(ctx, key(slotstore.Slot1))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !res.State.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("stored state created_at = %v, want %v", res.State.CreatedAt, first.CreatedAt)
	}
	if !res.State.UpdatedAt.After(first.Timestamp) {
		t.Errorf("updated_at %v not refreshed past %v", res.State.UpdatedAt, first.Timestamp)
	}
}

func TestSave_DoesNotMutateCaller(t *testing.T) {
	t.Parallel()
	store, _ := newFileStore(t)

	s := newState()
	before := s.Clone()
	if _, err := store.Save(context.Background(), key(slotstore.Slot1), s, slotstore.SaveOptions{}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !s.UpdatedAt.Equal(before.UpdatedAt) || !s.CreatedAt.Equal(before.CreatedAt) {
		t.Error("Save modified the caller's state")
	}
}

func TestSave_CustomNameCarriedForward(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newFileStore(t)

	if _, err := store.Save(ctx, key(slotstore.Slot3), newState(), slotstore.SaveOptions{CustomName: "before accusing"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	meta, err := store.Save(ctx, key(slotstore.Slot3), newState(), slotstore.SaveOptions{})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if meta.CustomName != "before accusing" {
		t.Errorf("CustomName = %q", meta.CustomName)
	}
}

func TestSave_Rejects(t *testing.T) {
	t.Parallel()

	invalid := newState()
	invalid.Verdict.AttemptsRemaining = -1

	tests := []struct {
		name  string
		key   slotstore.Key
		state *gamestate.State
		opts  slotstore.SaveOptions
		want  error
	}{
		{name: "unknown slot", key: key("slot_9"), state: newState(), want: slotstore.ErrInvalidKey},
		{name: "path traversal", key: slotstore.Key{CaseID: "..", PlayerID: "alice", SlotID: slotstore.Slot1}, state: newState(), want: slotstore.ErrInvalidKey},
		{name: "separator in player", key: slotstore.Key{CaseID: "manor", PlayerID: "a/b", SlotID: slotstore.Slot1}, state: newState(), want: slotstore.ErrInvalidKey},
		{name: "nil state", key: key(slotstore.Slot1), state: nil, want: slotstore.ErrInvalidState},
		{name: "foreign state", key: slotstore.Key{CaseID: "manor", PlayerID: "bob", SlotID: slotstore.Slot1}, state: newState(), want: slotstore.ErrInvalidState},
		{name: "invalid state", key: key(slotstore.Slot1), state: invalid, want: slotstore.ErrInvalidState},
		{
			name:  "oversized custom name",
			key:   key(slotstore.Slot1),
			state: newState(),
			opts:  slotstore.SaveOptions{CustomName: strings.Repeat("x", slotstore.MaxCustomNameBytes+1)},
			want:  slotstore.ErrInvalidState,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store, _ := newFileStore(t)
			_, err := store.Save(context.Background(), tc.key, tc.state, tc.opts)
			if !errors.Is(err, tc.want) {
				t.Errorf("Save error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSave_CancelledBeforeWrite(t *testing.T) {
	t.Parallel()
	store, _ := newFileStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Save(ctx, key(slotstore.Slot1), newState(), slotstore.SaveOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Save error = %v, want context.Canceled", err)
	}
	if ok, _ := store.Exists(context.Background(), key(slotstore.Slot1)); ok {
		t.Error("cancelled save wrote a slot")
	}
}

func TestSave_CrashBeforeRenameKeepsPreviousSave(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, fb := newFileStore(t)

	first := newState()
	first.DiscoverEvidence("knife")
	if _, err := store.Save(ctx, key(slotstore.Slot1), first, slotstore.SaveOptions{}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	crash := errors.New("power cut")
	fb.SetBeforeRename(func(string) error { return crash })

	second := first.Clone()
	second.DiscoverEvidence("letter")
	_, err := store.Save(ctx, key(slotstore.Slot1), second, slotstore.SaveOptions{})
	if !errors.Is(err, slotstore.ErrIO) || !errors.Is(err, crash) {
		t.Fatalf("Save error = %v, want ErrIO wrapping the crash", err)
	}

	fb.SetBeforeRename(nil)
	res, err := store.Load(ctx, key(slotstore.Slot1))
	if err != nil {
		t.Fatalf("Load after crash: %v", err)
	}
	if res.Outcome != slotstore.OutcomeLoaded || res.State.HasEvidence("letter") || !res.State.HasEvidence("knife") {
		t.Errorf("expected the previous save intact, got %+v", res.State.DiscoveredEvidence)
	}

	entries, err := os.ReadDir(filepath.Join(fb.Root(), "manor", "alice"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("temporary files left behind: %v", names)
	}
}

func TestLoad_RepairsCorruptSlot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, fb := newFileStore(t)

	bad := newState()
	bad.EnsureWitness("cook", 50).Trust = 250
	bad.DiscoveredEvidence = []string{"knife", "knife"}
	rec, err := slotcodec.New().Encode(bad, slotcodec.NewMetadata(slotstore.Slot2, bad, 0, ""))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	writeRaw(t, fb, key(slotstore.Slot2), rec)
	path := filepath.Join(fb.Root(), "manor", "alice", "slot_2.save")
	onDisk, _ := os.ReadFile(path)

	res, err := store.Load(ctx, key(slotstore.Slot2))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Outcome != slotstore.OutcomeRepaired {
		t.Fatalf("Outcome = %q, want repaired", res.Outcome)
	}
	if len(res.Violations) == 0 {
		t.Error("expected the original violations to be reported")
	}
	if got := res.State.Witness("cook").Trust; got != gamestate.MaxTrust {
		t.Errorf("trust = %d, want %d", got, gamestate.MaxTrust)
	}
	if len(res.State.Validate()) != 0 {
		t.Error("repaired state is not valid")
	}

	after, _ := os.ReadFile(path)
	if string(after) != string(onDisk) {
		t.Error("Load rewrote the corrupt slot")
	}
}

func TestLoad_OffersAutosave(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, fb := newFileStore(t)

	auto := newState()
	auto.DiscoverEvidence("ledger")
	if _, err := store.Save(ctx, key(slotstore.SlotAutosave), auto, slotstore.SaveOptions{}); err != nil {
		t.Fatalf("Save autosave: %v", err)
	}
	writeRaw(t, fb, key(slotstore.Slot1), slotcodec.Record{Body: []byte("\x00\x01 not json")})

	res, err := store.Load(ctx, key(slotstore.Slot1))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Outcome != slotstore.OutcomeAutosaveOffered {
		t.Fatalf("Outcome = %q, want autosave_offered", res.Outcome)
	}
	if res.Metadata.SlotID != slotstore.SlotAutosave || !res.State.HasEvidence("ledger") {
		t.Errorf("unexpected offered result: %+v", res.Metadata)
	}
}

func TestLoad_Unrecoverable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, fb := newFileStore(t)

	writeRaw(t, fb, key(slotstore.Slot1), slotcodec.Record{Body: []byte("{truncated")})

	res, err := store.Load(ctx, key(slotstore.Slot1))
	if res != nil {
		t.Fatalf("expected no result, got %+v", res)
	}
	var ue *slotstore.UnrecoverableError
	if !errors.As(err, &ue) {
		t.Fatalf("Load error = %v, want *UnrecoverableError", err)
	}
	if !errors.Is(err, slotcodec.ErrCorruptState) {
		t.Error("UnrecoverableError must match ErrCorruptState")
	}
	if ok, _ := store.Exists(ctx, key(slotstore.Slot1)); !ok {
		t.Error("corrupt slot was deleted")
	}
}

func TestLoad_NewerVersionIsNotRecovered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, fb := newFileStore(t)

	if _, err := store.Save(ctx, key(slotstore.SlotAutosave), newState(), slotstore.SaveOptions{}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	writeRaw(t, fb, key(slotstore.Slot1), slotcodec.Record{
		Header: []byte(`{"version":42,"metadata":{"slot_id":"slot_1"}}`),
		Body:   []byte(`{}`),
	})

	_, err := store.Load(ctx, key(slotstore.Slot1))
	if !errors.Is(err, slotcodec.ErrUnsupportedVersion) {
		t.Fatalf("Load error = %v, want ErrUnsupportedVersion", err)
	}
}

func TestList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, fb := newFileStore(t)

	for _, slot := range []string{slotstore.SlotAutosave, slotstore.Slot1} {
		if _, err := store.Save(ctx, key(slot), newState(), slotstore.SaveOptions{}); err != nil {
			t.Fatalf("Save %s: %v", slot, err)
		}
	}
	writeRaw(t, fb, key(slotstore.Slot3), slotcodec.Record{Body: []byte("garbage")})

	got, err := store.List(ctx, "manor", "alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []struct {
		slot    string
		corrupt bool
	}{
		{slotstore.Slot1, false},
		{slotstore.Slot3, true},
		{slotstore.SlotAutosave, false},
	}
	if len(got) != len(want) {
		t.Fatalf("List returned %d entries, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].SlotID != w.slot || got[i].Corrupt != w.corrupt {
			t.Errorf("entry %d = {%s corrupt=%v}, want {%s corrupt=%v}", i, got[i].SlotID, got[i].Corrupt, w.slot, w.corrupt)
		}
	}
	if got[0].Location != "library" || got[0].Version != slotcodec.CurrentVersion {
		t.Errorf("slot_1 metadata = %+v", got[0])
	}

	empty, err := store.List(ctx, "manor", "nobody")
	if err != nil || len(empty) != 0 {
		t.Errorf("List for unknown player = (%v, %v)", empty, err)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newFileStore(t)

	if _, err := store.Save(ctx, key(slotstore.Slot2), newState(), slotstore.SaveOptions{}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	existed, err := store.Delete(ctx, key(slotstore.Slot2))
	if err != nil || !existed {
		t.Fatalf("first Delete = (%v, %v), want (true, nil)", existed, err)
	}
	existed, err = store.Delete(ctx, key(slotstore.Slot2))
	if err != nil || existed {
		t.Fatalf("second Delete = (%v, %v), want (false, nil)", existed, err)
	}
	if res, err := store.Load(ctx, key(slotstore.Slot2)); res != nil || err != nil {
		t.Errorf("Load after delete = (%v, %v)", res, err)
	}
}

func TestSave_ConcurrentSameSlot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newFileStore(t)

	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := newState()
			s.DiscoverEvidence("clue")
			_, errs[i] = store.Save(ctx, key(slotstore.SlotAutosave), s, slotstore.SaveOptions{})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("writer %d: %v", i, err)
		}
	}
	res, err := store.Load(ctx, key(slotstore.SlotAutosave))
	if err != nil || res.Outcome != slotstore.OutcomeLoaded {
		t.Fatalf("Load after concurrent saves = (%+v, %v)", res, err)
	}
}

// legacySave is a single-slot save written before slots existed.
const legacySave = `{
  "case_id": "manor",
  "player_id": "alice",
  "location": "study",
  "evidence_discovered": ["ink"],
  "witness_states": {},
  "attempts_remaining": 10,
  "last_saved": "2025-12-24T20:00:00Z"
}`

func TestLegacyImport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	root := t.TempDir()
	legacyPath := filepath.Join(root, "manor_alice.json")
	if err := os.WriteFile(legacyPath, []byte(legacySave), 0o644); err != nil {
		t.Fatal(err)
	}
	fb, err := slotstore.NewFileBackend(root)
	if err != nil {
		t.Fatal(err)
	}
	store := slotstore.New(fb, slotstore.WithClock(tickingClock()))

	metas, err := store.List(ctx, "manor", "alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 2 || metas[0].SlotID != slotstore.SlotAutosave || metas[1].SlotID != slotstore.SlotDefault {
		t.Fatalf("List after import = %+v", metas)
	}

	res, err := store.Load(ctx, key(slotstore.SlotDefault))
	if err != nil {
		t.Fatalf("Load default: %v", err)
	}
	if res.State.CurrentLocation != "study" || !res.State.HasEvidence("ink") {
		t.Errorf("imported state = %+v", res.State)
	}
	if want := time.Date(2025, 12, 24, 20, 0, 0, 0, time.UTC); !res.State.CreatedAt.Equal(want) {
		t.Errorf("created_at = %v, want %v", res.State.CreatedAt, want)
	}

	if _, err := os.Stat(legacyPath); !errors.Is(err, os.ErrNotExist) {
		t.Error("legacy file still in place")
	}
	if _, err := os.Stat(legacyPath + ".migrated"); err != nil {
		t.Errorf("retired legacy file missing: %v", err)
	}
}

func TestLegacyImport_ExistingAutosaveWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	root := t.TempDir()
	fb, err := slotstore.NewFileBackend(root)
	if err != nil {
		t.Fatal(err)
	}

	current := newState()
	current.MoveTo("cellar")
	saved, err := slotstore.New(fb).Save(ctx, key(slotstore.SlotAutosave), current, slotstore.SaveOptions{})
	if err != nil {
		t.Fatalf("Save autosave: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "manor_alice.json"), []byte(legacySave), 0o644); err != nil {
		t.Fatal(err)
	}

	store := slotstore.New(fb)
	auto, err := store.Load(ctx, key(slotstore.SlotAutosave))
	if err != nil {
		t.Fatalf("Load autosave: %v", err)
	}
	if auto.State.StateID != saved.StateID || auto.State.CurrentLocation != "cellar" {
		t.Errorf("autosave was overwritten by the legacy import: %+v", auto.State)
	}
	def, err := store.Load(ctx, key(slotstore.SlotDefault))
	if err != nil || def == nil {
		t.Fatalf("Load default = (%v, %v)", def, err)
	}
	if def.State.CurrentLocation != "study" {
		t.Errorf("default slot location = %q, want study", def.State.CurrentLocation)
	}
}

func TestLoad_RecordsOutcomeMetric(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	store, _ := newFileStore(t, slotstore.WithMetrics(m))

	if _, err := store.Load(context.Background(), key(slotstore.Slot1)); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "casekeep.slot.loads" {
				continue
			}
			sum := met.Data.(metricdata.Sum[int64])
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value("outcome"); ok && v.AsString() == "not_found" && dp.Value == 1 {
					return
				}
			}
		}
	}
	t.Error("no not_found load recorded")
}
