package slotcodec

import (
	"fmt"
	"maps"
	"slices"
)

// CurrentVersion is the schema version written by [Codec.Encode].
const CurrentVersion = 3

// Document is the generic form of a state body that migrations operate on.
type Document = map[string]any

// Migration upgrades doc in place by exactly one schema version. It must be
// deterministic and must not depend on anything but doc.
type Migration func(doc Document) error

// Registry holds one migration per source version. Steps are only ever
// added; a record at version N is upgraded by running N→N+1, N+1→N+2 and so
// on up to the target.
type Registry struct {
	steps map[int]Migration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[int]Migration)}
}

// DefaultRegistry returns the migrations that bring any record up to
// [CurrentVersion].
func DefaultRegistry() *Registry {
	r := NewRegistry()
	// Registration of fixed, distinct versions cannot fail.
	_ = r.Register(1, migrateV1toV2)
	_ = r.Register(2, migrateV2toV3)
	return r
}

// Register adds the migration from version from to from+1.
func (r *Registry) Register(from int, m Migration) error {
	if from < 1 {
		return fmt.Errorf("slotcodec: migration source version %d must be >= 1", from)
	}
	if m == nil {
		return fmt.Errorf("slotcodec: migration from version %d is nil", from)
	}
	if _, ok := r.steps[from]; ok {
		return fmt.Errorf("slotcodec: migration from version %d already registered", from)
	}
	r.steps[from] = m
	return nil
}

// Versions returns the registered source versions in ascending order.
func (r *Registry) Versions() []int {
	return slices.Sorted(maps.Keys(r.steps))
}

// Apply runs the chain from version from up to version to.
func (r *Registry) Apply(doc Document, from, to int) error {
	for v := from; v < to; v++ {
		step, ok := r.steps[v]
		if !ok {
			return fmt.Errorf("slotcodec: no migration from version %d", v)
		}
		if err := step(doc); err != nil {
			return fmt.Errorf("slotcodec: migrate %d->%d: %w", v, v+1, err)
		}
		doc["version"] = v + 1
	}
	return nil
}

// migrateV1toV2 converts the flat pre-slot layout: "location" and
// "evidence_discovered" are renamed, witnesses gain their own id, the
// visited set and narrator scratchpad are introduced and "last_saved" becomes
// the timestamp pair.
func migrateV1toV2(doc Document) error {
	rename(doc, "location", "current_location")
	rename(doc, "evidence_discovered", "discovered_evidence")

	loc, _ := doc["current_location"].(string)
	if loc == "" {
		return fmt.Errorf("current_location missing")
	}
	if _, ok := doc["visited_locations"]; !ok {
		doc["visited_locations"] = []any{loc}
	}
	setDefault(doc, "narrator_conversation_history", []any{})
	setDefault(doc, "conversation_history", []any{})
	setDefault(doc, "discovered_evidence", []any{})

	if _, ok := doc["state_id"]; !ok {
		caseID, _ := doc["case_id"].(string)
		playerID, _ := doc["player_id"].(string)
		doc["state_id"] = "legacy-" + caseID + "-" + playerID
	}

	if ws, ok := doc["witness_states"].(map[string]any); ok {
		for id, raw := range ws {
			w, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			setDefault(w, "witness_id", id)
		}
	} else {
		doc["witness_states"] = map[string]any{}
	}

	if last, ok := doc["last_saved"]; ok {
		setDefault(doc, "updated_at", last)
		setDefault(doc, "created_at", last)
		delete(doc, "last_saved")
	}
	setDefault(doc, "created_at", "1970-01-01T00:00:00Z")
	setDefault(doc, "updated_at", doc["created_at"])
	return nil
}

// migrateV2toV3 folds the top-level verdict fields into "verdict_state",
// seeds the spell attempt counters and brings every id set into canonical
// order.
func migrateV2toV3(doc Document) error {
	verdict, _ := doc["verdict_state"].(map[string]any)
	if verdict == nil {
		verdict = map[string]any{}
	}
	moveInto(doc, verdict, "attempts_remaining", "attempts_remaining")
	moveInto(doc, verdict, "verdict_attempts", "attempts")
	moveInto(doc, verdict, "case_solved", "case_solved")
	setDefault(verdict, "attempts", []any{})
	setDefault(verdict, "case_solved", false)
	if _, ok := verdict["attempts_remaining"]; !ok {
		return fmt.Errorf("attempts_remaining missing")
	}
	doc["verdict_state"] = verdict

	setDefault(doc, "spell_attempts_by_location", map[string]any{})
	if ws, ok := doc["witness_states"].(map[string]any); ok {
		for _, raw := range ws {
			if w, ok := raw.(map[string]any); ok {
				setDefault(w, "spell_attempts", map[string]any{})
				setDefault(w, "awaiting_confirmation", false)
			}
		}
	}
	canonicalizeSets(doc)
	return nil
}

// canonicalizeSets rewrites the id sets of a migrated document into sorted,
// duplicate-free form. Older layouts kept them in discovery order.
func canonicalizeSets(doc Document) {
	canonicalize(doc, "discovered_evidence")
	canonicalize(doc, "visited_locations")
	if ws, ok := doc["witness_states"].(map[string]any); ok {
		for _, raw := range ws {
			if w, ok := raw.(map[string]any); ok {
				canonicalize(w, "secrets_revealed")
			}
		}
	}
	if iv, ok := doc["inner_voice_state"].(map[string]any); ok {
		canonicalize(iv, "fired_triggers")
	}
}

// canonicalize sorts and dedupes doc[key] and drops empty ids. Values that
// are not lists of strings are left for validation to reject.
func canonicalize(doc Document, key string) {
	raw, ok := doc[key].([]any)
	if !ok {
		return
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		id, ok := v.(string)
		if !ok {
			return
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	set := make([]any, len(ids))
	for i, id := range ids {
		set[i] = id
	}
	doc[key] = set
}

func rename(doc Document, from, to string) {
	v, ok := doc[from]
	if !ok {
		return
	}
	delete(doc, from)
	setDefault(doc, to, v)
}

func moveInto(src, dst Document, from, to string) {
	v, ok := src[from]
	if !ok {
		return
	}
	delete(src, from)
	setDefault(dst, to, v)
}

func setDefault(doc Document, key string, v any) {
	if _, ok := doc[key]; !ok {
		doc[key] = v
	}
}
