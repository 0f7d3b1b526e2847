package slotstore

import (
	"context"
	"errors"

	"github.com/MrWong99/casekeep/internal/observe"
	"github.com/MrWong99/casekeep/internal/slotcodec"
)

// ensureLegacyImported runs the legacy import for a case and player once per
// Store. Backends that are not a [LegacySource] skip it.
//
// A legacy save is copied into [SlotDefault], and into [SlotAutosave] when
// that slot is empty, then retired. Occupied slots are never overwritten. A
// legacy save that cannot be decoded is left in place and reported in the
// log only.
func (s *Store) ensureLegacyImported(ctx context.Context, caseID, playerID string) error {
	src, ok := s.backend.(LegacySource)
	if !ok {
		return nil
	}
	owner := caseID + "/" + playerID

	s.legacyMu.Lock()
	defer s.legacyMu.Unlock()
	if _, done := s.legacyDone[owner]; done {
		return nil
	}

	data, err := src.ReadLegacy(ctx, caseID, playerID)
	if errors.Is(err, ErrNotFound) {
		s.legacyDone[owner] = struct{}{}
		return nil
	}
	if err != nil {
		return ioErr("read legacy save", Key{CaseID: caseID, PlayerID: playerID, SlotID: SlotDefault}, err)
	}

	status := s.importLegacy(ctx, src, caseID, playerID, data)
	s.metrics.RecordLegacyImport(ctx, status)
	s.legacyDone[owner] = struct{}{}
	return nil
}

func (s *Store) importLegacy(ctx context.Context, src LegacySource, caseID, playerID string, data []byte) string {
	log := observe.Logger(ctx).With("case_id", caseID, "player_id", playerID)

	st, _, err := s.codec.Decode(slotcodec.SplitRecord(data))
	var ce *slotcodec.CorruptStateError
	if errors.As(err, &ce) && ce.Candidate != nil {
		if remaining := ce.Candidate.Repair(); len(remaining) == 0 {
			st, err = ce.Candidate, nil
		}
	}
	if err != nil {
		log.Error("legacy save is unreadable, leaving it in place", "err", err)
		return observe.StatusError
	}
	if st.CaseID != caseID || st.PlayerID != playerID {
		log.Error("legacy save belongs to another game, leaving it in place",
			"state_case_id", st.CaseID, "state_player_id", st.PlayerID)
		return observe.StatusInvalid
	}

	for _, slot := range []string{SlotDefault, SlotAutosave} {
		key := Key{CaseID: caseID, PlayerID: playerID, SlotID: slot}
		occupied, err := s.exists(ctx, key)
		if err != nil {
			log.Error("legacy import aborted", "slot_id", slot, "err", err)
			return observe.StatusError
		}
		if occupied {
			continue
		}
		if _, err := s.write(ctx, key, st, SaveOptions{}); err != nil {
			log.Error("legacy import aborted", "slot_id", slot, "err", err)
			return observe.StatusError
		}
	}

	if err := src.RetireLegacy(ctx, caseID, playerID); err != nil {
		log.Warn("legacy save imported but could not be retired", "err", err)
	}
	log.Info("imported legacy save")
	return observe.StatusOK
}
