// Package slotstore persists game states in named save slots.
//
// A [Store] sits on top of a [Backend] (files, SQLite or PostgreSQL) and adds
// what every backend shares: key validation, per-slot locking, carrying a
// slot's creation time across overwrites, validation on both sides of the
// codec, the corruption recovery tiers on load and the one-time import of
// pre-slot saves.
//
// Saves never mutate the caller's state; the store always encodes a clone.
package slotstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/casekeep/internal/observe"
	"github.com/MrWong99/casekeep/internal/slotcodec"
	"github.com/MrWong99/casekeep/pkg/gamestate"
)

// Outcome describes how [Store.Load] produced its result.
type Outcome string

const (
	// OutcomeLoaded means the slot decoded and validated as stored.
	OutcomeLoaded Outcome = "loaded"

	// OutcomeRepaired means the slot was corrupt and conservative repair
	// produced a valid state. The stored slot is not rewritten.
	OutcomeRepaired Outcome = "repaired"

	// OutcomeAutosaveOffered means the slot was unrepairable and the state
	// returned is the autosave slot's.
	OutcomeAutosaveOffered Outcome = "autosave_offered"
)

// LoadResult is the successful result of [Store.Load].
type LoadResult struct {
	State    *gamestate.State
	Metadata slotcodec.Metadata
	Outcome  Outcome

	// Violations lists what was wrong with the requested slot. Empty for
	// OutcomeLoaded.
	Violations []gamestate.Violation
}

// MaxCustomNameBytes bounds [SaveOptions.CustomName] so a slot header always
// fits the header read limit of every backend.
const MaxCustomNameBytes = 256

// SaveOptions tunes a single [Store.Save].
type SaveOptions struct {
	// CustomName labels the slot. When empty the slot keeps its previous
	// name.
	CustomName string
}

// Option configures a [Store].
type Option func(*Store)

// WithCodec replaces the default [slotcodec.Codec].
func WithCodec(c *slotcodec.Codec) Option {
	return func(s *Store) { s.codec = c }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithEvidenceTotals supplies the number of evidence items per case, used for
// the progress percentage in slot metadata.
func WithEvidenceTotals(fn func(caseID string) int) Option {
	return func(s *Store) { s.evidenceTotal = fn }
}

// WithClock overrides the time source used to stamp saves.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is a slot store over a [Backend]. It is safe for concurrent use.
// Operations on the same key are serialised; different keys proceed
// independently.
type Store struct {
	backend       Backend
	codec         *slotcodec.Codec
	metrics       *observe.Metrics
	evidenceTotal func(caseID string) int
	now           func() time.Time

	locks lockTable

	legacyMu   sync.Mutex
	legacyDone map[string]struct{}
}

// New returns a Store writing through backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:       backend,
		evidenceTotal: func(string) int { return 0 },
		now:           func() time.Time { return time.Now().UTC().Round(0) },
		legacyDone:    make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.codec == nil {
		s.codec = slotcodec.New()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend { return s.backend }

// Close closes the backend.
func (s *Store) Close() error { return s.backend.Close() }

// Save writes a clone of st to key. The slot's state id, creation time and
// custom name are carried over from the record it replaces; the saved
// state's updated_at is refreshed. The returned metadata carries the state id
// the slot holds. Cancellation of ctx is honoured until the slot lock is
// held; from then on the write runs to completion.
func (s *Store) Save(ctx context.Context, key Key, st *gamestate.State, opts SaveOptions) (slotcodec.Metadata, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "slotstore.Save", observe.SlotAttributes(key.CaseID, key.PlayerID, key.SlotID))
	defer span.End()

	meta, err := s.save(ctx, key, st, opts)

	status := observe.StatusOK
	switch {
	case errors.Is(err, ErrInvalidKey), errors.Is(err, ErrInvalidState):
		status = observe.StatusInvalid
	case err != nil:
		status = observe.StatusError
	}
	s.metrics.RecordSave(ctx, key.SlotID, status, time.Since(start))
	endSpan(span, err)
	if err == nil {
		observe.Logger(ctx).Debug("slot saved",
			"case_id", key.CaseID, "player_id", key.PlayerID, "slot_id", key.SlotID,
			"duration", time.Since(start))
	}
	return meta, err
}

func (s *Store) save(ctx context.Context, key Key, st *gamestate.State, opts SaveOptions) (slotcodec.Metadata, error) {
	if err := key.Validate(); err != nil {
		return slotcodec.Metadata{}, err
	}
	if st == nil {
		return slotcodec.Metadata{}, fmt.Errorf("%w: nil state", ErrInvalidState)
	}
	if st.CaseID != key.CaseID || st.PlayerID != key.PlayerID {
		return slotcodec.Metadata{}, fmt.Errorf("%w: state belongs to %s/%s, not %s/%s",
			ErrInvalidState, st.CaseID, st.PlayerID, key.CaseID, key.PlayerID)
	}
	if n := len(opts.CustomName); n > MaxCustomNameBytes {
		return slotcodec.Metadata{}, fmt.Errorf("%w: custom name is %d bytes, limit %d",
			ErrInvalidState, n, MaxCustomNameBytes)
	}
	if err := s.ensureLegacyImported(ctx, key.CaseID, key.PlayerID); err != nil {
		return slotcodec.Metadata{}, err
	}
	return s.write(ctx, key, st, opts)
}

// write is the locked save path shared by Save and the legacy import.
func (s *Store) write(ctx context.Context, key Key, st *gamestate.State, opts SaveOptions) (slotcodec.Metadata, error) {
	release, err := s.locks.acquire(ctx, key)
	if err != nil {
		return slotcodec.Metadata{}, err
	}
	defer release()
	if err := ctx.Err(); err != nil {
		return slotcodec.Metadata{}, err
	}
	ctx = context.WithoutCancel(ctx)

	snap := st.Clone()
	snap.Normalize()
	name := opts.CustomName

	prior, found, err := s.priorHeader(ctx, key)
	if err != nil {
		return slotcodec.Metadata{}, err
	}
	// A slot keeps its state id across overwrites. A slot written for the
	// first time gets a fresh one, so two slots never share an id.
	snap.StateID = uuid.NewString()
	if found {
		if prior.StateID != "" {
			snap.StateID = prior.StateID
		}
		if !prior.CreatedAt.IsZero() {
			snap.CreatedAt = prior.CreatedAt
		}
		if name == "" {
			name = prior.CustomName
		}
	}
	snap.UpdatedAt = s.now()
	if snap.UpdatedAt.Before(snap.CreatedAt) {
		snap.UpdatedAt = snap.CreatedAt
	}

	if vs := snap.Validate(); len(vs) > 0 {
		return slotcodec.Metadata{}, fmt.Errorf("%w: %w", ErrInvalidState, gamestate.ViolationsError(vs))
	}

	meta := slotcodec.NewMetadata(key.SlotID, snap, s.evidenceTotal(key.CaseID), name)
	rec, err := s.codec.Encode(snap, meta)
	if err != nil {
		return slotcodec.Metadata{}, fmt.Errorf("slotstore: save %s: %w", key, err)
	}
	if err := s.backend.Write(ctx, key, rec); err != nil {
		return slotcodec.Metadata{}, ioErr("save", key, err)
	}
	meta.Version = s.codec.Version()
	return meta, nil
}

// priorHeader reads the metadata of the record about to be replaced. An
// unreadable header counts as no prior record.
func (s *Store) priorHeader(ctx context.Context, key Key) (slotcodec.Metadata, bool, error) {
	line, err := s.backend.ReadHeader(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return slotcodec.Metadata{}, false, nil
	}
	if err != nil {
		return slotcodec.Metadata{}, false, ioErr("read header", key, err)
	}
	meta, err := s.codec.DecodeHeader(line)
	if err != nil {
		observe.Logger(ctx).Warn("overwriting slot with unreadable header",
			"case_id", key.CaseID, "player_id", key.PlayerID, "slot_id", key.SlotID, "err", err)
		return slotcodec.Metadata{}, false, nil
	}
	return meta, true, nil
}

// Load reads the slot at key. A slot that was never saved yields (nil, nil).
//
// Corrupt slots go through the recovery tiers: conservative repair of the
// decoded state ([OutcomeRepaired]), then the autosave slot if it is valid
// ([OutcomeAutosaveOffered]). When both fail Load returns an
// [*UnrecoverableError]. Records from a newer engine fail with
// [slotcodec.ErrUnsupportedVersion] and are not recovered. The stored slot is
// never modified or deleted by Load.
func (s *Store) Load(ctx context.Context, key Key) (*LoadResult, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "slotstore.Load", observe.SlotAttributes(key.CaseID, key.PlayerID, key.SlotID))
	defer span.End()

	res, err := s.load(ctx, key)

	var outcome string
	var unrec *UnrecoverableError
	switch {
	case res != nil:
		outcome = string(res.Outcome)
	case err == nil:
		outcome = "not_found"
	case errors.Is(err, slotcodec.ErrUnsupportedVersion):
		outcome = "unsupported_version"
	case errors.As(err, &unrec):
		outcome = "unrecoverable"
	default:
		outcome = observe.StatusError
	}
	s.metrics.RecordLoad(ctx, key.SlotID, outcome, time.Since(start))
	endSpan(span, err)
	return res, err
}

func (s *Store) load(ctx context.Context, key Key) (*LoadResult, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureLegacyImported(ctx, key.CaseID, key.PlayerID); err != nil {
		return nil, err
	}

	release, err := s.locks.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	st, meta, err := s.read(ctx, key)
	if err == nil {
		if st == nil {
			return nil, nil
		}
		return &LoadResult{State: st, Metadata: meta, Outcome: OutcomeLoaded}, nil
	}
	if errors.Is(err, slotcodec.ErrUnsupportedVersion) {
		return nil, fmt.Errorf("slotstore: load %s: %w", key, err)
	}
	var ce *slotcodec.CorruptStateError
	if !errors.As(err, &ce) {
		return nil, err
	}

	log := observe.Logger(ctx).With("case_id", key.CaseID, "player_id", key.PlayerID, "slot_id", key.SlotID)
	log.Warn("slot is corrupt", "violations", len(ce.Violations), "err", err)

	if ce.Candidate != nil {
		repaired := ce.Candidate.Clone()
		if remaining := repaired.Repair(); len(remaining) == 0 {
			log.Info("repaired corrupt slot in memory")
			meta = slotcodec.NewMetadata(key.SlotID, repaired, s.evidenceTotal(key.CaseID), meta.CustomName)
			meta.Version = ce.Version
			return &LoadResult{State: repaired, Metadata: meta, Outcome: OutcomeRepaired, Violations: ce.Violations}, nil
		}
	}

	if key.SlotID != SlotAutosave {
		if res := s.offerAutosave(ctx, key); res != nil {
			log.Info("offering autosave in place of corrupt slot")
			res.Violations = ce.Violations
			return res, nil
		}
	}

	log.Error("slot is unrecoverable")
	return nil, &UnrecoverableError{Key: key, Violations: ce.Violations, Cause: err}
}

// offerAutosave loads the autosave slot next to key when it is valid as
// stored.
func (s *Store) offerAutosave(ctx context.Context, key Key) *LoadResult {
	akey := Key{CaseID: key.CaseID, PlayerID: key.PlayerID, SlotID: SlotAutosave}
	release, err := s.locks.acquire(ctx, akey)
	if err != nil {
		return nil
	}
	defer release()

	st, meta, err := s.read(ctx, akey)
	if err != nil || st == nil {
		return nil
	}
	return &LoadResult{State: st, Metadata: meta, Outcome: OutcomeAutosaveOffered}
}

// read fetches and decodes key. A missing record yields a nil state and nil
// error.
func (s *Store) read(ctx context.Context, key Key) (*gamestate.State, slotcodec.Metadata, error) {
	rec, err := s.backend.Read(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, slotcodec.Metadata{}, nil
	}
	if err != nil {
		return nil, slotcodec.Metadata{}, ioErr("load", key, err)
	}
	st, meta, err := s.codec.Decode(rec)
	meta.SlotID = key.SlotID
	return st, meta, err
}

// List returns the metadata of every occupied slot of a case and player in
// [SlotIDs] order. Only headers are read. Slots whose header cannot be
// decoded are listed with Corrupt set.
func (s *Store) List(ctx context.Context, caseID, playerID string) ([]slotcodec.Metadata, error) {
	ctx, span := observe.StartSpan(ctx, "slotstore.List", observe.SlotAttributes(caseID, playerID, ""))
	defer span.End()

	if err := validateOwner(caseID, playerID); err != nil {
		return nil, err
	}
	if err := s.ensureLegacyImported(ctx, caseID, playerID); err != nil {
		return nil, err
	}

	found := make([]*slotcodec.Metadata, len(SlotIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, slot := range SlotIDs {
		g.Go(func() error {
			key := Key{CaseID: caseID, PlayerID: playerID, SlotID: slot}
			line, err := s.backend.ReadHeader(gctx, key)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return ioErr("list", key, err)
			}
			meta, err := s.codec.DecodeHeader(line)
			if err != nil {
				observe.Logger(gctx).Warn("slot header unreadable",
					"case_id", caseID, "player_id", playerID, "slot_id", slot, "err", err)
				meta = slotcodec.Metadata{CaseID: caseID, PlayerID: playerID, Corrupt: true}
			}
			meta.SlotID = slot
			found[i] = &meta
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		endSpan(span, err)
		return nil, err
	}

	out := make([]slotcodec.Metadata, 0, len(found))
	for _, m := range found {
		if m != nil {
			out = append(out, *m)
		}
	}
	return out, nil
}

// Delete removes the slot at key and reports whether it existed. Deleting an
// empty slot is not an error.
func (s *Store) Delete(ctx context.Context, key Key) (bool, error) {
	ctx, span := observe.StartSpan(ctx, "slotstore.Delete", observe.SlotAttributes(key.CaseID, key.PlayerID, key.SlotID))
	defer span.End()

	if err := key.Validate(); err != nil {
		return false, err
	}
	if err := s.ensureLegacyImported(ctx, key.CaseID, key.PlayerID); err != nil {
		return false, err
	}
	release, err := s.locks.acquire(ctx, key)
	if err != nil {
		return false, err
	}
	defer release()

	existed, err := s.backend.Delete(context.WithoutCancel(ctx), key)
	if err != nil {
		err = ioErr("delete", key, err)
		endSpan(span, err)
		return false, err
	}
	if existed {
		observe.Logger(ctx).Info("slot deleted",
			"case_id", key.CaseID, "player_id", key.PlayerID, "slot_id", key.SlotID)
	}
	return existed, nil
}

// Exists reports whether the slot at key holds a record, corrupt or not.
func (s *Store) Exists(ctx context.Context, key Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	if err := s.ensureLegacyImported(ctx, key.CaseID, key.PlayerID); err != nil {
		return false, err
	}
	return s.exists(ctx, key)
}

func (s *Store) exists(ctx context.Context, key Key) (bool, error) {
	_, err := s.backend.ReadHeader(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		return false, nil
	case err != nil:
		return false, ioErr("exists", key, err)
	}
	return true, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
