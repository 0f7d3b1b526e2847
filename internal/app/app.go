// Package app wires the save engine into the operations the game's
// narrative layer calls.
//
// The [Engine] owns the slot store, the case catalog, the location manager
// and one autosave controller per case and player. New builds everything from
// the config, Close flushes pending autosaves and tears it all down in order.
// A [Session] holds the single live state of an active game.
//
// For testing, inject a store or catalog via functional options. When an
// option is not provided, New creates the real implementation from the
// config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/casekeep/internal/autosave"
	"github.com/MrWong99/casekeep/internal/casedef"
	"github.com/MrWong99/casekeep/internal/config"
	"github.com/MrWong99/casekeep/internal/location"
	"github.com/MrWong99/casekeep/internal/observe"
	"github.com/MrWong99/casekeep/internal/slotcodec"
	"github.com/MrWong99/casekeep/internal/slotstore"
	"github.com/MrWong99/casekeep/pkg/gamestate"
)

// ErrSessionActive is returned by [Engine.StartSession] when the case and
// player already have an open session.
var ErrSessionActive = errors.New("app: session already active")

// ErrClosed is returned by operations on a closed [Engine] or [Session].
var ErrClosed = errors.New("app: closed")

// SaveResult is the result of a manual save.
type SaveResult struct {
	Success  bool
	SlotID   string
	Metadata slotcodec.Metadata
}

// DeleteResult is the result of deleting a slot.
type DeleteResult struct {
	Success bool
	Existed bool
}

// Engine owns all subsystem lifetimes. All methods are safe for concurrent
// use.
type Engine struct {
	cfg       *config.Config
	store     *slotstore.Store
	catalog   *casedef.Catalog
	locations *location.Manager
	metrics   *observe.Metrics

	mu          sync.Mutex
	controllers map[string]*autosave.Controller
	sessions    map[string]*Session
	closed      bool

	// closers are called in order during Close.
	closers  []func() error
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*Engine)

// WithStore injects a slot store instead of opening the configured backend.
// The engine does not close an injected store.
func WithStore(s *slotstore.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithCatalog injects a case catalog instead of loading cases.path.
func WithCatalog(c *casedef.Catalog) Option {
	return func(e *Engine) { e.catalog = c }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine from cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:         cfg,
		controllers: make(map[string]*autosave.Controller),
		sessions:    make(map[string]*Session),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}

	if err := e.initCatalog(); err != nil {
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}
	if err := e.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	e.locations = location.NewManager(location.WithMetrics(e.metrics))
	return e, nil
}

func (e *Engine) initCatalog() error {
	if e.catalog != nil || e.cfg.Cases.Path == "" {
		return nil
	}
	cat, err := casedef.Load(e.cfg.Cases.Path)
	if err != nil {
		return err
	}
	e.catalog = cat
	slog.Info("loaded case catalog", "path", e.cfg.Cases.Path, "cases", len(cat.IDs()))
	return nil
}

func (e *Engine) initStore(ctx context.Context) error {
	if e.store != nil {
		return nil
	}
	backend, err := OpenBackend(ctx, e.cfg.Storage)
	if err != nil {
		return err
	}
	e.store = slotstore.New(backend,
		slotstore.WithMetrics(e.metrics),
		slotstore.WithEvidenceTotals(e.catalog.EvidenceTotal),
	)
	e.closers = append(e.closers, e.store.Close)
	return nil
}

// Store returns the slot store.
func (e *Engine) Store() *slotstore.Store { return e.store }

// Catalog returns the case catalog. It may be nil.
func (e *Engine) Catalog() *casedef.Catalog { return e.catalog }

// Ping checks that the storage backend is reachable.
func (e *Engine) Ping(ctx context.Context) error { return e.store.Backend().Ping(ctx) }

// ─── Collaborator operations ────────────────────────────────────────────────

// Save writes s to slotID synchronously.
func (e *Engine) Save(ctx context.Context, s *gamestate.State, slotID, customName string) (SaveResult, error) {
	if s == nil {
		return SaveResult{SlotID: slotID}, fmt.Errorf("app: save: %w: nil state", slotstore.ErrInvalidState)
	}
	key := slotstore.Key{CaseID: s.CaseID, PlayerID: s.PlayerID, SlotID: slotID}
	meta, err := e.store.Save(ctx, key, s, slotstore.SaveOptions{CustomName: customName})
	if err != nil {
		return SaveResult{SlotID: slotID}, err
	}
	return SaveResult{Success: true, SlotID: slotID, Metadata: meta}, nil
}

// Load reads a slot. A slot that was never saved yields (nil, nil).
func (e *Engine) Load(ctx context.Context, caseID, playerID, slotID string) (*slotstore.LoadResult, error) {
	return e.store.Load(ctx, slotstore.Key{CaseID: caseID, PlayerID: playerID, SlotID: slotID})
}

// ListSlots returns the metadata of every occupied slot.
func (e *Engine) ListSlots(ctx context.Context, caseID, playerID string) ([]slotcodec.Metadata, error) {
	return e.store.List(ctx, caseID, playerID)
}

// DeleteSlot removes a slot. Deleting an empty slot succeeds with Existed
// false.
func (e *Engine) DeleteSlot(ctx context.Context, caseID, playerID, slotID string) (DeleteResult, error) {
	existed, err := e.store.Delete(ctx, slotstore.Key{CaseID: caseID, PlayerID: playerID, SlotID: slotID})
	if err != nil {
		return DeleteResult{}, err
	}
	return DeleteResult{Success: true, Existed: existed}, nil
}

// ChangeLocation applies a location transition to s and returns the new
// state. A real transition is reported to the autosave controller.
func (e *Engine) ChangeLocation(ctx context.Context, s *gamestate.State, to string) (*gamestate.State, location.Transition, error) {
	next, t, err := e.locations.ChangeLocation(ctx, s, to)
	if err != nil {
		return nil, t, err
	}
	if next != s {
		e.NotifyEvent(ctx, autosave.KindLocationChanged, next)
	}
	return next, t, nil
}

// NotifyEvent feeds a gameplay event to the autosave controller of the
// state's case and player. It never fails: autosave errors are logged. For
// [autosave.KindVerdictSubmitted] the autosave has completed when
// NotifyEvent returns.
func (e *Engine) NotifyEvent(ctx context.Context, kind autosave.Kind, s *gamestate.State) {
	if s == nil {
		return
	}
	c := e.controller(ctx, s.CaseID, s.PlayerID)
	if c == nil {
		return
	}
	if err := c.Notify(ctx, kind, s); err != nil && !errors.Is(err, autosave.ErrClosed) {
		observe.Logger(ctx).Warn("autosave trigger failed",
			"case_id", s.CaseID, "player_id", s.PlayerID, "kind", string(kind), "err", err)
	}
}

// controller returns the autosave controller of a case and player, creating
// it on first use. It returns nil when autosave is disabled or the engine is
// closed.
func (e *Engine) controller(ctx context.Context, caseID, playerID string) *autosave.Controller {
	if !e.cfg.Autosave.IsEnabled() {
		return nil
	}
	owner := caseID + "/" + playerID

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if c, ok := e.controllers[owner]; ok {
		return c
	}
	key := slotstore.Key{CaseID: caseID, PlayerID: playerID, SlotID: slotstore.SlotAutosave}
	c := autosave.New(func(ctx context.Context, s *gamestate.State) error {
		_, err := e.store.Save(ctx, key, s, slotstore.SaveOptions{})
		return err
	},
		autosave.WithDebounce(e.cfg.Autosave.Debounce),
		autosave.WithMetrics(e.metrics),
		autosave.WithBaseContext(ctx),
	)
	e.controllers[owner] = c
	return c
}

func (e *Engine) lookupController(owner string) *autosave.Controller {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.controllers[owner]
}

// NewGame returns a fresh state for caseID. The start location and verdict
// attempts come from the case catalog when it knows the case and from the
// gameplay config otherwise; startLocation overrides both when non-empty.
func (e *Engine) NewGame(caseID, playerID, startLocation string) (*gamestate.State, error) {
	attempts := e.cfg.Gameplay.VerdictAttempts
	if cs, err := e.catalog.Get(caseID); err == nil {
		if startLocation == "" {
			startLocation = cs.StartLocation
		}
		if cs.VerdictAttempts > 0 {
			attempts = cs.VerdictAttempts
		}
	}
	if startLocation == "" {
		return nil, fmt.Errorf("app: new game: no start location for case %q", caseID)
	}
	s := gamestate.New(caseID, playerID, startLocation, gamestate.WithVerdictAttempts(attempts))
	if vs := s.Validate(); len(vs) > 0 {
		return nil, fmt.Errorf("app: new game: %w", gamestate.ViolationsError(vs))
	}
	return s, nil
}

// StartSession opens the game of a case and player. The state is loaded from
// slotID; an empty slot starts a new game. Only one session per case and
// player may be open.
func (e *Engine) StartSession(ctx context.Context, caseID, playerID, slotID string) (*Session, error) {
	owner := caseID + "/" + playerID

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := e.sessions[owner]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionActive, owner)
	}
	// Reserve the owner while loading.
	e.sessions[owner] = nil
	e.mu.Unlock()

	sess, err := e.openSession(ctx, caseID, playerID, slotID)

	e.mu.Lock()
	if err != nil {
		delete(e.sessions, owner)
	} else {
		e.sessions[owner] = sess
	}
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.metrics.ActiveSessions.Add(ctx, 1)
	observe.Logger(ctx).Info("session started",
		"case_id", caseID, "player_id", playerID, "slot_id", slotID, "outcome", string(sess.outcome))
	return sess, nil
}

func (e *Engine) openSession(ctx context.Context, caseID, playerID, slotID string) (*Session, error) {
	res, err := e.Load(ctx, caseID, playerID, slotID)
	if err != nil {
		return nil, err
	}
	var (
		st      *gamestate.State
		outcome slotstore.Outcome
	)
	if res != nil {
		st, outcome = res.State, res.Outcome
	} else {
		if st, err = e.NewGame(caseID, playerID, ""); err != nil {
			return nil, err
		}
		outcome = "new_game"
	}
	cs, _ := e.catalog.Get(caseID)
	return &Session{
		engine:  e,
		caseDef: cs,
		owner:   caseID + "/" + playerID,
		state:   st,
		outcome: outcome,
	}, nil
}

// endSession unregisters a closed session.
func (e *Engine) endSession(ctx context.Context, owner string) {
	e.mu.Lock()
	_, ok := e.sessions[owner]
	delete(e.sessions, owner)
	e.mu.Unlock()
	if ok {
		e.metrics.ActiveSessions.Add(ctx, -1)
	}
}

// Close flushes pending autosaves of all controllers and releases the store.
// Close is idempotent.
func (e *Engine) Close(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		sessions := make([]*Session, 0, len(e.sessions))
		for _, s := range e.sessions {
			if s != nil {
				sessions = append(sessions, s)
			}
		}
		controllers := make([]*autosave.Controller, 0, len(e.controllers))
		for _, c := range e.controllers {
			controllers = append(controllers, c)
		}
		e.mu.Unlock()

		var errs []error
		for _, s := range sessions {
			s.markClosed(ctx)
		}
		for _, c := range controllers {
			if err := c.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("flush autosave: %w", err))
			}
		}
		for _, fn := range e.closers {
			if err := fn(); err != nil {
				errs = append(errs, err)
			}
		}
		e.stopErr = errors.Join(errs...)
	})
	return e.stopErr
}
