// Package autosave decides when the live game state is written to the
// autosave slot.
//
// A [Controller] cycles Idle → Pending → Saving → Idle. Ordinary triggers
// open (or extend) a debounce window and the latest snapshot is saved once
// the window closes. A submitted verdict is critical: it cancels the window
// and saves synchronously before [Controller.Notify] returns. At most one save
// runs at a time; triggers that arrive while saving are remembered and
// re-enter Pending once the save completes. A failed save is logged, the
// controller returns to Idle and nothing is retried.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/casekeep/internal/observe"
	"github.com/MrWong99/casekeep/pkg/gamestate"
)

// DefaultDebounce is the debounce window when none is configured.
const DefaultDebounce = 3 * time.Second

// ErrClosed is returned by [Controller.Notify] after [Controller.Close].
var ErrClosed = errors.New("autosave: controller closed")

// Kind is the gameplay event that triggers an autosave.
type Kind string

const (
	KindEvidenceDiscovered  Kind = "evidence_discovered"
	KindWitnessInterrogated Kind = "witness_interrogated"
	KindVerdictSubmitted    Kind = "verdict_submitted"
	KindLocationChanged     Kind = "location_changed"
	KindBriefingCompleted   Kind = "briefing_completed"
)

// IsValid reports whether k is a known trigger kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindEvidenceDiscovered, KindWitnessInterrogated, KindVerdictSubmitted,
		KindLocationChanged, KindBriefingCompleted:
		return true
	}
	return false
}

// Critical reports whether k bypasses the debounce window.
func (k Kind) Critical() bool { return k == KindVerdictSubmitted }

// Phase is the controller's state.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhasePending Phase = "pending"
	PhaseSaving  Phase = "saving"
)

// SaveFunc persists a snapshot to the autosave slot.
type SaveFunc func(ctx context.Context, s *gamestate.State) error

// Option configures a [Controller].
type Option func(*Controller)

// WithDebounce sets the debounce window. Non-positive values are ignored.
func WithDebounce(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithBaseContext sets the context used for saves started by the debounce
// timer. Its values (logger, trace) are used; its cancellation is not.
func WithBaseContext(ctx context.Context) Option {
	return func(c *Controller) { c.baseCtx = context.WithoutCancel(ctx) }
}

// Controller schedules autosaves for one game. It is safe for concurrent
// use.
type Controller struct {
	save     SaveFunc
	debounce time.Duration
	metrics  *observe.Metrics
	baseCtx  context.Context

	mu    sync.Mutex
	idle  *sync.Cond // signalled whenever a save finishes
	phase Phase

	// pending is the snapshot waiting for the debounce window (Pending).
	pending *gamestate.State
	// next is the newest snapshot recorded while Saving.
	next *gamestate.State

	timer *time.Timer
	gen   uint64 // invalidates timers that fire after being superseded

	closed bool
}

// New returns an idle Controller that persists through save.
func New(save SaveFunc, opts ...Option) *Controller {
	c := &Controller{
		save:     save,
		debounce: DefaultDebounce,
		baseCtx:  context.Background(),
		phase:    PhaseIdle,
	}
	c.idle = sync.NewCond(&c.mu)
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Notify reports a gameplay event. s is copied before Notify returns, so the
// caller may keep mutating it.
//
// For non-critical kinds Notify never blocks on I/O and returns nil. For
// [KindVerdictSubmitted] it waits for any in-flight save, then saves s and
// returns the save's error.
func (c *Controller) Notify(ctx context.Context, kind Kind, s *gamestate.State) error {
	if !kind.IsValid() {
		return fmt.Errorf("autosave: unknown trigger kind %q", kind)
	}
	if s == nil {
		return errors.New("autosave: nil state")
	}
	snap := s.Clone()
	c.metrics.RecordAutosaveTrigger(ctx, string(kind))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	if kind.Critical() {
		for c.phase == PhaseSaving {
			c.idle.Wait()
		}
		// The critical snapshot supersedes anything older that is waiting. A
		// snapshot recorded while this call waited may be newer; it is saved
		// after the critical one.
		c.cancelTimerLocked()
		waiting := newest(c.pending, c.next)
		c.pending, c.next = nil, nil
		if waiting != nil && waiting.UpdatedAt.After(snap.UpdatedAt) {
			c.next = waiting
		}
		c.phase = PhaseSaving
		c.mu.Unlock()
		return c.run(ctx, snap, string(kind))
	}

	switch c.phase {
	case PhaseSaving:
		c.next = snap
	default:
		c.pending = snap
		c.phase = PhasePending
		c.armLocked()
	}
	c.mu.Unlock()
	return nil
}

// Flush saves the pending snapshot now, if there is one, after waiting for
// any in-flight save. It returns the save's error.
func (c *Controller) Flush(ctx context.Context) error {
	c.mu.Lock()
	for c.phase == PhaseSaving {
		c.idle.Wait()
	}
	if c.phase != PhasePending {
		c.mu.Unlock()
		return nil
	}
	c.cancelTimerLocked()
	snap := c.pending
	c.pending = nil
	c.phase = PhaseSaving
	c.mu.Unlock()

	return c.run(ctx, snap, "flush")
}

// Close stops accepting triggers, flushes the pending snapshot and waits for
// in-flight saves. Close is idempotent.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	err := c.Flush(ctx)

	c.mu.Lock()
	for c.phase == PhaseSaving {
		c.idle.Wait()
	}
	c.cancelTimerLocked()
	c.mu.Unlock()
	return err
}

// armLocked (re)starts the debounce window.
func (c *Controller) armLocked() {
	c.cancelTimerLocked()
	gen := c.gen
	c.timer = time.AfterFunc(c.debounce, func() { c.fire(gen) })
}

func (c *Controller) cancelTimerLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// fire runs when a debounce window closes.
func (c *Controller) fire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.phase != PhasePending {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	snap := c.pending
	c.pending = nil
	c.phase = PhaseSaving
	c.mu.Unlock()

	_ = c.run(c.baseCtx, snap, "debounce")
}

// run performs one save. The caller has set PhaseSaving.
func (c *Controller) run(ctx context.Context, snap *gamestate.State, reason string) error {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "autosave.Save",
		observe.SlotAttributes(snap.CaseID, snap.PlayerID, "autosave"))
	err := c.save(ctx, snap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	log := observe.Logger(ctx).With("case_id", snap.CaseID, "player_id", snap.PlayerID, "reason", reason)
	if err != nil {
		c.metrics.RecordAutosave(ctx, observe.StatusError)
		log.Warn("autosave failed", "err", err, "duration", time.Since(start))
	} else {
		c.metrics.RecordAutosave(ctx, observe.StatusOK)
		log.Debug("autosaved", "duration", time.Since(start))
	}

	c.mu.Lock()
	switch {
	case err != nil:
		c.next = nil
		c.phase = PhaseIdle
	case c.next != nil:
		c.pending, c.next = c.next, nil
		c.phase = PhasePending
		if !c.closed {
			c.armLocked()
		}
	default:
		c.phase = PhaseIdle
	}
	c.idle.Broadcast()
	c.mu.Unlock()
	return err
}

func newest(a, b *gamestate.State) *gamestate.State {
	if a == nil {
		return b
	}
	if b == nil || a.UpdatedAt.After(b.UpdatedAt) {
		return a
	}
	return b
}
