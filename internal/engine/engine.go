// Package engine runs every store mutation on one goroutine. Network I/O
// happens on the caller's goroutine and its effect re-enters the loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/fleet-sync/internal/activity"
	"github.com/example/fleet-sync/internal/clock"
	"github.com/example/fleet-sync/internal/models"
	"github.com/example/fleet-sync/internal/observability"
	"github.com/example/fleet-sync/internal/reconcile"
	"github.com/example/fleet-sync/internal/store"
)

var (
	ErrStopped           = errors.New("engine stopped")
	ErrNotEditable       = errors.New("collection is not editable")
	ErrLifecycleRequired = errors.New("terminal status changes go through the delivery lifecycle")
	ErrRemoteWriteFailed = errors.New("remote write failed")
)

// Remote is the write side of the remote API used by edits.
type Remote interface {
	PatchEntity(ctx context.Context, ref models.Ref, patch models.Patch) error
	CheckIn(ctx context.Context, driverID string) error
	CheckOut(ctx context.Context, driverID string) error
}

type Refresher interface {
	Trigger(reason string)
}

type Options struct {
	Clock    clock.Clock
	Activity activity.Recorder
	Logger   *slog.Logger
	// SweepInterval is how often expired pending edits are discarded and
	// presence is recomputed.
	SweepInterval time.Duration
	QueueSize     int
}

type Engine struct {
	store    *store.Store
	policy   *reconcile.Policy
	remote   Remote
	refresh  Refresher
	clock    clock.Clock
	activity activity.Recorder
	logger   *slog.Logger
	sweep    time.Duration

	ops     chan func()
	stopped chan struct{}
}

func New(s *store.Store, p *reconcile.Policy, remote Remote, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Activity == nil {
		opts.Activity = activity.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Engine{
		store:    s,
		policy:   p,
		remote:   remote,
		refresh:  noRefresh{},
		clock:    opts.Clock,
		activity: opts.Activity,
		logger:   opts.Logger,
		sweep:    opts.SweepInterval,
		ops:      make(chan func(), opts.QueueSize),
		stopped:  make(chan struct{}),
	}
}

type noRefresh struct{}

func (noRefresh) Trigger(string) {}

// SetRefresher wires the out-of-band snapshot trigger. Call before Run.
func (e *Engine) SetRefresher(r Refresher) { e.refresh = r }

// Refresh requests an out-of-band snapshot fetch.
func (e *Engine) Refresh(reason string) { e.refresh.Trigger(reason) }

func (e *Engine) Store() *store.Store { return e.store }

// Run executes posted operations in order until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	ticker := time.NewTicker(e.sweep)
	defer ticker.Stop()
	e.logger.Info("engine loop started", "sweep_interval", e.sweep)
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-e.ops:
			fn()
		case <-ticker.C:
			e.sweepOnce()
		}
	}
}

// Post queues fn for the loop without waiting for it to run.
func (e *Engine) Post(ctx context.Context, fn func()) error {
	select {
	case <-e.stopped:
		return ErrStopped
	default:
	}
	select {
	case e.ops <- fn:
		return nil
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the loop and waits for its result.
func (e *Engine) Do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if err := e.Post(ctx, func() { res <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) sweepOnce() {
	now := e.clock.Now()
	e.policy.Expire(now)
	online := 0
	for _, d := range store.AllAs[*models.Driver](e.store, models.Drivers) {
		if d.Online(now, models.PresenceWindow) {
			online++
		}
	}
	observability.DriversOnline.Set(float64(online))
}

// ApplySnapshots applies one poll cycle.
func (e *Engine) ApplySnapshots(ctx context.Context, batch []reconcile.Snapshot) error {
	return e.Do(ctx, func() error {
		res := e.policy.ApplyBatch(batch)
		if res.Removed > 0 {
			e.logger.Info("entities removed by snapshot", "count", res.Removed)
		}
		return nil
	})
}

// ApplyLocation applies a live position report.
func (e *Engine) ApplyLocation(ctx context.Context, ev models.LocationEvent) error {
	return e.Do(ctx, func() error {
		_, err := e.policy.Apply(reconcile.PushFromLocation(ev))
		return err
	})
}

// SubmitLocalEdit applies patch optimistically, then writes it to the
// remote API. The returned id names the pending edit. A failed write
// discards the edit and schedules a refresh.
func (e *Engine) SubmitLocalEdit(ctx context.Context, ref models.Ref, patch models.Patch) (string, error) {
	switch ref.Collection {
	case models.Orders, models.Vehicles, models.Drivers:
	default:
		return "", fmt.Errorf("%s: %w", ref.Collection, ErrNotEditable)
	}
	id := uuid.NewString()
	err := e.Do(ctx, func() error {
		if err := e.checkStatusEdit(ref, patch); err != nil {
			return err
		}
		_, err := e.policy.Apply(reconcile.LocalEdit{ID: id, Ref: ref, Patch: patch, IssuedAt: e.clock.Now()})
		return err
	})
	if err != nil {
		return "", err
	}
	e.logger.Debug("local edit applied", "edit_id", id, "ref", ref.String(), "fields", patch.Fields())

	werr := e.remote.PatchEntity(ctx, ref, patch)
	if werr == nil {
		e.settle(id, ref, nil)
		return id, nil
	}
	e.settle(id, ref, werr)
	return id, fmt.Errorf("%w: %w", ErrRemoteWriteFailed, werr)
}

// settle re-enters the loop with the outcome of a remote write. It must
// not depend on the caller's context, which may already be cancelled.
func (e *Engine) settle(id string, ref models.Ref, werr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.Post(ctx, func() {
		if werr == nil {
			e.policy.Ack(id, e.clock.Now())
			return
		}
		n := e.policy.Reject(id)
		e.logger.Warn("remote write rejected", "edit_id", id, "ref", ref.String(), "fields_discarded", n, "error", werr)
		e.activity.Record(activity.KindError, ref.String(), "Saving %s failed: %v", ref, werr)
		e.refresh.Trigger("edit_rejected")
	})
	if err != nil {
		e.logger.Error("could not settle local edit", "edit_id", id, "error", err)
	}
}

func (e *Engine) checkStatusEdit(ref models.Ref, patch models.Patch) error {
	raw, ok := patch[models.FieldStatus]
	if !ok || ref.Collection != models.Orders {
		return nil
	}
	s, ok := raw.(string)
	if st, isStatus := raw.(models.Status); isStatus {
		s, ok = string(st), true
	}
	if !ok {
		return fmt.Errorf("%w: status %v", models.ErrInvalidValue, raw)
	}
	to, err := models.ParseStatus(s)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidValue, err)
	}
	if to.Terminal() {
		return fmt.Errorf("%s: %w", to, ErrLifecycleRequired)
	}
	cur, ok := store.GetAs[*models.Order](e.store, models.Orders, ref.ID)
	if !ok {
		return fmt.Errorf("edit %s: %w", ref, reconcile.ErrUnknownEntity)
	}
	if cur.Status == to {
		return nil
	}
	return models.ValidateTransition(cur.Status, to)
}

// Commit records a change the remote API has already accepted.
func (e *Engine) Commit(ctx context.Context, ref models.Ref, patch models.Patch) error {
	return e.Do(ctx, func() error {
		_, err := e.policy.Commit(reconcile.LocalEdit{Ref: ref, Patch: patch, IssuedAt: e.clock.Now()})
		return err
	})
}

// CheckIn marks a driver active for the shift.
func (e *Engine) CheckIn(ctx context.Context, driverID string) error {
	return e.driverShift(ctx, driverID, true)
}

func (e *Engine) CheckOut(ctx context.Context, driverID string) error {
	return e.driverShift(ctx, driverID, false)
}

func (e *Engine) driverShift(ctx context.Context, driverID string, active bool) error {
	ref := models.Ref{Collection: models.Drivers, ID: driverID}
	if _, ok := e.store.Get(models.Drivers, driverID); !ok {
		return fmt.Errorf("driver %s: %w", driverID, reconcile.ErrUnknownEntity)
	}
	call, verb := e.remote.CheckIn, "checked in"
	if !active {
		call, verb = e.remote.CheckOut, "checked out"
	}
	if err := call(ctx, driverID); err != nil {
		return fmt.Errorf("%w: %w", ErrRemoteWriteFailed, err)
	}
	if err := e.Commit(ctx, ref, models.Patch{models.FieldActive: active}); err != nil {
		return err
	}
	e.activity.Record(activity.KindUser, ref.String(), "Driver %s %s", driverID, verb)
	return nil
}

// PendingEdits lists unresolved local edits.
func (e *Engine) PendingEdits(ctx context.Context) ([]reconcile.PendingEdit, error) {
	var out []reconcile.PendingEdit
	err := e.Do(ctx, func() error {
		out = e.policy.PendingEdits()
		return nil
	})
	return out, err
}
