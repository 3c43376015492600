// Package lifecycle drives a stop from ASSIGNED to a terminal status. A
// DELIVERED transition is only requested after its proof of delivery has
// been accepted.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/fleet-sync/internal/activity"
	"github.com/example/fleet-sync/internal/clock"
	"github.com/example/fleet-sync/internal/models"
	"github.com/example/fleet-sync/internal/observability"
	"github.com/example/fleet-sync/internal/pod"
	"github.com/example/fleet-sync/internal/store"
)

var (
	ErrPODRequired        = errors.New("proof of delivery package required")
	ErrPODUpload          = errors.New("proof of delivery upload failed")
	ErrFailReasonRequired = errors.New("fail reason required")
	ErrTransitionInFlight = errors.New("a transition for this stop is already in progress")
	ErrUnknownStop        = errors.New("unknown stop")
	ErrUnknownRoute       = errors.New("unknown route")
	ErrNoWarning          = errors.New("no pending warning for stop")
	ErrStatusUpdate       = errors.New("status update failed")

	ErrAlreadyTerminal   = models.ErrAlreadyTerminal
	ErrIllegalTransition = models.ErrIllegalTransition
)

// PartialCommitError means the POD was stored remotely but the status
// transition that should follow it failed. It is never retried
// automatically.
type PartialCommitError struct {
	StopID string
	Status models.Status
	Err    error
}

func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("stop %s: proof of delivery saved but status %s not updated: %v", e.StopID, e.Status, e.Err)
}

func (e *PartialCommitError) Unwrap() error { return e.Err }

// Warning is the operator-visible record of a partial commit.
type Warning struct {
	StopID   string        `json:"stop_id"`
	OrderID  string        `json:"order_id"`
	Status   models.Status `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Error    string        `json:"error"`
	Attempts int           `json:"attempts"`
	At       time.Time     `json:"at"`

	pod *models.PODRecord
}

// Remote is the part of the remote API the lifecycle calls.
type Remote interface {
	UploadPOD(ctx context.Context, stopID string, pkg *pod.Package) error
	UpdateStopStatus(ctx context.Context, stopID string, status models.Status, reason string) error
	CancelRoute(ctx context.Context, routeID string) error
}

// Committer applies changes the remote API has accepted.
type Committer interface {
	Commit(ctx context.Context, ref models.Ref, patch models.Patch) error
	Refresh(reason string)
}

type Options struct {
	Clock    clock.Clock
	Activity activity.Recorder
	Logger   *slog.Logger
}

type Machine struct {
	store    *store.Store
	remote   Remote
	commit   Committer
	clock    clock.Clock
	activity activity.Recorder
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	warnings map[string]*Warning
}

func New(s *store.Store, remote Remote, commit Committer, opts Options) *Machine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Activity == nil {
		opts.Activity = activity.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Machine{
		store:    s,
		remote:   remote,
		commit:   commit,
		clock:    opts.Clock,
		activity: opts.Activity,
		logger:   opts.Logger,
		inFlight: make(map[string]struct{}),
		warnings: make(map[string]*Warning),
	}
}

// lookup resolves a stop by order id or remote stop id.
func (m *Machine) lookup(stopID string) (*models.Order, error) {
	if o, ok := store.GetAs[*models.Order](m.store, models.Orders, stopID); ok {
		return o, nil
	}
	for _, o := range store.AllAs[*models.Order](m.store, models.Orders) {
		if o.StopID == stopID {
			return o, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownStop, stopID)
}

func (m *Machine) begin(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inFlight[key]; busy {
		return fmt.Errorf("%w: %s", ErrTransitionInFlight, key)
	}
	m.inFlight[key] = struct{}{}
	return nil
}

func (m *Machine) end(key string) {
	m.mu.Lock()
	delete(m.inFlight, key)
	m.mu.Unlock()
}

// prepare guards a transition of stopID to status and returns the stop.
// The caller must call end with the order id when err is nil.
func (m *Machine) prepare(stopID string, to models.Status) (*models.Order, error) {
	o, err := m.lookup(stopID)
	if err != nil {
		return nil, err
	}
	if err := models.ValidateTransition(o.Status, to); err != nil {
		observability.Transitions.WithLabelValues(string(to), "rejected").Inc()
		return nil, fmt.Errorf("stop %s: %w", stopID, err)
	}
	if err := m.begin(o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

// RequestDelivered uploads pkg and, once it is accepted, requests the
// DELIVERED transition.
func (m *Machine) RequestDelivered(ctx context.Context, stopID string, pkg *pod.Package) error {
	if pkg == nil {
		return ErrPODRequired
	}
	o, err := m.prepare(stopID, models.StatusDelivered)
	if err != nil {
		return err
	}
	defer m.end(o.ID)

	log := m.logger.With("stop_id", o.StopRef(), "order_id", o.ID)
	if err := m.remote.UploadPOD(ctx, o.StopRef(), pkg); err != nil {
		observability.PODUploads.WithLabelValues("failed").Inc()
		log.Warn("pod upload failed", "error", err)
		m.activity.Record(activity.KindError, orderRef(o).String(), "Proof of delivery for %s was not accepted: %v", o.StopRef(), err)
		return fmt.Errorf("%w: %w", ErrPODUpload, err)
	}
	observability.PODUploads.WithLabelValues("ok").Inc()
	log.Info("pod uploaded", "artifacts", pkg.Artifacts())

	rec := podRecord(pkg)
	if err := m.remote.UpdateStopStatus(ctx, o.StopRef(), models.StatusDelivered, ""); err != nil {
		observability.Transitions.WithLabelValues(string(models.StatusDelivered), "failed").Inc()
		return m.partialCommit(o, models.StatusDelivered, "", rec, err)
	}
	return m.committed(ctx, o, models.StatusDelivered, "", rec)
}

// RequestFailed requests the FAILED transition. No POD is needed.
func (m *Machine) RequestFailed(ctx context.Context, stopID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrFailReasonRequired
	}
	o, err := m.prepare(stopID, models.StatusFailed)
	if err != nil {
		return err
	}
	defer m.end(o.ID)

	if err := m.remote.UpdateStopStatus(ctx, o.StopRef(), models.StatusFailed, reason); err != nil {
		observability.Transitions.WithLabelValues(string(models.StatusFailed), "failed").Inc()
		m.logger.Warn("fail transition rejected", "stop_id", o.StopRef(), "error", err)
		return fmt.Errorf("%w: %w", ErrStatusUpdate, err)
	}
	return m.committed(ctx, o, models.StatusFailed, reason, nil)
}

// CancelStop takes a stop off its route. The order goes back to PENDING.
func (m *Machine) CancelStop(ctx context.Context, stopID string) error {
	o, err := m.prepare(stopID, models.StatusCancelled)
	if err != nil {
		return err
	}
	defer m.end(o.ID)

	if err := m.remote.UpdateStopStatus(ctx, o.StopRef(), models.StatusCancelled, ""); err != nil {
		observability.Transitions.WithLabelValues(string(models.StatusCancelled), "failed").Inc()
		return fmt.Errorf("%w: %w", ErrStatusUpdate, err)
	}
	observability.Transitions.WithLabelValues(string(models.StatusCancelled), "ok").Inc()
	if err := m.commit.Commit(ctx, orderRef(o), pendingPatch()); err != nil {
		return err
	}
	if o.RouteID != "" {
		if r, ok := store.GetAs[*models.Route](m.store, models.Routes, o.RouteID); ok {
			rest := make([]string, 0, len(r.StopIDs))
			for _, id := range r.StopIDs {
				if id != o.ID {
					rest = append(rest, id)
				}
			}
			if err := m.commit.Commit(ctx, models.Ref{Collection: models.Routes, ID: r.ID}, models.Patch{models.FieldStopIDs: rest}); err != nil {
				return err
			}
		}
	}
	m.activity.Record(activity.KindUser, orderRef(o).String(), "Stop %s cancelled; order returned to pending", o.StopRef())
	return nil
}

// CancelRoute cancels a whole route. Its open stops return to PENDING and
// a refresh is requested so the next snapshot drops the route.
func (m *Machine) CancelRoute(ctx context.Context, routeID string) error {
	r, ok := store.GetAs[*models.Route](m.store, models.Routes, routeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoute, routeID)
	}
	key := "route:" + routeID
	if err := m.begin(key); err != nil {
		return err
	}
	defer m.end(key)

	if err := m.remote.CancelRoute(ctx, routeID); err != nil {
		return fmt.Errorf("%w: cancel route %s: %w", ErrStatusUpdate, routeID, err)
	}
	reset := 0
	for _, id := range r.StopIDs {
		o, ok := store.GetAs[*models.Order](m.store, models.Orders, id)
		if !ok || o.Status != models.StatusAssigned {
			continue
		}
		if err := m.commit.Commit(ctx, orderRef(o), pendingPatch()); err != nil {
			return err
		}
		reset++
	}
	if err := m.commit.Commit(ctx, models.Ref{Collection: models.Routes, ID: routeID}, models.Patch{models.FieldStatus: string(models.StatusCancelled), models.FieldStopIDs: []string{}}); err != nil {
		return err
	}
	m.commit.Refresh("route_cancelled")
	m.activity.Record(activity.KindUser, "routes/"+routeID, "Route %s cancelled; %d stops returned to pending", routeID, reset)
	return nil
}

// RetryStatus reissues only the status call of a partial commit. It is
// the explicit operator action; nothing calls it automatically.
func (m *Machine) RetryStatus(ctx context.Context, stopID string) error {
	o, err := m.lookup(stopID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	w, ok := m.warnings[o.ID]
	var snapshot Warning
	if ok {
		snapshot = *w
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoWarning, stopID)
	}
	if err := models.ValidateTransition(o.Status, snapshot.Status); err != nil {
		// The server already moved the stop; nothing left to retry.
		m.DismissWarning(o.ID)
		return fmt.Errorf("stop %s: %w", stopID, err)
	}
	if err := m.begin(o.ID); err != nil {
		return err
	}
	defer m.end(o.ID)

	if err := m.remote.UpdateStopStatus(ctx, o.StopRef(), snapshot.Status, snapshot.Reason); err != nil {
		observability.Transitions.WithLabelValues(string(snapshot.Status), "failed").Inc()
		return m.partialCommit(o, snapshot.Status, snapshot.Reason, snapshot.pod, err)
	}
	return m.committed(ctx, o, snapshot.Status, snapshot.Reason, snapshot.pod)
}

// DismissWarning drops the partial-commit warning of a stop.
func (m *Machine) DismissWarning(stopID string) bool {
	id := stopID
	if o, err := m.lookup(stopID); err == nil {
		id = o.ID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.warnings[id]
	delete(m.warnings, id)
	return ok
}

// Warnings lists partial-commit warnings, oldest first.
func (m *Machine) Warnings() []Warning {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Warning, 0, len(m.warnings))
	for _, w := range m.warnings {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func (m *Machine) partialCommit(o *models.Order, status models.Status, reason string, rec *models.PODRecord, cause error) error {
	observability.PartialCommits.Inc()
	m.mu.Lock()
	w, ok := m.warnings[o.ID]
	if !ok {
		w = &Warning{StopID: o.StopRef(), OrderID: o.ID, Status: status, Reason: reason, pod: rec}
		m.warnings[o.ID] = w
	}
	w.Attempts++
	w.Error = cause.Error()
	w.At = m.clock.Now()
	m.mu.Unlock()

	m.logger.Warn("partial commit: pod saved, status not updated", "stop_id", o.StopRef(), "status", status, "error", cause)
	m.activity.Record(activity.KindWarning, orderRef(o).String(), "Proof of delivery for %s saved but status not updated: %v", o.StopRef(), cause)
	return &PartialCommitError{StopID: o.StopRef(), Status: status, Err: cause}
}

func (m *Machine) committed(ctx context.Context, o *models.Order, status models.Status, reason string, rec *models.PODRecord) error {
	observability.Transitions.WithLabelValues(string(status), "ok").Inc()
	patch := models.Patch{models.FieldStatus: string(status)}
	if reason != "" {
		patch[models.FieldFailReason] = reason
	}
	if rec != nil {
		patch[models.FieldPOD] = rec
	}
	m.mu.Lock()
	delete(m.warnings, o.ID)
	m.mu.Unlock()
	if err := m.commit.Commit(ctx, orderRef(o), patch); err != nil {
		return err
	}
	m.activity.Record(activity.KindUser, orderRef(o).String(), "Stop %s marked %s", o.StopRef(), status)
	return nil
}

func podRecord(pkg *pod.Package) *models.PODRecord {
	if pkg.Signature == "" {
		return nil
	}
	return &models.PODRecord{Signature: pkg.Signature}
}

func pendingPatch() models.Patch {
	return models.Patch{
		models.FieldStatus:   string(models.StatusPending),
		models.FieldRouteID:  "",
		models.FieldDriverID: "",
		models.FieldSequence: nil,
	}
}

func orderRef(o *models.Order) models.Ref { return models.Ref{Collection: models.Orders, ID: o.ID} }
