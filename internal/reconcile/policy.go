// Package reconcile merges snapshot polls, push deltas and optimistic
// local edits into the entity store. It is the store's only writer and
// must be driven from a single goroutine.
package reconcile

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/fleet-sync/internal/activity"
	"github.com/example/fleet-sync/internal/clock"
	"github.com/example/fleet-sync/internal/models"
	"github.com/example/fleet-sync/internal/observability"
	"github.com/example/fleet-sync/internal/store"
)

var (
	ErrUnknownEntity       = errors.New("entity not in store")
	ErrPositionNotEditable = errors.New("position fields are owned by the live stream")
	ErrEmptyPatch          = errors.New("empty patch")
)

type editKey struct {
	ref   models.Ref
	field string
}

type Options struct {
	// EditTimeout bounds how long an unconfirmed local edit may override
	// snapshots. Callers normally pass twice the poll interval.
	EditTimeout time.Duration
	Clock       clock.Clock
	Activity    activity.Recorder
	Logger      *slog.Logger
}

type Policy struct {
	store       *store.Store
	clock       clock.Clock
	editTimeout time.Duration
	activity    activity.Recorder
	logger      *slog.Logger

	lastSeq map[Feed]uint64
	members map[Feed]map[models.Ref]struct{}
	pushed  map[string]models.Patch
	edits   map[editKey]*PendingEdit
	editSeq uint64
}

func NewPolicy(s *store.Store, opts Options) *Policy {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.EditTimeout <= 0 {
		opts.EditTimeout = 2 * time.Minute
	}
	if opts.Activity == nil {
		opts.Activity = activity.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Policy{
		store:       s,
		clock:       opts.Clock,
		editTimeout: opts.EditTimeout,
		activity:    opts.Activity,
		logger:      opts.Logger,
		lastSeq:     make(map[Feed]uint64),
		members:     make(map[Feed]map[models.Ref]struct{}),
		pushed:      make(map[string]models.Patch),
		edits:       make(map[editKey]*PendingEdit),
	}
}

// Apply routes one event through the precedence rules into the store.
func (p *Policy) Apply(ev Event) (Result, error) {
	switch e := ev.(type) {
	case Snapshot:
		res, gone := p.applySnapshot(e)
		res.Removed = p.removeOrphans(gone)
		return res, nil
	case Push:
		return p.applyPush(e)
	case LocalEdit:
		return p.applyLocal(e)
	}
	return Result{}, fmt.Errorf("reconcile: unsupported event %T", ev)
}

// ApplyBatch applies one poll cycle's snapshots in FeedOrder. Removals are
// decided after every snapshot of the batch is in, so an entity moving
// between feeds is never dropped and re-added.
func (p *Policy) ApplyBatch(batch []Snapshot) Result {
	ordered := make([]Snapshot, len(batch))
	copy(ordered, batch)
	sort.SliceStable(ordered, func(i, j int) bool { return feedRank(ordered[i].Feed) < feedRank(ordered[j].Feed) })

	var total Result
	var orphans []models.Ref
	for _, s := range ordered {
		res, cands := p.applySnapshot(s)
		total.Stale = total.Stale || res.Stale
		total.Upserted += res.Upserted
		total.Held += res.Held
		orphans = append(orphans, cands...)
	}
	total.Removed = p.removeOrphans(orphans)
	return total
}

func feedRank(f Feed) int {
	for i, o := range FeedOrder {
		if o == f {
			return i
		}
	}
	return len(FeedOrder)
}

// applySnapshot merges s into the store and returns the refs that left
// this feed. They are removed by removeOrphans.
func (p *Policy) applySnapshot(s Snapshot) (Result, []models.Ref) {
	if last, ok := p.lastSeq[s.Feed]; ok && s.Seq <= last {
		observability.SnapshotsStale.WithLabelValues(string(s.Feed)).Inc()
		p.logger.Debug("stale snapshot discarded", "feed", s.Feed, "seq", s.Seq, "last_seq", last)
		return Result{Stale: true}, nil
	}
	p.lastSeq[s.Feed] = s.Seq
	now := p.clock.Now()
	p.Expire(now)

	var res Result
	seen := make(map[models.Ref]struct{}, len(s.Entities))
	for _, e := range s.Entities {
		ref := models.RefOf(e)
		seen[ref] = struct{}{}
		merged, held := p.merge(e, s.StartedAt, now)
		res.Held += held
		changed, err := p.store.Upsert(merged)
		if err != nil {
			p.logger.Error("snapshot upsert failed", "feed", s.Feed, "ref", ref.String(), "error", err)
			continue
		}
		if changed {
			res.Upserted++
		}
	}

	var gone []models.Ref
	for _, ref := range sortedRefs(p.members[s.Feed]) {
		if _, ok := seen[ref]; !ok {
			gone = append(gone, ref)
		}
	}
	p.members[s.Feed] = seen

	if res.Held > 0 {
		observability.FieldsHeld.Add(float64(res.Held))
	}
	observability.SnapshotsApplied.WithLabelValues(string(s.Feed)).Inc()
	p.logger.Debug("snapshot applied", "feed", s.Feed, "seq", s.Seq, "entities", len(s.Entities),
		"upserted", res.Upserted, "held", res.Held, "left", len(gone))
	return res, gone
}

// removeOrphans removes refs that no feed's latest snapshot carries.
func (p *Policy) removeOrphans(refs []models.Ref) int {
	removed := 0
	for _, ref := range refs {
		if p.inAnyFeed(ref) {
			continue
		}
		if p.store.Remove(ref.Collection, ref.ID) {
			removed++
			observability.EntitiesRemoved.WithLabelValues(string(ref.Collection)).Inc()
		}
		p.dropEdits(ref)
		if ref.Collection == models.Drivers {
			delete(p.pushed, ref.ID)
		}
	}
	return removed
}

// merge evaluates every field of an incoming snapshot entity and returns
// the entity to store plus how many fields were held back.
func (p *Policy) merge(e models.Entity, startedAt, now time.Time) (models.Entity, int) {
	ref := models.RefOf(e)
	out := e.Clone()
	held := 0
	for _, f := range models.FieldsOf(ref.Collection) {
		incoming, _ := out.Field(f)
		o, keep := decide(p, SourceSnapshot, fieldInput{ref: ref, field: f, incoming: incoming, startedAt: startedAt, now: now})
		if o != holdCurrent {
			continue
		}
		if err := out.SetField(f, keep); err != nil {
			p.logger.Error("cannot restore held field", "ref", ref.String(), "field", f, "error", err)
			continue
		}
		if models.GroupOf(ref.Collection, f) == models.GroupWorkflow {
			held++
		}
	}
	return out, held
}

func (p *Policy) inAnyFeed(ref models.Ref) bool {
	for _, set := range p.members {
		if _, ok := set[ref]; ok {
			return true
		}
	}
	return false
}

func (p *Policy) applyPush(e Push) (Result, error) {
	if len(e.Patch) == 0 {
		return Result{}, ErrEmptyPatch
	}
	for _, f := range e.Patch.Fields() {
		if o, _ := decide(p, SourcePush, fieldInput{ref: e.Ref, field: f}); o == rejectIncoming {
			return Result{}, fmt.Errorf("push %s.%s rejected", e.Ref, f)
		}
	}

	cur, ok := p.store.Get(e.Ref.Collection, e.Ref.ID)
	if !ok {
		fresh, err := models.New(e.Ref.Collection, e.Ref.ID)
		if err != nil {
			return Result{}, err
		}
		cur = fresh
	}
	next := cur.Clone()
	for _, f := range e.Defaults.Fields() {
		if v, _ := next.Field(f); models.ValuesEqual(v, "") || v == nil {
			if err := next.SetField(f, e.Defaults[f]); err != nil {
				return Result{}, err
			}
		}
	}
	if err := e.Patch.Apply(next); err != nil {
		return Result{}, fmt.Errorf("push %s: %w", e.Ref, err)
	}

	if e.Ref.Collection == models.Drivers {
		rec := p.pushed[e.Ref.ID]
		if rec == nil {
			rec = make(models.Patch, len(models.PositionFields))
		}
		for _, f := range models.PositionFields {
			if _, ok := e.Patch[f]; ok {
				rec[f], _ = next.Field(f)
			}
		}
		p.pushed[e.Ref.ID] = rec
	}

	changed, err := p.store.Upsert(next)
	if err != nil {
		return Result{}, err
	}
	res := Result{}
	if changed {
		res.Upserted = 1
	}
	return res, nil
}

func (p *Policy) applyLocal(e LocalEdit) (Result, error) {
	if len(e.Patch) == 0 {
		return Result{}, ErrEmptyPatch
	}
	for _, f := range e.Patch.Fields() {
		if o, _ := decide(p, SourceLocal, fieldInput{ref: e.Ref, field: f}); o == rejectIncoming {
			return Result{}, fmt.Errorf("edit %s.%s: %w", e.Ref, f, ErrPositionNotEditable)
		}
	}
	if _, ok := p.store.Get(e.Ref.Collection, e.Ref.ID); !ok {
		return Result{}, fmt.Errorf("edit %s: %w", e.Ref, ErrUnknownEntity)
	}
	changed, err := p.store.Patch(e.Ref.Collection, e.Ref.ID, e.Patch)
	if err != nil {
		return Result{}, fmt.Errorf("edit %s: %w", e.Ref, err)
	}
	next, _ := p.store.Get(e.Ref.Collection, e.Ref.ID)

	id := e.ID
	if id == "" {
		p.editSeq++
		id = fmt.Sprintf("edit-%d", p.editSeq)
	}
	issued := e.IssuedAt
	if issued.IsZero() {
		issued = p.clock.Now()
	}
	for _, f := range e.Patch.Fields() {
		key := editKey{ref: e.Ref, field: f}
		if _, ok := p.edits[key]; ok {
			p.resolve(key, "superseded")
		}
		v, _ := next.Field(f)
		p.edits[key] = &PendingEdit{ID: id, Ref: e.Ref, Field: f, Value: v, IssuedAt: issued}
	}
	observability.PendingEdits.Set(float64(len(p.edits)))

	res := Result{}
	if changed {
		res.Upserted = 1
	}
	return res, nil
}

// Ack records that the remote write of edit id succeeded at time at.
func (p *Policy) Ack(id string, at time.Time) int {
	n := 0
	for _, ed := range p.edits {
		if ed.ID == id && ed.State == EditPending {
			ed.State = EditAcked
			ed.AckedAt = at
			n++
		}
	}
	return n
}

// Reject discards edit id after its remote write failed. The next
// snapshot restores the server value.
func (p *Policy) Reject(id string) int {
	n := 0
	for key, ed := range p.edits {
		if ed.ID == id {
			p.resolve(key, "rejected")
			n++
		}
	}
	return n
}

// Commit applies a change the server has already accepted: it is
// recorded as an acknowledged edit so an in-flight older snapshot cannot
// undo it.
func (p *Policy) Commit(e LocalEdit) (Result, error) {
	if e.IssuedAt.IsZero() {
		e.IssuedAt = p.clock.Now()
	}
	if e.ID == "" {
		p.editSeq++
		e.ID = fmt.Sprintf("commit-%d", p.editSeq)
	}
	res, err := p.applyLocal(e)
	if err != nil {
		return res, err
	}
	p.Ack(e.ID, e.IssuedAt)
	return res, nil
}

// Expire discards edits older than the edit timeout and returns how many.
func (p *Policy) Expire(now time.Time) int {
	keys := make([]editKey, 0)
	for key, ed := range p.edits {
		if p.expired(ed, now) {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ref != keys[j].ref {
			return keys[i].ref.String() < keys[j].ref.String()
		}
		return keys[i].field < keys[j].field
	})
	for _, key := range keys {
		p.resolve(key, "timed_out")
		p.activity.Record(activity.KindEdit, key.ref.String(), "Edit to %s.%s timed out without confirmation", key.ref, key.field)
	}
	return len(keys)
}

func (p *Policy) expired(ed *PendingEdit, now time.Time) bool {
	return now.Sub(ed.IssuedAt) >= p.editTimeout
}

func (p *Policy) resolve(key editKey, outcome string) {
	if _, ok := p.edits[key]; !ok {
		return
	}
	delete(p.edits, key)
	observability.EditsResolved.WithLabelValues(outcome).Inc()
	observability.PendingEdits.Set(float64(len(p.edits)))
	p.logger.Debug("local edit resolved", "ref", key.ref.String(), "field", key.field, "outcome", outcome)
}

func (p *Policy) dropEdits(ref models.Ref) {
	for key := range p.edits {
		if key.ref == ref {
			p.resolve(key, "removed")
		}
	}
}

// PendingEdits returns a copy of the unresolved edits ordered by ref and field.
func (p *Policy) PendingEdits() []PendingEdit {
	out := make([]PendingEdit, 0, len(p.edits))
	for _, ed := range p.edits {
		out = append(out, *ed)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ref != out[j].Ref {
			return out[i].Ref.String() < out[j].Ref.String()
		}
		return out[i].Field < out[j].Field
	})
	return out
}

// Pending reports whether a local edit still overrides ref.field.
func (p *Policy) Pending(ref models.Ref, field string) bool {
	_, ok := p.edits[editKey{ref: ref, field: field}]
	return ok
}

// LastSeq returns the last applied snapshot sequence for feed.
func (p *Policy) LastSeq(feed Feed) uint64 { return p.lastSeq[feed] }

func sortedRefs(set map[models.Ref]struct{}) []models.Ref {
	out := make([]models.Ref, 0, len(set))
	for ref := range set {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
