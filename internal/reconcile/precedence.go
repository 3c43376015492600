package reconcile

import (
	"time"

	"github.com/example/fleet-sync/internal/activity"
	"github.com/example/fleet-sync/internal/models"
)

type outcome int

const (
	acceptIncoming outcome = iota
	// holdCurrent keeps the value that currently owns the field (a pushed
	// position or a pending local edit) and drops the incoming one.
	holdCurrent
	rejectIncoming
)

type fieldInput struct {
	ref       models.Ref
	field     string
	incoming  any
	startedAt time.Time
	now       time.Time
}

// rule returns the outcome for one field and, for holdCurrent, the value to keep.
type rule func(p *Policy, in fieldInput) (outcome, any)

// precedence is the merge table: field group × source → rule.
var precedence = map[models.FieldGroup]map[Source]rule{
	models.GroupPosition: {
		SourceSnapshot: snapshotPosition,
		SourcePush:     accept,
		SourceLocal:    reject,
	},
	models.GroupWorkflow: {
		SourceSnapshot: snapshotWorkflow,
		SourcePush:     accept,
		SourceLocal:    accept,
	},
}

func decide(p *Policy, src Source, in fieldInput) (outcome, any) {
	return precedence[models.GroupOf(in.ref.Collection, in.field)][src](p, in)
}

func accept(*Policy, fieldInput) (outcome, any) { return acceptIncoming, nil }

func reject(*Policy, fieldInput) (outcome, any) { return rejectIncoming, nil }

// snapshotPosition lets a snapshot fill position only for drivers that
// never received a push.
func snapshotPosition(p *Policy, in fieldInput) (outcome, any) {
	pushed, ok := p.pushed[in.ref.ID]
	if !ok {
		return acceptIncoming, nil
	}
	v, ok := pushed[in.field]
	if !ok {
		return acceptIncoming, nil
	}
	return holdCurrent, v
}

// snapshotWorkflow makes the snapshot authoritative unless a live pending
// edit covers the field. Resolving the edit happens here as a side effect.
func snapshotWorkflow(p *Policy, in fieldInput) (outcome, any) {
	key := editKey{ref: in.ref, field: in.field}
	ed, ok := p.edits[key]
	if !ok {
		return acceptIncoming, nil
	}
	switch {
	case models.ValuesEqual(ed.Value, in.incoming):
		p.resolve(key, "confirmed")
		return acceptIncoming, nil
	case p.expired(ed, in.now):
		p.resolve(key, "timed_out")
		p.activity.Record(activity.KindEdit, in.ref.String(), "Edit to %s.%s timed out; server value restored", in.ref, in.field)
		return acceptIncoming, nil
	case ed.State == EditAcked && !in.startedAt.Before(ed.AckedAt):
		p.resolve(key, "conflict")
		p.activity.Record(activity.KindEdit, in.ref.String(), "Edit to %s.%s was overridden by the server", in.ref, in.field)
		return acceptIncoming, nil
	}
	return holdCurrent, ed.Value
}
