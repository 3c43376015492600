package reconcile

import (
	"time"

	"github.com/example/fleet-sync/internal/models"
)

// Source tags where an incoming value came from.
type Source int

const (
	SourceSnapshot Source = iota
	SourcePush
	SourceLocal
)

func (s Source) String() string {
	switch s {
	case SourcePush:
		return "push"
	case SourceLocal:
		return "local"
	default:
		return "snapshot"
	}
}

// Feed is one full-collection fetch of the remote API. A feed may carry
// entities of several store collections (routes bring their stops along).
type Feed string

const (
	FeedRoutes        Feed = "routes"
	FeedPendingOrders Feed = "pending_orders"
	FeedFleet         Feed = "fleet"
)

// FeedOrder is the order in which one poll cycle's snapshots are applied,
// so an order that moved onto a route is re-homed before the pending set drops it.
var FeedOrder = []Feed{FeedRoutes, FeedPendingOrders, FeedFleet}

// Event is the tagged union accepted by Policy.Apply.
type Event interface {
	Source() Source
}

// Snapshot is a total replace-set for one feed.
type Snapshot struct {
	Feed      Feed
	Entities  []models.Entity
	Seq       uint64
	StartedAt time.Time
}

// Push is an incremental update for a single entity. Defaults fill fields
// that are still empty, e.g. a driver's name on a location update.
type Push struct {
	Ref      models.Ref
	Patch    models.Patch
	Defaults models.Patch
	At       time.Time
}

// LocalEdit is an operator change applied optimistically before the
// remote write is confirmed.
type LocalEdit struct {
	ID       string
	Ref      models.Ref
	Patch    models.Patch
	IssuedAt time.Time
}

func (Snapshot) Source() Source  { return SourceSnapshot }
func (Push) Source() Source      { return SourcePush }
func (LocalEdit) Source() Source { return SourceLocal }

// PushFromLocation builds the position-only push for a location update.
func PushFromLocation(ev models.LocationEvent) Push {
	p := Push{
		Ref:   models.Ref{Collection: models.Drivers, ID: ev.DriverID},
		Patch: ev.Patch(),
		At:    ev.ReceivedAt,
	}
	if ev.FullName != "" {
		p.Defaults = models.Patch{models.FieldFullName: ev.FullName}
	}
	return p
}

// EditState is the resolution state of a pending local edit.
type EditState int

const (
	EditPending EditState = iota
	EditAcked
)

func (s EditState) String() string {
	if s == EditAcked {
		return "acked"
	}
	return "pending"
}

// PendingEdit holds one locally edited field until the server confirms it
// or it expires.
type PendingEdit struct {
	ID       string     `json:"id"`
	Ref      models.Ref `json:"ref"`
	Field    string     `json:"field"`
	Value    any        `json:"value"`
	IssuedAt time.Time  `json:"issued_at"`
	AckedAt  time.Time  `json:"acked_at,omitempty"`
	State    EditState  `json:"-"`
}

// Result summarizes what one Apply call did to the store.
type Result struct {
	Stale    bool
	Upserted int
	Removed  int
	Held     int
}
