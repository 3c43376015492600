package models

import (
	"sort"
	"time"
)

// Collection names one keyed mapping of the entity store.
type Collection string

const (
	Vehicles Collection = "vehicles"
	Drivers  Collection = "drivers"
	Orders   Collection = "orders"
	Routes   Collection = "routes"
)

// Collections lists every store collection in a stable order.
var Collections = []Collection{Vehicles, Drivers, Orders, Routes}

// Valid reports whether c is one of the known collections.
func (c Collection) Valid() bool {
	for _, k := range Collections {
		if c == k {
			return true
		}
	}
	return false
}

// Entity is implemented by every record kept in the store. Field and
// SetField expose the record per field so reconciliation can merge
// inputs without knowing the concrete type.
type Entity interface {
	EntityID() string
	EntityCollection() Collection
	Clone() Entity
	Field(name string) (any, bool)
	SetField(name string, value any) error
}

// Ref identifies one entity in the store.
type Ref struct {
	Collection Collection `json:"collection"`
	ID         string     `json:"id"`
}

func (r Ref) String() string { return string(r.Collection) + "/" + r.ID }

// RefOf returns the reference of e.
func RefOf(e Entity) Ref { return Ref{Collection: e.EntityCollection(), ID: e.EntityID()} }

// Patch is a field-name to value diff applied to one entity.
type Patch map[string]any

// Fields returns the patched field names in sorted order.
func (p Patch) Fields() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Apply sets every field of p on e and stops at the first invalid field.
func (p Patch) Apply(e Entity) error {
	for _, f := range p.Fields() {
		if err := e.SetField(f, p[f]); err != nil {
			return err
		}
	}
	return nil
}

type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Vehicle is a fleet vehicle. Deactivation flips InService and keeps the record.
type Vehicle struct {
	ID           string     `json:"id"`
	Plate        string     `json:"plate_number"`
	Type         string     `json:"type,omitempty"`
	Capacity     float64    `json:"capacity"`
	InService    bool       `json:"in_service"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// Driver points at a vehicle by id; it does not own it.
type Driver struct {
	ID                string     `json:"id"`
	FullName          string     `json:"full_name"`
	Contact           string     `json:"contact_number,omitempty"`
	AssignedVehicleID string     `json:"assigned_vehicle_id,omitempty"`
	AssignedVehicle   string     `json:"assigned_vehicle,omitempty"`
	Active            bool       `json:"is_active"`
	LastSeen          *time.Time `json:"last_seen,omitempty"`
	Position          *Position  `json:"position,omitempty"`
}

// Online is derived from LastSeen and never stored.
func (d *Driver) Online(now time.Time, window time.Duration) bool {
	if d.LastSeen == nil {
		return false
	}
	return now.Sub(*d.LastSeen) < window
}

// PresenceWindow is how recently a driver must have been seen to count as online.
const PresenceWindow = 5 * time.Minute

// PODRecord is the proof of delivery accepted by the remote API.
type PODRecord struct {
	PhotoURL  string `json:"pod_photo_url,omitempty"`
	Signature string `json:"pod_signature,omitempty"`
}

// Order is one delivery unit. While it belongs to a route it is also a stop.
type Order struct {
	ID               string     `json:"id"`
	StopID           string     `json:"stop_id,omitempty"`
	DeliveryAddress  string     `json:"delivery_address"`
	Lat              float64    `json:"lat"`
	Lng              float64    `json:"lng"`
	ContactPerson    string     `json:"contact_person,omitempty"`
	ContactMobile    string     `json:"contact_mobile,omitempty"`
	Priority         Priority   `json:"priority"`
	Sequence         *int       `json:"sequence_number,omitempty"`
	EstimatedArrival *time.Time `json:"estimated_arrival_time,omitempty"`
	Status           Status     `json:"status"`
	FailReason       string     `json:"fail_reason,omitempty"`
	POD              *PODRecord `json:"pod,omitempty"`
	RouteID          string     `json:"route_id,omitempty"`
	DriverID         string     `json:"driver_id,omitempty"`
}

// StopRef is the identifier the remote stop endpoints expect.
func (o *Order) StopRef() string {
	if o.StopID != "" {
		return o.StopID
	}
	return o.ID
}

// Normalize enforces that a PENDING order carries no route association.
func (o *Order) Normalize() {
	if o.Status == "" {
		o.Status = StatusPending
	}
	if o.Status == StatusPending {
		o.RouteID = ""
		o.DriverID = ""
		o.Sequence = nil
	}
}

// Route is created by the optimizer or manual assignment and removed by cancel.
type Route struct {
	ID          string   `json:"id"`
	DriverID    string   `json:"driver_id"`
	StopIDs     []string `json:"stop_ids"`
	PlannedDate string   `json:"planned_date,omitempty"`
	Status      string   `json:"status,omitempty"`
}

// LocationEvent is a live position report. It is only projected onto Driver.
type LocationEvent struct {
	DriverID   string    `json:"driver_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	FullName   string    `json:"full_name,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Patch returns the position-only patch for this event.
func (ev LocationEvent) Patch() Patch {
	return Patch{FieldLat: ev.Lat, FieldLng: ev.Lng, FieldLastSeen: ev.ReceivedAt}
}

// Period selects which planned routes the poller fetches. A zero Period means today.
type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) IsToday() bool { return p.Start.IsZero() && p.End.IsZero() }
