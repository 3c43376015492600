package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnknownField = errors.New("unknown field")
	ErrInvalidValue = errors.New("invalid field value")
)

// Field names exchanged in patches, shared by the wire format.
const (
	FieldPlate        = "plate_number"
	FieldType         = "type"
	FieldCapacity     = "capacity"
	FieldInService    = "in_service"
	FieldLastActivity = "last_activity"

	FieldFullName          = "full_name"
	FieldContact           = "contact_number"
	FieldAssignedVehicleID = "assigned_vehicle_id"
	FieldAssignedVehicle   = "assigned_vehicle"
	FieldActive            = "is_active"
	FieldLastSeen          = "last_seen"
	FieldLat               = "lat"
	FieldLng               = "lng"

	FieldStopID           = "stop_id"
	FieldDeliveryAddress  = "delivery_address"
	FieldContactPerson    = "contact_person"
	FieldContactMobile    = "contact_mobile"
	FieldPriority         = "priority"
	FieldSequence         = "sequence_number"
	FieldEstimatedArrival = "estimated_arrival_time"
	FieldStatus           = "status"
	FieldFailReason       = "fail_reason"
	FieldPOD              = "pod"
	FieldRouteID          = "route_id"
	FieldDriverID         = "driver_id"

	FieldStopIDs     = "stop_ids"
	FieldPlannedDate = "planned_date"
)

// FieldGroup decides which precedence rule governs a field.
type FieldGroup int

const (
	GroupWorkflow FieldGroup = iota
	GroupPosition
)

func (g FieldGroup) String() string {
	if g == GroupPosition {
		return "position"
	}
	return "workflow"
}

// GroupOf classifies a field. Only live driver position is fed by push.
func GroupOf(c Collection, field string) FieldGroup {
	if c == Drivers {
		switch field {
		case FieldLat, FieldLng, FieldLastSeen:
			return GroupPosition
		}
	}
	return GroupWorkflow
}

// PositionFields are the driver fields owned by the push channel.
var PositionFields = []string{FieldLat, FieldLng, FieldLastSeen}

// ValuesEqual compares two normalized field values.
func ValuesEqual(a, b any) bool {
	ta, aok := a.(time.Time)
	tb, bok := b.(time.Time)
	if aok && bok {
		return ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

// FieldEqual reports whether field holds the same value on both entities.
func FieldEqual(a, b Entity, field string) bool {
	va, _ := a.Field(field)
	vb, _ := b.Field(field)
	return ValuesEqual(va, vb)
}

// EntitiesEqual compares every field of two entities of the same collection.
func EntitiesEqual(a, b Entity) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if RefOf(a) != RefOf(b) {
		return false
	}
	for _, f := range FieldsOf(a.EntityCollection()) {
		if !FieldEqual(a, b, f) {
			return false
		}
	}
	return true
}

// FieldsOf lists the patchable fields of a collection.
func FieldsOf(c Collection) []string {
	switch c {
	case Vehicles:
		return []string{FieldPlate, FieldType, FieldCapacity, FieldInService, FieldLastActivity}
	case Drivers:
		return []string{FieldFullName, FieldContact, FieldAssignedVehicleID, FieldAssignedVehicle, FieldActive, FieldLastSeen, FieldLat, FieldLng}
	case Orders:
		return []string{FieldStopID, FieldDeliveryAddress, FieldLat, FieldLng, FieldContactPerson, FieldContactMobile,
			FieldPriority, FieldSequence, FieldEstimatedArrival, FieldStatus, FieldFailReason, FieldPOD, FieldRouteID, FieldDriverID}
	case Routes:
		return []string{FieldDriverID, FieldStopIDs, FieldPlannedDate, FieldStatus}
	}
	return nil
}

// New returns an empty entity of collection c with the given id.
func New(c Collection, id string) (Entity, error) {
	switch c {
	case Vehicles:
		return &Vehicle{ID: id}, nil
	case Drivers:
		return &Driver{ID: id}, nil
	case Orders:
		return &Order{ID: id, Status: StatusPending}, nil
	case Routes:
		return &Route{ID: id}, nil
	}
	return nil, fmt.Errorf("unknown collection %q", c)
}

func unknown(c Collection, name string) error {
	return fmt.Errorf("%w: %s.%s", ErrUnknownField, c, name)
}

func invalid(c Collection, name string, v any) error {
	return fmt.Errorf("%w: %s.%s = %v (%T)", ErrInvalidValue, c, name, v, v)
}

// Vehicle

func (v *Vehicle) EntityID() string             { return v.ID }
func (v *Vehicle) EntityCollection() Collection { return Vehicles }

func (v *Vehicle) Clone() Entity {
	cp := *v
	cp.LastActivity = cloneTime(v.LastActivity)
	return &cp
}

func (v *Vehicle) Field(name string) (any, bool) {
	switch name {
	case FieldPlate:
		return v.Plate, true
	case FieldType:
		return v.Type, true
	case FieldCapacity:
		return v.Capacity, true
	case FieldInService:
		return v.InService, true
	case FieldLastActivity:
		return timeValue(v.LastActivity), true
	}
	return nil, false
}

func (v *Vehicle) SetField(name string, value any) error {
	var ok bool
	switch name {
	case FieldPlate:
		v.Plate, ok = asString(value)
	case FieldType:
		v.Type, ok = asString(value)
	case FieldCapacity:
		v.Capacity, ok = asFloat(value)
	case FieldInService:
		v.InService, ok = asBool(value)
	case FieldLastActivity:
		v.LastActivity, ok = asTime(value)
	default:
		return unknown(Vehicles, name)
	}
	if !ok {
		return invalid(Vehicles, name, value)
	}
	return nil
}

// Driver

func (d *Driver) EntityID() string             { return d.ID }
func (d *Driver) EntityCollection() Collection { return Drivers }

func (d *Driver) Clone() Entity {
	cp := *d
	cp.LastSeen = cloneTime(d.LastSeen)
	if d.Position != nil {
		p := *d.Position
		cp.Position = &p
	}
	return &cp
}

func (d *Driver) Field(name string) (any, bool) {
	switch name {
	case FieldFullName:
		return d.FullName, true
	case FieldContact:
		return d.Contact, true
	case FieldAssignedVehicleID:
		return d.AssignedVehicleID, true
	case FieldAssignedVehicle:
		return d.AssignedVehicle, true
	case FieldActive:
		return d.Active, true
	case FieldLastSeen:
		return timeValue(d.LastSeen), true
	case FieldLat:
		if d.Position == nil {
			return nil, true
		}
		return d.Position.Lat, true
	case FieldLng:
		if d.Position == nil {
			return nil, true
		}
		return d.Position.Lng, true
	}
	return nil, false
}

func (d *Driver) SetField(name string, value any) error {
	var ok bool
	switch name {
	case FieldFullName:
		d.FullName, ok = asString(value)
	case FieldContact:
		d.Contact, ok = asString(value)
	case FieldAssignedVehicleID:
		d.AssignedVehicleID, ok = asString(value)
	case FieldAssignedVehicle:
		d.AssignedVehicle, ok = asString(value)
	case FieldActive:
		d.Active, ok = asBool(value)
	case FieldLastSeen:
		d.LastSeen, ok = asTime(value)
	case FieldLat, FieldLng:
		if value == nil {
			d.Position, ok = nil, true
			break
		}
		var f float64
		if f, ok = asFloat(value); ok {
			if d.Position == nil {
				d.Position = &Position{}
			}
			if name == FieldLat {
				d.Position.Lat = f
			} else {
				d.Position.Lng = f
			}
		}
	default:
		return unknown(Drivers, name)
	}
	if !ok {
		return invalid(Drivers, name, value)
	}
	return nil
}

// Order

func (o *Order) EntityID() string             { return o.ID }
func (o *Order) EntityCollection() Collection { return Orders }

func (o *Order) Clone() Entity {
	cp := *o
	cp.EstimatedArrival = cloneTime(o.EstimatedArrival)
	if o.Sequence != nil {
		n := *o.Sequence
		cp.Sequence = &n
	}
	if o.POD != nil {
		pod := *o.POD
		cp.POD = &pod
	}
	return &cp
}

func (o *Order) Field(name string) (any, bool) {
	switch name {
	case FieldStopID:
		return o.StopID, true
	case FieldDeliveryAddress:
		return o.DeliveryAddress, true
	case FieldLat:
		return o.Lat, true
	case FieldLng:
		return o.Lng, true
	case FieldContactPerson:
		return o.ContactPerson, true
	case FieldContactMobile:
		return o.ContactMobile, true
	case FieldPriority:
		return o.Priority, true
	case FieldSequence:
		if o.Sequence == nil {
			return nil, true
		}
		return *o.Sequence, true
	case FieldEstimatedArrival:
		return timeValue(o.EstimatedArrival), true
	case FieldStatus:
		return o.Status, true
	case FieldFailReason:
		return o.FailReason, true
	case FieldPOD:
		if o.POD == nil {
			return nil, true
		}
		return *o.POD, true
	case FieldRouteID:
		return o.RouteID, true
	case FieldDriverID:
		return o.DriverID, true
	}
	return nil, false
}

func (o *Order) SetField(name string, value any) error {
	var ok bool
	switch name {
	case FieldStopID:
		o.StopID, ok = asString(value)
	case FieldDeliveryAddress:
		o.DeliveryAddress, ok = asString(value)
	case FieldLat:
		o.Lat, ok = asFloat(value)
	case FieldLng:
		o.Lng, ok = asFloat(value)
	case FieldContactPerson:
		o.ContactPerson, ok = asString(value)
	case FieldContactMobile:
		o.ContactMobile, ok = asString(value)
	case FieldPriority:
		o.Priority, ok = asPriority(value)
	case FieldSequence:
		o.Sequence, ok = asIntPtr(value)
	case FieldEstimatedArrival:
		o.EstimatedArrival, ok = asTime(value)
	case FieldStatus:
		o.Status, ok = asStatus(value)
	case FieldFailReason:
		o.FailReason, ok = asString(value)
	case FieldPOD:
		o.POD, ok = asPOD(value)
	case FieldRouteID:
		o.RouteID, ok = asString(value)
	case FieldDriverID:
		o.DriverID, ok = asString(value)
	default:
		return unknown(Orders, name)
	}
	if !ok {
		return invalid(Orders, name, value)
	}
	return nil
}

// Route

func (r *Route) EntityID() string             { return r.ID }
func (r *Route) EntityCollection() Collection { return Routes }

func (r *Route) Clone() Entity {
	cp := *r
	cp.StopIDs = append([]string(nil), r.StopIDs...)
	return &cp
}

func (r *Route) Field(name string) (any, bool) {
	switch name {
	case FieldDriverID:
		return r.DriverID, true
	case FieldStopIDs:
		return append([]string{}, r.StopIDs...), true
	case FieldPlannedDate:
		return r.PlannedDate, true
	case FieldStatus:
		return r.Status, true
	}
	return nil, false
}

func (r *Route) SetField(name string, value any) error {
	var ok bool
	switch name {
	case FieldDriverID:
		r.DriverID, ok = asString(value)
	case FieldStopIDs:
		r.StopIDs, ok = asStrings(value)
	case FieldPlannedDate:
		r.PlannedDate, ok = asString(value)
	case FieldStatus:
		r.Status, ok = asString(value)
	default:
		return unknown(Routes, name)
	}
	if !ok {
		return invalid(Routes, name, value)
	}
	return nil
}

// value normalization

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func timeValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func asString(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", true
	case string:
		return x, true
	case Status:
		return string(x), true
	case json.Number:
		return x.String(), true
	case fmt.Stringer:
		return x.String(), true
	}
	return "", false
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func asBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return b, err == nil
	}
	return false, false
}

func asTime(v any) (*time.Time, bool) {
	switch x := v.(type) {
	case nil:
		return nil, true
	case time.Time:
		if x.IsZero() {
			return nil, true
		}
		t := x.Round(0)
		return &t, true
	case *time.Time:
		return cloneTime(x), true
	case string:
		if x == "" {
			return nil, true
		}
		t, err := ParseTime(x)
		if err != nil {
			return nil, false
		}
		return &t, true
	}
	return nil, false
}

// ParseTime accepts RFC 3339 with or without a zone, as the remote API emits both.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

func asIntPtr(v any) (*int, bool) {
	var n int
	switch x := v.(type) {
	case nil:
		return nil, true
	case *int:
		if x == nil {
			return nil, true
		}
		n = *x
	case int:
		n = x
	case int64:
		n = int(x)
	case float64:
		if x != math.Trunc(x) {
			return nil, false
		}
		n = int(x)
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return nil, false
		}
		n = int(i)
	default:
		return nil, false
	}
	return &n, true
}

func asStatus(v any) (Status, bool) {
	switch x := v.(type) {
	case Status:
		st, err := ParseStatus(string(x))
		return st, err == nil
	case string:
		st, err := ParseStatus(x)
		return st, err == nil
	}
	return "", false
}

func asPriority(v any) (Priority, bool) {
	switch x := v.(type) {
	case Priority:
		return x, x >= PriorityNormal && x <= PriorityUrgent
	case string:
		p, err := ParsePriority(x)
		return p, err == nil
	case int:
		return Priority(x), x >= int(PriorityNormal) && x <= int(PriorityUrgent)
	case float64:
		return Priority(int(x)), x >= float64(PriorityNormal) && x <= float64(PriorityUrgent) && x == math.Trunc(x)
	}
	return PriorityNormal, false
}

func asPOD(v any) (*PODRecord, bool) {
	switch x := v.(type) {
	case nil:
		return nil, true
	case PODRecord:
		return &x, true
	case *PODRecord:
		if x == nil {
			return nil, true
		}
		cp := *x
		return &cp, true
	case map[string]any:
		var rec PODRecord
		var ok bool
		if rec.PhotoURL, ok = asString(x["pod_photo_url"]); !ok {
			return nil, false
		}
		if rec.Signature, ok = asString(x["pod_signature"]); !ok {
			return nil, false
		}
		return &rec, true
	}
	return nil, false
}

func asStrings(v any) ([]string, bool) {
	switch x := v.(type) {
	case nil:
		return nil, true
	case []string:
		return append([]string(nil), x...), true
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
