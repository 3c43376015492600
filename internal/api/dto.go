package api

import (
	"encoding/json"
	"time"

	"github.com/example/fleet-sync/internal/models"
)

// Wire shapes returned by the remote API. They are mapped onto models
// before reaching reconciliation.

type routeDTO struct {
	ID          string    `json:"id"`
	RouteID     string    `json:"route_id"`
	DriverID    string    `json:"driver_id"`
	PlannedDate string    `json:"planned_date"`
	Status      string    `json:"status"`
	Stops       []stopDTO `json:"stops"`
}

type stopDTO struct {
	StopID           string          `json:"stop_id"`
	OrderID          string          `json:"order_id"`
	Sequence         *int            `json:"sequence_number"`
	EstimatedArrival *string         `json:"estimated_arrival_time"`
	Status           string          `json:"stop_status"`
	DeliveryAddress  string          `json:"delivery_address"`
	Lat              float64         `json:"lat"`
	Lng              float64         `json:"lng"`
	ContactPerson    string          `json:"contact_person"`
	ContactMobile    string          `json:"contact_mobile"`
	Priority         models.Priority `json:"priority"`
	FailReason       string          `json:"fail_reason"`
	PODPhotoURL      string          `json:"pod_photo_url"`
	PODSignature     string          `json:"pod_signature"`
}

type orderDTO struct {
	ID              string          `json:"id"`
	DeliveryAddress string          `json:"delivery_address"`
	Lat             float64         `json:"lat"`
	Lng             float64         `json:"lng"`
	ContactPerson   string          `json:"contact_person"`
	ContactMobile   string          `json:"contact_mobile"`
	Priority        models.Priority `json:"priority"`
	Status          string          `json:"status"`
}

type fleetDTO struct {
	Vehicles []vehicleDTO `json:"vehicles"`
	Drivers  []driverDTO  `json:"drivers"`
}

type vehicleDTO struct {
	ID           string  `json:"id"`
	Plate        string  `json:"plate_number"`
	Type         string  `json:"type"`
	Capacity     float64 `json:"capacity_weight"`
	InService    *bool   `json:"in_service"`
	LastActivity *string `json:"last_activity"`
}

type driverDTO struct {
	ID                string   `json:"id"`
	FullName          string   `json:"full_name"`
	Contact           string   `json:"contact_number"`
	AssignedVehicleID string   `json:"assigned_vehicle_id"`
	AssignedVehicle   string   `json:"assigned_vehicle"`
	Active            bool     `json:"is_active"`
	LastSeen          *string  `json:"last_seen"`
	Lat               *float64 `json:"last_known_lat"`
	Lng               *float64 `json:"last_known_lng"`
}

// remoteField maps local patch names to the names the remote API expects.
var remoteField = map[string]string{
	models.FieldCapacity: "capacity_weight",
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := models.ParseTime(*s)
	if err != nil {
		return nil
	}
	return &t
}

func (r routeDTO) entities() []models.Entity {
	id := r.ID
	if id == "" {
		id = r.RouteID
	}
	route := &models.Route{ID: id, DriverID: r.DriverID, PlannedDate: r.PlannedDate, Status: r.Status}
	out := make([]models.Entity, 0, len(r.Stops)+1)
	for _, s := range r.Stops {
		o := s.order(route)
		route.StopIDs = append(route.StopIDs, o.ID)
		out = append(out, o)
	}
	return append([]models.Entity{route}, out...)
}

func (s stopDTO) order(route *models.Route) *models.Order {
	id := s.OrderID
	if id == "" {
		id = s.StopID
	}
	status, err := models.ParseStatus(s.Status)
	if err != nil {
		status = models.StatusAssigned
	}
	o := &models.Order{
		ID:               id,
		StopID:           s.StopID,
		DeliveryAddress:  s.DeliveryAddress,
		Lat:              s.Lat,
		Lng:              s.Lng,
		ContactPerson:    s.ContactPerson,
		ContactMobile:    s.ContactMobile,
		Priority:         s.Priority,
		Sequence:         s.Sequence,
		EstimatedArrival: parseTimePtr(s.EstimatedArrival),
		Status:           status,
		FailReason:       s.FailReason,
		RouteID:          route.ID,
		DriverID:         route.DriverID,
	}
	if s.PODPhotoURL != "" || s.PODSignature != "" {
		o.POD = &models.PODRecord{PhotoURL: s.PODPhotoURL, Signature: s.PODSignature}
	}
	o.Normalize()
	return o
}

func (o orderDTO) entity() *models.Order {
	status, err := models.ParseStatus(o.Status)
	if err != nil {
		status = models.StatusPending
	}
	out := &models.Order{
		ID:              o.ID,
		DeliveryAddress: o.DeliveryAddress,
		Lat:             o.Lat,
		Lng:             o.Lng,
		ContactPerson:   o.ContactPerson,
		ContactMobile:   o.ContactMobile,
		Priority:        o.Priority,
		Status:          status,
	}
	out.Normalize()
	return out
}

func (v vehicleDTO) entity() *models.Vehicle {
	inService := true
	if v.InService != nil {
		inService = *v.InService
	}
	return &models.Vehicle{
		ID:           v.ID,
		Plate:        v.Plate,
		Type:         v.Type,
		Capacity:     v.Capacity,
		InService:    inService,
		LastActivity: parseTimePtr(v.LastActivity),
	}
}

func (d driverDTO) entity() *models.Driver {
	out := &models.Driver{
		ID:                d.ID,
		FullName:          d.FullName,
		Contact:           d.Contact,
		AssignedVehicleID: d.AssignedVehicleID,
		AssignedVehicle:   d.AssignedVehicle,
		Active:            d.Active,
		LastSeen:          parseTimePtr(d.LastSeen),
	}
	if d.Lat != nil && d.Lng != nil {
		out.Position = &models.Position{Lat: *d.Lat, Lng: *d.Lng}
	}
	return out
}

func encodePatch(p models.Patch) ([]byte, error) {
	body := make(map[string]any, len(p))
	for k, v := range p {
		if name, ok := remoteField[k]; ok {
			k = name
		}
		body[k] = v
	}
	return json.Marshal(body)
}
