package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

type MessageType string

const (
	TypeLocation MessageType = "location_update"
	TypeFleet    MessageType = "fleet_update"
	TypeAlert    MessageType = "alert"
)

var ErrBadPayload = errors.New("malformed stream payload")

// Envelope is one message on the push channel.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type LocationPayload struct {
	DriverID string   `json:"driver_id"`
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
	FullName string   `json:"full_name,omitempty"`
}

type AlertPayload struct {
	Message string `json:"message"`
}

func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrBadPayload)
	}
	return env, nil
}

func (e Envelope) Location() (LocationPayload, error) {
	var p LocationPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.DriverID == "" || p.Lat == nil || p.Lng == nil {
		return p, fmt.Errorf("%w: location_update needs driver_id, lat and lng", ErrBadPayload)
	}
	if *p.Lat < -90 || *p.Lat > 90 || *p.Lng < -180 || *p.Lng > 180 {
		return p, fmt.Errorf("%w: coordinates out of range", ErrBadPayload)
	}
	return p, nil
}

func (e Envelope) Alert() (AlertPayload, error) {
	var p AlertPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if p.Message == "" {
		return p, fmt.Errorf("%w: empty alert", ErrBadPayload)
	}
	return p, nil
}

// Encode builds a wire message of type t carrying data.
func Encode(t MessageType, data any) ([]byte, error) {
	env := Envelope{Type: t}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = b
	}
	return json.Marshal(env)
}

func LocationMessage(driverID string, lat, lng float64, fullName string) ([]byte, error) {
	return Encode(TypeLocation, LocationPayload{DriverID: driverID, Lat: &lat, Lng: &lng, FullName: fullName})
}

func AlertMessage(msg string) ([]byte, error) {
	return Encode(TypeAlert, AlertPayload{Message: msg})
}
