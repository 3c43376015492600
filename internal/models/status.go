package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrAlreadyTerminal   = errors.New("stop is already terminal")
)

// Status is the delivery lifecycle state of an order/stop.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAssigned  Status = "ASSIGNED"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// ParseStatus accepts any letter case.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusAssigned, StatusDelivered, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Terminal reports whether no further transition leaves st for this stop instance.
func (st Status) Terminal() bool {
	return st == StatusDelivered || st == StatusFailed || st == StatusCancelled
}

// ValidateTransition checks one stop status change.
//
// Allowed transitions:
//   - PENDING -> ASSIGNED (assignment)
//   - ASSIGNED -> DELIVERED, FAILED
//   - ASSIGNED -> CANCELLED (the order itself goes back to PENDING)
//
// Every other change, including repeating a terminal status, is rejected.
func ValidateTransition(from, to Status) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, from)
	}
	switch from {
	case StatusPending:
		if to == StatusAssigned {
			return nil
		}
	case StatusAssigned:
		switch to {
		case StatusDelivered, StatusFailed, StatusCancelled:
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// Priority is ordinal: NORMAL < HIGH < URGENT.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityUrgent:
		return "URGENT"
	default:
		return "NORMAL"
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NORMAL":
		return PriorityNormal, nil
	case "HIGH":
		return PriorityHigh, nil
	case "URGENT":
		return PriorityUrgent, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int
		if nerr := json.Unmarshal(b, &n); nerr != nil {
			return fmt.Errorf("priority: %w", err)
		}
		if n < int(PriorityNormal) || n > int(PriorityUrgent) {
			return fmt.Errorf("priority out of range: %d", n)
		}
		*p = Priority(n)
		return nil
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}
