package events

import (
	"errors"
	"fmt"
	"time"
)

// Channel is a fanout channel carrying every event of one entity type.
// It names both the JetStream stream and its single subject.
type Channel string

const (
	UserChannel    Channel = "user_events"
	ProductChannel Channel = "product_events"
)

// Type is the closed set of event kinds.
type Type int

const (
	Created Type = iota + 1
	Updated
	Deleted
)

var (
	ErrUnknownType = errors.New("unknown event type")
	ErrMalformed   = errors.New("malformed event")
)

func (t Type) String() string {
	switch t {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

func ParseType(s string) (Type, error) {
	switch s {
	case "created":
		return Created, nil
	case "updated":
		return Updated, nil
	case "deleted":
		return Deleted, nil
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownType, s)
}

// Envelope is the wire shape of every event. EventID and Source are
// informational; consumers key only on the payload identifier.
type Envelope[T any] struct {
	EventID   string    `json:"eventId,omitempty"`
	EventType string    `json:"eventType"`
	Data      T         `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// Entity is a payload keyed by the owning service's identifier.
type Entity interface {
	EntityID() string
}

// UserData is the public projection of a user carried on user_events.
type UserData struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	IsActive  bool   `json:"isActive"`
}

func (u UserData) EntityID() string { return u.ID }

// ProductData is the public projection of a product carried on
// product_events.
type ProductData struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"ownerId"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Stock       int     `json:"stock"`
	SKU         string  `json:"sku"`
	IsActive    bool    `json:"isActive"`
}

func (p ProductData) EntityID() string { return p.ID }

// ProcessingError is a snapshot writer failure while applying an event.
type ProcessingError struct {
	Type Type
	ID   string
	Err  error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("apply %s event for %s: %v", e.Type, e.ID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }
