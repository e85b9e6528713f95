package models

import (
	"fmt"
	"strings"
	"time"
)

// User is the durable identity record. Liveness is not stored here; the
// session registry owns it.
type User struct {
	ID          string
	DisplayName string
	Contacts    []string
	LastSeen    time.Time
	CreatedAt   time.Time
}

// Contact is a directional edge: Owner lists Contact. The reverse edge
// exists only if it was added separately.
type Contact struct {
	Owner   string
	Contact string
	Nick    string
}

// DeliveryState only ever moves forward: Pending -> Delivered -> Read.
type DeliveryState int

const (
	Pending DeliveryState = iota
	Delivered
	Read
)

func (s DeliveryState) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Delivered:
		return "Delivered"
	case Read:
		return "Read"
	default:
		return fmt.Sprintf("DeliveryState(%d)", int(s))
	}
}

// Valid reports whether s is one of the known states.
func (s DeliveryState) Valid() bool {
	return s >= Pending && s <= Read
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s DeliveryState) CanAdvanceTo(next DeliveryState) bool {
	return next.Valid() && next > s
}

func (s DeliveryState) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid delivery state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *DeliveryState) UnmarshalText(text []byte) error {
	parsed, err := ParseDeliveryState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseDeliveryState accepts the state names case-insensitively.
func ParseDeliveryState(name string) (DeliveryState, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "pending":
		return Pending, nil
	case "delivered":
		return Delivered, nil
	case "read":
		return Read, nil
	}
	return Pending, fmt.Errorf("unknown delivery state %q", name)
}

type Message struct {
	ID            string
	SenderID      string
	ReceiverID    string
	Content       string
	CreatedAt     time.Time
	DeliveryState DeliveryState
}
