package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventOffered EventKind = "Offered"
	EventBought  EventKind = "Bought"
)

// Offered is announced once a listing has committed.
type Offered struct {
	ItemID   int64
	AssetRef string
	TokenID  uint64
	Price    int64
	Seller   Address
}

// Bought is announced once a sale has committed.
type Bought struct {
	ItemID   int64
	AssetRef string
	TokenID  uint64
	Price    int64
	Seller   Address
	Buyer    Address
}

// Event is the envelope handed to publishers. Exactly one of Offered and
// Bought is set, matching Kind.
type Event struct {
	ID         string
	Kind       EventKind
	OccurredAt time.Time
	Offered    *Offered
	Bought     *Bought
}

func NewOfferedEvent(o Offered) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       EventOffered,
		OccurredAt: time.Now().UTC(),
		Offered:    &o,
	}
}

func NewBoughtEvent(b Bought) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       EventBought,
		OccurredAt: time.Now().UTC(),
		Bought:     &b,
	}
}

func (e Event) ItemID() int64 {
	switch {
	case e.Offered != nil:
		return e.Offered.ItemID
	case e.Bought != nil:
		return e.Bought.ItemID
	}
	return 0
}
