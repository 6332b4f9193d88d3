package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridesaver/internal/models"
)

type Kind string

const (
	RideCreated     Kind = "ride.created"
	RideJoined      Kind = "ride.joined"
	RideLeft        Kind = "ride.left"
	RideRescheduled Kind = "ride.rescheduled"
	RideCancelled   Kind = "ride.cancelled"
)

// RideEvent describes one committed ride transition. Ride holds the state
// after the transition and is nil for cancellations.
type RideEvent struct {
	ID      string       `json:"id"`
	Kind    Kind         `json:"kind"`
	RideID  string       `json:"ride_id"`
	GroupID string       `json:"group_id"`
	ActorID string       `json:"actor_id"`
	Ride    *models.Ride `json:"ride,omitempty"`
	Evicted []string     `json:"evicted,omitempty"`
	At      time.Time    `json:"at"`
}

func New(kind Kind, actorID string, r models.Ride) RideEvent {
	ev := RideEvent{
		ID:      uuid.NewString(),
		Kind:    kind,
		RideID:  r.ID,
		GroupID: r.GroupID,
		ActorID: actorID,
		At:      time.Now().UTC(),
	}
	if kind != RideCancelled {
		c := r.Clone()
		ev.Ride = &c
	}
	return ev
}

// Publisher hands committed events to a sink.
type Publisher interface {
	Publish(ctx context.Context, ev RideEvent) error
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev RideEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, RideEvent) error { return nil }
