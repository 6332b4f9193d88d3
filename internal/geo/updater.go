package geo

import (
	"context"

	"github.com/example/ridesaver/internal/events"
)

// Apply folds one ride event into the index: rides with free seats are
// pinned, full or cancelled rides are dropped.
func Apply(ctx context.Context, idx Index, ev events.RideEvent) error {
	if ev.Kind == events.RideCancelled || ev.Ride == nil {
		return idx.Remove(ctx, ev.GroupID, ev.RideID)
	}
	r := ev.Ride
	if r.AvailableSeats <= 0 {
		return idx.Remove(ctx, r.GroupID, r.ID)
	}
	return idx.Upsert(ctx, Pin{RideID: r.ID, GroupID: r.GroupID, Loc: r.Origin.Coord()})
}

// Updater keeps an index current by subscribing it to the event stream.
type Updater struct {
	Index Index
}

func (u Updater) Publish(ctx context.Context, ev events.RideEvent) error {
	return Apply(ctx, u.Index, ev)
}
