package reservation

import (
	"context"

	"github.com/example/ridesaver/internal/geo"
	"github.com/example/ridesaver/internal/models"
)

const (
	PinOwn   = "blue"
	PinOther = "red"
	PinSite  = "green"

	markerTimeLayout = "15:04 2-1-2006"
)

// Markers describes the caller's map: the group site and every listed ride.
func (s *Service) Markers(ctx context.Context) ([]models.Marker, error) {
	var out []models.Marker
	err := s.run(ctx, "markers", func(ctx context.Context) error {
		sess, groupID, err := s.caller(ctx)
		if err != nil {
			return err
		}
		g, err := s.Directory.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		rides, err := s.listVisible(ctx, sess, groupID)
		if err != nil {
			return err
		}
		loc := s.Config.withDefaults().Location
		out = make([]models.Marker, 0, len(rides)+1)
		out = append(out, models.Marker{
			ID:          "site:" + g.ID,
			Latitude:    g.Latitude,
			Longitude:   g.Longitude,
			PinColor:    PinSite,
			Title:       g.OrganisationName,
			Description: "The office of " + g.OrganisationName,
			Kind:        "site",
		})
		for _, r := range rides {
			pin := PinOther
			if r.OwnerID == sess.UserID {
				pin = PinOwn
			}
			out = append(out, models.Marker{
				ID:                   r.ID,
				Latitude:             r.Origin.Latitude,
				Longitude:            r.Origin.Longitude,
				PinColor:             pin,
				Title:                r.DepartureTime.In(loc).Format(markerTimeLayout),
				Kind:                 "ride",
				AvailableSeats:       r.AvailableSeats,
				DistanceToSiteMeters: geo.Haversine(g.Latitude, g.Longitude, r.Origin.Latitude, r.Origin.Longitude),
			})
		}
		return nil
	})
	return out, err
}
