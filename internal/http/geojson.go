package httpapi

import (
	"net/http"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/example/ridesaver/internal/models"
)

// markersToGeoJSON renders markers as point features; coordinates are
// lon/lat as GeoJSON requires.
func markersToGeoJSON(ms []models.Marker) *geojson.FeatureCollection {
	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(ms))}
	for _, m := range ms {
		props := map[string]interface{}{
			"kind":      m.Kind,
			"pin_color": m.PinColor,
			"title":     m.Title,
		}
		if m.Description != "" {
			props["description"] = m.Description
		}
		if m.Kind == "ride" {
			props["available_seats"] = m.AvailableSeats
			props["distance_to_site_m"] = m.DistanceToSiteMeters
		}
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:         m.ID,
			Geometry:   geom.NewPointFlat(geom.XY, []float64{m.Longitude, m.Latitude}),
			Properties: props,
		})
	}
	return fc
}

func (s *Server) handleGeoJSON(w http.ResponseWriter, r *http.Request) {
	ms, err := s.svc.Markers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := markersToGeoJSON(ms).MarshalJSON()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}
