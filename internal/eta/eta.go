package eta

import (
	"context"

	"github.com/example/ridesaver/internal/geo"
	"github.com/example/ridesaver/internal/models"
)

// Estimator returns the expected drive time between two points.
type Estimator interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Naive ETA: distance / speed_mps. Used when no routing engine is configured
// or the routing engine is unavailable.
type Naive struct {
	SpeedMps float64
}

func (n Naive) EstimateSeconds(_ context.Context, from, to models.Coord) (float64, error) {
	return EstimateSeconds(from, to, n.SpeedMps), nil
}

func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speedMps
}

// WithFallback asks primary first and falls back to the naive estimate.
type WithFallback struct {
	Primary  Estimator
	Fallback Naive
}

func (w WithFallback) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	if w.Primary != nil {
		if v, err := w.Primary.EstimateSeconds(ctx, from, to); err == nil {
			return v, nil
		}
	}
	return w.Fallback.EstimateSeconds(ctx, from, to)
}
