package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/ridesaver/internal/models"
)

// Pin is an open ride's position in the nearby-rides read model.
type Pin struct {
	RideID  string       `json:"ride_id"`
	GroupID string       `json:"group_id"`
	Loc     models.Coord `json:"loc"`
	DistM   float64      `json:"distance_m"`
}

// Index answers "which open rides of my group start near here".
type Index interface {
	Upsert(ctx context.Context, p Pin) error
	Remove(ctx context.Context, groupID, rideID string) error
	Nearby(ctx context.Context, groupID string, lat, lon, radiusM float64, limit int) ([]Pin, error)
}

type MemoryIndex struct {
	mu     sync.RWMutex
	groups map[string]map[string]Pin
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{groups: make(map[string]map[string]Pin)}
}

func (g *MemoryIndex) Upsert(_ context.Context, p Pin) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.groups[p.GroupID] == nil {
		g.groups[p.GroupID] = make(map[string]Pin)
	}
	g.groups[p.GroupID][p.RideID] = p
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, groupID, rideID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.groups[groupID], rideID)
	return nil
}

// naive scan; groups hold a handful of rides
func (g *MemoryIndex) Nearby(_ context.Context, groupID string, lat, lon, radiusM float64, limit int) ([]Pin, error) {
	g.mu.RLock()
	arr := make([]Pin, 0, len(g.groups[groupID]))
	for _, p := range g.groups[groupID] {
		p.DistM = Haversine(lat, lon, p.Loc.Lat, p.Loc.Lon)
		if p.DistM <= radiusM {
			arr = append(arr, p)
		}
	}
	g.mu.RUnlock()
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistM < arr[minIdx].DistM || (arr[j].DistM == arr[minIdx].DistM && arr[j].RideID < arr[minIdx].RideID) {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
