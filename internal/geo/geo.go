package geo

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/fleet-sync/internal/clock"
	"github.com/example/fleet-sync/internal/models"
)

// Near is one driver of a proximity query.
type Near struct {
	DriverID  string    `json:"driver_id"`
	FullName  string    `json:"full_name,omitempty"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	DistanceM float64   `json:"distance_m"`
	LastSeen  time.Time `json:"last_seen"`
}

// Geo answers proximity queries over driver positions.
type Geo interface {
	Upsert(d *models.Driver)
	Remove(id string)
	Nearby(lat, lng float64, limit int) []Near
}

type point struct {
	name     string
	lat, lng float64
	lastSeen time.Time
}

// Index keeps the last known position of every driver that has one.
// Only drivers seen within the presence window are returned by Nearby.
type Index struct {
	mu     sync.RWMutex
	points map[string]point
	clock  clock.Clock
	window time.Duration
}

func NewIndex(clk clock.Clock) *Index {
	if clk == nil {
		clk = clock.Real()
	}
	return &Index{points: make(map[string]point), clock: clk, window: models.PresenceWindow}
}

func (g *Index) Upsert(d *models.Driver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d.Position == nil || d.LastSeen == nil {
		delete(g.points, d.ID)
		return
	}
	g.points[d.ID] = point{name: d.FullName, lat: d.Position.Lat, lng: d.Position.Lng, lastSeen: *d.LastSeen}
}

func (g *Index) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.points, id)
}

func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.points)
}

// Nearby is a linear scan; fleets are small enough that an index structure
// has not been needed.
func (g *Index) Nearby(lat, lng float64, limit int) []Near {
	now := g.clock.Now()
	g.mu.RLock()
	out := make([]Near, 0, len(g.points))
	for id, p := range g.points {
		if now.Sub(p.lastSeen) >= g.window {
			continue
		}
		out = append(out, Near{
			DriverID:  id,
			FullName:  p.name,
			Lat:       p.lat,
			Lng:       p.lng,
			DistanceM: Haversine(lat, lng, p.lat, p.lng),
			LastSeen:  p.lastSeen,
		})
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceM == out[j].DistanceM {
			return out[i].DriverID < out[j].DriverID
		}
		return out[i].DistanceM < out[j].DistanceM
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
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
