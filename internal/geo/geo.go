package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Candidate is one driver position returned by a nearby query,
// ordered nearest-first.
type Candidate struct {
	DriverID  string
	Loc       models.Coord
	DistanceM float64
	Updated   time.Time
}

// Index is the minimal location-index contract the session registry needs.
type Index interface {
	Upsert(driverID string, loc models.Coord)
	Remove(driverID string)
	Nearby(origin models.Coord, radiusM float64, limit int) []Candidate
}

// MemoryIndex keeps driver positions in a mutexed map.
// Naive scan; in prod swap in the Redis GEO variant or an H3 index.
type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]Candidate
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]Candidate)}
}

func (g *MemoryIndex) Upsert(driverID string, loc models.Coord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = Candidate{DriverID: driverID, Loc: loc, Updated: time.Now()}
}

func (g *MemoryIndex) Remove(driverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
}

func (g *MemoryIndex) Nearby(origin models.Coord, radiusM float64, limit int) []Candidate {
	g.mu.RLock()
	defer g.mu.RUnlock()
	arr := make([]Candidate, 0, len(g.drivers))
	for _, c := range g.drivers {
		dist := Haversine(origin.Lat, origin.Lon, c.Loc.Lat, c.Loc.Lon)
		if dist > radiusM {
			continue
		}
		c.DistanceM = dist
		arr = append(arr, c)
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistanceM < arr[minIdx].DistanceM {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n]
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
