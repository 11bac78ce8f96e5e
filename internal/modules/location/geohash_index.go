// README: In-process geo index bucketing drivers by geohash cell.
package location

import (
	"context"
	"sync"

	"github.com/mmcloughlin/geohash"

	"ridedispatch/internal/types"
)

// cellPrecision 5 gives cells of roughly 4.9km x 4.9km at the equator.
const cellPrecision = 5

type GeohashIndex struct {
	mu    sync.RWMutex
	cells map[string]map[types.ID]types.Point
	byID  map[types.ID]string
	prec  uint
}

func NewGeohashIndex() *GeohashIndex {
	return &GeohashIndex{
		cells: make(map[string]map[types.ID]types.Point),
		byID:  make(map[types.ID]string),
		prec:  cellPrecision,
	}
}

func (g *GeohashIndex) Upsert(_ context.Context, driverID types.ID, p types.Point) error {
	cell := geohash.EncodeWithPrecision(p.Lat, p.Lng, g.prec)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(driverID)
	bucket, ok := g.cells[cell]
	if !ok {
		bucket = make(map[types.ID]types.Point)
		g.cells[cell] = bucket
	}
	bucket[driverID] = p
	g.byID[driverID] = cell
	return nil
}

func (g *GeohashIndex) Remove(_ context.Context, driverID types.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(driverID)
	return nil
}

func (g *GeohashIndex) removeLocked(driverID types.ID) {
	cell, ok := g.byID[driverID]
	if !ok {
		return
	}
	delete(g.cells[cell], driverID)
	if len(g.cells[cell]) == 0 {
		delete(g.cells, cell)
	}
	delete(g.byID, driverID)
}

func (g *GeohashIndex) Nearby(_ context.Context, p types.Point, radiusKm float64, limit int) ([]Nearby, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Nearby
	for _, cell := range g.coveringCells(p, radiusKm) {
		for id, pos := range g.cells[cell] {
			d := DistanceKm(p, pos)
			if d <= radiusKm {
				out = append(out, Nearby{DriverID: id, Position: pos, DistanceKm: d})
			}
		}
	}
	sortByDistance(out, func(n Nearby) float64 { return n.DistanceKm })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// coveringCells walks the cell grid across the bounding box of the search
// circle, stepping one cell at a time.
func (g *GeohashIndex) coveringCells(p types.Point, radiusKm float64) []string {
	dLat, dLng := degreeSpan(p.Lat, radiusKm)
	box := geohash.BoundingBox(geohash.EncodeWithPrecision(p.Lat, p.Lng, g.prec))
	stepLat := box.MaxLat - box.MinLat
	stepLng := box.MaxLng - box.MinLng

	minLat, maxLat := clamp(p.Lat-dLat, -90, 90), clamp(p.Lat+dLat, -90, 90)
	minLng, maxLng := clamp(p.Lng-dLng, -180, 180), clamp(p.Lng+dLng, -180, 180)

	seen := make(map[string]struct{})
	var cells []string
	add := func(lat, lng float64) {
		c := geohash.EncodeWithPrecision(lat, lng, g.prec)
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			cells = append(cells, c)
		}
	}
	for lat := minLat; ; lat += stepLat {
		if lat > maxLat {
			lat = maxLat
		}
		for lng := minLng; ; lng += stepLng {
			if lng > maxLng {
				lng = maxLng
			}
			add(lat, lng)
			if lng >= maxLng {
				break
			}
		}
		if lat >= maxLat {
			break
		}
	}
	return cells
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
