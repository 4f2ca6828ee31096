// Package geo implements point containment for areas of interest.
package geo

import "permitalert/internal/domain"

// MilesPerDegree approximates one degree of latitude or longitude in miles.
const MilesPerDegree = 69.0

// PointInPolygon reports whether point lies inside rings using ray casting.
// Params: latitude, longitude, and rings in [lon, lat] order; every ring toggles parity.
// Returns: true when point crosses an odd number of edges.
func PointInPolygon(lat, lon float64, rings []domain.Ring) bool {
	inside := false
	for _, ring := range rings {
		n := len(ring)
		if n < 3 {
			continue
		}
		for i, j := 0, n-1; i < n; j, i = i, i+1 {
			xi, yi := ring[i].Lon(), ring[i].Lat()
			xj, yj := ring[j].Lon(), ring[j].Lat()
			if (yi > lat) != (yj > lat) && lon < (xj-xi)*(lat-yi)/(yj-yi)+xi {
				inside = !inside
			}
		}
	}
	return inside
}

// PointInAOI reports whether point falls inside AOI geometry.
// Params: latitude, longitude, and AOI with optional buffer in miles.
// Returns: true when any polygon of the AOI contains the point.
func PointInAOI(lat, lon float64, aoi domain.AreaOfInterest) bool {
	switch aoi.Geometry.Type {
	case domain.GeometryPolygon:
		return pointInBufferedPolygon(lat, lon, aoi.Geometry.Polygon, aoi.BufferMiles)
	case domain.GeometryMultiPolygon:
		for _, polygon := range aoi.Geometry.MultiPolygon {
			if pointInBufferedPolygon(lat, lon, polygon, aoi.BufferMiles) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// pointInBufferedPolygon applies bbox rejection before ray casting.
// Params: point, polygon rings, and buffer miles; buffer <= 0 skips bbox test.
// Returns: containment decision.
func pointInBufferedPolygon(lat, lon float64, polygon domain.Polygon, bufferMiles float64) bool {
	if len(polygon) == 0 {
		return false
	}
	if bufferMiles > 0 {
		box, ok := BoundsOf(polygon[0])
		if !ok || !box.Expand(bufferMiles/MilesPerDegree).Contains(lat, lon) {
			return false
		}
	}
	return PointInPolygon(lat, lon, polygon)
}

// Box is an axis-aligned bounding box in degrees.
type Box struct {
	MinLon, MinLat, MaxLon, MaxLat float64
}

// BoundsOf computes bounding box of ring.
// Params: ring positions.
// Returns: box and false when ring is empty.
func BoundsOf(ring domain.Ring) (Box, bool) {
	if len(ring) == 0 {
		return Box{}, false
	}
	box := Box{MinLon: ring[0].Lon(), MaxLon: ring[0].Lon(), MinLat: ring[0].Lat(), MaxLat: ring[0].Lat()}
	for _, p := range ring[1:] {
		box.MinLon = min(box.MinLon, p.Lon())
		box.MaxLon = max(box.MaxLon, p.Lon())
		box.MinLat = min(box.MinLat, p.Lat())
		box.MaxLat = max(box.MaxLat, p.Lat())
	}
	return box, true
}

// Expand grows box by deg on every side.
func (b Box) Expand(deg float64) Box {
	return Box{MinLon: b.MinLon - deg, MinLat: b.MinLat - deg, MaxLon: b.MaxLon + deg, MaxLat: b.MaxLat + deg}
}

// Contains reports inclusive containment.
func (b Box) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}
