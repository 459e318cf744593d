package grouper

import (
	"github.com/golang/geo/s2"
	geojson "github.com/paulmach/go.geojson"
)

type latLng struct {
	Lat float64
	Lng float64
}

// convexHull returns the convex hull of the positions as a closed GeoJSON
// polygon ring. Fewer than three distinct vertices fall back to the
// bounding box, so degenerate clusters still get a drawable coverage.
func convexHull(positions []latLng) *geojson.Geometry {
	query := s2.NewConvexHullQuery()
	for _, p := range positions {
		query.AddPoint(s2.PointFromLatLng(s2.LatLngFromDegrees(p.Lat, p.Lng)))
	}

	loop := query.ConvexHull()
	if loop.NumVertices() < 3 {
		return boundingBox(positions)
	}

	ring := make([][]float64, 0, loop.NumVertices()+1)
	for _, v := range loop.Vertices() {
		ll := s2.LatLngFromPoint(v)
		ring = append(ring, []float64{ll.Lng.Degrees(), ll.Lat.Degrees()})
	}
	ring = append(ring, ring[0])

	return geojson.NewPolygonGeometry([][][]float64{ring})
}

// boundingBox returns the axis-aligned lat/lng box around the positions
// as a closed GeoJSON polygon ring.
func boundingBox(positions []latLng) *geojson.Geometry {
	minLat, minLng := positions[0].Lat, positions[0].Lng
	maxLat, maxLng := minLat, minLng
	for _, p := range positions[1:] {
		if p.Lat < minLat {
			minLat = p.Lat
		}
		if p.Lat > maxLat {
			maxLat = p.Lat
		}
		if p.Lng < minLng {
			minLng = p.Lng
		}
		if p.Lng > maxLng {
			maxLng = p.Lng
		}
	}

	ring := [][]float64{
		{minLng, minLat},
		{maxLng, minLat},
		{maxLng, maxLat},
		{minLng, maxLat},
		{minLng, minLat},
	}
	return geojson.NewPolygonGeometry([][][]float64{ring})
}

// centroid returns the arithmetic mean position.
func centroid(positions []latLng) latLng {
	var lat, lng float64
	for _, p := range positions {
		lat += p.Lat
		lng += p.Lng
	}
	n := float64(len(positions))
	return latLng{Lat: lat / n, Lng: lng / n}
}
