package grouper

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/s2"
)

const earthRadiusM = 6378137

// mercator projects lat/lng onto a plane measured in meters at the
// equator, the frame DBSCAN's eps is expressed in.
var mercator = s2.NewMercatorProjection(math.Pi * earthRadiusM)

func projectPoint(lat, lng float64) r2.Point {
	return mercator.FromLatLng(s2.LatLngFromDegrees(lat, lng))
}

func planarDistance(a, b r2.Point) float64 {
	return a.Sub(b).Norm()
}
