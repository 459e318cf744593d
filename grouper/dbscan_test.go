package grouper

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
)

func TestDBSCANTwoClustersAndNoise(t *testing.T) {
	points := []r2.Point{
		// Cluster A around origin.
		{X: 0, Y: 0}, {X: 50, Y: 0}, {X: 0, Y: 50}, {X: 40, Y: 40},
		// Cluster B far away.
		{X: 5000, Y: 5000}, {X: 5050, Y: 5000}, {X: 5000, Y: 5050},
		// Lone noise point.
		{X: 20000, Y: 0},
	}

	clusters := dbscan(points, 100, 3)
	if len(clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(clusters))
	}
	if len(clusters[0]) != 4 {
		t.Errorf("expected 4 members in first cluster, got %d", len(clusters[0]))
	}
	if len(clusters[1]) != 3 {
		t.Errorf("expected 3 members in second cluster, got %d", len(clusters[1]))
	}

	clustered := make(map[int]bool)
	for _, c := range clusters {
		for _, i := range c {
			clustered[i] = true
		}
	}
	if clustered[7] {
		t.Error("noise point ended up in a cluster")
	}
}

func TestDBSCANBelowMinPts(t *testing.T) {
	points := []r2.Point{{X: 0, Y: 0}, {X: 10, Y: 0}}
	if clusters := dbscan(points, 100, 3); len(clusters) != 0 {
		t.Errorf("expected no clusters, got %v", clusters)
	}
}

func TestDBSCANBorderPointJoinsCluster(t *testing.T) {
	// A chain where the last point is density-reachable but not core.
	points := []r2.Point{
		{X: 0, Y: 0}, {X: 80, Y: 0}, {X: 160, Y: 0}, {X: 240, Y: 0},
	}
	clusters := dbscan(points, 100, 3)
	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(clusters))
	}
	if len(clusters[0]) != 4 {
		t.Errorf("expected all 4 points in cluster, got %d", len(clusters[0]))
	}
}

func TestProjectPointMetricScale(t *testing.T) {
	// ~111m per 0.001 degrees latitude at the equator.
	a := projectPoint(0, 0)
	b := projectPoint(0.001, 0)
	d := planarDistance(a, b)
	if math.Abs(d-111.0) > 1.0 {
		t.Errorf("expected ~111m, got %f", d)
	}
}
