package grouper

import "github.com/golang/geo/r2"

// dbscan labels
const (
	labelUnvisited = 0
	labelNoise     = -1
)

// dbscan clusters planar points with the classic density algorithm.
// Returns one slice of point indexes per cluster; noise points appear in
// no cluster. eps is in the same unit as the points (meters here),
// minPts counts the point itself.
func dbscan(points []r2.Point, eps float64, minPts int) [][]int {
	labels := make([]int, len(points)) // 0 unvisited, -1 noise, >0 cluster id
	var clusters [][]int

	for i := range points {
		if labels[i] != labelUnvisited {
			continue
		}

		neighbors := regionQuery(points, i, eps)
		if len(neighbors) < minPts {
			labels[i] = labelNoise
			continue
		}

		clusterID := len(clusters) + 1
		labels[i] = clusterID
		members := []int{i}

		// Expand: grow the seed set through every core point's neighborhood.
		for q := 0; q < len(neighbors); q++ {
			j := neighbors[q]
			if labels[j] == labelNoise {
				labels[j] = clusterID // border point
				members = append(members, j)
				continue
			}
			if labels[j] != labelUnvisited {
				continue
			}
			labels[j] = clusterID
			members = append(members, j)

			jNeighbors := regionQuery(points, j, eps)
			if len(jNeighbors) >= minPts {
				neighbors = append(neighbors, jNeighbors...)
			}
		}

		clusters = append(clusters, members)
	}

	return clusters
}

func regionQuery(points []r2.Point, center int, eps float64) []int {
	var neighbors []int
	for i := range points {
		if planarDistance(points[center], points[i]) <= eps {
			neighbors = append(neighbors, i)
		}
	}
	return neighbors
}
