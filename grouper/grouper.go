// Package grouper assigns reports to litter groups: radius attachment on
// ingest and DBSCAN cluster suggestions over whatever remains ungrouped.
package grouper

import (
	"context"
	"fmt"

	"ecocity/database"
	"ecocity/detector"
	"ecocity/models"

	"github.com/apex/log"
	"github.com/golang/geo/r2"
)

type reportStore interface {
	AssignGroup(ctx context.Context, seq, groupSeq int64) error
	BulkAssignGroup(ctx context.Context, seqs []int64, groupSeq int64) error
	UngroupedPoints(ctx context.Context) ([]database.ReportPoint, error)
}

type groupStore interface {
	NearestUnlocked(ctx context.Context, lat, lng, radiusM float64) (*models.Group, error)
	UpsertByName(ctx context.Context, g *models.Group) (int64, error)
	UpdateStats(ctx context.Context, seq int64, reportCount int, severity string) error
	GetGroup(ctx context.Context, seq int64) (*models.Group, error)
	NextClusterName(ctx context.Context) (string, error)
}

// Config holds the grouping distances.
type Config struct {
	AttachRadiusM float64
	ClusterEpsM   float64
	ClusterMinPts int
}

// Service runs group attachment, suggestion, and materialization.
type Service struct {
	reports reportStore
	groups  groupStore
	cfg     Config
}

func NewService(reports reportStore, groups groupStore, cfg Config) *Service {
	return &Service{reports: reports, groups: groups, cfg: cfg}
}

// Attach joins a freshly detected report to the nearest unlocked group
// within the attach radius. Returns the group joined, or nil when no
// group is close enough and the report stays ungrouped.
func (s *Service) Attach(ctx context.Context, reportSeq int64, lat, lng float64) (*models.Group, error) {
	group, err := s.groups.NearestUnlocked(ctx, lat, lng, s.cfg.AttachRadiusM)
	if err != nil {
		return nil, fmt.Errorf("failed to find group for report %d: %w", reportSeq, err)
	}
	if group == nil {
		return nil, nil
	}

	if err := s.reports.AssignGroup(ctx, reportSeq, group.Seq); err != nil {
		return nil, err
	}

	newCount := group.ReportCount + 1
	severity := detector.SeverityForCount(newCount)
	if err := s.groups.UpdateStats(ctx, group.Seq, newCount, severity); err != nil {
		return nil, err
	}

	group.ReportCount = newCount
	group.Severity = severity
	return group, nil
}

// Suggest clusters all ungrouped reports and returns one suggestion per
// cluster. Suggestions are transient: nothing is persisted until a
// cluster is materialized.
func (s *Service) Suggest(ctx context.Context) ([]models.ClusterSuggestion, error) {
	return s.SuggestWith(ctx, s.cfg.ClusterEpsM, s.cfg.ClusterMinPts)
}

// SuggestWith clusters with caller-supplied parameters. Non-positive
// values fall back to the configured defaults.
func (s *Service) SuggestWith(ctx context.Context, epsM float64, minPts int) ([]models.ClusterSuggestion, error) {
	if epsM <= 0 {
		epsM = s.cfg.ClusterEpsM
	}
	if minPts <= 0 {
		minPts = s.cfg.ClusterMinPts
	}

	points, err := s.reports.UngroupedPoints(ctx)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}
	return s.suggestFrom(points, epsM, minPts), nil
}

func (s *Service) suggestFrom(points []database.ReportPoint, epsM float64, minPts int) []models.ClusterSuggestion {
	planar := make([]r2.Point, len(points))
	for i, p := range points {
		planar[i] = projectPoint(p.Latitude, p.Longitude)
	}

	clusters := dbscan(planar, epsM, minPts)

	var suggestions []models.ClusterSuggestion
	for i, members := range clusters {
		positions := make([]latLng, len(members))
		clusterMembers := make([]models.ClusterMember, len(members))
		for j, idx := range members {
			p := points[idx]
			positions[j] = latLng{Lat: p.Latitude, Lng: p.Longitude}
			clusterMembers[j] = models.ClusterMember{
				Seq:       p.Seq,
				Latitude:  p.Latitude,
				Longitude: p.Longitude,
				Severity:  p.Severity,
			}
		}

		suggestions = append(suggestions, models.ClusterSuggestion{
			ClusterID:   i + 1,
			ReportCount: len(members),
			Severity:    detector.SeverityForCount(len(members)),
			Hull:        convexHull(positions),
			BBox:        boundingBox(positions),
			Members:     clusterMembers,
		})
	}

	log.Infof("Clustered %d ungrouped reports into %d suggestions", len(points), len(suggestions))
	return suggestions
}

// Materialize turns a suggestion into a persistent group and reassigns
// its member reports. Materialization is authoritative: members already
// owned by another unlocked group move to the new one.
func (s *Service) Materialize(ctx context.Context, members []models.ClusterMember, name, description string) (*models.Group, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("cannot materialize an empty cluster")
	}

	if name == "" {
		var err error
		name, err = s.groups.NextClusterName(ctx)
		if err != nil {
			return nil, err
		}
	}
	if description == "" {
		description = fmt.Sprintf("Suggested cluster of %d reports", len(members))
	}

	positions := make([]latLng, len(members))
	seqs := make([]int64, len(members))
	for i, m := range members {
		positions[i] = latLng{Lat: m.Latitude, Lng: m.Longitude}
		seqs[i] = m.Seq
	}
	center := centroid(positions)

	group := &models.Group{
		Name:        name,
		Description: description,
		CentroidLat: center.Lat,
		CentroidLng: center.Lng,
		Coverage:    convexHull(positions),
		ReportCount: len(members),
		Severity:    detector.SeverityForCount(len(members)),
	}

	seq, err := s.groups.UpsertByName(ctx, group)
	if err != nil {
		return nil, err
	}
	if err := s.reports.BulkAssignGroup(ctx, seqs, seq); err != nil {
		return nil, err
	}

	return s.groups.GetGroup(ctx, seq)
}
