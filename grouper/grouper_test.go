package grouper

import (
	"context"
	"math"
	"testing"

	"ecocity/database"
	"ecocity/models"
)

type fakeReports struct {
	points   []database.ReportPoint
	assigned map[int64]int64
}

func newFakeReports(points ...database.ReportPoint) *fakeReports {
	return &fakeReports{points: points, assigned: make(map[int64]int64)}
}

func (f *fakeReports) AssignGroup(ctx context.Context, seq, groupSeq int64) error {
	f.assigned[seq] = groupSeq
	return nil
}

func (f *fakeReports) BulkAssignGroup(ctx context.Context, seqs []int64, groupSeq int64) error {
	for _, seq := range seqs {
		f.assigned[seq] = groupSeq
	}
	return nil
}

func (f *fakeReports) UngroupedPoints(ctx context.Context) ([]database.ReportPoint, error) {
	return f.points, nil
}

type fakeGroups struct {
	nearest  *models.Group
	upserted *models.Group
	stats    map[int64][2]interface{}
	nextSeq  int64
}

func newFakeGroups() *fakeGroups {
	return &fakeGroups{stats: make(map[int64][2]interface{}), nextSeq: 100}
}

func (f *fakeGroups) NearestUnlocked(ctx context.Context, lat, lng, radiusM float64) (*models.Group, error) {
	return f.nearest, nil
}

func (f *fakeGroups) UpsertByName(ctx context.Context, g *models.Group) (int64, error) {
	f.upserted = g
	return f.nextSeq, nil
}

func (f *fakeGroups) UpdateStats(ctx context.Context, seq int64, reportCount int, severity string) error {
	f.stats[seq] = [2]interface{}{reportCount, severity}
	return nil
}

func (f *fakeGroups) GetGroup(ctx context.Context, seq int64) (*models.Group, error) {
	if f.upserted == nil {
		return nil, nil
	}
	g := *f.upserted
	g.Seq = seq
	return &g, nil
}

func (f *fakeGroups) NextClusterName(ctx context.Context) (string, error) {
	return "Cluster 1", nil
}

func defaultConfig() Config {
	return Config{AttachRadiusM: 500, ClusterEpsM: 500, ClusterMinPts: 3}
}

func TestAttachJoinsNearestGroup(t *testing.T) {
	reports := newFakeReports()
	groups := newFakeGroups()
	groups.nearest = &models.Group{Seq: 7, ReportCount: 4, Severity: models.SeverityLow}
	s := NewService(reports, groups, defaultConfig())

	group, err := s.Attach(context.Background(), 1, 12.9716, 77.5946)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if group == nil || group.Seq != 7 {
		t.Fatalf("expected group 7, got %+v", group)
	}
	if reports.assigned[1] != 7 {
		t.Errorf("report not assigned to group 7: %v", reports.assigned)
	}
	// 5 members crosses the medium threshold.
	if group.ReportCount != 5 || group.Severity != models.SeverityMedium {
		t.Errorf("expected 5 members at medium, got %d/%s", group.ReportCount, group.Severity)
	}
}

func TestAttachNoGroupInRange(t *testing.T) {
	s := NewService(newFakeReports(), newFakeGroups(), defaultConfig())

	group, err := s.Attach(context.Background(), 1, 0, 0)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if group != nil {
		t.Errorf("expected no attachment, got %+v", group)
	}
}

func TestSuggestClustersDensePoints(t *testing.T) {
	// Three reports within ~150m of each other, one ~5km away.
	points := []database.ReportPoint{
		{Seq: 1, Latitude: 12.9716, Longitude: 77.5946, Severity: models.SeverityLow},
		{Seq: 2, Latitude: 12.9721, Longitude: 77.5950, Severity: models.SeverityLow},
		{Seq: 3, Latitude: 12.9711, Longitude: 77.5941, Severity: models.SeverityHigh},
		{Seq: 4, Latitude: 13.0200, Longitude: 77.5946, Severity: models.SeverityLow},
	}
	s := NewService(newFakeReports(points...), newFakeGroups(), defaultConfig())

	suggestions, err := s.Suggest(context.Background())
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if len(suggestions) != 1 {
		t.Fatalf("expected 1 suggestion, got %d", len(suggestions))
	}

	sug := suggestions[0]
	if sug.ReportCount != 3 {
		t.Errorf("expected 3 members, got %d", sug.ReportCount)
	}
	if sug.Severity != models.SeverityLow {
		t.Errorf("expected severity low for 3 members, got %s", sug.Severity)
	}
	if sug.Hull == nil || sug.BBox == nil {
		t.Error("expected hull and bbox geometries")
	}
	for _, m := range sug.Members {
		if m.Seq == 4 {
			t.Error("outlier report 4 should not be in the cluster")
		}
	}
}

func TestSuggestEmpty(t *testing.T) {
	s := NewService(newFakeReports(), newFakeGroups(), defaultConfig())
	suggestions, err := s.Suggest(context.Background())
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if suggestions != nil {
		t.Errorf("expected nil suggestions, got %v", suggestions)
	}
}

func TestMaterialize(t *testing.T) {
	reports := newFakeReports()
	groups := newFakeGroups()
	s := NewService(reports, groups, defaultConfig())

	members := []models.ClusterMember{
		{Seq: 1, Latitude: 12.9716, Longitude: 77.5946},
		{Seq: 2, Latitude: 12.9720, Longitude: 77.5950},
		{Seq: 3, Latitude: 12.9712, Longitude: 77.5942},
	}

	group, err := s.Materialize(context.Background(), members, "", "")
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if group.Seq != 100 {
		t.Errorf("expected seq 100, got %d", group.Seq)
	}
	if group.Name != "Cluster 1" {
		t.Errorf("expected generated name, got %q", group.Name)
	}
	if group.ReportCount != 3 || group.Severity != models.SeverityLow {
		t.Errorf("unexpected stats: %d/%s", group.ReportCount, group.Severity)
	}
	for _, m := range members {
		if reports.assigned[m.Seq] != 100 {
			t.Errorf("report %d not reassigned: %v", m.Seq, reports.assigned)
		}
	}

	wantLat := (12.9716 + 12.9720 + 12.9712) / 3
	if math.Abs(group.CentroidLat-wantLat) > 1e-9 {
		t.Errorf("centroid lat: expected %f, got %f", wantLat, group.CentroidLat)
	}
}

func TestMaterializeEmpty(t *testing.T) {
	s := NewService(newFakeReports(), newFakeGroups(), defaultConfig())
	if _, err := s.Materialize(context.Background(), nil, "", ""); err == nil {
		t.Error("expected error for empty cluster")
	}
}
