package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"ecocity/models"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

var sampleTime = time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

func groupStore() *GroupStore {
	return NewGroupStore(NewDatabaseFromConn(db))
}

var groupColumns = []string{
	"seq", "name", "description", "centroid_lat", "centroid_lng", "coverage_json",
	"report_count", "severity", "is_locked", "event_id", "created_at", "updated_at",
}

func TestNearestUnlocked(t *testing.T) {
	it(func() {
		rows := sqlmock.NewRows(groupColumns).
			AddRow(int64(4), "Cluster 4", "", 12.97, 77.59, nil, 8, models.SeverityMedium,
				false, nil, sampleTime, sampleTime)
		mock.ExpectQuery("FROM litter_groups\\s+WHERE is_locked = FALSE").
			WithArgs(12.9716, 77.5946, 500.0, 12.9716, 77.5946).
			WillReturnRows(rows)

		g, err := groupStore().NearestUnlocked(context.Background(), 12.9716, 77.5946, 500)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if g == nil || g.Seq != 4 || g.IsLocked {
			t.Errorf("unexpected group: %+v", g)
		}
	})
}

func TestNearestUnlockedNone(t *testing.T) {
	it(func() {
		mock.ExpectQuery("FROM litter_groups\\s+WHERE is_locked = FALSE").
			WillReturnError(sql.ErrNoRows)

		g, err := groupStore().NearestUnlocked(context.Background(), 0, 0, 500)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if g != nil {
			t.Errorf("expected nil group, got %+v", g)
		}
	})
}

func TestUpsertByName(t *testing.T) {
	it(func() {
		mock.ExpectExec("INSERT INTO litter_groups").
			WithArgs("Cluster 1", "DBSCAN cluster of 5 reports", 12.97, 77.59,
				12.97, 77.59, nil, 5, models.SeverityMedium).
			WillReturnResult(sqlmock.NewResult(11, 1))

		seq, err := groupStore().UpsertByName(context.Background(), &models.Group{
			Name:        "Cluster 1",
			Description: "DBSCAN cluster of 5 reports",
			CentroidLat: 12.97,
			CentroidLng: 77.59,
			ReportCount: 5,
			Severity:    models.SeverityMedium,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if seq != 11 {
			t.Errorf("expected seq 11, got %d", seq)
		}
	})
}

func TestLockGroup(t *testing.T) {
	it(func() {
		testCases := []struct {
			name    string
			eventID string

			rowsAffected  int64
			errorExpected bool
		}{
			{
				name:         "Lock with event",
				eventID:      "evt-123",
				rowsAffected: 1,
			}, {
				name:          "Already locked",
				eventID:       "",
				rowsAffected:  0,
				errorExpected: true,
			},
		}

		for _, testCase := range testCases {
			var eid interface{}
			if testCase.eventID != "" {
				eid = testCase.eventID
			}
			mock.ExpectExec("UPDATE litter_groups SET is_locked = TRUE, event_id = \\? WHERE seq = \\? AND is_locked = FALSE").
				WithArgs(eid, int64(4)).
				WillReturnResult(sqlmock.NewResult(0, testCase.rowsAffected))

			err := groupStore().Lock(context.Background(), 4, testCase.eventID)
			if testCase.errorExpected && err == nil {
				t.Errorf("%s: expected error, got nil", testCase.name)
			}
			if !testCase.errorExpected && err != nil {
				t.Errorf("%s: unexpected error: %v", testCase.name, err)
			}
		}
	})
}

func TestNextClusterName(t *testing.T) {
	it(func() {
		rows := sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(3)
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM litter_groups WHERE name LIKE").
			WillReturnRows(rows)

		name, err := groupStore().NextClusterName(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if name != "Cluster 4" {
			t.Errorf("expected Cluster 4, got %s", name)
		}
	})
}
