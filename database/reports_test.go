package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"ecocity/models"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jknair0/beforeeach"
)

var (
	db   *sql.DB
	mock sqlmock.Sqlmock
)

func setUp() {
	db, mock, _ = sqlmock.New()
}

func tearDown() {
	db.Close()
}

var it = beforeeach.Create(setUp, tearDown)

func reportStore() *ReportStore {
	return NewReportStore(NewDatabaseFromConn(db))
}

func TestCreateReport(t *testing.T) {
	it(func() {
		mock.ExpectExec("INSERT INTO reports \\(user_id, latitude, longitude, geom, image_url, status\\)").
			WithArgs("user1", 12.9716, 77.5946, 12.9716, 77.5946, "https://img.example/1.jpg").
			WillReturnResult(sqlmock.NewResult(42, 1))

		seq, err := reportStore().CreateReport(context.Background(), "user1", 12.9716, 77.5946, "https://img.example/1.jpg")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if seq != 42 {
			t.Errorf("expected seq 42, got %d", seq)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})
}

func TestGetReportNotFound(t *testing.T) {
	it(func() {
		mock.ExpectQuery("SELECT seq, user_id, latitude, longitude").
			WithArgs(int64(7)).
			WillReturnError(sql.ErrNoRows)

		r, err := reportStore().GetReport(context.Background(), 7)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r != nil {
			t.Errorf("expected nil report, got %+v", r)
		}
	})
}

func TestFindNearbyRecent(t *testing.T) {
	it(func() {
		from := time.Date(2026, 8, 30, 9, 30, 0, 0, time.UTC)
		to := from.Add(time.Hour)

		rows := sqlmock.NewRows([]string{"seq"}).AddRow(int64(3)).AddRow(int64(9))
		mock.ExpectQuery("SELECT seq\\s+FROM reports\\s+WHERE created_at BETWEEN").
			WithArgs(from, to, 12.9716, 77.5946, 50.0).
			WillReturnRows(rows)

		seqs, err := reportStore().FindNearbyRecent(context.Background(), 12.9716, 77.5946, 50, from, to)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(seqs) != 2 || seqs[0] != 3 || seqs[1] != 9 {
			t.Errorf("expected [3 9], got %v", seqs)
		}
	})
}

func TestSetOutcome(t *testing.T) {
	it(func() {
		testCases := []struct {
			name     string
			status   string
			severity string
			detected bool
			errMsg   string

			rowsAffected  int64
			errorExpected bool
		}{
			{
				name:         "Completed with severity",
				status:       models.StatusCompleted,
				severity:     models.SeverityHigh,
				detected:     true,
				rowsAffected: 1,
			}, {
				name:         "No litter found",
				status:       models.StatusNoLitter,
				severity:     models.SeverityNone,
				rowsAffected: 1,
			}, {
				name:          "Missing report",
				status:        models.StatusCompleted,
				severity:      models.SeverityLow,
				detected:      true,
				rowsAffected:  0,
				errorExpected: true,
			},
		}

		for _, testCase := range testCases {
			mock.ExpectExec("UPDATE reports\\s+SET status = \\?, severity = \\?, is_detected = \\?, error_message = \\?").
				WithArgs(testCase.status, testCase.severity, testCase.detected, nil, int64(1)).
				WillReturnResult(sqlmock.NewResult(0, testCase.rowsAffected))

			err := reportStore().SetOutcome(context.Background(), 1, testCase.status, testCase.severity, testCase.detected, testCase.errMsg)
			if testCase.errorExpected && err == nil {
				t.Errorf("%s: expected error, got nil", testCase.name)
			}
			if !testCase.errorExpected && err != nil {
				t.Errorf("%s: unexpected error: %v", testCase.name, err)
			}
		}
	})
}

func TestSetOutcomeStoresErrorMessage(t *testing.T) {
	it(func() {
		mock.ExpectExec("UPDATE reports").
			WithArgs(models.StatusError, models.SeverityNone, false, "image fetch failed", int64(5)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := reportStore().SetOutcome(context.Background(), 5, models.StatusError, models.SeverityNone, false, "image fetch failed")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestBulkAssignGroup(t *testing.T) {
	it(func() {
		mock.ExpectExec("UPDATE reports SET group_seq = \\?, is_grouped = TRUE WHERE seq IN \\(\\?, \\?, \\?\\)").
			WithArgs(int64(10), int64(1), int64(2), int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 3))

		err := reportStore().BulkAssignGroup(context.Background(), []int64{1, 2, 3}, 10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
	})
}

func TestBulkAssignGroupEmpty(t *testing.T) {
	it(func() {
		if err := reportStore().BulkAssignGroup(context.Background(), nil, 10); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("no sql should run for an empty batch: %v", err)
		}
	})
}

func TestUngroupedPoints(t *testing.T) {
	it(func() {
		rows := sqlmock.NewRows([]string{"seq", "latitude", "longitude", "severity"}).
			AddRow(int64(1), 12.9716, 77.5946, models.SeverityLow).
			AddRow(int64(2), 12.9720, 77.5950, models.SeverityHigh)
		mock.ExpectQuery("SELECT seq, latitude, longitude, severity\\s+FROM reports\\s+WHERE is_grouped = FALSE").
			WillReturnRows(rows)

		points, err := reportStore().UngroupedPoints(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(points) != 2 {
			t.Fatalf("expected 2 points, got %d", len(points))
		}
		if points[0].Seq != 1 || points[1].Severity != models.SeverityHigh {
			t.Errorf("unexpected points: %+v", points)
		}
	})
}
