package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ecocity/models"

	"github.com/apex/log"
)

// ReportStore handles report rows.
type ReportStore struct {
	db *sql.DB
}

func NewReportStore(d *Database) *ReportStore {
	return &ReportStore{db: d.db}
}

// geomExpr builds an SRID 4326 point from placeholders bound as (lat, lng).
// MySQL's geographic SRS puts latitude first.
const geomExpr = "ST_GeomFromText(CONCAT('POINT(', ?, ' ', ?, ')'), 4326)"

// CreateReport inserts a new pending report and returns its seq.
func (s *ReportStore) CreateReport(ctx context.Context, userID string, lat, lng float64, imageURL string) (int64, error) {
	query := `
		INSERT INTO reports (user_id, latitude, longitude, geom, image_url, status)
		VALUES (?, ?, ?, ` + geomExpr + `, ?, 'pending')
	`

	result, err := s.db.ExecContext(ctx, query, userID, lat, lng, lat, lng, imageURL)
	if err != nil {
		return 0, fmt.Errorf("failed to create report: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get report seq: %w", err)
	}

	log.Infof("Report %d created for user %s at %f,%f", seq, userID, lat, lng)
	return seq, nil
}

// GetReport fetches a single report by seq. Returns nil when absent.
func (s *ReportStore) GetReport(ctx context.Context, seq int64) (*models.Report, error) {
	query := `
		SELECT seq, user_id, latitude, longitude, image_url, city, group_seq, event_id,
		       severity, is_detected, is_grouped, status, created_at
		FROM reports
		WHERE seq = ?
	`

	var r models.Report
	var city sql.NullString
	var groupSeq sql.NullInt64
	var eventID sql.NullString
	err := s.db.QueryRowContext(ctx, query, seq).Scan(
		&r.Seq, &r.UserID, &r.Latitude, &r.Longitude, &r.ImageURL, &city,
		&groupSeq, &eventID, &r.Severity, &r.IsDetected, &r.IsGrouped,
		&r.Status, &r.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get report %d: %w", seq, err)
	}

	r.City = city.String
	if groupSeq.Valid {
		r.GroupSeq = &groupSeq.Int64
	}
	if eventID.Valid {
		r.EventID = &eventID.String
	}
	return &r, nil
}

// FindNearbyRecent returns seqs of reports created inside the time window
// whose location is within radiusM ground meters of (lat, lng).
func (s *ReportStore) FindNearbyRecent(ctx context.Context, lat, lng, radiusM float64, from, to time.Time) ([]int64, error) {
	query := `
		SELECT seq
		FROM reports
		WHERE created_at BETWEEN ? AND ?
		AND ST_Distance_Sphere(geom, ` + geomExpr + `) <= ?
	`

	rows, err := s.db.QueryContext(ctx, query, from, to, lat, lng, radiusM)
	if err != nil {
		return nil, fmt.Errorf("failed to query nearby reports: %w", err)
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("failed to scan nearby report: %w", err)
		}
		seqs = append(seqs, seq)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nearby reports: %w", err)
	}
	return seqs, nil
}

// SetOutcome moves a report into a terminal detection state in one update.
// errMsg is only stored for status 'error'.
func (s *ReportStore) SetOutcome(ctx context.Context, seq int64, status, severity string, detected bool, errMsg string) error {
	var msg interface{}
	if status == models.StatusError && errMsg != "" {
		msg = errMsg
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE reports
		SET status = ?, severity = ?, is_detected = ?, error_message = ?
		WHERE seq = ?
	`, status, severity, detected, msg, seq)
	if err != nil {
		return fmt.Errorf("failed to set outcome for report %d: %w", seq, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get outcome update status: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("report %d does not exist", seq)
	}

	log.Infof("Report %d -> %s (severity=%s)", seq, status, severity)
	return nil
}

// SaveDetection persists one detector run for a report.
func (s *ReportStore) SaveDetection(ctx context.Context, det *models.Detection) (int64, error) {
	objects, err := json.Marshal(det.Objects)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal detected objects: %w", err)
	}
	boxes, err := json.Marshal(det.Boxes)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal boxes: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO detections (report_seq, schema_version, objects, boxes, total_count, severity, confidence_avg, review_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending')
	`, det.ReportSeq, models.DetectionSchemaVersion, objects, boxes, det.TotalCount, det.Severity, det.ConfidenceAvg)
	if err != nil {
		return 0, fmt.Errorf("failed to save detection: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get detection seq: %w", err)
	}
	return seq, nil
}

// GetDetections returns all detector runs for a report, newest first.
func (s *ReportStore) GetDetections(ctx context.Context, reportSeq int64) ([]models.Detection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, report_seq, schema_version, objects, boxes, total_count, severity, confidence_avg, review_status, created_at
		FROM detections
		WHERE report_seq = ?
		ORDER BY seq DESC
	`, reportSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	var dets []models.Detection
	for rows.Next() {
		var d models.Detection
		var objects, boxes []byte
		if err := rows.Scan(&d.Seq, &d.ReportSeq, &d.SchemaVersion, &objects, &boxes,
			&d.TotalCount, &d.Severity, &d.ConfidenceAvg, &d.ReviewStatus, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		if err := json.Unmarshal(objects, &d.Objects); err != nil {
			return nil, fmt.Errorf("failed to unmarshal detected objects: %w", err)
		}
		if err := json.Unmarshal(boxes, &d.Boxes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal boxes: %w", err)
		}
		dets = append(dets, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating detections: %w", err)
	}
	return dets, nil
}

// UpdateLocation replaces a report's coordinates, used when the
// submitted position is missing and EXIF GPS fills it in.
func (s *ReportStore) UpdateLocation(ctx context.Context, seq int64, lat, lng float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reports SET latitude = ?, longitude = ?, geom = `+geomExpr+` WHERE seq = ?
	`, lat, lng, lat, lng, seq)
	if err != nil {
		return fmt.Errorf("failed to update location for report %d: %w", seq, err)
	}
	return nil
}

// SetCity stores the reverse-geocoded city name. Best-effort.
func (s *ReportStore) SetCity(ctx context.Context, seq int64, city string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE reports SET city = ? WHERE seq = ?`, city, seq)
	if err != nil {
		return fmt.Errorf("failed to set city for report %d: %w", seq, err)
	}
	return nil
}

// AssignGroup attaches a single report to a group.
func (s *ReportStore) AssignGroup(ctx context.Context, seq, groupSeq int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reports SET group_seq = ?, is_grouped = TRUE WHERE seq = ?
	`, groupSeq, seq)
	if err != nil {
		return fmt.Errorf("failed to assign report %d to group %d: %w", seq, groupSeq, err)
	}

	log.Infof("Report %d attached to group %d", seq, groupSeq)
	return nil
}

// BulkAssignGroup reassigns a set of reports to a group. Materialization is
// authoritative, so previously grouped reports move too.
func (s *ReportStore) BulkAssignGroup(ctx context.Context, seqs []int64, groupSeq int64) error {
	if len(seqs) == 0 {
		return nil
	}

	query := `UPDATE reports SET group_seq = ?, is_grouped = TRUE WHERE seq IN (?` +
		repeatPlaceholder(len(seqs)-1) + `)`
	args := make([]interface{}, 0, len(seqs)+1)
	args = append(args, groupSeq)
	for _, seq := range seqs {
		args = append(args, seq)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to bulk assign reports to group %d: %w", groupSeq, err)
	}

	rows, _ := result.RowsAffected()
	log.Infof("Assigned %d reports to group %d", rows, groupSeq)
	return nil
}

// ReportPoint is the projection-ready position of one clusterable report.
type ReportPoint struct {
	Seq       int64
	Latitude  float64
	Longitude float64
	Severity  string
}

// UngroupedPoints returns positions of detected reports not yet owned by any
// group. Members of locked groups are grouped by definition, so locked work
// never re-enters clustering.
func (s *ReportStore) UngroupedPoints(ctx context.Context) ([]ReportPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, latitude, longitude, severity
		FROM reports
		WHERE is_grouped = FALSE AND is_detected = TRUE
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ungrouped reports: %w", err)
	}
	defer rows.Close()

	var points []ReportPoint
	for rows.Next() {
		var p ReportPoint
		if err := rows.Scan(&p.Seq, &p.Latitude, &p.Longitude, &p.Severity); err != nil {
			return nil, fmt.Errorf("failed to scan ungrouped report: %w", err)
		}
		points = append(points, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ungrouped reports: %w", err)
	}
	return points, nil
}

func repeatPlaceholder(n int) string {
	var s string
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}
