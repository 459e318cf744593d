package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"ecocity/models"

	"github.com/apex/log"
	geojson "github.com/paulmach/go.geojson"
)

// GroupStore manages litter groups.
type GroupStore struct {
	db *sql.DB
}

func NewGroupStore(d *Database) *GroupStore {
	return &GroupStore{db: d.db}
}

// NearestUnlocked finds the closest unlocked group within radiusM ground
// meters of (lat, lng). Returns nil when none qualifies.
func (s *GroupStore) NearestUnlocked(ctx context.Context, lat, lng, radiusM float64) (*models.Group, error) {
	query := `
		SELECT seq, name, description, centroid_lat, centroid_lng, coverage_json,
		       report_count, severity, is_locked, event_id, created_at, updated_at
		FROM litter_groups
		WHERE is_locked = FALSE
		AND ST_Distance_Sphere(geom, ` + geomExpr + `) <= ?
		ORDER BY ST_Distance_Sphere(geom, ` + geomExpr + `)
		LIMIT 1
	`

	row := s.db.QueryRowContext(ctx, query, lat, lng, radiusM, lat, lng)
	g, err := scanGroup(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find nearest group: %w", err)
	}
	return g, nil
}

// GetGroup fetches one group by seq. Returns nil when absent.
func (s *GroupStore) GetGroup(ctx context.Context, seq int64) (*models.Group, error) {
	query := `
		SELECT seq, name, description, centroid_lat, centroid_lng, coverage_json,
		       report_count, severity, is_locked, event_id, created_at, updated_at
		FROM litter_groups
		WHERE seq = ?
	`

	g, err := scanGroup(s.db.QueryRowContext(ctx, query, seq))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get group %d: %w", seq, err)
	}
	return g, nil
}

// ListGroups returns all groups, most recently updated first.
func (s *GroupStore) ListGroups(ctx context.Context) ([]models.Group, error) {
	query := `
		SELECT seq, name, description, centroid_lat, centroid_lng, coverage_json,
		       report_count, severity, is_locked, event_id, created_at, updated_at
		FROM litter_groups
		ORDER BY updated_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []models.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, *g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", err)
	}
	return groups, nil
}

// UpsertByName creates or replaces a group keyed by its name and returns the
// surviving seq. Materializing the same cluster twice updates in place.
func (s *GroupStore) UpsertByName(ctx context.Context, g *models.Group) (int64, error) {
	var coverage interface{}
	if g.Coverage != nil {
		b, err := json.Marshal(g.Coverage)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal group coverage: %w", err)
		}
		coverage = b
	}

	query := `
		INSERT INTO litter_groups (name, description, centroid_lat, centroid_lng, geom, coverage_json, report_count, severity)
		VALUES (?, ?, ?, ?, ` + geomExpr + `, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			description = VALUES(description),
			centroid_lat = VALUES(centroid_lat),
			centroid_lng = VALUES(centroid_lng),
			geom = VALUES(geom),
			coverage_json = VALUES(coverage_json),
			report_count = VALUES(report_count),
			severity = VALUES(severity),
			seq = LAST_INSERT_ID(seq)
	`

	result, err := s.db.ExecContext(ctx, query,
		g.Name, g.Description, g.CentroidLat, g.CentroidLng,
		g.CentroidLat, g.CentroidLng, coverage, g.ReportCount, g.Severity)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert group %q: %w", g.Name, err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get group seq: %w", err)
	}

	log.Infof("Group %q upserted as seq %d (%d reports, severity=%s)", g.Name, seq, g.ReportCount, g.Severity)
	return seq, nil
}

// UpdateStats refreshes an unlocked group's membership stats after an attach.
func (s *GroupStore) UpdateStats(ctx context.Context, seq int64, reportCount int, severity string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE litter_groups SET report_count = ?, severity = ? WHERE seq = ?
	`, reportCount, severity, seq)
	if err != nil {
		return fmt.Errorf("failed to update stats for group %d: %w", seq, err)
	}
	return nil
}

// Lock freezes a group's membership, optionally binding it to a cleanup event.
// Locking an already-locked group is an error.
func (s *GroupStore) Lock(ctx context.Context, seq int64, eventID string) error {
	var eid interface{}
	if eventID != "" {
		eid = eventID
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE litter_groups SET is_locked = TRUE, event_id = ? WHERE seq = ? AND is_locked = FALSE
	`, eid, seq)
	if err != nil {
		return fmt.Errorf("failed to lock group %d: %w", seq, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get lock status for group %d: %w", seq, err)
	}
	if rows == 0 {
		return fmt.Errorf("group %d does not exist or is already locked", seq)
	}

	log.Infof("Group %d locked (event=%s)", seq, eventID)
	return nil
}

// NextClusterName returns the next free "Cluster N" name.
func (s *GroupStore) NextClusterName(ctx context.Context) (string, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM litter_groups WHERE name LIKE 'Cluster %'
	`).Scan(&count)
	if err != nil {
		return "", fmt.Errorf("failed to count cluster groups: %w", err)
	}
	return fmt.Sprintf("Cluster %d", count+1), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGroup(row rowScanner) (*models.Group, error) {
	var g models.Group
	var description sql.NullString
	var coverage []byte
	var eventID sql.NullString
	err := row.Scan(&g.Seq, &g.Name, &description, &g.CentroidLat, &g.CentroidLng,
		&coverage, &g.ReportCount, &g.Severity, &g.IsLocked, &eventID,
		&g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}

	g.Description = description.String
	if eventID.Valid {
		g.EventID = &eventID.String
	}
	if len(coverage) > 0 {
		var geom geojson.Geometry
		if err := json.Unmarshal(coverage, &geom); err != nil {
			return nil, fmt.Errorf("failed to unmarshal group coverage: %w", err)
		}
		g.Coverage = &geom
	}
	return &g, nil
}
