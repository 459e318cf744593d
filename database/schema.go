package database

import (
	"context"
	"fmt"

	"github.com/apex/log"
)

// InitSchema creates the pipeline tables if they don't exist. Boxes and
// detected objects are stored as JSON next to the typed summary columns;
// geography lives in SRID 4326 POINT columns so radius queries run in true
// ground meters via ST_Distance_Sphere.
func InitSchema(ctx context.Context, d *Database) error {
	statements := []struct {
		name  string
		query string
	}{
		{"reports", `
			CREATE TABLE IF NOT EXISTS reports (
				seq BIGINT NOT NULL AUTO_INCREMENT,
				user_id VARCHAR(255) NOT NULL,
				latitude DOUBLE NOT NULL,
				longitude DOUBLE NOT NULL,
				geom POINT NOT NULL SRID 4326,
				image_url VARCHAR(512) NOT NULL,
				city VARCHAR(255),
				group_seq BIGINT,
				event_id VARCHAR(64),
				severity ENUM('none', 'low', 'medium', 'high') NOT NULL DEFAULT 'none',
				is_detected BOOLEAN NOT NULL DEFAULT FALSE,
				is_grouped BOOLEAN NOT NULL DEFAULT FALSE,
				status ENUM('pending', 'completed', 'no-litter', 'error', 'approved') NOT NULL DEFAULT 'pending',
				error_message VARCHAR(1024),
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (seq),
				INDEX user_id_index (user_id),
				INDEX status_index (status),
				INDEX group_seq_index (group_seq),
				INDEX created_at_index (created_at),
				SPATIAL INDEX geom_index (geom)
			)
		`},
		{"detections", `
			CREATE TABLE IF NOT EXISTS detections (
				seq BIGINT NOT NULL AUTO_INCREMENT,
				report_seq BIGINT NOT NULL,
				schema_version INT NOT NULL DEFAULT 1,
				objects JSON NOT NULL,
				boxes JSON NOT NULL,
				total_count INT NOT NULL,
				severity ENUM('none', 'low', 'medium', 'high') NOT NULL,
				confidence_avg DOUBLE NOT NULL,
				review_status ENUM('pending', 'approved', 'rejected') NOT NULL DEFAULT 'pending',
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (seq),
				INDEX report_seq_index (report_seq),
				FOREIGN KEY (report_seq) REFERENCES reports(seq) ON DELETE CASCADE
			)
		`},
		{"fingerprints", `
			CREATE TABLE IF NOT EXISTS fingerprints (
				report_seq BIGINT NOT NULL,
				phash CHAR(16) NOT NULL,
				embedding MEDIUMBLOB NOT NULL,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (report_seq),
				INDEX phash_index (phash),
				FOREIGN KEY (report_seq) REFERENCES reports(seq) ON DELETE CASCADE
			)
		`},
		{"litter_groups", `
			CREATE TABLE IF NOT EXISTS litter_groups (
				seq BIGINT NOT NULL AUTO_INCREMENT,
				name VARCHAR(255) NOT NULL,
				description VARCHAR(1024),
				centroid_lat DOUBLE NOT NULL,
				centroid_lng DOUBLE NOT NULL,
				geom POINT NOT NULL SRID 4326,
				coverage_json JSON,
				report_count INT NOT NULL DEFAULT 0,
				severity ENUM('none', 'low', 'medium', 'high') NOT NULL DEFAULT 'none',
				is_locked BOOLEAN NOT NULL DEFAULT FALSE,
				event_id VARCHAR(64),
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
				PRIMARY KEY (seq),
				UNIQUE INDEX name_unique (name),
				INDEX is_locked_index (is_locked),
				SPATIAL INDEX geom_index (geom)
			)
		`},
	}

	for _, s := range statements {
		if _, err := d.db.ExecContext(ctx, s.query); err != nil {
			return fmt.Errorf("failed to create %s table: %w", s.name, err)
		}
		log.Infof("Table %s ensured", s.name)
	}

	return nil
}
