package database

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"ecocity/models"
)

// FingerprintStore persists perceptual hashes and embeddings per report.
type FingerprintStore struct {
	db *sql.DB
}

func NewFingerprintStore(d *Database) *FingerprintStore {
	return &FingerprintStore{db: d.db}
}

// Insert stores the fingerprint row for a report. The embedding is packed as
// little-endian float32, matching the on-disk index format. Redelivered
// tasks re-run the insert, so an existing row is left untouched; the
// return value reports whether a new row was created.
func (s *FingerprintStore) Insert(ctx context.Context, reportSeq int64, phash string, embedding []float32) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO fingerprints (report_seq, phash, embedding)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE report_seq = report_seq
	`, reportSeq, phash, packFloat32(embedding))
	if err != nil {
		return false, fmt.Errorf("failed to insert fingerprint for report %d: %w", reportSeq, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert fingerprint for report %d: %w", reportSeq, err)
	}
	return affected == 1, nil
}

// RecentHashes returns fingerprints created since the cutoff, for the
// perceptual-hash pass of the dedup gate.
func (s *FingerprintStore) RecentHashes(ctx context.Context, since time.Time) ([]models.Fingerprint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_seq, phash, created_at
		FROM fingerprints
		WHERE created_at >= ?
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent fingerprints: %w", err)
	}
	defer rows.Close()

	var fps []models.Fingerprint
	for rows.Next() {
		var fp models.Fingerprint
		if err := rows.Scan(&fp.ReportSeq, &fp.PHash, &fp.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		fps = append(fps, fp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fingerprints: %w", err)
	}
	return fps, nil
}

// GetEmbedding loads one stored embedding, or nil when the report has none.
func (s *FingerprintStore) GetEmbedding(ctx context.Context, reportSeq int64) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT embedding FROM fingerprints WHERE report_seq = ?
	`, reportSeq).Scan(&blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get embedding for report %d: %w", reportSeq, err)
	}
	return unpackFloat32(blob), nil
}

// AllEmbeddings streams every stored (report, embedding) pair, used to rebuild
// the similarity index from scratch.
func (s *FingerprintStore) AllEmbeddings(ctx context.Context, fn func(reportSeq int64, embedding []float32) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT report_seq, embedding FROM fingerprints ORDER BY report_seq`)
	if err != nil {
		return fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var blob []byte
		if err := rows.Scan(&seq, &blob); err != nil {
			return fmt.Errorf("failed to scan embedding: %w", err)
		}
		if err := fn(seq, unpackFloat32(blob)); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating embeddings: %w", err)
	}
	return nil
}

func packFloat32(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func unpackFloat32(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v
}
