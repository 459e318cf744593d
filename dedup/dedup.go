// Package dedup rejects duplicate litter reports before they enter the
// detection pipeline. Three passes run cheapest first: spatio-temporal
// proximity, perceptual-hash distance, then embedding similarity.
package dedup

import (
	"context"
	"fmt"
	"time"

	"ecocity/models"
	"ecocity/simindex"

	"github.com/apex/log"
)

// Duplicate reasons, cheapest pass first.
const (
	ReasonSpatioTemporal = "spatio-temporal"
	ReasonPHash          = "phash"
	ReasonEmbedding      = "embedding"
)

// DuplicateError reports which pass flagged the duplicate and which
// existing reports it matched.
type DuplicateError struct {
	Reason      string
	MatchedSeqs []int64
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate report (%s match with %v)", e.Reason, e.MatchedSeqs)
}

// IsDuplicate reports whether err is a duplicate rejection.
func IsDuplicate(err error) bool {
	_, ok := err.(*DuplicateError)
	return ok
}

type nearbyFinder interface {
	FindNearbyRecent(ctx context.Context, lat, lng, radiusM float64, from, to time.Time) ([]int64, error)
}

type hashLister interface {
	RecentHashes(ctx context.Context, since time.Time) ([]models.Fingerprint, error)
}

type searcher interface {
	Search(query []float32, k int) ([]simindex.Match, error)
}

// Config holds the gate thresholds.
type Config struct {
	SpatialRadiusM float64
	TemporalWindow time.Duration
	PHashThreshold int
	PHashLookback  time.Duration
	EmbedThreshold float32
	EmbedSearchK   int
}

// Gate runs the deduplication passes.
type Gate struct {
	reports      nearbyFinder
	fingerprints hashLister
	index        searcher
	cfg          Config
}

func NewGate(reports nearbyFinder, fingerprints hashLister, index searcher, cfg Config) *Gate {
	return &Gate{reports: reports, fingerprints: fingerprints, index: index, cfg: cfg}
}

// Check validates a new report against existing ones. It returns a
// *DuplicateError when any pass matches, nil when the report is novel,
// and a plain error when a pass could not run.
func (g *Gate) Check(ctx context.Context, lat, lng float64, at time.Time, phash string, embedding []float32) error {
	if err := g.CheckLocation(ctx, lat, lng, at); err != nil {
		return err
	}
	return g.CheckImage(ctx, 0, at, phash, embedding)
}

// CheckLocation runs the spatio-temporal pass: another report close in
// both space and time flags a duplicate. Run this before the new report
// row exists, or it will match itself.
func (g *Gate) CheckLocation(ctx context.Context, lat, lng float64, at time.Time) error {
	// Reports without a position rely on the image passes alone.
	if lat == 0 && lng == 0 {
		return nil
	}

	from := at.Add(-g.cfg.TemporalWindow)
	to := at.Add(g.cfg.TemporalWindow)
	seqs, err := g.reports.FindNearbyRecent(ctx, lat, lng, g.cfg.SpatialRadiusM, from, to)
	if err != nil {
		return fmt.Errorf("spatio-temporal pass failed: %w", err)
	}
	if len(seqs) > 0 {
		log.Infof("Duplicate by location: %d reports within %.0fm and %s", len(seqs), g.cfg.SpatialRadiusM, g.cfg.TemporalWindow)
		return &DuplicateError{Reason: ReasonSpatioTemporal, MatchedSeqs: seqs}
	}
	return nil
}

// CheckImage runs the content passes over an already fetched image.
// selfSeq names the report being checked so a redelivered task never
// matches the fingerprint it persisted on an earlier attempt; pass 0
// when no report row exists yet.
func (g *Gate) CheckImage(ctx context.Context, selfSeq int64, at time.Time, phash string, embedding []float32) error {
	// Pass 2: a near-identical image hash in the lookback window.
	fps, err := g.fingerprints.RecentHashes(ctx, at.Add(-g.cfg.PHashLookback))
	if err != nil {
		return fmt.Errorf("phash pass failed: %w", err)
	}
	var hashMatches []int64
	for _, fp := range fps {
		if fp.ReportSeq == selfSeq {
			continue
		}
		d, err := HammingDistance(phash, fp.PHash)
		if err != nil {
			log.Warnf("Skipping malformed fingerprint for report %d: %v", fp.ReportSeq, err)
			continue
		}
		if d <= g.cfg.PHashThreshold {
			hashMatches = append(hashMatches, fp.ReportSeq)
		}
	}
	if len(hashMatches) > 0 {
		log.Infof("Duplicate by perceptual hash: %d matches within distance %d", len(hashMatches), g.cfg.PHashThreshold)
		return &DuplicateError{Reason: ReasonPHash, MatchedSeqs: hashMatches}
	}

	// Pass 3: a visually similar embedding among the nearest neighbors.
	matches, err := g.index.Search(embedding, g.cfg.EmbedSearchK)
	if err != nil {
		return fmt.Errorf("embedding pass failed: %w", err)
	}
	var simMatches []int64
	for _, m := range matches {
		if m.ReportSeq == selfSeq {
			continue
		}
		if m.Score >= g.cfg.EmbedThreshold {
			simMatches = append(simMatches, m.ReportSeq)
		}
	}
	if len(simMatches) > 0 {
		log.Infof("Duplicate by embedding: %d matches at similarity >= %.2f", len(simMatches), g.cfg.EmbedThreshold)
		return &DuplicateError{Reason: ReasonEmbedding, MatchedSeqs: simMatches}
	}

	return nil
}
