package dedup

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"ecocity/models"
	"ecocity/simindex"
)

type fakeReports struct {
	seqs []int64
	err  error

	gotLat, gotLng, gotRadius float64
	gotFrom, gotTo            time.Time
}

func (f *fakeReports) FindNearbyRecent(ctx context.Context, lat, lng, radiusM float64, from, to time.Time) ([]int64, error) {
	f.gotLat, f.gotLng, f.gotRadius = lat, lng, radiusM
	f.gotFrom, f.gotTo = from, to
	return f.seqs, f.err
}

type fakeHashes struct {
	fps []models.Fingerprint
	err error
}

func (f *fakeHashes) RecentHashes(ctx context.Context, since time.Time) ([]models.Fingerprint, error) {
	return f.fps, f.err
}

type fakeIndex struct {
	matches []simindex.Match
	err     error
}

func (f *fakeIndex) Search(query []float32, k int) ([]simindex.Match, error) {
	return f.matches, f.err
}

func defaultConfig() Config {
	return Config{
		SpatialRadiusM: 50,
		TemporalWindow: 30 * time.Minute,
		PHashThreshold: 8,
		PHashLookback:  7 * 24 * time.Hour,
		EmbedThreshold: 0.90,
		EmbedSearchK:   5,
	}
}

func TestCheckSpatioTemporalDuplicate(t *testing.T) {
	// Two reports a street apart within minutes: about 11 meters between
	// (12.9716, 77.5946) and (12.9716, 77.5947).
	reports := &fakeReports{seqs: []int64{7}}
	gate := NewGate(reports, &fakeHashes{}, &fakeIndex{}, defaultConfig())

	at := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	err := gate.Check(context.Background(), 12.9716, 77.5947, at, "0000000000000000", []float32{1})

	var dup *DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if dup.Reason != ReasonSpatioTemporal {
		t.Errorf("expected reason %s, got %s", ReasonSpatioTemporal, dup.Reason)
	}
	if len(dup.MatchedSeqs) != 1 || dup.MatchedSeqs[0] != 7 {
		t.Errorf("expected matched seq 7, got %v", dup.MatchedSeqs)
	}

	if reports.gotRadius != 50 {
		t.Errorf("expected 50m radius, got %f", reports.gotRadius)
	}
	if !reports.gotFrom.Equal(at.Add(-30*time.Minute)) || !reports.gotTo.Equal(at.Add(30*time.Minute)) {
		t.Errorf("expected +/-30min window, got %v .. %v", reports.gotFrom, reports.gotTo)
	}
}

func TestCheckLocationSkippedWithoutCoordinates(t *testing.T) {
	// A spatial match exists, but a report with no position never
	// reaches the spatio-temporal pass.
	reports := &fakeReports{seqs: []int64{7}}
	gate := NewGate(reports, &fakeHashes{}, &fakeIndex{}, defaultConfig())

	at := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	if err := gate.CheckLocation(context.Background(), 0, 0, at); err != nil {
		t.Fatalf("expected no rejection, got %v", err)
	}
}

func TestCheckPHashDuplicate(t *testing.T) {
	// ff00... vs fff0... differ in 4 bits, inside the threshold of 8.
	hashes := &fakeHashes{fps: []models.Fingerprint{
		{ReportSeq: 3, PHash: "ff00000000000000"},
		{ReportSeq: 4, PHash: "00000000000000ff"}, // 16 bits away, no match
	}}
	gate := NewGate(&fakeReports{}, hashes, &fakeIndex{}, defaultConfig())

	err := gate.Check(context.Background(), 0, 0, time.Now(), "fff0000000000000", []float32{1})

	var dup *DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if dup.Reason != ReasonPHash {
		t.Errorf("expected reason %s, got %s", ReasonPHash, dup.Reason)
	}
	if len(dup.MatchedSeqs) != 1 || dup.MatchedSeqs[0] != 3 {
		t.Errorf("expected matched seq 3, got %v", dup.MatchedSeqs)
	}
}

func TestCheckEmbeddingDuplicate(t *testing.T) {
	idx := &fakeIndex{matches: []simindex.Match{
		{ReportSeq: 9, Score: 0.97},
		{ReportSeq: 2, Score: 0.42},
	}}
	gate := NewGate(&fakeReports{}, &fakeHashes{}, idx, defaultConfig())

	err := gate.Check(context.Background(), 0, 0, time.Now(), "0000000000000000", []float32{1})

	var dup *DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if dup.Reason != ReasonEmbedding {
		t.Errorf("expected reason %s, got %s", ReasonEmbedding, dup.Reason)
	}
	if len(dup.MatchedSeqs) != 1 || dup.MatchedSeqs[0] != 9 {
		t.Errorf("expected matched seq 9, got %v", dup.MatchedSeqs)
	}
}

func TestDuplicateReasonsAreStable(t *testing.T) {
	// Clients key their dedup UX off these exact strings.
	if ReasonSpatioTemporal != "spatio-temporal" || ReasonPHash != "phash" || ReasonEmbedding != "embedding" {
		t.Errorf("rejection reasons changed: %q %q %q",
			ReasonSpatioTemporal, ReasonPHash, ReasonEmbedding)
	}
}

func TestCheckImageSkipsOwnFingerprint(t *testing.T) {
	// A redelivered task sees the fingerprint its first attempt stored:
	// an identical hash and a perfect embedding match under its own seq.
	hashes := &fakeHashes{fps: []models.Fingerprint{
		{ReportSeq: 7, PHash: "c3a1f0e855aa0f3c"},
	}}
	idx := &fakeIndex{matches: []simindex.Match{{ReportSeq: 7, Score: 1.0}}}
	gate := NewGate(&fakeReports{}, hashes, idx, defaultConfig())

	err := gate.CheckImage(context.Background(), 7, time.Now(), "c3a1f0e855aa0f3c", []float32{1})
	if err != nil {
		t.Fatalf("a report must not be its own duplicate, got %v", err)
	}

	// The same matches under a different seq still reject.
	err = gate.CheckImage(context.Background(), 8, time.Now(), "c3a1f0e855aa0f3c", []float32{1})
	if !IsDuplicate(err) {
		t.Fatalf("expected duplicate for another report, got %v", err)
	}
}

func TestCheckNovelReport(t *testing.T) {
	idx := &fakeIndex{matches: []simindex.Match{{ReportSeq: 2, Score: 0.6}}}
	gate := NewGate(&fakeReports{}, &fakeHashes{fps: []models.Fingerprint{
		{ReportSeq: 1, PHash: "ffffffffffffffff"},
	}}, idx, defaultConfig())

	err := gate.Check(context.Background(), 12.9716, 77.5946, time.Now(), "0000000000000000", []float32{1})
	if err != nil {
		t.Fatalf("expected novel report, got %v", err)
	}
}

func TestCheckPassErrorIsNotDuplicate(t *testing.T) {
	gate := NewGate(&fakeReports{err: errors.New("db down")}, &fakeHashes{}, &fakeIndex{}, defaultConfig())

	err := gate.Check(context.Background(), 0, 0, time.Now(), "0000000000000000", []float32{1})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsDuplicate(err) {
		t.Error("infrastructure failure must not read as duplicate")
	}
}

func TestCheckSkipsMalformedHash(t *testing.T) {
	hashes := &fakeHashes{fps: []models.Fingerprint{
		{ReportSeq: 1, PHash: "not-hex"},
	}}
	gate := NewGate(&fakeReports{}, hashes, &fakeIndex{}, defaultConfig())

	if err := gate.Check(context.Background(), 0, 0, time.Now(), "0000000000000000", []float32{1}); err != nil {
		t.Fatalf("malformed stored hash should be skipped, got %v", err)
	}
}

func TestComputePHashStable(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}

	h1, err := ComputePHash(img)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	h2, err := ComputePHash(img)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash not deterministic: %s vs %s", h1, h2)
	}
	if len(h1) != 16 {
		t.Errorf("expected 16 hex digits, got %q", h1)
	}

	d, err := HammingDistance(h1, h2)
	if err != nil {
		t.Fatalf("distance: %v", err)
	}
	if d != 0 {
		t.Errorf("identical hashes should be distance 0, got %d", d)
	}
}

func TestHammingDistance(t *testing.T) {
	d, err := HammingDistance("ffffffffffffffff", "0000000000000000")
	if err != nil {
		t.Fatalf("distance: %v", err)
	}
	if d != 64 {
		t.Errorf("expected 64, got %d", d)
	}

	if _, err := HammingDistance("xyz", "0000000000000000"); err == nil {
		t.Error("expected error for malformed hash")
	}
}
