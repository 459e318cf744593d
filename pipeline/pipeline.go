// Package pipeline orchestrates the report lifecycle: submission through
// deduplication, detection, grading, and grouping.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"ecocity/database"
	"ecocity/dedup"
	"ecocity/detector"
	"ecocity/embed"
	"ecocity/fetcher"
	"ecocity/geocode"
	"ecocity/grouper"
	"ecocity/metrics"
	"ecocity/models"
	"ecocity/rabbitmq"
	"ecocity/simindex"
	"ecocity/websocket"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/rwcarlsen/goexif/exif"
)

// Publisher is the outbound queue surface the pipeline needs.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, message interface{}) error
}

// Detector runs object detection over image bytes.
type Detector interface {
	Detect(imageData []byte) (*detector.Result, error)
}

// Embedder computes unit-norm image embeddings.
type Embedder interface {
	Embed(imageData []byte) ([]float32, error)
}

// Fetcher downloads report images.
type Fetcher interface {
	Fetch(ctx context.Context, imageURL string) ([]byte, error)
}

// Geocoder resolves coordinates to city names.
type Geocoder interface {
	ReverseCity(ctx context.Context, lat, lng float64) (string, error)
}

// Config holds pipeline routing configuration.
type Config struct {
	DetectRoutingKey string
	StatusRoutingKey string
}

// Pipeline wires the report stages together.
type Pipeline struct {
	cfg Config

	reports      *database.ReportStore
	fingerprints *database.FingerprintStore
	gate         *dedup.Gate
	det          Detector
	emb          Embedder
	fetch        Fetcher
	index        *simindex.Index
	writer       *simindex.Writer
	groups       *grouper.Service
	geocoder     Geocoder
	publisher    Publisher
	hub          *websocket.Hub
}

func New(
	cfg Config,
	reports *database.ReportStore,
	fingerprints *database.FingerprintStore,
	gate *dedup.Gate,
	det Detector,
	emb Embedder,
	fetch Fetcher,
	index *simindex.Index,
	writer *simindex.Writer,
	groups *grouper.Service,
	geocoder Geocoder,
	publisher Publisher,
	hub *websocket.Hub,
) *Pipeline {
	return &Pipeline{
		cfg:          cfg,
		reports:      reports,
		fingerprints: fingerprints,
		gate:         gate,
		det:          det,
		emb:          emb,
		fetch:        fetch,
		index:        index,
		writer:       writer,
		groups:       groups,
		geocoder:     geocoder,
		publisher:    publisher,
		hub:          hub,
	}
}

// Submit accepts a new report. The spatio-temporal dedup pass runs
// synchronously so obvious duplicates are rejected before anything is
// stored; image passes wait for the worker. Returns the new report seq.
func (p *Pipeline) Submit(ctx context.Context, userID string, lat, lng float64, imageURL string) (int64, error) {
	if err := p.gate.CheckLocation(ctx, lat, lng, time.Now()); err != nil {
		if dedup.IsDuplicate(err) {
			metrics.ReportsRejectedTotal.WithLabelValues(dedup.ReasonSpatioTemporal).Inc()
		}
		return 0, err
	}

	seq, err := p.reports.CreateReport(ctx, userID, lat, lng, imageURL)
	if err != nil {
		return 0, err
	}
	metrics.ReportsSubmittedTotal.Inc()

	task := models.DetectTask{
		MessageID: uuid.New().String(),
		ReportSeq: seq,
		ImageURL:  imageURL,
	}
	if err := p.publisher.Publish(ctx, p.cfg.DetectRoutingKey, task); err != nil {
		// Degrade to inline processing so the report is not stranded
		// pending while the broker is down.
		log.Errorf("Failed to enqueue detection for report %d, processing inline: %v", seq, err)
		go func() {
			bg := context.Background()
			if err := p.Process(bg, seq, imageURL); err != nil {
				log.Errorf("Inline processing of report %d failed: %v", seq, err)
				// No broker means no retry; the report must not stay pending.
				if !isPermanent(err) {
					p.failReport(bg, seq, "processing failed")
				}
			}
		}()
	}

	return seq, nil
}

// HandleDetectTask is the subscriber callback for detect deliveries.
func (p *Pipeline) HandleDetectTask(msg *rabbitmq.Message) error {
	var task models.DetectTask
	if err := msg.UnmarshalTo(&task); err != nil {
		return rabbitmq.Permanent(fmt.Errorf("malformed detect task: %w", err))
	}

	ctx := context.Background()
	err := p.Process(ctx, task.ReportSeq, task.ImageURL)
	if err != nil && msg.Redelivered && !isPermanent(err) {
		// The single redelivery is spent; settle the report instead of
		// leaving it pending when the broker drops the message.
		p.failReport(ctx, task.ReportSeq, "processing failed after retry")
		return rabbitmq.Permanent(err)
	}
	return err
}

func isPermanent(err error) bool {
	var perr *rabbitmq.PermanentError
	return errors.As(err, &perr)
}

// Process runs one report through fetch, image dedup, detection, and
// grouping. Returned errors follow the queue contract: Permanent for
// failures a retry cannot fix, plain for transient ones.
func (p *Pipeline) Process(ctx context.Context, reportSeq int64, imageURL string) error {
	startedAt := time.Now()
	defer func() {
		metrics.DetectionDurationSeconds.Observe(time.Since(startedAt).Seconds())
	}()

	report, err := p.reports.GetReport(ctx, reportSeq)
	if err != nil {
		return err
	}
	if report == nil {
		return rabbitmq.Permanent(fmt.Errorf("report %d does not exist", reportSeq))
	}
	if report.Status != models.StatusPending {
		log.Infof("Report %d already %s, skipping", reportSeq, report.Status)
		return nil
	}

	imageData, err := p.fetch.Fetch(ctx, imageURL)
	if err != nil {
		p.failReport(ctx, reportSeq, "image fetch failed")
		return rabbitmq.Permanent(err)
	}

	// A missing position falls back to the photo's EXIF GPS tags.
	if report.Latitude == 0 && report.Longitude == 0 {
		if lat, lng, ok := exifLatLng(imageData); ok {
			if err := p.reports.UpdateLocation(ctx, reportSeq, lat, lng); err != nil {
				return err
			}
			report.Latitude, report.Longitude = lat, lng
			log.Infof("Report %d located at %f,%f from EXIF", reportSeq, lat, lng)
		}
	}

	img, err := detector.DecodeImage(imageData)
	if err != nil {
		p.failReport(ctx, reportSeq, "image decode failed")
		return rabbitmq.Permanent(err)
	}

	phash, err := dedup.ComputePHash(img)
	if err != nil {
		p.failReport(ctx, reportSeq, "fingerprint failed")
		return rabbitmq.Permanent(err)
	}
	embedding, err := p.emb.Embed(imageData)
	if err != nil {
		return p.inferenceFailure(ctx, reportSeq, "embedding failed", err)
	}

	if err := p.gate.CheckImage(ctx, reportSeq, time.Now(), phash, embedding); err != nil {
		dup, ok := err.(*dedup.DuplicateError)
		if !ok {
			return err
		}
		metrics.ReportsRejectedTotal.WithLabelValues(dup.Reason).Inc()
		p.failReport(ctx, reportSeq, dup.Error())
		return rabbitmq.Permanent(dup)
	}

	result, err := p.det.Detect(imageData)
	if err != nil {
		return p.inferenceFailure(ctx, reportSeq, "detection failed", err)
	}

	inserted, err := p.fingerprints.Insert(ctx, reportSeq, phash, embedding)
	if err != nil {
		return err
	}
	// A redelivered task finds its row already there; indexing it again
	// would duplicate the entry.
	if inserted {
		p.writer.Enqueue(reportSeq, embedding)
	}
	metrics.SimilarityIndexSize.Set(float64(p.index.Len()))

	status := models.StatusCompleted
	detected := true
	if result.TotalCount == 0 {
		// An empty result is a client-visible outcome, not a detection.
		status = models.StatusNoLitter
		detected = false
	} else {
		detection := &models.Detection{
			ReportSeq:     reportSeq,
			Objects:       result.Objects,
			Boxes:         result.Boxes,
			TotalCount:    result.TotalCount,
			Severity:      result.Severity,
			ConfidenceAvg: result.ConfidenceAvg,
		}
		if _, err := p.reports.SaveDetection(ctx, detection); err != nil {
			return err
		}
	}
	if err := p.reports.SetOutcome(ctx, reportSeq, status, result.Severity, detected, ""); err != nil {
		return err
	}
	metrics.DetectionsTotal.WithLabelValues(status).Inc()
	p.notify(ctx, reportSeq, status, result.Severity)

	if detected {
		group, err := p.groups.Attach(ctx, reportSeq, report.Latitude, report.Longitude)
		if err != nil {
			log.Errorf("Failed to attach report %d to a group: %v", reportSeq, err)
		} else if group != nil {
			metrics.GroupAttachTotal.Inc()
		}
	}

	go p.fillCity(reportSeq, report.Latitude, report.Longitude)
	return nil
}

// inferenceFailure classifies a model failure. Configuration problems
// (missing model file, unreadable output layout) are terminal at once;
// anything else is transient and gets the broker's one redelivery,
// which HandleDetectTask settles if it also fails.
func (p *Pipeline) inferenceFailure(ctx context.Context, reportSeq int64, stage string, err error) error {
	var cfg *detector.ConfigError
	if errors.As(err, &cfg) {
		p.failReport(ctx, reportSeq, stage)
		return rabbitmq.Permanent(fmt.Errorf("%s for report %d: %w", stage, reportSeq, err))
	}
	return fmt.Errorf("%s for report %d: %w", stage, reportSeq, err)
}

// failReport moves the report to error. Best-effort: the queue error is
// the authoritative outcome.
func (p *Pipeline) failReport(ctx context.Context, reportSeq int64, msg string) {
	if err := p.reports.SetOutcome(ctx, reportSeq, models.StatusError, models.SeverityNone, false, msg); err != nil {
		log.Errorf("Failed to mark report %d as error: %v", reportSeq, err)
	}
	metrics.DetectionsTotal.WithLabelValues(models.StatusError).Inc()
	p.notify(ctx, reportSeq, models.StatusError, models.SeverityNone)
}

// notify fans a status transition out to websocket clients and the
// status routing key.
func (p *Pipeline) notify(ctx context.Context, reportSeq int64, status, severity string) {
	event := models.StatusEvent{
		ReportSeq: reportSeq,
		Status:    status,
		Severity:  severity,
		Timestamp: time.Now(),
	}
	if p.hub != nil {
		p.hub.BroadcastStatus(event)
	}
	if err := p.publisher.Publish(ctx, p.cfg.StatusRoutingKey, event); err != nil {
		log.Warnf("Failed to publish status event for report %d: %v", reportSeq, err)
	}
}

func (p *Pipeline) fillCity(reportSeq int64, lat, lng float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	city, err := p.geocoder.ReverseCity(ctx, lat, lng)
	if err != nil {
		log.Warnf("Geocode failed for report %d: %v", reportSeq, err)
		return
	}
	if city == "" {
		return
	}
	if err := p.reports.SetCity(ctx, reportSeq, city); err != nil {
		log.Warnf("Failed to store city for report %d: %v", reportSeq, err)
	}
}

// exifLatLng extracts GPS coordinates from image EXIF data.
func exifLatLng(imageData []byte) (lat, lng float64, ok bool) {
	x, err := exif.Decode(bytes.NewReader(imageData))
	if err != nil {
		return 0, 0, false
	}
	lat, lng, err = x.LatLong()
	if err != nil {
		return 0, 0, false
	}
	return lat, lng, true
}

// Compile-time wiring checks.
var (
	_ Fetcher  = (*fetcher.Fetcher)(nil)
	_ Geocoder = (*geocode.Client)(nil)
	_ Embedder = (*embed.Service)(nil)
	_ Detector = (*detector.Service)(nil)
)
