package models

import (
	"time"

	geojson "github.com/paulmach/go.geojson"
)

// DetectionSchemaVersion is stamped into every persisted detection payload so
// future payload changes don't require re-interpreting untyped blobs.
const DetectionSchemaVersion = 1

// Report statuses. A report always ends in a terminal status; "pending" only
// exists between acceptance and the detector finishing.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusNoLitter  = "no-litter"
	StatusError     = "error"
	StatusApproved  = "approved"
)

// Severity levels, ordered.
const (
	SeverityNone   = "none"
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Report is a single user-submitted litter sighting.
type Report struct {
	Seq        int64     `json:"seq"`
	UserID     string    `json:"user_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	ImageURL   string    `json:"image_url"`
	City       string    `json:"city,omitempty"`
	GroupSeq   *int64    `json:"group_seq,omitempty"`
	EventID    *string   `json:"event_id,omitempty"`
	Severity   string    `json:"severity"`
	IsDetected bool      `json:"is_detected"`
	IsGrouped  bool      `json:"is_grouped"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Box is a bounding box in original-image pixel coordinates.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Area returns the box area, clamped to be non-negative.
func (b Box) Area() float64 {
	w := b.X2 - b.X1
	h := b.Y2 - b.Y1
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return w * h
}

// DetectedObject is one recognized litter item.
type DetectedObject struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Detection is the output of one detector run over a report's image.
type Detection struct {
	Seq           int64            `json:"seq"`
	ReportSeq     int64            `json:"report_seq"`
	SchemaVersion int              `json:"schema_version"`
	Objects       []DetectedObject `json:"objects"`
	Boxes         []Box            `json:"boxes"`
	TotalCount    int              `json:"total_count"`
	Severity      string           `json:"severity"`
	ConfidenceAvg float64          `json:"confidence_avg"`
	ReviewStatus  string           `json:"review_status"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Fingerprint is the dedup signature of a report's image. Created once at
// acceptance, immutable thereafter.
type Fingerprint struct {
	ReportSeq int64     `json:"report_seq"`
	PHash     string    `json:"phash"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Group is a named cluster of reports sharing spatial proximity. Once locked
// by a cleanup event its membership never changes.
type Group struct {
	Seq         int64             `json:"seq"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	CentroidLat float64           `json:"centroid_lat"`
	CentroidLng float64           `json:"centroid_lng"`
	Coverage    *geojson.Geometry `json:"coverage,omitempty"`
	ReportCount int               `json:"report_count"`
	Severity    string            `json:"severity"`
	IsLocked    bool              `json:"is_locked"`
	EventID     *string           `json:"event_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ClusterMember is one report inside a cluster suggestion.
type ClusterMember struct {
	Seq       int64   `json:"seq"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Severity  string  `json:"severity"`
}

// ClusterSuggestion is a transient clustering result; it has no lifecycle and
// is regenerated on every suggestion request.
type ClusterSuggestion struct {
	ClusterID   int               `json:"cluster_id"`
	ReportCount int               `json:"report_count"`
	Severity    string            `json:"severity"`
	Hull        *geojson.Geometry `json:"hull"`
	BBox        *geojson.Geometry `json:"bbox"`
	Members     []ClusterMember   `json:"members"`
}

// DetectTask is the queue message asking the worker to run detection on an
// accepted report.
type DetectTask struct {
	MessageID string `json:"message_id"`
	ReportSeq int64  `json:"report_seq"`
	ImageURL  string `json:"image_url"`
}

// StatusEvent is the outbound signal emitted on every report status or
// severity transition.
type StatusEvent struct {
	ReportSeq int64     `json:"report_seq"`
	Status    string    `json:"status"`
	Severity  string    `json:"severity,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
