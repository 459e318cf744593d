// Package handlers exposes the HTTP API for reports and groups.
package handlers

import (
	"net/http"
	"strconv"

	"ecocity/database"
	"ecocity/dedup"
	"ecocity/detector"
	"ecocity/grouper"
	"ecocity/models"
	"ecocity/pipeline"
	"ecocity/version"
	"ecocity/websocket"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
)

// Handler bundles the services the HTTP layer calls into.
type Handler struct {
	pipe    *pipeline.Pipeline
	reports *database.ReportStore
	groups  *database.GroupStore
	grp     *grouper.Service
	hub     *websocket.Hub
	fetch   pipeline.Fetcher
}

func NewHandler(pipe *pipeline.Pipeline, reports *database.ReportStore, groups *database.GroupStore, grp *grouper.Service, hub *websocket.Hub, fetch pipeline.Fetcher) *Handler {
	return &Handler{pipe: pipe, reports: reports, groups: groups, grp: grp, hub: hub, fetch: fetch}
}

type submitRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	ImageURL  string  `json:"image_url" binding:"required"`
}

// SubmitReport accepts a new litter report and enqueues detection.
func (h *Handler) SubmitReport(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.Latitude < -90 || req.Latitude > 90 || req.Longitude < -180 || req.Longitude > 180 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "coordinates out of range"})
		return
	}

	userID := c.GetString("user_id")
	seq, err := h.pipe.Submit(c.Request.Context(), userID, req.Latitude, req.Longitude, req.ImageURL)
	if err != nil {
		if dup, ok := err.(*dedup.DuplicateError); ok {
			c.JSON(http.StatusConflict, gin.H{
				"error":           "duplicate report",
				"reason":          dup.Reason,
				"matched_reports": dup.MatchedSeqs,
			})
			return
		}
		log.Errorf("Failed to submit report: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit report"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"seq": seq, "status": models.StatusPending})
}

// GetReport returns one report with its detection history.
func (h *Handler) GetReport(c *gin.Context) {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid report seq"})
		return
	}

	report, err := h.reports.GetReport(c.Request.Context(), seq)
	if err != nil {
		log.Errorf("Failed to get report %d: %v", seq, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get report"})
		return
	}
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}

	detections, err := h.reports.GetDetections(c.Request.Context(), seq)
	if err != nil {
		log.Errorf("Failed to get detections for report %d: %v", seq, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get report"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report, "detections": detections})
}

// GetReportStatus returns just the lifecycle fields of a report.
func (h *Handler) GetReportStatus(c *gin.Context) {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid report seq"})
		return
	}

	report, err := h.reports.GetReport(c.Request.Context(), seq)
	if err != nil {
		log.Errorf("Failed to get report %d: %v", seq, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get report"})
		return
	}
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"seq":      report.Seq,
		"status":   report.Status,
		"severity": report.Severity,
	})
}

// GetAnnotatedImage renders the report's image with its detection boxes
// drawn on top.
func (h *Handler) GetAnnotatedImage(c *gin.Context) {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid report seq"})
		return
	}

	report, err := h.reports.GetReport(c.Request.Context(), seq)
	if err != nil {
		log.Errorf("Failed to get report %d: %v", seq, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get report"})
		return
	}
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}

	detections, err := h.reports.GetDetections(c.Request.Context(), seq)
	if err != nil || len(detections) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no detection for report"})
		return
	}

	imageData, err := h.fetch.Fetch(c.Request.Context(), report.ImageURL)
	if err != nil {
		log.Errorf("Failed to fetch image for report %d: %v", seq, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch report image"})
		return
	}

	latest := detections[len(detections)-1]
	annotated, err := detector.Annotate(imageData, latest.Objects, latest.Boxes)
	if err != nil {
		log.Errorf("Failed to annotate image for report %d: %v", seq, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to annotate image"})
		return
	}

	c.Data(http.StatusOK, "image/jpeg", annotated)
}

// ListGroups returns all litter groups.
func (h *Handler) ListGroups(c *gin.Context) {
	groups, err := h.groups.ListGroups(c.Request.Context())
	if err != nil {
		log.Errorf("Failed to list groups: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list groups"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups, "count": len(groups)})
}

// GetGroup returns a single group.
func (h *Handler) GetGroup(c *gin.Context) {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group seq"})
		return
	}

	group, err := h.groups.GetGroup(c.Request.Context(), seq)
	if err != nil {
		log.Errorf("Failed to get group %d: %v", seq, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get group"})
		return
	}
	if group == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
		return
	}
	c.JSON(http.StatusOK, group)
}

// GetGroupSuggestions clusters ungrouped reports and returns the
// transient suggestions. eps and min_samples query parameters override
// the configured clustering defaults.
func (h *Handler) GetGroupSuggestions(c *gin.Context) {
	eps, _ := strconv.ParseFloat(c.Query("eps"), 64)
	minPts, _ := strconv.Atoi(c.Query("min_samples"))

	suggestions, err := h.grp.SuggestWith(c.Request.Context(), eps, minPts)
	if err != nil {
		log.Errorf("Failed to compute group suggestions: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute suggestions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestions": suggestions, "count": len(suggestions)})
}

type materializeRequest struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Members     []models.ClusterMember `json:"members" binding:"required"`
}

// MaterializeGroup persists a cluster suggestion as a group.
func (h *Handler) MaterializeGroup(c *gin.Context) {
	var req materializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	group, err := h.grp.Materialize(c.Request.Context(), req.Members, req.Name, req.Description)
	if err != nil {
		log.Errorf("Failed to materialize group: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to materialize group"})
		return
	}
	c.JSON(http.StatusCreated, group)
}

type lockRequest struct {
	EventID string `json:"event_id"`
}

// LockGroup freezes a group's membership for a cleanup event.
func (h *Handler) LockGroup(c *gin.Context) {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group seq"})
		return
	}

	var req lockRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	if err := h.groups.Lock(c.Request.Context(), seq, req.EventID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"seq": seq, "locked": true})
}

// ServeWS upgrades to a websocket subscribed to status broadcasts.
func (h *Handler) ServeWS(c *gin.Context) {
	if err := websocket.Serve(h.hub, c.Writer, c.Request); err != nil {
		log.Errorf("WebSocket upgrade failed: %v", err)
	}
}

// HealthCheck reports service liveness.
func (h *Handler) HealthCheck(c *gin.Context) {
	clients, lastSeq := h.hub.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":             "healthy",
		"service":            "ecocity-pipeline",
		"ws_clients":         clients,
		"last_broadcast_seq": lastSeq,
	})
}

// Version reports build information.
func (h *Handler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":    version.Version,
		"build_time": version.BuildTime,
	})
}
