package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"sitter-tracking-backend/internal/livefeed"
	"sitter-tracking-backend/internal/model"
	"sitter-tracking-backend/internal/store"
)

// PostWorkerLocation publishes a live fix for a sitter. The body is a location object or null.
// A missing timestamp is set to the time of receipt.
func (h *Handler) PostWorkerLocation(c *gin.Context) {
	if h.publisher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live location channel is not available"})
		return
	}
	raw, err := c.GetRawData()
	if err != nil || len(raw) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	var loc *model.Location
	if string(raw) != "null" {
		var tmp model.Location
		if err := json.Unmarshal(raw, &tmp); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if tmp.Timestamp.IsZero() {
			tmp.Timestamp = h.now()
		}
		loc = &tmp
	}

	if err := h.publisher.Publish(c.Request.Context(), c.Param("id"), loc); err != nil {
		if errors.Is(err, livefeed.ErrInvalidPayload) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}
	c.Status(http.StatusAccepted)
}

type routePointRequest struct {
	Lat       *float64   `json:"lat" binding:"required"`
	Lng       *float64   `json:"lng" binding:"required"`
	Timestamp *time.Time `json:"timestamp"`
	Accuracy  float64    `json:"accuracy" binding:"gte=0"`
	Speed     float64    `json:"speed"`
	Altitude  float64    `json:"altitude"`
}

// PostVisitPoint appends a point to a visit's recorded route and pushes the updated snapshot
// to the engine.
func (h *Handler) PostVisitPoint(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store is not available"})
		return
	}
	var req routePointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	p := model.RoutePoint{Lat: *req.Lat, Lng: *req.Lng, Accuracy: req.Accuracy, Speed: req.Speed, Altitude: req.Altitude}
	if req.Timestamp != nil {
		p.Timestamp = req.Timestamp.UTC()
	} else {
		p.Timestamp = h.now()
	}
	if !p.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "coordinates out of range"})
		return
	}

	snap, err := h.store.AppendRoutePoint(c.Request.Context(), c.Param("id"), p)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "visit not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	if h.tracker != nil {
		h.tracker.UpsertTracking(snap)
	}
	c.JSON(http.StatusCreated, snap)
}
