package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"sitter-tracking-backend/internal/report"
)

var unavailableBody = gin.H{"error": "tracking engine is not available"}

// GetLocations returns the current worker -> location map.
func (h *Handler) GetLocations(c *gin.Context) {
	if h.tracker == nil {
		c.JSON(http.StatusServiceUnavailable, unavailableBody)
		return
	}
	v := h.tracker.View()
	c.JSON(http.StatusOK, gin.H{"locations": v.Locations, "updatedAt": v.UpdatedAt})
}

// GetTracking returns the current visit -> tracking snapshot map.
func (h *Handler) GetTracking(c *gin.Context) {
	if h.tracker == nil {
		c.JSON(http.StatusServiceUnavailable, unavailableBody)
		return
	}
	v := h.tracker.View()
	c.JSON(http.StatusOK, gin.H{"tracking": v.Tracking, "updatedAt": v.UpdatedAt})
}

// GetStats returns the dashboard summary.
func (h *Handler) GetStats(c *gin.Context) {
	if h.tracker == nil {
		c.JSON(http.StatusServiceUnavailable, unavailableBody)
		return
	}
	c.JSON(http.StatusOK, report.Summarize(h.tracker.View(), h.now()))
}

// ExportVisit returns a visit's route as a downloadable JSON document.
func (h *Handler) ExportVisit(c *gin.Context) {
	if h.tracker == nil {
		c.JSON(http.StatusServiceUnavailable, unavailableBody)
		return
	}
	visitID := c.Param("id")
	doc, err := report.ExportVisit(h.tracker.View(), visitID, h.now())
	if err != nil {
		if errors.Is(err, report.ErrUnknownVisit) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="visit-%s-route.json"`, visitID))
	c.JSON(http.StatusOK, doc)
}

type diagnosticsSettings struct {
	FreshnessWindow string  `json:"freshnessWindow"`
	ThrottleWindow  string  `json:"throttleWindow"`
	RemovalGrace    string  `json:"removalGrace"`
	SweepInterval   string  `json:"sweepInterval"`
	RefreshInterval string  `json:"refreshInterval"`
	AutoRefresh     bool    `json:"autoRefresh"`
	MovementEpsilon float64 `json:"movementEpsilon"`
	MapStyle        string  `json:"mapStyle"`
}

// GetDiagnostics dumps the engine state for troubleshooting.
func (h *Handler) GetDiagnostics(c *gin.Context) {
	if h.tracker == nil {
		c.JSON(http.StatusServiceUnavailable, unavailableBody)
		return
	}
	v := h.tracker.View()
	s := h.tracker.Settings()
	c.JSON(http.StatusOK, gin.H{
		"locations":     v.Locations,
		"tracking":      v.Tracking,
		"subscriptions": v.Subscriptions,
		"activeWorkers": v.ActiveWorkers,
		"retained":      v.Retained,
		"surfaceReady":  v.SurfaceReady,
		"markers":       v.Markers,
		"routes":        v.Routes,
		"queuedDraws":   v.QueuedDraws,
		"updatedAt":     v.UpdatedAt,
		"settings": diagnosticsSettings{
			FreshnessWindow: s.FreshnessWindow.String(),
			ThrottleWindow:  s.ThrottleWindow.String(),
			RemovalGrace:    s.RemovalGrace.String(),
			SweepInterval:   s.SweepInterval.String(),
			RefreshInterval: s.RefreshInterval.String(),
			AutoRefresh:     s.AutoRefresh,
			MovementEpsilon: s.Epsilon,
			MapStyle:        s.MapStyle,
		},
	})
}

// PostRefresh queues an explicit refresh. A refresh already waiting absorbs the request.
func (h *Handler) PostRefresh(c *gin.Context) {
	if h.refresher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "feed refresh is not available"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": h.refresher.Trigger()})
}
