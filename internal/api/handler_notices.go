package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetNotices lists the undismissed operator notices, oldest first.
func (h *Handler) GetNotices(c *gin.Context) {
	if h.notices == nil {
		c.JSON(http.StatusOK, gin.H{"notices": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notices": h.notices.Active()})
}

// DismissNotice removes a notice from the list.
func (h *Handler) DismissNotice(c *gin.Context) {
	if h.notices == nil || !h.notices.Dismiss(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notice not found"})
		return
	}
	c.Status(http.StatusNoContent)
}
