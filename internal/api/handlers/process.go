package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/langchou/anprgazer/internal/service"
)

// TriggerProcess 手动触发一次处理
// POST /process
func (h *Handler) TriggerProcess(c *gin.Context) {
	if err := h.deps.Detector.Trigger(); err != nil {
		if errors.Is(err, service.ErrProcessingConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "processing already in progress"})
			return
		}
		if errors.Is(err, service.ErrDetectorStopped) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "detector is shutting down"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "processing started"})
}
