package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/anprgazer/internal/api/hikvision"
	"github.com/langchou/anprgazer/internal/models"
)

// 单次推送的请求体上限
const maxNotificationBytes = 64 << 20

// ReceiveCameraEvent 接收摄像头推送
// POST /eventos
// 无论处理结果如何都返回 200，避免摄像头重复推送
func (h *Handler) ReceiveCameraEvent(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxNotificationBytes))
	if err != nil {
		h.logger.Error("Failed to read camera notification", zap.Error(err))
		c.String(http.StatusOK, "OK")
		return
	}

	// c.ContentType() 会去掉 boundary 参数，必须用原始请求头
	event, err := h.deps.Ingest.HandleNotification(c.Request.Context(), c.GetHeader("Content-Type"), body)
	switch {
	case err != nil:
		h.logger.Error("Failed to ingest camera notification", zap.Error(err))
	case event != nil:
		h.logger.Info("Event stored",
			zap.String("event_id", event.EventID),
			zap.String("plate", event.Plate))
	}

	c.String(http.StatusOK, "OK")
}

// EventsInfo GET /eventos
func (h *Handler) EventsInfo(c *gin.Context) {
	c.String(http.StatusOK, "endpoint only accepts POST")
}

// CreateEvent 写入已规范化的事件
// POST /api/events
func (h *Handler) CreateEvent(c *gin.Context) {
	var event models.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stored, err := h.deps.Ingest.AppendEvent(c.Request.Context(), event)
	if err != nil {
		if errors.Is(err, hikvision.ErrDecode) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to append event", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if stored == nil {
		c.JSON(http.StatusOK, gin.H{"data": nil, "discarded": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stored})
}
