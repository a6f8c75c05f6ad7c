package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/anprgazer/internal/metrics"
	"github.com/langchou/anprgazer/internal/repository"
	"github.com/langchou/anprgazer/internal/service"
	"github.com/langchou/anprgazer/pkg/ws"
)

// Deps 处理器依赖，Cache 可为 nil
type Deps struct {
	Ingest     *service.IngestService
	Store      *repository.EventStore
	Detector   *service.Detector
	Dispatcher *service.Dispatcher
	Keys       *service.KeyManager
	Vehicles   service.VehicleSink
	Cache      service.RegistryCache
	Metrics    *metrics.Metrics
	Hub        *ws.Hub

	// 未指定车牌时取最近的车牌数
	FallbackLimit int
	// 为空时不启用鉴权
	JWTSecret string
}

// Handler HTTP 处理器
type Handler struct {
	logger   *zap.Logger
	deps     Deps
	upgrader websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(logger *zap.Logger, deps Deps) *Handler {
	if deps.FallbackLimit <= 0 {
		deps.FallbackLimit = 10
	}
	return &Handler{
		logger: logger,
		deps:   deps,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 看板与服务不同源
			},
		},
	}
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.deps.Hub, conn)
	client.Register()

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	status := h.deps.Detector.Status()

	wsClients := 0
	if h.deps.Hub != nil {
		wsClients = h.deps.Hub.ClientCount()
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"monitoring_active": status.Alive,
		"last_process":      status.LastOutcome,
		"file_exists":       h.deps.Store.Exists(),
		"file_path":         h.deps.Store.Path(),
		"is_processing":     status.Processing,
		"ws_clients":        wsClients,
		"timestamp":         time.Now().Format(time.RFC3339),
	})
}

// GetKeyState 当前密钥状态（不返回密钥内容）
// GET /api/key
func (h *Handler) GetKeyState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.deps.Keys.State()})
}
