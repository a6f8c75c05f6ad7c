package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter 创建路由并注册中间件
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:          12 * time.Hour,
	}))

	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// 摄像头推送
	r.POST("/eventos", h.ReceiveCameraEvent)
	r.GET("/eventos", h.EventsInfo)

	// 处理触发需要鉴权
	r.POST("/process", h.authMiddleware(), h.TriggerProcess)

	api := r.Group("/api")
	{
		api.POST("/events", h.CreateEvent)

		// 车牌
		api.GET("/plates", h.ListPlates)
		api.POST("/plates/query", h.authMiddleware(), h.QueryPlates)
		api.GET("/vehicles/:plate", h.GetVehicle)

		// 密钥
		api.GET("/key", h.authMiddleware(), h.GetKeyState)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 指标
	if h.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.deps.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	// 健康检查
	r.GET("/health", h.HealthCheck)
}

// authMiddleware HS256 Bearer 鉴权，未配置密钥时放行
func (h *Handler) authMiddleware() gin.HandlerFunc {
	secret := []byte(h.deps.JWTSecret)
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			h.logger.Warn("Rejected bearer token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		if sub, err := token.Claims.GetSubject(); err == nil && sub != "" {
			c.Set("subject", sub)
		}
		c.Next()
	}
}

// IssueToken 签发 HS256 token，供运维命令使用
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
