package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/anprgazer/internal/models"
	"github.com/langchou/anprgazer/internal/repository"
	"github.com/langchou/anprgazer/internal/service"
)

// 事件日志中有效车牌的最小长度
const minPlateLength = 5

var errPlatesFormat = errors.New("plates must be a string or a list of strings")

// plateQuery POST /api/plates/query 的请求体，plates 可以是字符串或数组
type plateQuery struct {
	Plates json.RawMessage `json:"plates"`
}

// ListPlates 最近的车牌
// GET /api/plates
func (h *Handler) ListPlates(c *gin.Context) {
	plates, err := h.recentPlates()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "plates": plates})
}

// QueryPlates 查询车辆登记信息
// POST /api/plates/query
func (h *Handler) QueryPlates(c *gin.Context) {
	var req plateQuery
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
	}

	plates, err := parsePlates(req.Plates)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	if len(plates) == 0 {
		plates, err = h.recentPlates()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}
	}
	if len(plates) == 0 {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "no plates to query", "vehicles": []models.VehicleQueryResult{}})
		return
	}

	result, err := h.deps.Dispatcher.QueryBatch(c.Request.Context(), plates)
	if err != nil {
		var batchErr *service.BatchError
		step := ""
		if errors.As(err, &batchErr) {
			step = batchErr.Step
		}
		h.logger.Error("Plate batch failed", zap.String("step", step), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"success":  false,
			"error":    err.Error(),
			"step":     step,
			"vehicles": []models.VehicleQueryResult{},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"plates":   result.Plates,
		"vehicles": result.Results,
	})
}

// GetVehicle 读取车辆登记信息，先查缓存再查补全记录
// GET /api/vehicles/:plate
func (h *Handler) GetVehicle(c *gin.Context) {
	plate := models.NormalizePlate(c.Param("plate"))
	ctx := c.Request.Context()

	if h.deps.Cache != nil {
		data, ok, err := h.deps.Cache.Get(ctx, plate)
		if err != nil {
			h.logger.Warn("Cache lookup failed", zap.String("plate", plate), zap.Error(err))
		}
		if ok {
			c.JSON(http.StatusOK, gin.H{"data": gin.H{"plate": plate, "registry": data}, "source": "cache"})
			return
		}
	}

	if h.deps.Vehicles != nil {
		v, err := h.deps.Vehicles.GetByPlate(ctx, plate)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"data": v, "source": "store"})
			return
		}
		if !errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	c.JSON(http.StatusNotFound, gin.H{"error": "Vehicle not found"})
}

// recentPlates 从事件日志取最近的不重复车牌，最新的在前
func (h *Handler) recentPlates() ([]string, error) {
	events, err := h.deps.Store.ReadAll()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	plates := make([]string, 0, h.deps.FallbackLimit)
	for i := len(events) - 1; i >= 0 && len(plates) < h.deps.FallbackLimit; i-- {
		p := models.NormalizePlate(events[i].Plate)
		if len(p) < minPlateLength || models.IsUnknownPlate(p) || seen[p] {
			continue
		}
		seen[p] = true
		plates = append(plates, p)
	}
	return plates, nil
}

// parsePlates 支持 "ABC123"、"ABC123,XYZ999" 和 ["ABC123"] 三种写法
func parsePlates(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return cleanPlates(list), nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, errPlatesFormat
	}
	return cleanPlates(strings.Split(single, ",")), nil
}

func cleanPlates(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p = models.NormalizePlate(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
