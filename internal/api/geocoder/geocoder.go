package geocoder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/langchou/anprgazer/internal/models"
)

// DefaultBaseURL Nominatim 公共服务
const DefaultBaseURL = "https://nominatim.openstreetmap.org"

// maxCacheSize 超过后整体清空
const maxCacheSize = 10000

// Client 逆地理编码客户端（Nominatim / OpenStreetMap）
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	// 缓存：避免重复请求相同坐标
	cache   map[string]*models.Address
	cacheMu sync.RWMutex
}

// NewClient 创建逆地理编码客户端，Nominatim 要求每秒最多 1 次请求
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	r := resty.New()
	r.SetBaseURL(strings.TrimRight(baseURL, "/"))
	r.SetTimeout(10 * time.Second)
	// Nominatim 要求设置 User-Agent
	r.SetHeader("User-Agent", "anprgazer/1.0 (ANPR event enrichment)")

	return &Client{
		http:    r,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		logger:  logger,
		cache:   make(map[string]*models.Address),
	}
}

// nominatimResponse Nominatim 逆地理编码响应
type nominatimResponse struct {
	DisplayName string           `json:"display_name"`
	Address     nominatimAddress `json:"address"`
	Error       string           `json:"error"`
}

type nominatimAddress struct {
	Road     string `json:"road"`
	Suburb   string `json:"suburb"`
	City     string `json:"city"`
	Town     string `json:"town"`
	Village  string `json:"village"`
	State    string `json:"state"`
	Country  string `json:"country"`
	Postcode string `json:"postcode"`
}

// ReverseGeocode 根据经纬度获取结构化地址
func (c *Client) ReverseGeocode(ctx context.Context, lat, lng float64) (*models.Address, error) {
	// 精确到小数点后4位，约11米
	cacheKey := fmt.Sprintf("%.4f,%.4f", lat, lng)

	c.cacheMu.RLock()
	if addr, ok := c.cache[cacheKey]; ok {
		c.cacheMu.RUnlock()
		return addr, nil
	}
	c.cacheMu.RUnlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limit: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"lat":             fmt.Sprintf("%.6f", lat),
			"lon":             fmt.Sprintf("%.6f", lng),
			"format":          "json",
			"accept-language": "es",
		}).
		Get("/reverse")
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("nominatim api returned status %d", resp.StatusCode())
	}

	var result nominatimResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("nominatim api error: %s", result.Error)
	}

	// 城市字段可能在 city/town/village 中
	city := result.Address.City
	if city == "" {
		city = result.Address.Town
	}
	if city == "" {
		city = result.Address.Village
	}

	address := &models.Address{
		FormattedAddress: result.DisplayName,
		Country:          result.Address.Country,
		Department:       result.Address.State,
		City:             city,
		Suburb:           result.Address.Suburb,
		Street:           result.Address.Road,
		Postcode:         result.Address.Postcode,
	}

	c.cacheMu.Lock()
	if len(c.cache) >= maxCacheSize {
		c.cache = make(map[string]*models.Address)
	}
	c.cache[cacheKey] = address
	c.cacheMu.Unlock()

	c.logger.Debug("Geocoded via Nominatim",
		zap.Float64("lat", lat),
		zap.Float64("lng", lng),
		zap.String("address", address.FormattedAddress))

	return address, nil
}

// CacheSize 获取缓存大小
func (c *Client) CacheSize() int {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	return len(c.cache)
}
