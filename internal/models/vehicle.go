package models

import (
	"encoding/json"
	"time"
)

// VehicleQueryResult 单个车牌的查询结果
type VehicleQueryResult struct {
	Plate   string          `json:"plate"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Details string          `json:"details,omitempty"` // 上游原始响应，便于排查
}

// EnrichedVehicle 交给下游（渲染/存储）的补全记录
type EnrichedVehicle struct {
	Plate     string          `json:"plate"`
	EventIDs  []string        `json:"event_ids"`
	DeviceID  int             `json:"device_id"`
	Date      string          `json:"date"`
	Latitude  string          `json:"latitude"`
	Longitude string          `json:"longitude"`
	Speed     int             `json:"speed"`
	Address   *Address        `json:"address,omitempty"`
	Registry  json.RawMessage `json:"registry"`
	QueriedAt time.Time       `json:"queried_at"`
}
