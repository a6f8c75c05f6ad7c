package models

import (
	"strings"
)

// UnknownPlate 摄像头无法识别车牌时上报的占位值
const UnknownPlate = "unknown"

// Event 摄像头抓拍事件（事件日志中的一条记录）
type Event struct {
	EventID         string            `json:"event_id"`
	DeviceID        int               `json:"device_id"`
	Latitude        string            `json:"latitude"`
	Longitude       string            `json:"longitude"`
	LocationAddress string            `json:"location_address"`
	Plate           string            `json:"plate"`
	Date            string            `json:"date"`
	Speed           int               `json:"speed"`
	Comments        string            `json:"comments"`
	InfractionCode  string            `json:"infraction_code"`
	Evidences       map[string]string `json:"evidences"`      // 文件名 -> base64
	VideoFilename   *string           `json:"video_filename"` // 没有视频时为 null
}

// NormalizePlate 去除空白并转为大写
func NormalizePlate(plate string) string {
	return strings.ToUpper(strings.TrimSpace(plate))
}

// IsUnknownPlate 判断是否为无法识别的车牌
func IsUnknownPlate(plate string) bool {
	return strings.EqualFold(strings.TrimSpace(plate), UnknownPlate)
}
