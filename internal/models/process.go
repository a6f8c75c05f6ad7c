package models

import "time"

// 处理来源
const (
	SourceSystem = "system"
	SourceManual = "manual"
)

// ProcessOutcome 最近一次处理的结果
type ProcessOutcome struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
	Processed int       `json:"processed"`
	Failed    int       `json:"failed"`
}
