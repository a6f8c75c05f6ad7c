package models

import (
	"database/sql/driver"
	"encoding/json"
)

// Address 结构化地址信息（逆地理编码结果）
type Address struct {
	FormattedAddress string `json:"formatted_address,omitempty"` // 完整格式化地址
	Country          string `json:"country,omitempty"`
	Department       string `json:"department,omitempty"` // 省/州
	City             string `json:"city,omitempty"`
	Suburb           string `json:"suburb,omitempty"`
	Street           string `json:"street,omitempty"`
	Postcode         string `json:"postcode,omitempty"`
}

// Value 实现 driver.Valuer 接口，用于存储到数据库
func (a Address) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan 实现 sql.Scanner 接口，用于从数据库读取
func (a *Address) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, a)
}
