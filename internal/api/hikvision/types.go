package hikvision

import "encoding/xml"

// EventNotificationAlert 摄像头上报的 ANPR 元数据（去除命名空间后）
type EventNotificationAlert struct {
	XMLName   xml.Name      `xml:"EventNotificationAlert"`
	DateTime  string        `xml:"dateTime"`
	EventType string        `xml:"eventType"`
	ANPR      ANPR          `xml:"ANPR"`
	GPS       DeviceGPSInfo `xml:"DeviceGPSInfo"`
}

// ANPR 车牌识别结果
type ANPR struct {
	LicensePlate string      `xml:"licensePlate"`
	VehicleInfo  VehicleInfo `xml:"vehicleInfo"`
}

// VehicleInfo 车辆信息
type VehicleInfo struct {
	Speed string `xml:"speed"`
}

// DeviceGPSInfo 设备 GPS 信息
type DeviceGPSInfo struct {
	Latitude  Coordinate `xml:"Latitude"`
	Longitude Coordinate `xml:"Longitude"`
}

// Coordinate 坐标（度）
type Coordinate struct {
	Degree string `xml:"degree"`
}

// Notification 解码后的一次摄像头通知
type Notification struct {
	Plate     string
	DateTime  string
	Latitude  string
	Longitude string
	Speed     int

	RawXML []byte            // 原始 XML（未去命名空间）
	Images map[string][]byte // 文件名 -> JPEG
	Video  []byte            // 可能为空
}
