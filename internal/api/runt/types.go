package runt

import (
	"encoding/json"
	"errors"
	"fmt"
)

// 接口路径（相对于 RUNT_API_URL）
const (
	PathGenerateKey  = "/admin/generarLlave"
	PathValidateKey  = "/admin/validarLlave"
	PathQueryVehicle = "/consulta/vehiculos"
)

// 请求头
const (
	HeaderUserID       = "X-Runt-Id-Usuario"
	HeaderSignature    = "X-Runt-Firma"
	HeaderForwardedFor = "X-Forwarded-For"
)

// QueryTypePlate 按车牌查询
const QueryTypePlate = "PLACA"

// keyNotValidatedSignal 上游表示"密钥未验证"的响应片段
const keyNotValidatedSignal = "Debe validar la llave"

// errorSignal 上游在业务失败时响应体中带有的片段
const errorSignal = "Error"

// KeyRequest 申请密钥的请求体
type KeyRequest struct {
	UserID string `json:"idUsuario"`
}

// ValidateRequest 验证密钥的请求体
type ValidateRequest struct {
	UserID string `json:"idUsuario"`
	Key    string `json:"llave"`
}

// QueryRequest 车辆查询请求体
type QueryRequest struct {
	QueryType string `json:"tipoConsulta"`
	Plate     string `json:"noPlaca"`
	Key       string `json:"llave"`
}

// SignedRequest 已序列化并签名的请求
type SignedRequest struct {
	UserID    string
	Body      []byte
	Signature string
}

// 错误定义
var (
	ErrKeyNotValidated   = errors.New("key not validated")
	ErrRejected          = errors.New("request rejected")
	ErrMalformedResponse = errors.New("malformed response")
)

// ResponseError 带上游原始响应的错误
type ResponseError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %v: status=%d body=%s", e.Op, e.Err, e.Status, e.Body)
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

// Marshal 以紧凑 JSON 序列化请求体（签名针对的就是这些字节）
func Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}

// unwrapVehicle 提取 vehiculo 或 vehiculos[0]，否则返回原始内容
func unwrapVehicle(raw json.RawMessage) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	if v, ok := obj["vehiculo"]; ok {
		return v
	}
	if v, ok := obj["vehiculos"]; ok {
		var list []json.RawMessage
		if err := json.Unmarshal(v, &list); err == nil && len(list) > 0 {
			return list[0]
		}
	}
	return raw
}
