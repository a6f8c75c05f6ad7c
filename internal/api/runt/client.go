package runt

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// Client RUNT 车辆登记接口客户端
// 所有请求共享一个限流器，上游要求大约每秒一次请求
type Client struct {
	http         *resty.Client
	limiter      *rate.Limiter
	forwardedFor string
}

// NewClient 创建客户端，pacing 为两次请求之间的最小间隔（0 表示不限流）
func NewClient(baseURL string, timeout, pacing time.Duration, forwardedFor string) *Client {
	r := resty.New()
	r.SetBaseURL(strings.TrimRight(baseURL, "/"))
	r.SetTimeout(timeout)
	r.SetHeader("Content-Type", "application/json")

	limit := rate.Inf
	if pacing > 0 {
		limit = rate.Every(pacing)
	}

	return &Client{
		http:         r,
		limiter:      rate.NewLimiter(limit, 1),
		forwardedFor: forwardedFor,
	}
}

// GenerateKey 申请新的 HMAC 密钥，返回密钥内容
func (c *Client) GenerateKey(ctx context.Context, req SignedRequest) (string, error) {
	status, body, err := c.post(ctx, PathGenerateKey, req)
	if err != nil {
		return "", fmt.Errorf("generate key request: %w", err)
	}

	key := strings.TrimSpace(body)
	if !isSuccess(status) || key == "" || strings.Contains(key, errorSignal) {
		return "", &ResponseError{Op: "generate key", Status: status, Body: body, Err: ErrRejected}
	}
	return key, nil
}

// ValidateKey 验证密钥
func (c *Client) ValidateKey(ctx context.Context, req SignedRequest) error {
	status, body, err := c.post(ctx, PathValidateKey, req)
	if err != nil {
		return fmt.Errorf("validate key request: %w", err)
	}

	if !isSuccess(status) || strings.Contains(body, errorSignal) {
		return &ResponseError{Op: "validate key", Status: status, Body: body, Err: ErrRejected}
	}
	return nil
}

// QueryVehicle 按车牌查询车辆，返回上游的车辆数据
func (c *Client) QueryVehicle(ctx context.Context, req SignedRequest) (json.RawMessage, error) {
	status, body, err := c.post(ctx, PathQueryVehicle, req)
	if err != nil {
		return nil, fmt.Errorf("query vehicle request: %w", err)
	}
	return parseVehicleResponse(status, body)
}

// post 发送已签名的请求
func (c *Client) post(ctx context.Context, path string, req SignedRequest) (int, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, "", fmt.Errorf("wait for pacing: %w", err)
	}

	r := c.http.R().
		SetContext(ctx).
		SetHeader(HeaderUserID, req.UserID).
		SetHeader(HeaderSignature, req.Signature)
	if len(req.Body) > 0 {
		r.SetBody(req.Body)
	}
	if c.forwardedFor != "" {
		r.SetHeader(HeaderForwardedFor, c.forwardedFor)
	}

	resp, err := r.Post(path)
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode(), resp.String(), nil
}

// parseVehicleResponse 解析车辆查询响应
func parseVehicleResponse(status int, body string) (json.RawMessage, error) {
	if strings.Contains(body, keyNotValidatedSignal) {
		return nil, &ResponseError{Op: "query vehicle", Status: status, Body: body, Err: ErrKeyNotValidated}
	}
	if !isSuccess(status) || strings.Contains(body, errorSignal) {
		return nil, &ResponseError{Op: "query vehicle", Status: status, Body: body, Err: ErrRejected}
	}

	raw := json.RawMessage(strings.TrimSpace(body))
	if len(raw) == 0 || !json.Valid(raw) {
		return nil, &ResponseError{Op: "query vehicle", Status: status, Body: body, Err: ErrMalformedResponse}
	}
	return unwrapVehicle(raw), nil
}

// SignHMAC 用密钥对请求体做 HMAC-SHA256，返回 base64
// 密钥本身是 base64 编码的，无法解码时直接使用原始字节
func SignHMAC(key string, payload []byte) string {
	secret, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		secret = []byte(key)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
