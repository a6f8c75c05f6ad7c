package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/langchou/anprgazer/internal/api/runt"
	"github.com/langchou/anprgazer/internal/models"
)

// 错误定义
var (
	ErrProcessingConflict  = errors.New("processing already in progress")
	ErrDetectorStopped     = errors.New("detector stopped")
	ErrKeyGenerationFailed = errors.New("key generation failed")
	ErrKeyValidationFailed = errors.New("key validation failed")
	ErrSigningFailed       = runt.ErrSigningFailed
)

// 握手步骤
const (
	StepGenerate = "generate"
	StepValidate = "validate"
)

// BatchError 批量查询在握手阶段失败
type BatchError struct {
	Step string
	Err  error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch aborted at %s: %v", e.Step, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Authority RUNT 接口
type Authority interface {
	GenerateKey(ctx context.Context, req runt.SignedRequest) (string, error)
	ValidateKey(ctx context.Context, req runt.SignedRequest) error
	QueryVehicle(ctx context.Context, req runt.SignedRequest) (json.RawMessage, error)
}

// VariableStore 共享键值配置
type VariableStore interface {
	Get(ctx context.Context, name string) (string, bool, error)
	Set(ctx context.Context, name, value string) error
}

// VehicleSink 补全记录的下游存储
type VehicleSink interface {
	Upsert(ctx context.Context, v *models.EnrichedVehicle) error
	GetByPlate(ctx context.Context, plate string) (*models.EnrichedVehicle, error)
}

// RegistryCache 车辆登记数据缓存
type RegistryCache interface {
	Get(ctx context.Context, plate string) (json.RawMessage, bool, error)
	Set(ctx context.Context, plate string, data json.RawMessage) error
}

// Broadcaster 实时推送
type Broadcaster interface {
	BroadcastMessage(msgType string, data interface{})
}
