package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/langchou/anprgazer/internal/api/runt"
	"github.com/langchou/anprgazer/internal/metrics"
	"github.com/langchou/anprgazer/internal/models"
)

// BatchResult 一批车牌的查询结果，顺序与输入一致
type BatchResult struct {
	Plates  []string                    `json:"plates"`
	Results []models.VehicleQueryResult `json:"vehicles"`
}

// Succeeded 成功数
func (r *BatchResult) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Success {
			n++
		}
	}
	return n
}

// Dispatcher 按顺序查询车牌
// 请求间隔由 runt.Client 的限流器保证
type Dispatcher struct {
	keys      *KeyManager
	authority Authority
	cache     RegistryCache
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewDispatcher 创建查询调度器，cache 可为 nil
func NewDispatcher(keys *KeyManager, authority Authority, cache RegistryCache, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		keys:      keys,
		authority: authority,
		cache:     cache,
		metrics:   m,
		logger:    logger,
	}
}

// QueryBatch 查询一批车牌
// 握手失败时返回 *BatchError 和空结果；单个车牌失败记录在结果中
func (d *Dispatcher) QueryBatch(ctx context.Context, plates []string) (*BatchResult, error) {
	result := &BatchResult{
		Plates:  normalizePlates(plates),
		Results: []models.VehicleQueryResult{},
	}

	if err := d.keys.Ensure(ctx); err != nil {
		step := StepGenerate
		if errors.Is(err, ErrKeyValidationFailed) {
			step = StepValidate
		}
		return result, &BatchError{Step: step, Err: err}
	}

	for _, plate := range result.Plates {
		res := d.queryPlate(ctx, plate)
		if d.metrics != nil {
			label := "success"
			if !res.Success {
				label = "failure"
			}
			d.metrics.PlateQueries.WithLabelValues(label).Inc()
		}
		result.Results = append(result.Results, res)
	}

	d.logger.Info("Batch finished",
		zap.Int("plates", len(result.Plates)),
		zap.Int("succeeded", result.Succeeded()))
	return result, nil
}

// queryPlate 查询单个车牌，密钥未验证时刷新一次并重试
func (d *Dispatcher) queryPlate(ctx context.Context, plate string) models.VehicleQueryResult {
	data, err := d.query(ctx, plate)
	if errors.Is(err, runt.ErrKeyNotValidated) {
		d.logger.Warn("Key not validated by authority, refreshing", zap.String("plate", plate))
		d.keys.Invalidate()
		if rerr := d.keys.Refresh(ctx); rerr != nil {
			return failure(plate, fmt.Errorf("refresh key: %w", rerr))
		}
		data, err = d.query(ctx, plate)
	}
	if err != nil {
		d.logger.Warn("Plate query failed", zap.String("plate", plate), zap.Error(err))
		return failure(plate, err)
	}

	if d.cache != nil {
		if err := d.cache.Set(ctx, plate, data); err != nil {
			d.logger.Warn("Failed to cache registry data", zap.String("plate", plate), zap.Error(err))
		}
	}

	return models.VehicleQueryResult{Plate: plate, Success: true, Data: data}
}

func (d *Dispatcher) query(ctx context.Context, plate string) (json.RawMessage, error) {
	key, userID := d.keys.Key()

	body, err := runt.Marshal(runt.QueryRequest{
		QueryType: runt.QueryTypePlate,
		Plate:     plate,
		Key:       key,
	})
	if err != nil {
		return nil, err
	}

	return d.authority.QueryVehicle(ctx, runt.SignedRequest{
		UserID:    userID,
		Body:      body,
		Signature: runt.SignHMAC(key, body),
	})
}

func failure(plate string, err error) models.VehicleQueryResult {
	res := models.VehicleQueryResult{Plate: plate, Error: err.Error()}
	var re *runt.ResponseError
	if errors.As(err, &re) {
		res.Error = re.Err.Error()
		res.Details = re.Body
	}
	return res
}

// normalizePlates 去空白、转大写，丢弃空值和无法识别的车牌
func normalizePlates(plates []string) []string {
	out := make([]string, 0, len(plates))
	for _, p := range plates {
		p = models.NormalizePlate(p)
		if p == "" || models.IsUnknownPlate(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}
