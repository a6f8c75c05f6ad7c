package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/anprgazer/internal/metrics"
	"github.com/langchou/anprgazer/internal/models"
	"github.com/langchou/anprgazer/internal/repository"
	"github.com/langchou/anprgazer/pkg/ws"
)

// Geocoder 逆地理编码
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lng float64) (*models.Address, error)
}

// Pipeline 一次处理：读取新事件、查询车牌、写入补全记录
type Pipeline struct {
	store      *repository.EventStore
	dispatcher *Dispatcher
	vars       VariableStore
	sink       VehicleSink
	geocoder   Geocoder    // 可为 nil
	hub        Broadcaster // 可为 nil
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewPipeline 创建处理流程
func NewPipeline(
	store *repository.EventStore,
	dispatcher *Dispatcher,
	vars VariableStore,
	sink VehicleSink,
	geocoder Geocoder,
	hub Broadcaster,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		store:      store,
		dispatcher: dispatcher,
		vars:       vars,
		sink:       sink,
		geocoder:   geocoder,
		hub:        hub,
		metrics:    m,
		logger:     logger,
	}
}

// Run 执行一次处理，返回的结果总是可用于展示
func (p *Pipeline) Run(ctx context.Context, source string) (outcome models.ProcessOutcome, err error) {
	start := time.Now()
	outcome = models.ProcessOutcome{Source: source}

	defer func() {
		outcome.Timestamp = time.Now()
		if p.metrics != nil {
			p.metrics.ProcessRuns.WithLabelValues(source, metrics.Result(err)).Inc()
			p.metrics.ProcessDuration.Observe(time.Since(start).Seconds())
		}
		if p.hub != nil {
			p.hub.BroadcastMessage(ws.MsgTypeProcessResult, outcome)
		}
	}()

	events, err := p.store.ReadAll()
	if err != nil {
		outcome.Message = fmt.Sprintf("read events: %v", err)
		return outcome, err
	}

	cursor := p.loadCursor(ctx, len(events))
	pending := events[cursor:]
	if len(pending) == 0 {
		outcome.Message = "no new events"
		return outcome, nil
	}

	byPlate, plates := groupByPlate(pending)
	if len(plates) == 0 {
		p.saveCursor(ctx, len(events))
		outcome.Message = "no plates to query"
		return outcome, nil
	}

	batch, err := p.dispatcher.QueryBatch(ctx, plates)
	if err != nil {
		var be *BatchError
		if errors.As(err, &be) {
			outcome.Message = fmt.Sprintf("key %s failed: %v", be.Step, be.Err)
		} else {
			outcome.Message = err.Error()
		}
		outcome.Failed = len(plates)
		return outcome, err
	}

	for _, res := range batch.Results {
		if !res.Success {
			outcome.Failed++
			continue
		}
		if err := p.sink.Upsert(ctx, p.enrich(ctx, res, byPlate[res.Plate])); err != nil {
			p.logger.Error("Failed to store enriched vehicle", zap.String("plate", res.Plate), zap.Error(err))
			outcome.Failed++
			continue
		}
		outcome.Processed++
	}

	p.saveCursor(ctx, len(events))

	outcome.Message = fmt.Sprintf("processed %d events, %d plates", len(pending), len(plates))
	p.logger.Info("Processing finished",
		zap.String("source", source),
		zap.Int("events", len(pending)),
		zap.Int("processed", outcome.Processed),
		zap.Int("failed", outcome.Failed))
	return outcome, nil
}

// enrich 用最近一次抓拍的元数据构建补全记录
func (p *Pipeline) enrich(ctx context.Context, res models.VehicleQueryResult, events []models.Event) *models.EnrichedVehicle {
	latest := events[len(events)-1]

	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.EventID)
	}

	v := &models.EnrichedVehicle{
		Plate:     res.Plate,
		EventIDs:  ids,
		DeviceID:  latest.DeviceID,
		Date:      latest.Date,
		Latitude:  latest.Latitude,
		Longitude: latest.Longitude,
		Speed:     latest.Speed,
		Registry:  res.Data,
		QueriedAt: time.Now(),
	}

	if p.geocoder != nil {
		lat, latErr := strconv.ParseFloat(strings.TrimSpace(latest.Latitude), 64)
		lng, lngErr := strconv.ParseFloat(strings.TrimSpace(latest.Longitude), 64)
		if latErr == nil && lngErr == nil && (lat != 0 || lng != 0) {
			addr, err := p.geocoder.ReverseGeocode(ctx, lat, lng)
			if err != nil {
				p.logger.Warn("Reverse geocode failed", zap.String("plate", res.Plate), zap.Error(err))
			} else {
				v.Address = addr
			}
		}
	}
	return v
}

// loadCursor 已处理的事件数，日志被截断时从头开始
func (p *Pipeline) loadCursor(ctx context.Context, total int) int {
	value, ok, err := p.vars.Get(ctx, repository.VarProcessedCursor)
	if err != nil {
		p.logger.Warn("Failed to read processed cursor", zap.Error(err))
		return 0
	}
	if !ok {
		return 0
	}
	cursor, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || cursor < 0 || cursor > total {
		p.logger.Warn("Resetting processed cursor", zap.String("value", value), zap.Int("events", total))
		return 0
	}
	return cursor
}

func (p *Pipeline) saveCursor(ctx context.Context, cursor int) {
	if err := p.vars.Set(ctx, repository.VarProcessedCursor, strconv.Itoa(cursor)); err != nil {
		p.logger.Error("Failed to save processed cursor", zap.Error(err))
	}
}

// groupByPlate 按规范化车牌分组，plates 为首次出现的顺序
func groupByPlate(events []models.Event) (map[string][]models.Event, []string) {
	groups := make(map[string][]models.Event)
	var plates []string
	for _, e := range events {
		plate := models.NormalizePlate(e.Plate)
		if plate == "" || models.IsUnknownPlate(plate) {
			continue
		}
		if _, ok := groups[plate]; !ok {
			plates = append(plates, plate)
		}
		groups[plate] = append(groups[plate], e)
	}
	return groups, plates
}
