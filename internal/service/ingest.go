package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/langchou/anprgazer/internal/api/hikvision"
	"github.com/langchou/anprgazer/internal/metrics"
	"github.com/langchou/anprgazer/internal/models"
	"github.com/langchou/anprgazer/internal/repository"
	"github.com/langchou/anprgazer/pkg/ws"
)

// IngestConfig 部署相关的事件元数据
type IngestConfig struct {
	DeviceID       int
	InfractionCode string
	Comments       string
	LocationLabel  string
	FallbackFile   string
}

// IngestService 把摄像头通知转换成事件并写入事件日志
type IngestService struct {
	cfg      IngestConfig
	store    *repository.EventStore
	assets   *AssetSink
	notifier *Notifier
	hub      Broadcaster
	metrics  *metrics.Metrics
	logger   *zap.Logger

	fallbackMu sync.Mutex
}

// NewIngestService 创建入库服务，notifier 和 hub 可为 nil
func NewIngestService(
	cfg IngestConfig,
	store *repository.EventStore,
	assets *AssetSink,
	notifier *Notifier,
	hub Broadcaster,
	m *metrics.Metrics,
	logger *zap.Logger,
) *IngestService {
	return &IngestService{
		cfg:      cfg,
		store:    store,
		assets:   assets,
		notifier: notifier,
		hub:      hub,
		metrics:  m,
		logger:   logger,
	}
}

// HandleNotification 处理一次摄像头推送
// 返回的事件为 nil 表示被丢弃；出错时原始请求体已写入 fallback 文件
func (s *IngestService) HandleNotification(ctx context.Context, contentType string, body []byte) (*models.Event, error) {
	n, err := hikvision.Decode(contentType, body)
	if errors.Is(err, hikvision.ErrNoMetadata) {
		s.logger.Warn("Notification without ANPR metadata", zap.Int("bytes", len(body)))
		s.count("no_metadata")
		return nil, nil
	}
	if err != nil {
		s.saveFallback(body)
		s.count("error")
		return nil, err
	}

	if models.IsUnknownPlate(n.Plate) {
		s.logger.Debug("Discarding unknown plate")
		s.count("discarded")
		return nil, nil
	}

	event := s.buildEvent(n)

	if s.assets != nil {
		if err := s.assets.Save(ctx, event.EventID, n); err != nil {
			s.logger.Error("Failed to save event assets", zap.String("event_id", event.EventID), zap.Error(err))
		}
	}

	if err := s.store.Append(*event); err != nil {
		s.saveFallback(body)
		s.count("error")
		return nil, fmt.Errorf("append event: %w", err)
	}

	s.accepted(ctx, event)
	return event, nil
}

// AppendEvent 接收已经规范化的事件（JSON 接口）
// 无法识别的车牌返回 nil, nil
func (s *IngestService) AppendEvent(ctx context.Context, event models.Event) (*models.Event, error) {
	if models.IsUnknownPlate(event.Plate) {
		s.count("discarded")
		return nil, nil
	}

	event.Plate = models.NormalizePlate(event.Plate)
	if event.Plate == "" {
		return nil, fmt.Errorf("%w: empty plate", hikvision.ErrDecode)
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Evidences == nil {
		event.Evidences = map[string]string{}
	}

	if err := s.store.Append(event); err != nil {
		s.count("error")
		return nil, fmt.Errorf("append event: %w", err)
	}

	s.accepted(ctx, &event)
	return &event, nil
}

func (s *IngestService) buildEvent(n *hikvision.Notification) *models.Event {
	id := uuid.NewString()

	evidences := make(map[string]string, len(n.Images))
	for name, data := range n.Images {
		evidences[name] = base64.StdEncoding.EncodeToString(data)
	}

	var video *string
	if len(n.Video) > 0 {
		name := VideoFilename(id)
		video = &name
	}

	date := n.DateTime
	if date == "" {
		date = time.Now().Format(time.RFC3339)
	}

	return &models.Event{
		EventID:         id,
		DeviceID:        s.cfg.DeviceID,
		Latitude:        n.Latitude,
		Longitude:       n.Longitude,
		LocationAddress: s.cfg.LocationLabel,
		Plate:           models.NormalizePlate(n.Plate),
		Date:            date,
		Speed:           n.Speed,
		Comments:        s.cfg.Comments,
		InfractionCode:  s.cfg.InfractionCode,
		Evidences:       evidences,
		VideoFilename:   video,
	}
}

// accepted 入库后的通知与推送
func (s *IngestService) accepted(ctx context.Context, event *models.Event) {
	s.count("stored")
	s.logger.Info("Event stored",
		zap.String("event_id", event.EventID),
		zap.String("plate", event.Plate),
		zap.Int("evidences", len(event.Evidences)))

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, event); err != nil {
			s.logger.Warn("Downstream notification failed", zap.String("event_id", event.EventID), zap.Error(err))
		}
	}

	if s.hub != nil {
		s.hub.BroadcastMessage(ws.MsgTypeEventReceived, ws.EventSummary{
			EventID: event.EventID,
			Plate:   event.Plate,
			Date:    event.Date,
			Speed:   event.Speed,
		})
	}
}

// saveFallback 保存无法处理的原始请求体，便于人工排查
func (s *IngestService) saveFallback(body []byte) {
	if s.cfg.FallbackFile == "" {
		return
	}

	s.fallbackMu.Lock()
	defer s.fallbackMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.cfg.FallbackFile), 0755); err != nil {
		s.logger.Error("Failed to create fallback dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(s.cfg.FallbackFile, body, 0644); err != nil {
		s.logger.Error("Failed to write fallback file", zap.Error(err))
		return
	}
	s.logger.Warn("Raw notification saved", zap.String("path", s.cfg.FallbackFile), zap.Int("bytes", len(body)))
}

func (s *IngestService) count(result string) {
	if s.metrics != nil {
		s.metrics.EventsReceived.WithLabelValues(result).Inc()
	}
}
