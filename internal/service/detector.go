package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/anprgazer/internal/metrics"
	"github.com/langchou/anprgazer/internal/models"
)

// Processor 执行一次处理
type Processor interface {
	Run(ctx context.Context, source string) (models.ProcessOutcome, error)
}

// DetectorConfig 检测参数
type DetectorConfig struct {
	Interval time.Duration // 两次检查的间隔
	Settle   time.Duration // 发现变化后等待写入完成
	Backoff  time.Duration // 检查出错后的等待
}

// DetectorStatus 检测器状态
type DetectorStatus struct {
	Alive       bool                   `json:"monitoring_active"`
	Processing  bool                   `json:"is_processing"`
	BaselineSet bool                   `json:"baseline_set"`
	LastOutcome *models.ProcessOutcome `json:"last_process"`
}

// Detector 轮询事件日志的指纹，文件变化时触发一次处理
// 自动处理与手动触发共用一个 is-processing 标记，同一时间最多一次处理
type Detector struct {
	path    string
	cfg     DetectorConfig
	proc    Processor
	metrics *metrics.Metrics
	logger  *zap.Logger

	processing atomic.Bool

	mu          sync.RWMutex
	baseline    string
	hasBaseline bool
	lastOutcome *models.ProcessOutcome
	running     bool
	stopped     bool // Stop 之后拒绝新的处理，直到再次 Start
	stopCh      chan struct{}
	wg          sync.WaitGroup

	// 处理使用独立的 context，Stop 时取消
	runCtx    context.Context
	runCancel context.CancelFunc
	runWg     sync.WaitGroup
}

// NewDetector 创建检测器
func NewDetector(path string, cfg DetectorConfig, proc Processor, m *metrics.Metrics, logger *zap.Logger) *Detector {
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Detector{
		path:      path,
		cfg:       cfg,
		proc:      proc,
		metrics:   m,
		logger:    logger,
		stopCh:    make(chan struct{}),
		runCtx:    runCtx,
		runCancel: runCancel,
	}
}

// Start 启动检测循环
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		d.logger.Info("Detector already running, skipping start")
		return nil
	}
	d.stopCh = make(chan struct{})
	if d.runCtx.Err() != nil {
		d.runCtx, d.runCancel = context.WithCancel(context.Background())
	}
	d.running = true
	d.stopped = false
	d.wg.Add(1)
	d.mu.Unlock()

	d.logger.Info("Starting change detector",
		zap.String("path", d.path),
		zap.Duration("interval", d.cfg.Interval))

	go d.pollLoop(ctx)
	return nil
}

// Stop 停止检测循环并等待正在进行的处理结束
func (d *Detector) Stop() {
	d.mu.Lock()
	d.stopped = true
	if !d.running {
		cancel := d.runCancel
		d.mu.Unlock()
		cancel()
		d.runWg.Wait()
		return
	}
	d.running = false
	cancel := d.runCancel
	d.mu.Unlock()

	d.logger.Info("Stopping change detector")

	close(d.stopCh)
	cancel()
	d.wg.Wait()
	d.runWg.Wait()
	d.logger.Info("Change detector stopped")
}

// Trigger 手动触发一次处理，在后台执行
// 已有处理进行中时返回 ErrProcessingConflict，Stop 之后返回 ErrDetectorStopped
func (d *Detector) Trigger() error {
	// runWg.Add 与 Stop 中的 runWg.Wait 通过 d.mu 串行
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrDetectorStopped
	}
	if !d.processing.CompareAndSwap(false, true) {
		return ErrProcessingConflict
	}

	ctx := d.runCtx
	d.runWg.Add(1)
	go func() {
		defer d.runWg.Done()
		d.execute(ctx, models.SourceManual)
	}()
	return nil
}

// Status 当前状态
func (d *Detector) Status() DetectorStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var last *models.ProcessOutcome
	if d.lastOutcome != nil {
		o := *d.lastOutcome
		last = &o
	}
	return DetectorStatus{
		Alive:       d.running,
		Processing:  d.processing.Load(),
		BaselineSet: d.hasBaseline,
		LastOutcome: last,
	}
}

// IsProcessing 是否有处理在进行
func (d *Detector) IsProcessing() bool {
	return d.processing.Load()
}

func (d *Detector) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.tick(ctx); err != nil {
				d.logger.Error("Change detection failed", zap.Error(err), zap.Duration("backoff", d.cfg.Backoff))
				if !d.sleep(ctx, d.cfg.Backoff) {
					return
				}
			}
		}
	}
}

// tick 一次检查
func (d *Detector) tick(ctx context.Context) error {
	fp, err := fingerprint(d.path)
	if errors.Is(err, os.ErrNotExist) {
		d.logger.Debug("Event store not found, waiting", zap.String("path", d.path))
		return nil
	}
	if err != nil {
		return err
	}

	d.mu.Lock()
	if !d.hasBaseline {
		d.baseline = fp
		d.hasBaseline = true
		d.mu.Unlock()
		d.logger.Info("Event store baseline recorded", zap.String("fingerprint", fp[:12]))
		return nil
	}
	changed := fp != d.baseline
	d.mu.Unlock()

	// 正在处理时不排队，下一次检查会再次发现变化
	if !changed || d.processing.Load() {
		return nil
	}

	if !d.sleep(ctx, d.cfg.Settle) {
		return nil
	}

	info, err := os.Stat(d.path)
	if err != nil || info.Size() == 0 {
		return nil
	}

	if !d.processing.CompareAndSwap(false, true) {
		return nil
	}

	d.mu.Lock()
	d.baseline = fp
	runCtx := d.runCtx
	d.mu.Unlock()

	d.logger.Info("Event store changed, processing")
	d.runWg.Add(1)
	defer d.runWg.Done()
	d.execute(runCtx, models.SourceSystem)
	return nil
}

// execute 调用方已设置 processing 标记
func (d *Detector) execute(ctx context.Context, source string) {
	defer d.processing.Store(false)

	if d.metrics != nil {
		d.metrics.Processing.Set(1)
		defer d.metrics.Processing.Set(0)
	}

	outcome, err := d.proc.Run(ctx, source)
	if err != nil {
		d.logger.Error("Processing failed", zap.String("source", source), zap.Error(err))
	}

	d.mu.Lock()
	d.lastOutcome = &outcome
	d.mu.Unlock()
}

// sleep 可被停止打断，返回 false 表示已停止
func (d *Detector) sleep(ctx context.Context, dur time.Duration) bool {
	if dur <= 0 {
		return true
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-d.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// fingerprint 文件内容的 SHA-256
func fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash event store: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
