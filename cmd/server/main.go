package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/anprgazer/internal/api/geocoder"
	"github.com/langchou/anprgazer/internal/api/handlers"
	"github.com/langchou/anprgazer/internal/api/runt"
	"github.com/langchou/anprgazer/internal/config"
	"github.com/langchou/anprgazer/internal/metrics"
	"github.com/langchou/anprgazer/internal/repository"
	"github.com/langchou/anprgazer/internal/service"
	"github.com/langchou/anprgazer/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting anprgazer",
		zap.String("port", cfg.ServerPort),
		zap.String("events_file", cfg.EventsFile))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	// 共享变量与补全记录：配置了数据库时使用 Postgres，否则使用内存实现
	var (
		vars     service.VariableStore
		vehicles service.VehicleSink
	)
	if cfg.DatabaseURL != "" {
		db, err := repository.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to connect database", zap.Error(err))
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		logger.Info("Database migrated successfully")

		vars = repository.NewGlobalVariableRepository(db)
		vehicles = repository.NewVehicleRepository(db)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory variables and vehicles")
		vars = repository.NewMemoryVariables(nil)
		vehicles = repository.NewMemoryVehicles()
	}

	// Redis 缓存（可选）
	var cache service.RegistryCache
	if cfg.RedisURL != "" {
		vc, err := service.NewVehicleCache(ctx, cfg.RedisURL, cfg.RedisTTL)
		if err != nil {
			logger.Fatal("Failed to connect redis", zap.Error(err))
		}
		defer vc.Close()
		cache = vc
	}

	// S3 附件镜像（可选）
	var mirror service.ObjectUploader
	if cfg.S3Bucket != "" {
		uploader, err := service.NewS3Uploader(cfg.AWSRegion, cfg.S3Bucket)
		if err != nil {
			logger.Fatal("Failed to create S3 uploader", zap.Error(err))
		}
		mirror = uploader
	}

	signer, err := newSigner(cfg)
	if err != nil {
		logger.Fatal("Failed to create signer", zap.Error(err))
	}

	// RUNT 客户端与密钥管理
	runtClient := runt.NewClient(cfg.RuntAPIURL, cfg.RuntTimeout, cfg.RuntPacing, cfg.RuntForwardedFor)
	keys := service.NewKeyManager(runtClient, signer, vars, cfg.RuntUserID, m, logger)
	dispatcher := service.NewDispatcher(keys, runtClient, cache, m, logger)

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)
	go wsHub.Run()

	store := repository.NewEventStore(cfg.EventsFile)
	assets := service.NewAssetSink(cfg.XMLDir, cfg.ImageDir, cfg.VideoDir, mirror, logger)
	ingest := service.NewIngestService(service.IngestConfig{
		DeviceID:       cfg.DeviceID,
		InfractionCode: cfg.InfractionCode,
		Comments:       cfg.EventComments,
		LocationLabel:  cfg.LocationLabel,
		FallbackFile:   cfg.FallbackFile,
	}, store, assets, service.NewNotifier(cfg.NotifyURL, cfg.NotifyTimeout), wsHub, m, logger)

	var geo service.Geocoder
	if cfg.GeocodeEnabled {
		geo = geocoder.NewClient(geocoder.DefaultBaseURL, logger)
	}
	pipeline := service.NewPipeline(store, dispatcher, vars, vehicles, geo, wsHub, m, logger)

	// 启动变更检测
	detector := service.NewDetector(cfg.EventsFile, service.DetectorConfig{
		Interval: cfg.DetectInterval,
		Settle:   cfg.DetectSettle,
		Backoff:  cfg.DetectBackoff,
	}, pipeline, m, logger)
	if err := detector.Start(ctx); err != nil {
		logger.Fatal("Failed to start detector", zap.Error(err))
	}

	// 新连接先收到检测器状态
	wsHub.SetInitDataProvider(func() interface{} {
		return detector.Status()
	})

	handler := handlers.NewHandler(logger, handlers.Deps{
		Ingest:        ingest,
		Store:         store,
		Detector:      detector,
		Dispatcher:    dispatcher,
		Keys:          keys,
		Vehicles:      vehicles,
		Cache:         cache,
		Metrics:       m,
		Hub:           wsHub,
		FallbackLimit: cfg.QueryFallbackLimit,
		JWTSecret:     cfg.JWTSecret,
	})

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handler)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 停止检测，等待进行中的处理结束
	detector.Stop()
	wsHub.Close()

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// newSigner 按配置创建 RSA 签名器
func newSigner(cfg *config.Config) (runt.Signer, error) {
	switch cfg.SignerMode {
	case config.SignerModeNative:
		return runt.LoadRSASigner(cfg.PrivateKeyPath)
	default:
		return runt.NewExecSigner(cfg.SignerCommand, "", cfg.RuntTimeout)
	}
}
