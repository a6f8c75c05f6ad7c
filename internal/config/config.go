package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// 签名方式
const (
	SignerModeExec   = "exec"
	SignerModeNative = "native"
)

type Config struct {
	// Server
	ServerPort string `validate:"required,numeric"`
	Debug      bool

	// Database（可选，为空时使用内存变量存储）
	DatabaseURL string

	// 事件日志与附件
	EventsFile   string `validate:"required"`
	XMLDir       string `validate:"required"`
	ImageDir     string `validate:"required"`
	VideoDir     string `validate:"required"`
	FallbackFile string `validate:"required"`

	// 部署相关的事件元数据
	DeviceID       int `validate:"gte=0"`
	InfractionCode string
	EventComments  string
	LocationLabel  string

	// 下游通知（可选）
	NotifyURL     string        `validate:"omitempty,url"`
	NotifyTimeout time.Duration `validate:"gt=0"`

	// 变更检测
	DetectInterval time.Duration `validate:"gt=0"`
	DetectSettle   time.Duration `validate:"gte=0"`
	DetectBackoff  time.Duration `validate:"gt=0"`

	// RUNT 接口
	RuntAPIURL       string `validate:"required,url"`
	RuntUserID       string
	RuntForwardedFor string
	RuntTimeout      time.Duration `validate:"gt=0"`
	RuntPacing       time.Duration `validate:"gte=0"`

	// 签名
	SignerMode     string `validate:"oneof=exec native"`
	SignerCommand  string `validate:"required_if=SignerMode exec"`
	PrivateKeyPath string `validate:"required_if=SignerMode native"`

	// 未指定车牌时从事件日志取最近的车牌数
	QueryFallbackLimit int `validate:"gt=0"`

	// 逆地理编码
	GeocodeEnabled bool

	// Redis 缓存（可选）
	RedisURL string
	RedisTTL time.Duration `validate:"gt=0"`

	// S3 附件镜像（可选）
	S3Bucket  string
	AWSRegion string `validate:"required_with=S3Bucket"`

	// 为空时不启用鉴权
	JWTSecret string
}

func Load() (*Config, error) {
	// 尝试加载 .env 文件（可选）
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:         getEnv("PORT", "8080"),
		Debug:              getEnvBool("DEBUG", false),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		EventsFile:         getEnv("EVENTS_FILE", "/eventos/eventos_consolidados.json"),
		XMLDir:             getEnv("XML_DIR", "/eventos/xmls"),
		ImageDir:           getEnv("IMAGE_DIR", "/eventos/imagenes"),
		VideoDir:           getEnv("VIDEO_DIR", "/eventos/videos"),
		FallbackFile:       getEnv("FALLBACK_FILE", "/eventos/error_evento.raw"),
		DeviceID:           getEnvInt("DEVICE_ID", 88),
		InfractionCode:     getEnv("INFRACTION_CODE", "D04"),
		EventComments:      getEnv("EVENT_COMMENTS", "Red_Light_Running"),
		LocationLabel:      getEnv("LOCATION_LABEL", "Col"),
		NotifyURL:          getEnv("NOTIFY_URL", ""),
		NotifyTimeout:      getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second),
		DetectInterval:     getEnvDuration("DETECT_INTERVAL", time.Second),
		DetectSettle:       getEnvDuration("DETECT_SETTLE", time.Second),
		DetectBackoff:      getEnvDuration("DETECT_BACKOFF", 5*time.Second),
		RuntAPIURL:         getEnv("RUNT_API_URL", "http://10.1.0.4:8080/servicios/runt/api/consultaAseguradora"),
		RuntUserID:         getEnv("RUNT_USER_ID", ""),
		RuntForwardedFor:   getEnv("RUNT_FORWARDED_FOR", ""),
		RuntTimeout:        getEnvDuration("RUNT_TIMEOUT", 30*time.Second),
		RuntPacing:         getEnvDuration("RUNT_PACING", time.Second),
		SignerMode:         getEnv("SIGNER_MODE", SignerModeExec),
		SignerCommand:      getEnv("SIGNER_COMMAND", "node sign.js"),
		PrivateKeyPath:     getEnv("PRIVATE_KEY_PATH", "claveprivada.pkcs8.pem"),
		QueryFallbackLimit: getEnvInt("QUERY_FALLBACK_LIMIT", 10),
		GeocodeEnabled:     getEnvBool("GEOCODE_ENABLED", false),
		RedisURL:           getEnv("REDIS_URL", ""),
		RedisTTL:           getEnvDuration("REDIS_TTL", 30*time.Minute),
		S3Bucket:           getEnv("S3_BUCKET", ""),
		AWSRegion:          getEnv("AWS_REGION", ""),
		JWTSecret:          getEnv("JWT_SECRET", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
