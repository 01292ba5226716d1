package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config fleetd 服务配置
type Config struct {
	HTTP struct {
		Addr string
		// PublicBaseURL 对设备可见的服务地址，用于拼接注册响应里的
		// config_endpoint；为空时只返回路径
		PublicBaseURL string
	}
	DBEnabled    bool
	Database     DatabaseConfig
	RedisEnabled bool
	Redis        RedisConfig
	Log          struct {
		Level  string
		Format string
	}
	MQTT    MQTTConfig
	Sweep   SweepConfig
	Webhook WebhookConfig
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT 日志桥接配置（默认禁用；设备也可走 HTTP 上报日志）
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Username string
	Password string
	// LogTopic 订阅的日志主题，按 fleet/{device_id}/logs 约定带单层通配
	LogTopic string
}

// SweepConfig 周期状态扫描配置
type SweepConfig struct {
	Enabled  bool
	Interval int // 秒
}

// WebhookConfig 设备掉线通知配置（URL 为空时禁用）
type WebhookConfig struct {
	URL     string
	Timeout int // 秒
}

func Load() *Config {
	// 存在 .env 时加载（本地开发）
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")
	cfg.HTTP.PublicBaseURL = getEnv("PUBLIC_BASE_URL", "")

	// 本地开发默认 true：DB 不可用时退回内存仓库，方便 `go run` 直接起服务
	cfg.DBEnabled = getEnv("DB_ENABLED", "true") == "true"
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "fleetd")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = parseInt(getEnv("DB_MAX_CONNS", "20"), 20)
	cfg.Database.MaxIdle = parseInt(getEnv("DB_MAX_IDLE", "5"), 5)

	cfg.RedisEnabled = getEnv("REDIS_ENABLED", "true") == "true"
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	cfg.MQTT.Enabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "fleetd-log-bridge")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.LogTopic = getEnv("MQTT_LOG_TOPIC", "fleet/+/logs")

	cfg.Sweep.Enabled = getEnv("SWEEP_ENABLED", "true") == "true"
	cfg.Sweep.Interval = parseInt(getEnv("SWEEP_INTERVAL", "60"), 60)

	cfg.Webhook.URL = getEnv("WEBHOOK_URL", "")
	cfg.Webhook.Timeout = parseInt(getEnv("WEBHOOK_TIMEOUT", "10"), 10)

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}
