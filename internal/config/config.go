package config

import (
	"fmt"
	"os"
	"runtime"
	"time"
)

// Config 报警流客户端配置
type Config struct {
	// Server 报警服务器连接配置
	Server struct {
		URL                  string        // WebSocket 服务器地址，如 "ws://192.168.0.220:8080"
		ClientName           string        // 标识帧中的客户端名称
		Platform             string        // 标识帧中的平台（默认取 runtime.GOOS）
		Version              string        // 标识帧中的客户端版本
		ConnectTimeout       time.Duration // 建连超时，默认 10 秒
		HeartbeatInterval    time.Duration // 心跳间隔，默认 20 秒
		ReconnectInterval    time.Duration // 重连间隔（固定间隔，非指数退避），默认 5 秒
		MaxReconnectAttempts int           // 最大连续重连次数，超过进入 failed，默认 10
	}

	// Store 本地持久化配置
	Store struct {
		Backend  string // "file" 或 "redis"
		FilePath string // file 后端的存储文件路径
		Redis    struct {
			Addr     string
			Password string
			DB       int
		}
		CacheKey   string // 报警列表的存储键
		MaxEntries int    // 持久化的最大报警条数，默认 50
	}

	// Dedup 去重配置
	Dedup struct {
		ConfidenceDelta float64 // 同一事件的置信度容差，默认 0.05
	}

	// Location 位置解析配置
	Location struct {
		FallbackLatitude  float64 // 解析失败时的兜底纬度
		FallbackLongitude float64 // 解析失败时的兜底经度
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Server.URL = getEnv("ALERT_WS_URL", "ws://localhost:8080")
	cfg.Server.ClientName = getEnv("ALERT_CLIENT_NAME", "app")
	cfg.Server.Platform = getEnv("ALERT_PLATFORM", runtime.GOOS)
	cfg.Server.Version = getEnv("ALERT_CLIENT_VERSION", "1.0.0")
	cfg.Server.ConnectTimeout = getEnvSeconds("ALERT_CONNECT_TIMEOUT", 10)
	cfg.Server.HeartbeatInterval = getEnvSeconds("ALERT_HEARTBEAT_INTERVAL", 20)
	cfg.Server.ReconnectInterval = getEnvSeconds("ALERT_RECONNECT_INTERVAL", 5)
	cfg.Server.MaxReconnectAttempts = getEnvInt("ALERT_MAX_RECONNECT_ATTEMPTS", 10)

	cfg.Store.Backend = getEnv("STORE_BACKEND", "file")
	cfg.Store.FilePath = getEnv("STORE_FILE_PATH", "dracia-alerts.json")
	cfg.Store.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Store.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Store.Redis.DB = getEnvInt("REDIS_DB", 0)
	cfg.Store.CacheKey = getEnv("CACHE_ALERTS_KEY", "dracia:alerts")
	cfg.Store.MaxEntries = getEnvInt("CACHE_MAX_ENTRIES", 50)

	cfg.Dedup.ConfidenceDelta = getEnvFloat("DEDUP_CONFIDENCE_DELTA", 0.05)

	// 默认兜底坐标：San Miguel de Allende 中心
	cfg.Location.FallbackLatitude = getEnvFloat("LOCATION_FALLBACK_LAT", 20.9141)
	cfg.Location.FallbackLongitude = getEnvFloat("LOCATION_FALLBACK_LON", -100.7456)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if cfg.Store.Backend != "file" && cfg.Store.Backend != "redis" {
		return nil, fmt.Errorf("invalid store backend: %s", cfg.Store.Backend)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
