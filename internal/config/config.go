// Package config 配置
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int
	WSPort      int

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisAddr     string
	RedisPassword string

	// 引擎事件输出流
	EventStream       string
	EventStreamMaxLen int64

	// 指数价格 key 前缀，外部行情写入 index:<PAIR>
	IndexKeyPrefix string

	WorkerID int64

	// WebSocket
	AllowedOrigins []string
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: getEnv("SERVICE_NAME", "bullionx-trading"),
		HTTPPort:    getEnvInt("HTTP_PORT", 8080),
		WSPort:      getEnvInt("WS_PORT", 8081),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "bullionx"),
		DBPassword: getEnv("DB_PASSWORD", "bullionx123"),
		DBName:     getEnv("DB_NAME", "bullionx"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		EventStream:       getEnv("EVENT_STREAM", "bullionx:events"),
		EventStreamMaxLen: int64(getEnvInt("EVENT_STREAM_MAXLEN", 100000)),

		IndexKeyPrefix: getEnv("INDEX_KEY_PREFIX", "index:"),

		WorkerID: int64(getEnvInt("WORKER_ID", 1)),

		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "")),
	}
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
