package config

import (
	"os"
	"strconv"
)

// Config 中继服务配置
type Config struct {
	Server struct {
		Port int
		Path string
	}

	Storage struct {
		APIURL     string
		TimeoutSec int
		QueueSize  int
		Workers    int
	}

	History struct {
		Capacity int
		Replay   int
	}

	MQTT struct {
		Enabled        bool
		Broker         string
		ClientID       string
		Username       string
		Password       string
		TelemetryTopic string
		FallTopic      string
		QoS            int
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
		Stream   string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置（带默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Server.Port = getEnvInt("WS_PORT", 8080)
	cfg.Server.Path = getEnv("WS_PATH", "/")

	cfg.Storage.APIURL = getEnv("STORAGE_API_URL", "http://localhost:8000/api")
	cfg.Storage.TimeoutSec = getEnvInt("STORAGE_TIMEOUT_SEC", 10)
	cfg.Storage.QueueSize = getEnvInt("STORE_QUEUE_SIZE", 256)
	cfg.Storage.Workers = getEnvInt("STORE_WORKERS", 4)

	cfg.History.Capacity = getEnvInt("HISTORY_CAPACITY", 100)
	cfg.History.Replay = getEnvInt("HISTORY_REPLAY", 10)

	cfg.MQTT.Enabled = getEnvBool("MQTT_ENABLED", false)
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "guardian-relay")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.TelemetryTopic = getEnv("MQTT_TOPIC_TELEMETRY", "guardian/+/telemetry")
	cfg.MQTT.FallTopic = getEnv("MQTT_TOPIC_FALL", "guardian/+/fall")
	cfg.MQTT.QoS = getEnvInt("MQTT_QOS", 1)

	// REDIS_ADDR 为空时禁用事件镜像
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)
	cfg.Redis.Stream = getEnv("REDIS_STREAM", "guardian:events:stream")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

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
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
