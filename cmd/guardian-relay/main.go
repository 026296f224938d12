package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"guardian-relay/internal/config"
	"guardian-relay/internal/hub"
	"guardian-relay/internal/ingest"
	"guardian-relay/internal/logger"
	"guardian-relay/internal/mirror"
	"guardian-relay/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "guardian-relay")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("starting guardian relay",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_api", cfg.Storage.APIURL),
	)

	registry := prometheus.NewRegistry()

	// 持久化转发器
	storeClient := store.NewClient(
		cfg.Storage.APIURL,
		time.Duration(cfg.Storage.TimeoutSec)*time.Second,
		zapLogger,
	)
	forwarder := store.NewForwarder(
		storeClient,
		cfg.Storage.QueueSize,
		cfg.Storage.Workers,
		zapLogger,
		store.NewForwarderMetrics(registry),
	)
	forwarder.Start()

	// Redis 事件镜像（可选）
	var eventMirror *mirror.StreamMirror
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			zapLogger.Warn("redis unreachable, event mirror disabled", zap.Error(err))
		} else {
			eventMirror = mirror.New(redisClient, cfg.Redis.Stream, zapLogger)
			eventMirror.Start()
		}
		cancel()
	}

	opts := hub.Options{
		Addr:            fmt.Sprintf(":%d", cfg.Server.Port),
		Path:            cfg.Server.Path,
		HistoryCapacity: cfg.History.Capacity,
		ReplayCount:     cfg.History.Replay,
		Logger:          zapLogger,
		Metrics:         hub.NewMetrics(registry),
		Forwarder:       forwarder,
		MetricsHandler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	if eventMirror != nil {
		opts.Mirror = eventMirror
	}
	relay := hub.New(opts)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if err := relay.Start(ctx); err != nil {
		zapLogger.Fatal("failed to start relay hub", zap.Error(err))
	}

	// MQTT 接入桥（可选）
	var bridge *ingest.Bridge
	var mqttClient *ingest.MQTTClient
	if cfg.MQTT.Enabled {
		mqttClient, err = ingest.NewMQTTClient(ingest.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      byte(cfg.MQTT.QoS),
		})
		if err != nil {
			zapLogger.Error("mqtt connection failed, bridge disabled", zap.Error(err))
		} else {
			bridge = ingest.NewBridge(
				mqttClient,
				ingest.Topics{Telemetry: cfg.MQTT.TelemetryTopic, Fall: cfg.MQTT.FallTopic},
				byte(cfg.MQTT.QoS),
				relay,
				zapLogger,
			)
			if err := bridge.Start(ctx); err != nil {
				zapLogger.Error("mqtt bridge failed to start", zap.Error(err))
				bridge = nil
			}
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zapLogger.Info("shutdown signal received", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 先停接入，再停扇出，最后排空下游
	if bridge != nil {
		_ = bridge.Stop(shutdownCtx)
	}
	if mqttClient != nil {
		mqttClient.Disconnect()
	}
	if err := relay.Stop(shutdownCtx); err != nil {
		zapLogger.Error("relay hub shutdown error", zap.Error(err))
	}
	forwarder.Stop()
	if eventMirror != nil {
		eventMirror.Stop()
	}

	zapLogger.Info("guardian relay stopped")
}
