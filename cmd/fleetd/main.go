package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/config"
	"fleetd/internal/consumer"
	"fleetd/internal/database"
	httpapi "fleetd/internal/http"
	"fleetd/internal/logger"
	"fleetd/internal/mqtt"
	"fleetd/internal/repository"
	"fleetd/internal/service"
	"fleetd/internal/store"
	"fleetd/internal/sweeper"
)

func main() {
	cfg := config.Load()

	zlog, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "fleetd")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	zlog.Info("Starting fleetd",
		zap.String("addr", cfg.HTTP.Addr),
		zap.Bool("db_enabled", cfg.DBEnabled),
		zap.Bool("redis_enabled", cfg.RedisEnabled),
		zap.Bool("mqtt_enabled", cfg.MQTT.Enabled),
	)

	// 仓库层：DB 可用走 Postgres，否则退回内存实现（本地联测不依赖外部服务）
	var (
		db            *sql.DB
		devicesRepo   repository.DevicesRepo
		commandsRepo  repository.CommandsRepo
		scriptsRepo   repository.ScriptsRepo
		telemetryRepo repository.TelemetryRepo
	)
	if cfg.DBEnabled {
		if d, err := database.NewPostgresDB(&cfg.Database); err == nil {
			if err := database.Migrate(d, zlog); err != nil {
				zlog.Fatal("Schema migration failed", zap.Error(err))
			}
			db = d
			zlog.Info("DB enabled for fleetd")
		} else {
			zlog.Warn("DB enabled but connection failed, falling back to memory repos", zap.Error(err))
		}
	}
	if db != nil {
		devicesRepo = repository.NewPostgresDevicesRepo(db, zlog)
		commandsRepo = repository.NewPostgresCommandsRepo(db, zlog)
		scriptsRepo = repository.NewPostgresScriptsRepo(db, zlog)
		telemetryRepo = repository.NewPostgresTelemetryRepo(db, zlog)
	} else {
		devicesRepo = repository.NewMemoryDevicesRepo()
		commandsRepo = repository.NewMemoryCommandsRepo()
		scriptsRepo = repository.NewMemoryScriptsRepo()
		telemetryRepo = repository.NewMemoryTelemetryRepo()
	}

	// 实时快照缓存：Redis 不可达时禁用，读路径自动跳过
	var (
		redisClient = store.NewRedisClient(&cfg.Redis)
		cache       *store.RealtimeCache
	)
	if cfg.RedisEnabled {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := store.Ping(pingCtx, redisClient); err == nil {
			cache = store.NewRealtimeCache(redisClient, zlog)
			zlog.Info("Realtime cache enabled")
		} else {
			zlog.Warn("Redis enabled but ping failed, realtime cache disabled", zap.Error(err))
		}
		pingCancel()
	}

	registrationService := service.NewRegistrationService(devicesRepo, scriptsRepo, cache, cfg.HTTP.PublicBaseURL, zlog)
	heartbeatService := service.NewHeartbeatService(devicesRepo, commandsRepo, telemetryRepo, cache, zlog)
	configService := service.NewConfigService(devicesRepo, scriptsRepo, commandsRepo, zlog)
	logService := service.NewLogIngestService(devicesRepo, telemetryRepo, zlog)
	scriptService := service.NewScriptService(devicesRepo, scriptsRepo, zlog)
	commandService := service.NewCommandService(devicesRepo, commandsRepo, zlog)
	deviceAdminService := service.NewDeviceAdminService(devicesRepo, commandsRepo, scriptsRepo, telemetryRepo, cache, zlog)

	fleet := httpapi.NewFleetHandler(registrationService, heartbeatService, configService, logService, scriptService, zlog)
	admin := httpapi.NewAdminAPI(deviceAdminService, commandService, scriptService, zlog)

	router := httpapi.NewRouter(zlog)
	router.RegisterFleetRoutes(fleet)
	router.RegisterAdminRoutes(admin)
	router.RegisterHealthRoutes()

	srv := service.NewServer(cfg.HTTP.Addr, router, zlog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// 周期状态扫描：把超时设备落库为 offline
	if cfg.Sweep.Enabled {
		var notifier sweeper.Notifier
		if cfg.Webhook.URL != "" {
			notifier = service.NewWebhookNotifier(cfg.Webhook.URL, time.Duration(cfg.Webhook.Timeout)*time.Second, zlog)
		}
		sw := sweeper.NewSweeper(time.Duration(cfg.Sweep.Interval)*time.Second, devicesRepo, notifier, zlog)
		go func() {
			if err := sw.Start(ctx); err != nil {
				zlog.Error("Sweeper stopped with error", zap.Error(err))
			}
		}()
	}

	// MQTT 日志桥接：设备也可以走 HTTP 上报，默认禁用
	var (
		mqttClient  *mqtt.Client
		logConsumer *consumer.LogConsumer
	)
	if cfg.MQTT.Enabled {
		if c, err := mqtt.NewClient(&cfg.MQTT, zlog); err == nil {
			mqttClient = c
			logConsumer = consumer.NewLogConsumer(cfg, mqttClient, logService, zlog)
			go func() {
				if err := logConsumer.Start(ctx); err != nil {
					zlog.Error("Log consumer stopped with error", zap.Error(err))
				}
			}()
		} else {
			zlog.Warn("MQTT enabled but connection failed, log bridge disabled", zap.Error(err))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		zlog.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		if err != nil {
			zlog.Error("HTTP server exited", zap.Error(err))
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)

	if logConsumer != nil {
		_ = logConsumer.Stop(shutdownCtx)
	}
	if mqttClient != nil {
		mqttClient.Disconnect()
	}
	_ = redisClient.Close()
	if db != nil {
		_ = db.Close()
	}

	zlog.Info("Service stopped")
}
