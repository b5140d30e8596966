package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"sudooom.im.messenger/internal/collab"
	"sudooom.im.messenger/internal/config"
	"sudooom.im.messenger/internal/connection"
	"sudooom.im.messenger/internal/health"
	"sudooom.im.messenger/internal/metrics"
	imNats "sudooom.im.messenger/internal/nats"
	"sudooom.im.messenger/internal/protocol"
	"sudooom.im.messenger/internal/repository"
	"sudooom.im.messenger/internal/server"
	"sudooom.im.messenger/internal/service"
	"sudooom.im.messenger/pkg/jwt"
	"sudooom.im.messenger/pkg/snowflake"
)

func main() {
	// 初始化日志
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(os.Getenv("LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	// 加载配置
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 环境变量优先，其次用配置文件里的级别
	if os.Getenv("LOG_LEVEL") == "" && cfg.App.LogLevel != "" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.App.LogLevel),
		}))
		slog.SetDefault(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Register()

	// 雪花 ID 节点
	idGen, err := snowflake.NewNode(cfg.App.NodeID)
	if err != nil {
		logger.Error("Failed to create snowflake node", "error", err)
		os.Exit(1)
	}

	// 连接 NATS
	natsClient, err := imNats.NewClient(cfg.NATS)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	logger.Info("Connected to NATS", "url", cfg.NATS.URL)

	// 连接 Redis
	redisClient := connectRedis(cfg.Redis)
	defer redisClient.Close()
	logger.Info("Connected to Redis", "host", cfg.Redis.Host)

	// 连接数据库
	db, err := connectDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL", "host", cfg.Database.Host)

	// 仓库层
	convRepo := repository.NewConversationRepository(db)
	msgRepo := repository.NewMessageRepository(db)
	notifRepo := repository.NewNotificationRepository(db)

	// 服务层
	publisher := imNats.NewEventPublisher(natsClient.Conn())
	dispatcher := service.NewDispatcherService(publisher)
	summarySvc := service.NewSummaryService(redisClient)
	notifSvc := service.NewNotificationService(notifRepo, convRepo, dispatcher, idGen)
	directory := collab.NewDirectoryClient(cfg.Collab)
	friends := collab.NewFriendshipClient(cfg.Collab)
	storage := collab.NewStorageClient(cfg.Collab)
	convSvc := service.NewConversationService(convRepo, notifSvc, dispatcher, summarySvc, directory, friends, storage, idGen)
	msgSvc := service.NewMessageService(msgRepo, convRepo, convSvc, summarySvc, dispatcher, idGen)

	// 接入层
	registry := connection.NewRegistry()
	jwtSvc := jwt.NewService(cfg.Auth.TokenSecret, cfg.Auth.TokenExpire)
	gateway := protocol.NewHandler(registry, msgSvc, convSvc, jwtSvc, logger)

	// 订阅事件总线，转发到本节点房间
	subscriber := imNats.NewEventSubscriber(natsClient.Conn(), gateway, imNats.SubscriberConfig{})
	if err := subscriber.Start(ctx); err != nil {
		logger.Error("Failed to start subscriber", "error", err)
		os.Exit(1)
	}

	// 启动健康检查/指标 HTTP 服务
	healthChecker := health.NewChecker(natsClient.Conn(), redisClient, db, registry)
	go startHealthServer(cfg.Server.HealthAddr, healthChecker, logger)

	// 启动 WebTransport 服务器
	srv := server.New(cfg, registry, gateway, logger)
	go func() {
		if err := srv.Start(ctx); err != nil {
			logger.Error("Server stopped", "error", err)
			cancel()
		}
	}()

	logger.Info("Messenger service started", "name", cfg.App.Name, "addr", cfg.Server.Addr)

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	cancel()
	srv.Shutdown()
	subscriber.Stop()
	logger.Info("Messenger service stopped")
}

// startHealthServer 启动健康检查 HTTP 服务
func startHealthServer(addr string, healthChecker *health.Checker, logger *slog.Logger) {
	if addr == "" {
		addr = ":8081"
	}

	mux := http.NewServeMux()
	mux.Handle("/health", healthChecker)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if healthChecker.IsHealthy(r.Context()) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Not Ready"))
		}
	})

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	logger.Info("Health check server started", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Health check server failed", "error", err)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// connectRedis 连接 Redis
func connectRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// connectDatabase 连接 PostgreSQL
func connectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Name,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	return pgxpool.NewWithConfig(ctx, poolConfig)
}
