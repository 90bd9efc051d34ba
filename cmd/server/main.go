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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/parkgate/internal/api/handlers"
	"github.com/langchou/parkgate/internal/api/lpr"
	"github.com/langchou/parkgate/internal/config"
	"github.com/langchou/parkgate/internal/events"
	"github.com/langchou/parkgate/internal/metrics"
	"github.com/langchou/parkgate/internal/models"
	"github.com/langchou/parkgate/internal/repository"
	"github.com/langchou/parkgate/internal/service"
	"github.com/langchou/parkgate/pkg/ws"
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

	logger.Info("Starting Parkgate",
		zap.String("port", cfg.ServerPort),
		zap.String("store", cfg.StoreDriver),
		zap.String("lp_service", cfg.LPServiceURL),
	)

	// 创建 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 打开存储
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer closeStore()

	// Prometheus 指标
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(registry)
	if err != nil {
		logger.Fatal("Failed to register metrics", zap.Error(err))
	}

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)

	// 事件推送：WebSocket + 可选的 AMQP
	fanout := events.NewFanout(logger, m).Add("ws", events.NewWSPublisher(wsHub))
	if cfg.AMQPURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPQueue, logger)
		if err != nil {
			logger.Fatal("Failed to connect AMQP", zap.Error(err))
		}
		defer amqpPub.Close()
		fanout.Add("amqp", amqpPub)
		logger.Info("AMQP event publishing enabled", zap.String("queue", cfg.AMQPQueue))
	}

	// 停车记录服务
	parkingService := service.NewParkingLogService(logger, store,
		service.WithPublisher(fanout),
		service.WithMetrics(m),
	)

	// 新连接推送在场车辆列表
	wsHub.SetInitDataProvider(func() *ws.InitData {
		initCtx, initCancel := context.WithTimeout(ctx, 5*time.Second)
		defer initCancel()

		list, err := parkingService.List(initCtx, models.ParkingLogFilter{Limit: models.MaxLimit})
		if err != nil {
			logger.Warn("Failed to load init data", zap.Error(err))
			return nil
		}
		return &ws.InitData{ParkingLogs: list.ParkingLogs, Total: list.Pagination.Total}
	})
	go wsHub.Run(ctx)

	// 车牌识别网关
	recognizer := lpr.NewClient(cfg.LPServiceURL,
		lpr.WithTimeouts(cfg.LPTimeout, cfg.LPProbeTimeout),
		lpr.WithHealthTTL(cfg.LPHealthCacheTTL),
		lpr.WithSpoolDir(cfg.LPSpoolDir),
		lpr.WithLogger(logger),
		lpr.WithMetrics(m),
	)

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(logger, parkingService, recognizer, wsHub, handlers.Options{
		UploadMaxBytes: cfg.UploadMaxBytes,
	})

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.MaxMultipartMemory = cfg.UploadMaxBytes
	router.Use(gin.Recovery())
	router.Use(handlers.RequestLogger(logger, m))
	router.Use(handlers.CORS(cfg.CORSOrigin))

	// 注册路由
	handler.RegisterRoutes(router)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
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

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// 断开 WebSocket 客户端
	cancel()

	logger.Info("Server exited")
}

// openStore 按配置打开存储，返回关闭函数
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.ParkingLogStore, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMongo:
		connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
		defer connectCancel()

		store, err := repository.NewMongoStore(connectCtx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Connected to MongoDB", zap.String("database", cfg.MongoDatabase))
		return store, func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			if err := store.Close(closeCtx); err != nil {
				logger.Warn("Failed to disconnect MongoDB", zap.Error(err))
			}
		}, nil

	case config.StoreDriverMemory:
		logger.Warn("Using in-memory store, records are lost on restart")
		return repository.NewMemoryStore(), func() {}, nil

	default:
		// 连接数据库
		db, err := repository.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}

		// 执行数据库迁移
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
		logger.Info("Database migrated successfully")
		return repository.NewParkingLogRepository(db), db.Close, nil
	}
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
