package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/parkgate/internal/api/lpr"
	"github.com/langchou/parkgate/internal/metrics"
	"github.com/langchou/parkgate/internal/models"
	"github.com/langchou/parkgate/internal/service"
	"github.com/langchou/parkgate/pkg/ws"
)

// ParkingLogService 停车记录服务
type ParkingLogService interface {
	List(ctx context.Context, filter models.ParkingLogFilter) (*models.ParkingLogList, error)
	GetByID(ctx context.Context, id string) (*models.ParkingLog, error)
	CreateEntry(ctx context.Context, in service.EntryInput) (*models.ParkingLog, error)
	Update(ctx context.Context, id string, patch models.ParkingLogPatch) (*models.ParkingLog, error)
	ProcessExit(ctx context.Context, cardID, exitPlate string) (*models.ExitValidation, error)
	DeleteByID(ctx context.Context, id string) (*models.ExitReceipt, error)
	Stats(ctx context.Context, filter models.ParkingLogFilter) (*models.ParkingStats, error)
	Ping(ctx context.Context) error
}

// Recognizer 车牌识别网关
type Recognizer interface {
	Recognize(ctx context.Context, img lpr.Image) (*lpr.Result, error)
	RecognizeCamera(ctx context.Context, cameraID int) (*lpr.Result, error)
	RecognizePiCamera(ctx context.Context) (*lpr.Result, error)
	TestCamera(ctx context.Context) (*lpr.CameraStatus, error)
	Preview(ctx context.Context) (*lpr.Frame, error)
	Health(ctx context.Context) bool
	BaseURL() string
}

// Options 处理器配置
type Options struct {
	UploadMaxBytes int64
}

// Handler HTTP 处理器
type Handler struct {
	logger     *zap.Logger
	service    ParkingLogService
	recognizer Recognizer
	wsHub      *ws.Hub
	opts       Options
	upgrader   websocket.Upgrader
}

// NewHandler 创建处理器，wsHub 可以为 nil
func NewHandler(
	logger *zap.Logger,
	svc ParkingLogService,
	recognizer Recognizer,
	wsHub *ws.Hub,
	opts Options,
) *Handler {
	if opts.UploadMaxBytes <= 0 {
		opts.UploadMaxBytes = 5 << 20
	}
	return &Handler{
		logger:     logger,
		service:    svc,
		recognizer: recognizer,
		wsHub:      wsHub,
		opts:       opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/parking")
	{
		logs := api.Group("/logs")

		// 停车记录
		logs.GET("", h.ListParkingLogs)
		logs.GET("/stats", h.GetStats)
		logs.POST("", h.CreateParkingLog)
		logs.POST("/exit/validate", h.ValidateExit)
		logs.GET("/:id", h.GetParkingLog)
		logs.PUT("/:id", h.UpdateParkingLog)
		logs.DELETE("/:id", h.DeleteParkingLog)

		// 车牌识别
		logs.POST("/recognize", h.RecognizeUpload)
		logs.POST("/recognize/camera", h.RecognizeCamera)
		logs.POST("/recognize/pi-camera", h.RecognizePiCamera)
		logs.GET("/camera/test", h.TestCamera)
		logs.GET("/camera/preview", h.CameraPreview)
		logs.GET("/lp-service/health", h.LPServiceHealth)
	}

	// WebSocket
	if h.wsHub != nil {
		r.GET("/ws", h.HandleWebSocket)
	}

	// 健康检查
	r.GET("/health", h.HealthCheck)
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	if !client.Register() {
		conn.Close()
		return
	}

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if err := h.service.Ping(ctx); err != nil {
		h.logger.Warn("Store ping failed", zap.Error(err))
		status, code = "degraded", http.StatusServiceUnavailable
	}

	clients := 0
	if h.wsHub != nil {
		clients = h.wsHub.ClientCount()
	}

	c.JSON(code, gin.H{
		"status":     status,
		"ws_clients": clients,
		"timestamp":  time.Now().UTC(),
	})
}

// RequestLogger 请求日志与指标中间件
func RequestLogger(logger *zap.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		status := c.Writer.Status()
		m.ObserveHTTP(c.Request.Method, route, status, elapsed)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", elapsed),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", requestID),
		}
		switch {
		case status >= 500:
			logger.Error("HTTP request", fields...)
		case status >= 400:
			logger.Warn("HTTP request", fields...)
		default:
			logger.Info("HTTP request", fields...)
		}
	}
}

// CORS 跨域中间件
func CORS(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
