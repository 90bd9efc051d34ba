package handlers

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/parkgate/internal/api/lpr"
	"github.com/langchou/parkgate/internal/service"
)

// 允许上传的图片类型
var (
	allowedExts = map[string]bool{
		".jpg":  true,
		".jpeg": true,
		".png":  true,
		".bmp":  true,
	}
	allowedMimes = map[string]bool{
		"image/jpeg":     true,
		"image/jpg":      true,
		"image/png":      true,
		"image/bmp":      true,
		"image/x-ms-bmp": true,
	}
)

// cameraRequest 摄像头识别请求
type cameraRequest struct {
	CameraID *int `json:"cameraId"`
}

// RecognizeUpload 上传图片识别车牌
// POST /api/parking/logs/recognize
func (h *Handler) RecognizeUpload(c *gin.Context) {
	img, ok := h.readImage(c, "image")
	if !ok {
		return
	}
	if img == nil {
		respondError(c, CodeNoImage, "no image uploaded", nil)
		return
	}

	result, err := h.recognizer.Recognize(c.Request.Context(), *img)
	if err != nil {
		h.failRecognition(c, err, CodeRecognitionFailed)
		return
	}

	respondOK(c, http.StatusOK, result, "license plate recognized")
}

// RecognizeCamera 触发摄像头识别，cameraId 默认为 0
// POST /api/parking/logs/recognize/camera
func (h *Handler) RecognizeCamera(c *gin.Context) {
	var req cameraRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, service.CodeValidation, "invalid request body", gin.H{"reason": err.Error()})
		return
	}

	cameraID := 0
	if req.CameraID != nil {
		cameraID = *req.CameraID
	}
	if cameraID < 0 {
		respondError(c, service.CodeValidation, "cameraId must not be negative", gin.H{"field": "cameraId"})
		return
	}

	result, err := h.recognizer.RecognizeCamera(c.Request.Context(), cameraID)
	if err != nil {
		h.failRecognition(c, err, CodeCameraRecognitionFailed)
		return
	}

	respondOK(c, http.StatusOK, result, "license plate recognized from camera")
}

// RecognizePiCamera 使用专用摄像头设备识别
// POST /api/parking/logs/recognize/pi-camera
func (h *Handler) RecognizePiCamera(c *gin.Context) {
	result, err := h.recognizer.RecognizePiCamera(c.Request.Context())
	if err != nil {
		h.failRecognition(c, err, CodeCameraRecognitionFailed)
		return
	}

	respondOK(c, http.StatusOK, result, "license plate captured from camera device")
}

// TestCamera 摄像头可用性检测，识别服务不可达时视为不可用
// GET /api/parking/logs/camera/test
func (h *Handler) TestCamera(c *gin.Context) {
	status, err := h.recognizer.TestCamera(c.Request.Context())
	if err != nil {
		h.logger.Warn("Camera test failed", zap.Error(err))
		status = &lpr.CameraStatus{Available: false, Error: err.Error()}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": status.Available,
		"data":    status,
	})
}

// CameraPreview 获取摄像头预览帧
// GET /api/parking/logs/camera/preview
func (h *Handler) CameraPreview(c *gin.Context) {
	frame, err := h.recognizer.Preview(c.Request.Context())
	if err != nil {
		h.failRecognition(c, err, CodeCameraPreviewFailed)
		return
	}

	respondOK(c, http.StatusOK, frame, "")
}

// LPServiceHealth 识别服务健康状态
// GET /api/parking/logs/lp-service/health
func (h *Handler) LPServiceHealth(c *gin.Context) {
	respondOK(c, http.StatusOK, gin.H{
		"healthy":    h.recognizer.Health(c.Request.Context()),
		"serviceUrl": h.recognizer.BaseURL(),
		"timestamp":  time.Now().UTC(),
	}, "")
}

// readImage 读取 multipart 图片字段，未上传时返回 nil
func (h *Handler) readImage(c *gin.Context, field string) (*lpr.Image, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.UploadMaxBytes)

	fh, err := c.FormFile(field)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, http.ErrMissingFile):
			return nil, true
		case errors.As(err, &tooLarge):
			respondError(c, CodeInvalidImage, "image exceeds upload limit", gin.H{"maxBytes": h.opts.UploadMaxBytes})
			return nil, false
		case errors.Is(err, http.ErrNotMultipart):
			return nil, true
		default:
			respondError(c, CodeInvalidImage, "could not read uploaded image", gin.H{"reason": err.Error()})
			return nil, false
		}
	}

	ext := strings.ToLower(filepath.Ext(fh.Filename))
	mimeType := strings.ToLower(fh.Header.Get("Content-Type"))
	if !allowedExts[ext] || !allowedMimes[mimeType] {
		respondError(c, CodeInvalidImage, "only jpg, jpeg, png and bmp images are allowed", gin.H{
			"filename": fh.Filename,
			"mimeType": mimeType,
		})
		return nil, false
	}

	f, err := fh.Open()
	if err != nil {
		respondError(c, CodeInvalidImage, "could not read uploaded image", nil)
		return nil, false
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		respondError(c, CodeInvalidImage, "could not read uploaded image", nil)
		return nil, false
	}
	if len(data) == 0 {
		respondError(c, CodeNoImage, "uploaded image is empty", nil)
		return nil, false
	}

	return &lpr.Image{Data: data, Filename: fh.Filename, MimeType: mimeType}, true
}
