package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/parkgate/internal/api/lpr"
	"github.com/langchou/parkgate/internal/service"
)

// 接口层错误码
const (
	CodeNoImage                 = "NO_IMAGE"
	CodeInvalidImage            = "INVALID_IMAGE"
	CodeRecognitionFailed       = "RECOGNITION_FAILED"
	CodeCameraRecognitionFailed = "CAMERA_RECOGNITION_FAILED"
	CodeCameraPreviewFailed     = "CAMERA_PREVIEW_FAILED"
	CodeLPServiceUnavailable    = "LP_SERVICE_UNAVAILABLE"
	CodeLPServiceTimeout        = "LP_SERVICE_TIMEOUT"
	CodeLPServiceError          = "LP_SERVICE_ERROR"
)

// statusByCode 错误码到 HTTP 状态码
var statusByCode = map[string]int{
	service.CodeMissingRequiredFields: http.StatusBadRequest,
	service.CodeValidation:            http.StatusBadRequest,
	CodeNoImage:                       http.StatusBadRequest,
	CodeInvalidImage:                  http.StatusBadRequest,
	service.CodeNotFound:              http.StatusNotFound,
	service.CodeNoEntryFound:          http.StatusNotFound,
	service.CodeCardInUse:             http.StatusConflict,
	service.CodePlateMismatch:         http.StatusConflict,
	CodeRecognitionFailed:             http.StatusUnprocessableEntity,
	CodeCameraRecognitionFailed:       http.StatusUnprocessableEntity,
	CodeCameraPreviewFailed:           http.StatusUnprocessableEntity,
	CodeLPServiceUnavailable:          http.StatusBadGateway,
	CodeLPServiceTimeout:              http.StatusBadGateway,
	CodeLPServiceError:                http.StatusBadGateway,
	service.CodeInternal:              http.StatusInternalServerError,
}

// StatusFor 错误码对应的状态码，未知错误码为 500
func StatusFor(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func respondOK(c *gin.Context, status int, data interface{}, message string) {
	body := gin.H{"success": true, "data": data}
	if message != "" {
		body["message"] = message
	}
	c.JSON(status, body)
}

func respondError(c *gin.Context, code, message string, details interface{}) {
	errBody := gin.H{"code": code, "message": message}
	if details != nil {
		errBody["details"] = details
	}
	c.JSON(StatusFor(code), gin.H{"success": false, "error": errBody})
}

// fail 输出业务错误
func (h *Handler) fail(c *gin.Context, err error) {
	var svcErr *service.Error
	if !errors.As(err, &svcErr) {
		h.logger.Error("Unhandled error", zap.String("path", c.FullPath()), zap.Error(err))
		respondError(c, service.CodeInternal, "internal server error", nil)
		return
	}

	if svcErr.Code == service.CodeInternal {
		// 不向客户端暴露底层错误
		respondError(c, svcErr.Code, svcErr.Message, nil)
		return
	}
	respondError(c, svcErr.Code, svcErr.Message, svcErr.Details)
}

// failRecognition 输出识别错误，failCode 为识别失败时使用的错误码
func (h *Handler) failRecognition(c *gin.Context, err error, failCode string) {
	switch {
	case errors.Is(err, lpr.ErrTimeout):
		respondError(c, CodeLPServiceTimeout, lpr.ErrTimeout.Error(), nil)
	case errors.Is(err, lpr.ErrServiceUnavailable):
		respondError(c, CodeLPServiceUnavailable, lpr.ErrServiceUnavailable.Error(), nil)
	case errors.Is(err, lpr.ErrBadResponse):
		h.logger.Warn("Bad response from recognition service", zap.Error(err))
		respondError(c, CodeLPServiceError, lpr.ErrBadResponse.Error(), nil)
	case errors.Is(err, lpr.ErrEmptyImage):
		respondError(c, CodeNoImage, "no image uploaded", nil)
	case errors.Is(err, lpr.ErrNotRecognized):
		message := lpr.ErrNotRecognized.Error()
		var recErr *lpr.RecognitionError
		if errors.As(err, &recErr) {
			message = recErr.Reason
		}
		respondError(c, failCode, message, nil)
	default:
		h.logger.Error("Recognition request failed", zap.Error(err))
		respondError(c, service.CodeInternal, "recognition request failed", nil)
	}
}
