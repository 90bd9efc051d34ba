package lpr

import "github.com/langchou/parkgate/internal/models"

// Image 待识别图片
type Image struct {
	Data     []byte
	Filename string
	MimeType string
}

// Result 统一的识别结果
type Result struct {
	Success      bool              `json:"success"`
	LicensePlate string            `json:"licensePlate,omitempty"`
	Confidence   float64           `json:"confidence,omitempty"`
	ImageData    string            `json:"imageData,omitempty"`
	ImageMeta    *models.ImageMeta `json:"imageMeta,omitempty"`
	Timestamp    string            `json:"timestamp,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// CameraStatus 摄像头检测结果
type CameraStatus struct {
	Available  bool   `json:"available"`
	CameraType string `json:"cameraType,omitempty"`
	Platform   string `json:"platform,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Frame 摄像头预览帧
type Frame struct {
	ImageData string `json:"imageData"`
	Timestamp string `json:"timestamp,omitempty"`
}

// serviceResponse 识别服务的响应结构
type serviceResponse struct {
	Success bool              `json:"success"`
	Data    *serviceRecognize `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type serviceRecognize struct {
	LicensePlate string            `json:"licensePlate"`
	Confidence   float64           `json:"confidence"`
	Timestamp    string            `json:"timestamp"`
	ImageData    string            `json:"imageData,omitempty"`
	ImageMeta    *models.ImageMeta `json:"imageMeta,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}

type cameraTestResponse struct {
	Success    bool   `json:"success"`
	CameraType string `json:"camera_type"`
	Platform   string `json:"platform"`
	Error      string `json:"error,omitempty"`
}

type previewResponse struct {
	Success   bool   `json:"success"`
	ImageData string `json:"imageData,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}
