package lpr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/langchou/parkgate/internal/metrics"
	"github.com/langchou/parkgate/internal/models"
)

// 错误定义
var (
	ErrServiceUnavailable = errors.New("license plate recognition service is not running")
	ErrTimeout            = errors.New("recognition service timeout")
	ErrNotRecognized      = errors.New("could not recognize license plate")
	ErrBadResponse        = errors.New("unexpected response from recognition service")
	ErrEmptyImage         = errors.New("image is empty")
)

// RecognitionError 识别服务正常响应但识别失败
type RecognitionError struct {
	Reason string
}

func (e *RecognitionError) Error() string {
	return e.Reason
}

// Is 使 errors.Is(err, ErrNotRecognized) 成立
func (e *RecognitionError) Is(target error) bool {
	return target == ErrNotRecognized
}

const (
	defaultTimeout      = 15 * time.Second
	defaultProbeTimeout = 5 * time.Second
	defaultHealthTTL    = 5 * time.Second

	// 响应中可能带有 base64 图片
	maxResponseBytes = 32 << 20

	healthCacheKey = "health"
)

// Client 车牌识别服务客户端
type Client struct {
	baseURL     string
	httpClient  *http.Client
	probeClient *http.Client
	spoolDir    string
	logger      *zap.Logger
	metrics     *metrics.Metrics

	healthTTL time.Duration
	health    *cache.Cache
	group     singleflight.Group
}

// Option 客户端选项
type Option func(*Client)

// WithTimeouts 设置识别与探测的超时
func WithTimeouts(recognize, probe time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = recognize
		c.probeClient.Timeout = probe
	}
}

// WithTransport 替换底层 Transport
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.httpClient.Transport = rt
		c.probeClient.Transport = rt
	}
}

// WithSpoolDir 上传前先把图片写入临时目录
func WithSpoolDir(dir string) Option {
	return func(c *Client) { c.spoolDir = dir }
}

// WithHealthTTL 健康检查结果缓存时间
func WithHealthTTL(ttl time.Duration) Option {
	return func(c *Client) { c.healthTTL = ttl }
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient 创建识别服务客户端
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: defaultTimeout},
		probeClient: &http.Client{Timeout: defaultProbeTimeout},
		logger:      zap.NewNop(),
		healthTTL:   defaultHealthTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.healthTTL > 0 {
		c.health = cache.New(c.healthTTL, 2*c.healthTTL)
	}
	return c
}

// BaseURL 识别服务地址
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Recognize 识别上传图片中的车牌
func (c *Client) Recognize(ctx context.Context, img Image) (*Result, error) {
	start := time.Now()
	res, err := c.recognize(ctx, img)
	c.observe("upload", start, err)
	return res, err
}

func (c *Client) recognize(ctx context.Context, img Image) (*Result, error) {
	if len(img.Data) == 0 {
		return nil, ErrEmptyImage
	}
	if img.MimeType == "" {
		img.MimeType = http.DetectContentType(img.Data)
	}
	if img.Filename == "" {
		img.Filename = uuid.NewString() + extensionFor(img.MimeType)
	}

	var src io.Reader = bytes.NewReader(img.Data)
	if c.spoolDir != "" {
		f, cleanup, err := c.spool(img)
		if err != nil {
			return nil, fmt.Errorf("spool image: %w", err)
		}
		defer cleanup()
		src = f
	}

	body, contentType, err := multipartBody(img, src)
	if err != nil {
		return nil, fmt.Errorf("build multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/recognize", body)
	if err != nil {
		return nil, fmt.Errorf("create recognize request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	res, err := c.doRecognize(req, c.httpClient)
	if err != nil {
		return nil, err
	}

	if res.ImageData == "" {
		res.ImageData = DataURL(img.MimeType, img.Data)
	}
	if res.ImageMeta == nil {
		res.ImageMeta = &models.ImageMeta{
			MimeType: img.MimeType,
			Size:     int64(len(img.Data)),
			Filename: img.Filename,
		}
	}
	return res, nil
}

// RecognizeCamera 触发指定摄像头拍照并识别
func (c *Client) RecognizeCamera(ctx context.Context, cameraID int) (*Result, error) {
	start := time.Now()
	res, err := c.postJSON(ctx, "/api/recognize/camera", map[string]int{"cameraId": cameraID})
	c.observe("camera", start, err)
	return res, err
}

// RecognizePiCamera 通过树莓派摄像头拍照并识别
func (c *Client) RecognizePiCamera(ctx context.Context) (*Result, error) {
	start := time.Now()
	res, err := c.postJSON(ctx, "/api/recognize/picamera", struct{}{})
	c.observe("picamera", start, err)
	return res, err
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}) (*Result, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRecognize(req, c.httpClient)
}

// doRecognize 发送请求并把响应规范化为 Result
func (c *Client) doRecognize(req *http.Request, hc *http.Client) (*Result, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classify(err)
	}

	var sr serviceResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		if resp.StatusCode == http.StatusServiceUnavailable {
			return nil, ErrServiceUnavailable
		}
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrBadResponse, resp.StatusCode, truncate(body, 200))
	}

	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, fmt.Errorf("%w: %s", ErrServiceUnavailable, sr.Error)
	}

	if !sr.Success || sr.Data == nil || sr.Data.LicensePlate == "" {
		reason := sr.Error
		if reason == "" {
			reason = ErrNotRecognized.Error()
		}
		c.logger.Warn("Recognition failed", zap.Int("status", resp.StatusCode), zap.String("reason", reason))
		return nil, &RecognitionError{Reason: reason}
	}

	c.logger.Info("License plate recognized",
		zap.String("license_plate", sr.Data.LicensePlate),
		zap.Float64("confidence", sr.Data.Confidence),
	)

	return &Result{
		Success:      true,
		LicensePlate: sr.Data.LicensePlate,
		Confidence:   sr.Data.Confidence,
		ImageData:    sr.Data.ImageData,
		ImageMeta:    sr.Data.ImageMeta,
		Timestamp:    sr.Data.Timestamp,
	}, nil
}

// Health 识别服务是否可用，结果短时间缓存
func (c *Client) Health(ctx context.Context) bool {
	if c.healthTTL <= 0 {
		healthy, _ := c.probeHealth(ctx)
		return healthy
	}
	if v, ok := c.health.Get(healthCacheKey); ok {
		return v.(bool)
	}

	v, _, _ := c.group.Do(healthCacheKey, func() (interface{}, error) {
		// 探测结果对所有调用方共享，不受首个调用方取消影响
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.probeClient.Timeout)
		defer cancel()

		healthy, err := c.probeHealth(pctx)
		if !errors.Is(err, context.Canceled) {
			c.health.Set(healthCacheKey, healthy, cache.DefaultExpiration)
		}
		return healthy, nil
	})
	return v.(bool)
}

func (c *Client) probeHealth(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false, err
	}

	resp, err := c.probeClient.Do(req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Warn("Recognition service health check failed", zap.Error(classify(err)))
		}
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var hr healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return false, nil
	}
	return hr.Status == "ok" && hr.Ready, nil
}

// TestCamera 检测摄像头可用性，不做识别
func (c *Client) TestCamera(ctx context.Context) (*CameraStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/camera/test", nil)
	if err != nil {
		return nil, fmt.Errorf("create camera test request: %w", err)
	}

	resp, err := c.probeClient.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	var cr cameraTestResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&cr); err != nil {
		return nil, fmt.Errorf("%w: status=%d", ErrBadResponse, resp.StatusCode)
	}

	return &CameraStatus{
		Available:  cr.Success,
		CameraType: cr.CameraType,
		Platform:   cr.Platform,
		Error:      cr.Error,
	}, nil
}

// Preview 获取摄像头预览帧
func (c *Client) Preview(ctx context.Context) (*Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/camera/preview", nil)
	if err != nil {
		return nil, fmt.Errorf("create preview request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	var pr previewResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&pr); err != nil {
		return nil, fmt.Errorf("%w: status=%d", ErrBadResponse, resp.StatusCode)
	}
	if !pr.Success || pr.ImageData == "" {
		reason := pr.Error
		if reason == "" {
			reason = "could not capture preview frame"
		}
		return nil, &RecognitionError{Reason: reason}
	}
	return &Frame{ImageData: pr.ImageData, Timestamp: pr.Timestamp}, nil
}

// spool 把图片写入临时文件，返回的 cleanup 必须调用
func (c *Client) spool(img Image) (*os.File, func(), error) {
	path := filepath.Join(c.spoolDir, uuid.NewString()+filepath.Ext(img.Filename))
	if err := os.WriteFile(path, img.Data, 0600); err != nil {
		_ = os.Remove(path)
		return nil, nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		_ = os.Remove(path)
		return nil, nil, err
	}

	cleanup := func() {
		_ = f.Close()
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("Failed to remove spooled image", zap.String("path", path), zap.Error(err))
		}
	}
	return f, cleanup, nil
}

func (c *Client) observe(source string, start time.Time, err error) {
	c.metrics.ObserveRecognition(source, Outcome(err), time.Since(start))
}

// Outcome 错误分类标签
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrServiceUnavailable):
		return "unavailable"
	case errors.Is(err, ErrNotRecognized):
		return "not_recognized"
	case errors.Is(err, ErrBadResponse):
		return "bad_response"
	default:
		return "error"
	}
}

// classify 区分超时和服务不可达
func classify(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
}

func multipartBody(img Image, src io.Reader) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(img.Filename)))
	h.Set("Content-Type", img.MimeType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, src); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf, mw.FormDataContentType(), nil
}

// DataURL 生成 data URL
func DataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/bmp":
		return ".bmp"
	default:
		return ".jpg"
	}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
