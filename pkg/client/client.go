package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/langchou/parkgate/internal/api/lpr"
	"github.com/langchou/parkgate/internal/models"
)

// APIError 服务端返回的业务错误
type APIError struct {
	Status  int
	Code    string
	Message string
	Details json.RawMessage
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error: status=%d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error: status=%d code=%s %s", e.Status, e.Code, e.Message)
}

// IsCode 判断错误是否为指定错误码
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client 停车记录 API 客户端
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient 创建客户端，baseURL 形如 http://localhost:5000
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/") + "/api/parking/logs",
	}
}

// envelope 统一响应结构
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
	Error   *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details,omitempty"`
	} `json:"error,omitempty"`
}

// ListOptions 列表查询条件
type ListOptions struct {
	CardID       string
	LicensePlate string
	Search       string
	StartDate    string
	EndDate      string
	Page         int
	Limit        int
}

func (o ListOptions) values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("cardId", o.CardID)
	set("licensePlate", o.LicensePlate)
	set("search", o.Search)
	set("startDate", o.StartDate)
	set("endDate", o.EndDate)
	if o.Page > 0 {
		v.Set("page", strconv.Itoa(o.Page))
	}
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	return v
}

// EntryRequest 入场请求
type EntryRequest struct {
	LicensePlate string     `json:"licensePlate"`
	CardID       string     `json:"cardId"`
	ImageData    string     `json:"imageData,omitempty"`
	EntryTime    *time.Time `json:"entryTime,omitempty"`
}

// List 查询停车记录
func (c *Client) List(ctx context.Context, opts ListOptions) (*models.ParkingLogList, error) {
	path := ""
	if q := opts.values().Encode(); q != "" {
		path = "?" + q
	}

	var list models.ParkingLogList
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Get 获取单条记录
func (c *Client) Get(ctx context.Context, id string) (*models.ParkingLog, error) {
	var log models.ParkingLog
	if err := c.doJSON(ctx, http.MethodGet, "/"+url.PathEscape(id), nil, &log); err != nil {
		return nil, err
	}
	return &log, nil
}

// CreateEntry 车辆入场
func (c *Client) CreateEntry(ctx context.Context, in EntryRequest) (*models.ParkingLog, error) {
	var log models.ParkingLog
	if err := c.doJSON(ctx, http.MethodPost, "", in, &log); err != nil {
		return nil, err
	}
	return &log, nil
}

// CreateEntryWithImage 携带图片文件入场
func (c *Client) CreateEntryWithImage(ctx context.Context, in EntryRequest, img lpr.Image) (*models.ParkingLog, error) {
	fields := map[string]string{
		"licensePlate": in.LicensePlate,
		"cardId":       in.CardID,
	}
	if in.EntryTime != nil {
		fields["entryTime"] = in.EntryTime.Format(time.RFC3339Nano)
	}

	body, contentType, err := multipartImage(img, fields)
	if err != nil {
		return nil, err
	}

	var log models.ParkingLog
	if err := c.do(ctx, http.MethodPost, "", body, contentType, &log); err != nil {
		return nil, err
	}
	return &log, nil
}

// Update 部分更新记录
func (c *Client) Update(ctx context.Context, id string, patch models.ParkingLogPatch) (*models.ParkingLog, error) {
	var log models.ParkingLog
	if err := c.doJSON(ctx, http.MethodPut, "/"+url.PathEscape(id), patch, &log); err != nil {
		return nil, err
	}
	return &log, nil
}

// ValidateExit 出场车牌校验
//
// 车牌不一致时同时返回校验结果和 LICENSE_PLATE_MISMATCH 错误。
func (c *Client) ValidateExit(ctx context.Context, cardID, exitPlate string) (*models.ExitValidation, error) {
	payload := map[string]string{"cardId": cardID, "exitLicensePlate": exitPlate}

	var v models.ExitValidation
	err := c.doJSON(ctx, http.MethodPost, "/exit/validate", payload, &v)
	if err != nil {
		if v.Entry != nil {
			return &v, err
		}
		return nil, err
	}
	return &v, nil
}

// CompleteExit 确认出场，删除记录并返回停车时长
func (c *Client) CompleteExit(ctx context.Context, id string) (*models.ExitReceipt, error) {
	var receipt models.ExitReceipt
	if err := c.doJSON(ctx, http.MethodDelete, "/"+url.PathEscape(id), nil, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Stats 在场车辆统计
func (c *Client) Stats(ctx context.Context) (*models.ParkingStats, error) {
	var stats models.ParkingStats
	if err := c.doJSON(ctx, http.MethodGet, "/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Recognize 上传图片识别车牌
func (c *Client) Recognize(ctx context.Context, img lpr.Image) (*lpr.Result, error) {
	body, contentType, err := multipartImage(img, nil)
	if err != nil {
		return nil, err
	}

	var res lpr.Result
	if err := c.do(ctx, http.MethodPost, "/recognize", body, contentType, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RecognizeCamera 触发摄像头识别
func (c *Client) RecognizeCamera(ctx context.Context, cameraID int) (*lpr.Result, error) {
	var res lpr.Result
	if err := c.doJSON(ctx, http.MethodPost, "/recognize/camera", map[string]int{"cameraId": cameraID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RecognizePiCamera 专用摄像头设备识别
func (c *Client) RecognizePiCamera(ctx context.Context) (*lpr.Result, error) {
	var res lpr.Result
	if err := c.doJSON(ctx, http.MethodPost, "/recognize/pi-camera", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// TestCamera 摄像头可用性检测
func (c *Client) TestCamera(ctx context.Context) (*lpr.CameraStatus, error) {
	var status lpr.CameraStatus
	if err := c.doJSON(ctx, http.MethodGet, "/camera/test", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ServiceHealth 识别服务健康状态
type ServiceHealth struct {
	Healthy    bool      `json:"healthy"`
	ServiceURL string    `json:"serviceUrl"`
	Timestamp  time.Time `json:"timestamp"`
}

// LPServiceHealth 查询识别服务健康状态
func (c *Client) LPServiceHealth(ctx context.Context) (*ServiceHealth, error) {
	var h ServiceHealth
	if err := c.doJSON(ctx, http.MethodGet, "/lp-service/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	contentType := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, body, contentType, out)
}

// do 执行请求并解析统一响应，失败时 out 仍会填充服务端返回的 data
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	if len(env.Data) > 0 && out != nil && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}

	if env.Error != nil {
		return &APIError{
			Status:  resp.StatusCode,
			Code:    env.Error.Code,
			Message: env.Error.Message,
			Details: env.Error.Details,
		}
	}
	if !env.Success && resp.StatusCode >= http.StatusBadRequest {
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func multipartImage(img lpr.Image, fields map[string]string) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)

	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, quoteEscaper.Replace(img.Filename)))
	hdr.Set("Content-Type", img.MimeType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return nil, "", fmt.Errorf("create image part: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", fmt.Errorf("write image part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return buf, mw.FormDataContentType(), nil
}
