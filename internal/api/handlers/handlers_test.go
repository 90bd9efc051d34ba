package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/parkgate/internal/api/lpr"
	"github.com/langchou/parkgate/internal/metrics"
	"github.com/langchou/parkgate/internal/repository"
	"github.com/langchou/parkgate/internal/service"
)

const lprURL = "http://lpr.test"

var jpegBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

type testServer struct {
	router *gin.Engine
	mt     *httpmock.MockTransport
	store  *repository.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryStore()
	svc := service.NewParkingLogService(zap.NewNop(), store)

	mt := httpmock.NewMockTransport()
	recognizer := lpr.NewClient(lprURL, lpr.WithTransport(mt), lpr.WithHealthTTL(time.Millisecond))

	h := NewHandler(zap.NewNop(), svc, recognizer, nil, Options{UploadMaxBytes: 1 << 10})
	router := gin.New()
	h.RegisterRoutes(router)

	return &testServer{router: router, mt: mt, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.serve(t, req)
}

func (s *testServer) serve(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func (s *testServer) enter(t *testing.T, plate, card string) map[string]interface{} {
	t.Helper()
	w, env := s.do(t, http.MethodPost, "/api/parking/logs", map[string]string{"licensePlate": plate, "cardId": card})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var log map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &log))
	return log
}

func imageUpload(t *testing.T, filename, mimeType string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, filename))
		hdr.Set("Content-Type", mimeType)
		part, err := mw.CreatePart(hdr)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func TestCreateAndGetParkingLog(t *testing.T) {
	s := newTestServer(t)

	log := s.enter(t, " 59a1-2345 ", " C001 ")
	assert.Equal(t, "59A1-2345", log["licensePlate"])
	assert.Equal(t, "C001", log["cardId"])
	require.NotEmpty(t, log["id"])

	w, env := s.do(t, http.MethodGet, "/api/parking/logs/"+log["id"].(string), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
	assert.Contains(t, string(env.Data), `"cardId":"C001"`)
}

func TestCreateParkingLogErrors(t *testing.T) {
	s := newTestServer(t)
	s.enter(t, "59A1-2345", "C001")

	tests := []struct {
		name   string
		body   interface{}
		status int
		code   string
	}{
		{"missing plate", map[string]string{"cardId": "C002"}, http.StatusBadRequest, service.CodeMissingRequiredFields},
		{"empty body", nil, http.StatusBadRequest, service.CodeMissingRequiredFields},
		{"card in use", map[string]string{"licensePlate": "30A-99999", "cardId": "C001"}, http.StatusConflict, service.CodeCardInUse},
		{"malformed", "not-an-object", http.StatusBadRequest, service.CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := s.do(t, http.MethodPost, "/api/parking/logs", tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestCreateParkingLogMultipart(t *testing.T) {
	s := newTestServer(t)

	body, contentType := imageUpload(t, "car.jpg", "image/jpeg", jpegBytes, map[string]string{
		"licensePlate": "51F-12345",
		"cardId":       "C010",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/parking/logs", body)
	req.Header.Set("Content-Type", contentType)

	w, env := s.serve(t, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var log map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &log))
	assert.Equal(t, lpr.DataURL("image/jpeg", jpegBytes), log["imageData"])
	assert.Equal(t, "51F-12345", log["licensePlate"])
}

func TestListParkingLogs(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 3; i++ {
		s.enter(t, fmt.Sprintf("59A1-000%d", i), fmt.Sprintf("C00%d", i))
	}

	w, env := s.do(t, http.MethodGet, "/api/parking/logs?limit=2&page=1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list struct {
		ParkingLogs []map[string]interface{} `json:"parkingLogs"`
		Pagination  struct {
			Page  int   `json:"page"`
			Limit int   `json:"limit"`
			Total int64 `json:"total"`
			Pages int   `json:"pages"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list.ParkingLogs, 2)
	assert.Equal(t, int64(3), list.Pagination.Total)
	assert.Equal(t, 2, list.Pagination.Pages)

	w, env = s.do(t, http.MethodGet, "/api/parking/logs?search=C001", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list.ParkingLogs, 1)
	assert.Equal(t, "C001", list.ParkingLogs[0]["cardId"])

	w, env = s.do(t, http.MethodGet, "/api/parking/logs?startDate=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, service.CodeValidation, env.Error.Code)
}

func TestUpdateParkingLog(t *testing.T) {
	s := newTestServer(t)
	log := s.enter(t, "59A1-2345", "C001")
	s.enter(t, "30A-99999", "C002")
	path := "/api/parking/logs/" + log["id"].(string)

	w, env := s.do(t, http.MethodPut, path, map[string]string{"licensePlate": "59a1-2346"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, string(env.Data), `"licensePlate":"59A1-2346"`)
	assert.Contains(t, string(env.Data), `"cardId":"C001"`)

	w, env = s.do(t, http.MethodPut, path, map[string]string{"cardId": "C002"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, service.CodeCardInUse, env.Error.Code)

	w, env = s.do(t, http.MethodPut, "/api/parking/logs/missing", map[string]string{"cardId": "C003"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, service.CodeNotFound, env.Error.Code)
}

func TestValidateExitAndDelete(t *testing.T) {
	s := newTestServer(t)
	log := s.enter(t, "59A1-2345", "C001")

	w, env := s.do(t, http.MethodPost, "/api/parking/logs/exit/validate", map[string]string{
		"cardId":           " C001",
		"exitLicensePlate": "59A1-9999",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, service.CodePlateMismatch, env.Error.Code)
	assert.Contains(t, string(env.Data), `"matched":false`)
	assert.Contains(t, string(env.Error.Details), `"exit":"59A1-9999"`)

	w, env = s.do(t, http.MethodPost, "/api/parking/logs/exit/validate", map[string]string{
		"cardId":       "C001",
		"licensePlate": "59a1-2345",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"matched":true`)

	// 校验不会删除记录
	_, err := s.store.GetByCardID(context.Background(), "C001")
	require.NoError(t, err)

	w, env = s.do(t, http.MethodDelete, "/api/parking/logs/"+log["id"].(string), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"parkingDuration"`)

	w, env = s.do(t, http.MethodDelete, "/api/parking/logs/"+log["id"].(string), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, service.CodeNotFound, env.Error.Code)

	w, env = s.do(t, http.MethodPost, "/api/parking/logs/exit/validate", map[string]string{
		"cardId":           "C001",
		"exitLicensePlate": "59A1-2345",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, service.CodeNoEntryFound, env.Error.Code)
}

func TestGetStats(t *testing.T) {
	s := newTestServer(t)
	s.enter(t, "59A1-2345", "C001")
	s.enter(t, "59A1-2345", "C002")

	w, env := s.do(t, http.MethodGet, "/api/parking/logs/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"total":2`)
	assert.Contains(t, string(env.Data), `"uniqueVehicles":1`)
}

func TestRecognizeUpload(t *testing.T) {
	s := newTestServer(t)
	s.mt.RegisterResponder(http.MethodPost, lprURL+"/api/recognize",
		httpmock.NewStringResponder(http.StatusOK, `{"success":true,"data":{"licensePlate":"59A1-2345","confidence":0.9,"timestamp":"2025-12-08T10:30:00"}}`))

	body, contentType := imageUpload(t, "car.jpg", "image/jpeg", jpegBytes, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/parking/logs/recognize", body)
	req.Header.Set("Content-Type", contentType)

	w, env := s.serve(t, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, string(env.Data), `"licensePlate":"59A1-2345"`)
}

func TestRecognizeUploadRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name     string
		filename string
		mimeType string
		data     []byte
		status   int
		code     string
	}{
		{"no image", "", "", nil, http.StatusBadRequest, CodeNoImage},
		{"wrong type", "notes.txt", "text/plain", []byte("hello"), http.StatusBadRequest, CodeInvalidImage},
		{"spoofed extension", "car.jpg", "application/pdf", jpegBytes, http.StatusBadRequest, CodeInvalidImage},
		{"too large", "car.png", "image/png", bytes.Repeat([]byte{1}, 4<<10), http.StatusBadRequest, CodeInvalidImage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := imageUpload(t, tt.filename, tt.mimeType, tt.data, nil)
			req := httptest.NewRequest(http.MethodPost, "/api/parking/logs/recognize", body)
			req.Header.Set("Content-Type", contentType)

			w, env := s.serve(t, req)
			assert.Equal(t, tt.status, w.Code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}

	assert.Zero(t, s.mt.GetTotalCallCount())
}

func TestRecognitionFailureMapping(t *testing.T) {
	tests := []struct {
		name      string
		responder httpmock.Responder
		status    int
		code      string
	}{
		{
			"not recognized",
			httpmock.NewStringResponder(http.StatusOK, `{"success":false,"error":"No license plate detected"}`),
			http.StatusUnprocessableEntity, CodeCameraRecognitionFailed,
		},
		{
			"service down",
			httpmock.NewErrorResponder(errors.New("dial tcp 127.0.0.1:5001: connect: connection refused")),
			http.StatusBadGateway, CodeLPServiceUnavailable,
		},
		{
			"garbage",
			httpmock.NewStringResponder(http.StatusOK, `<html>`),
			http.StatusBadGateway, CodeLPServiceError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.mt.RegisterResponder(http.MethodPost, lprURL+"/api/recognize/camera", tt.responder)

			w, env := s.do(t, http.MethodPost, "/api/parking/logs/recognize/camera", map[string]int{"cameraId": 1})
			assert.Equal(t, tt.status, w.Code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestRecognizeCameraDefaultsToZero(t *testing.T) {
	s := newTestServer(t)
	s.mt.RegisterResponder(http.MethodPost, lprURL+"/api/recognize/camera", func(req *http.Request) (*http.Response, error) {
		var body map[string]int
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body["cameraId"] != 0 {
			return httpmock.NewStringResponse(http.StatusBadRequest, `{"success":false,"error":"bad camera"}`), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, `{"success":true,"data":{"licensePlate":"30A-99999","confidence":0.8}}`), nil
	})

	req := httptest.NewRequest(http.MethodPost, "/api/parking/logs/recognize/camera", strings.NewReader(""))
	w, env := s.serve(t, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, string(env.Data), `"licensePlate":"30A-99999"`)
}

func TestCameraTestAndHealth(t *testing.T) {
	s := newTestServer(t)
	s.mt.RegisterResponder(http.MethodGet, lprURL+"/api/camera/test",
		httpmock.NewStringResponder(http.StatusOK, `{"success":true,"camera_type":"USB Camera","platform":"x86_64"}`))
	s.mt.RegisterResponder(http.MethodGet, lprURL+"/health",
		httpmock.NewStringResponder(http.StatusOK, `{"status":"ok","ready":true}`))

	w, env := s.do(t, http.MethodGet, "/api/parking/logs/camera/test", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
	assert.Contains(t, string(env.Data), `"cameraType":"USB Camera"`)
	assert.Contains(t, string(env.Data), `"available":true`)

	w, env = s.do(t, http.MethodGet, "/api/parking/logs/lp-service/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"healthy":true`)
	assert.Contains(t, string(env.Data), `"serviceUrl":"`+lprURL+`"`)
}

func TestCameraTestWhenServiceDown(t *testing.T) {
	s := newTestServer(t)
	s.mt.RegisterResponder(http.MethodGet, lprURL+"/api/camera/test",
		httpmock.NewErrorResponder(errors.New("connection refused")))

	w, env := s.do(t, http.MethodGet, "/api/parking/logs/camera/test", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.Success)
	assert.Contains(t, string(env.Data), `"available":false`)
}

func TestStatusForUnknownCode(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusFor("SOMETHING_ELSE"))
	assert.Equal(t, http.StatusBadGateway, StatusFor(CodeLPServiceTimeout))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusFor(CodeRecognitionFailed))
}

func TestServerHealth(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestMiddlewares(t *testing.T) {
	gin.SetMode(gin.TestMode)

	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	router := gin.New()
	router.Use(RequestLogger(zap.NewNop(), m), CORS("https://gate.example"))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "https://gate.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, "/ping", "204")))

	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("X-Request-ID", "req-1")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))
}
