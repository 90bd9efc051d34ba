package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jarcoal/httpmock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/parkgate/internal/api/handlers"
	"github.com/langchou/parkgate/internal/api/lpr"
	"github.com/langchou/parkgate/internal/repository"
	"github.com/langchou/parkgate/internal/service"
)

const lprURL = "http://lpr.test"

type testEnv struct {
	url   string
	mt    *httpmock.MockTransport
	store *repository.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryStore()
	svc := service.NewParkingLogService(zap.NewNop(), store)
	mt := httpmock.NewMockTransport()

	router := gin.New()
	handlers.NewHandler(zap.NewNop(), svc, lpr.NewClient(lprURL, lpr.WithTransport(mt)), nil, handlers.Options{}).
		RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testEnv{url: srv.URL, mt: mt, store: store}
}

func (e *testEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	a := &app{in: strings.NewReader(stdin), out: out, v: viper.New()}

	cmd := newRootCommand(a)
	cmd.SetArgs(append([]string{"--server", e.url}, args...))
	cmd.SetOut(out)
	err := cmd.Execute()
	return out.String(), err
}

func TestEntryAndExitCommands(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "", "entry", "--plate", "59a1-2345", "--card", "C001")
	require.NoError(t, err)
	assert.Contains(t, out, `"licensePlate": "59A1-2345"`)
	assert.Equal(t, 1, env.store.Len())

	// 拒绝确认时记录保留
	out, err = env.run(t, "n\n", "exit", "--card", "C001", "--plate", "59A1-2345")
	require.NoError(t, err)
	assert.Contains(t, out, "Plate matched")
	assert.Contains(t, out, "Exit cancelled")
	assert.Equal(t, 1, env.store.Len())

	out, err = env.run(t, "y\n", "exit", "--card", "C001", "--plate", "59A1-2345")
	require.NoError(t, err)
	assert.Contains(t, out, `"parkingDuration"`)
	assert.Equal(t, 0, env.store.Len())
}

func TestExitMismatchRefusesYes(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "", "entry", "--plate", "59A1-2345", "--card", "C001")
	require.NoError(t, err)

	out, err := env.run(t, "", "exit", "--card", "C001", "--plate", "59A1-0000", "--yes")
	require.Error(t, err)
	assert.Contains(t, out, "PLATE MISMATCH")
	assert.Equal(t, 1, env.store.Len())

	_, err = env.run(t, "yes\n", "exit", "--card", "C001", "--plate", "59A1-0000")
	require.NoError(t, err)
	assert.Equal(t, 0, env.store.Len())
}

func TestEntryWithRecognizedImage(t *testing.T) {
	env := newTestEnv(t)
	env.mt.RegisterResponder(http.MethodPost, lprURL+"/api/recognize",
		httpmock.NewStringResponder(http.StatusOK, `{"success":true,"data":{"licensePlate":"51F-12345","confidence":0.88}}`))

	path := filepath.Join(t.TempDir(), "car.jpg")
	require.NoError(t, os.WriteFile(path, []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00}, 0600))

	out, err := env.run(t, "\n", "entry", "--image", path, "--card", "C009")
	require.NoError(t, err)
	assert.Contains(t, out, "Recognized plate 51F-12345")
	assert.Contains(t, out, "Entry cancelled")
	assert.Equal(t, 0, env.store.Len())

	out, err = env.run(t, "", "entry", "--image", path, "--card", "C009", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, `"licensePlate": "51F-12345"`)
	assert.Equal(t, 1, env.store.Len())
}

func TestUpdateRequiresAField(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "", "update", "some-id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to update")
}

func TestHealthCommandReportsUnhealthy(t *testing.T) {
	env := newTestEnv(t)
	env.mt.RegisterResponder(http.MethodGet, lprURL+"/health",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, `{"status":"starting","ready":false}`))

	out, err := env.run(t, "", "health")
	require.Error(t, err)
	assert.Contains(t, out, `"healthy": false`)
}

func TestLoadImage(t *testing.T) {
	dir := t.TempDir()

	jpg := filepath.Join(dir, "plate.JPG")
	require.NoError(t, os.WriteFile(jpg, []byte{0xFF, 0xD8, 0xFF}, 0600))
	img, err := loadImage(jpg)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", img.MimeType)
	assert.Equal(t, "plate.JPG", img.Filename)

	empty := filepath.Join(dir, "empty.png")
	require.NoError(t, os.WriteFile(empty, nil, 0600))
	_, err = loadImage(empty)
	assert.Error(t, err)
}
