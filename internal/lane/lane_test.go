package lane

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/parkgate/internal/api/handlers"
	"github.com/langchou/parkgate/internal/api/lpr"
	"github.com/langchou/parkgate/internal/models"
	"github.com/langchou/parkgate/internal/repository"
	"github.com/langchou/parkgate/internal/service"
	"github.com/langchou/parkgate/internal/state"
	"github.com/langchou/parkgate/pkg/client"
)

const lprURL = "http://lpr.test"

var jpegBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}

func newTestAPI(t *testing.T) (*client.Client, *httpmock.MockTransport, *repository.MemoryStore) {
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
	return client.NewClient(srv.URL, srv.Client()), mt, store
}

func TestEntryLaneRecognizeAndSubmit(t *testing.T) {
	api, mt, store := newTestAPI(t)
	mt.RegisterResponder(http.MethodPost, lprURL+"/api/recognize",
		httpmock.NewStringResponder(http.StatusOK, `{"success":true,"data":{"licensePlate":"59A1-2345","confidence":0.92}}`))

	ctx := context.Background()
	lane := NewEntryLane("entry-1", api, nil, zap.NewNop())

	_, err := lane.Submit(ctx)
	assert.ErrorIs(t, err, ErrNoDraft)

	res, err := lane.RecognizeFile(ctx, lpr.Image{Data: jpegBytes, Filename: "car.jpg", MimeType: "image/jpeg"})
	require.NoError(t, err)
	assert.Equal(t, "59A1-2345", res.LicensePlate)
	assert.Equal(t, state.StateDraft, lane.State())

	// 识别只生成草稿，不会写入
	assert.Equal(t, 0, store.Len())

	require.NoError(t, lane.SetCard("C001"))
	draft := lane.Draft()
	assert.Equal(t, "59A1-2345", draft.LicensePlate)
	assert.Equal(t, "C001", draft.CardID)
	assert.Equal(t, lpr.DataURL("image/jpeg", jpegBytes), draft.ImageData)

	log, err := lane.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, state.StateSubmitted, lane.State())
	assert.Equal(t, log.ID, lane.Selected().ID)
	assert.Equal(t, Draft{}, lane.Draft())
	require.Len(t, lane.OpenLogs(), 1)

	// 提交后不能重复提交
	_, err = lane.Submit(ctx)
	assert.ErrorIs(t, err, ErrNoDraft)
}

func TestEntryLaneKeepsDraftOnConflict(t *testing.T) {
	api, _, _ := newTestAPI(t)
	ctx := context.Background()

	_, err := api.CreateEntry(ctx, client.EntryRequest{LicensePlate: "30A-99999", CardID: "C001"})
	require.NoError(t, err)

	lane := NewEntryLane("entry-1", api, nil, zap.NewNop())
	require.NoError(t, lane.SetPlate("59A1-2345"))
	require.NoError(t, lane.SetCard("C001"))

	_, err = lane.Submit(ctx)
	require.Error(t, err)
	assert.True(t, client.IsCode(err, service.CodeCardInUse))
	assert.Equal(t, state.StateDraft, lane.State())
	assert.Equal(t, "C001", lane.Draft().CardID)

	lane.Reset()
	assert.Equal(t, state.StateIdle, lane.State())
	assert.Equal(t, Draft{}, lane.Draft())
}

func TestEntryLaneRecognitionFailureLeavesState(t *testing.T) {
	api, mt, _ := newTestAPI(t)
	mt.RegisterResponder(http.MethodPost, lprURL+"/api/recognize/camera",
		httpmock.NewStringResponder(http.StatusOK, `{"success":false,"error":"No license plate detected"}`))

	lane := NewEntryLane("entry-1", api, nil, zap.NewNop())
	_, err := lane.RecognizeCamera(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, client.IsCode(err, handlers.CodeCameraRecognitionFailed))
	assert.Equal(t, state.StateIdle, lane.State())
}

func TestExitLaneRequiresConfirmation(t *testing.T) {
	api, _, store := newTestAPI(t)
	ctx := context.Background()

	entry, err := api.CreateEntry(ctx, client.EntryRequest{LicensePlate: "59A1-2345", CardID: "C001"})
	require.NoError(t, err)

	open := &OpenLogs{}
	require.NoError(t, open.Refresh(ctx, api))
	lane := NewExitLane("exit-1", api, open, zap.NewNop())

	_, err = lane.Confirm(ctx)
	assert.ErrorIs(t, err, ErrNotValidated)

	v, err := lane.Validate(ctx, "C001", "59A1-0000")
	require.Error(t, err)
	assert.True(t, client.IsCode(err, service.CodePlateMismatch))
	assert.False(t, v.Matched)
	assert.Equal(t, state.StateMismatch, lane.State())
	assert.Equal(t, 1, store.Len())

	v, err = lane.Validate(ctx, "C001", "59a1-2345")
	require.NoError(t, err)
	assert.True(t, v.Matched)
	assert.Equal(t, entry.ID, lane.Validation().Entry.ID)
	assert.Equal(t, state.StateValidated, lane.State())
	assert.Equal(t, 1, store.Len())

	receipt, err := lane.Confirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, receipt.ID)
	assert.Equal(t, state.StateCompleted, lane.State())
	assert.Equal(t, 0, store.Len())
	assert.Empty(t, lane.OpenLogs())

	_, err = lane.Confirm(ctx)
	assert.ErrorIs(t, err, ErrNotValidated)
}

func TestExitLaneMismatchCanBeConfirmed(t *testing.T) {
	api, _, store := newTestAPI(t)
	ctx := context.Background()

	_, err := api.CreateEntry(ctx, client.EntryRequest{LicensePlate: "59A1-2345", CardID: "C001"})
	require.NoError(t, err)

	lane := NewExitLane("exit-1", api, nil, zap.NewNop())
	_, err = lane.Validate(ctx, "C001", "59A1-2346")
	require.Error(t, err)

	_, err = lane.Confirm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestExitLaneUnknownCard(t *testing.T) {
	api, _, _ := newTestAPI(t)

	lane := NewExitLane("exit-1", api, nil, zap.NewNop())
	_, err := lane.Validate(context.Background(), "C404", "59A1-2345")
	require.Error(t, err)
	assert.True(t, client.IsCode(err, service.CodeNoEntryFound))
	assert.Equal(t, state.StateIdle, lane.State())
	assert.Nil(t, lane.Validation())
}

func TestExitLaneFailedValidationDropsPrevious(t *testing.T) {
	api, _, store := newTestAPI(t)
	ctx := context.Background()

	_, err := api.CreateEntry(ctx, client.EntryRequest{LicensePlate: "59A1-2345", CardID: "C001"})
	require.NoError(t, err)

	lane := NewExitLane("exit-1", api, nil, zap.NewNop())
	_, err = lane.Validate(ctx, "C001", "59A1-2345")
	require.NoError(t, err)
	assert.Equal(t, state.StateValidated, lane.State())

	_, err = lane.Validate(ctx, "C404", "59A1-9999")
	require.Error(t, err)
	assert.True(t, client.IsCode(err, service.CodeNoEntryFound))
	assert.Equal(t, state.StateIdle, lane.State())
	assert.Nil(t, lane.Validation())

	_, err = lane.Confirm(ctx)
	assert.ErrorIs(t, err, ErrNotValidated)
	assert.Equal(t, 1, store.Len())
}

func TestOpenLogsApply(t *testing.T) {
	now := time.Now()
	open := &OpenLogs{}

	older := &models.ParkingLog{ID: "a", LicensePlate: "59A1-0001", EntryTime: now.Add(-time.Hour)}
	newer := &models.ParkingLog{ID: "b", LicensePlate: "59A1-0002", EntryTime: now}

	open.Apply(models.LogEvent{Type: models.EventEntryRecorded, Log: older})
	open.Apply(models.LogEvent{Type: models.EventEntryRecorded, Log: newer})

	logs := open.Snapshot()
	require.Len(t, logs, 2)
	assert.Equal(t, "b", logs[0].ID)

	updated := *older
	updated.EntryTime = now.Add(time.Minute)
	open.Apply(models.LogEvent{Type: models.EventLogUpdated, Log: &updated})
	logs = open.Snapshot()
	require.Len(t, logs, 2)
	assert.Equal(t, "a", logs[0].ID)

	open.Apply(models.LogEvent{Type: models.EventExitCompleted, Log: &models.ParkingLog{ID: "a"}})
	logs = open.Snapshot()
	require.Len(t, logs, 1)
	assert.Equal(t, "b", logs[0].ID)

	open.Apply(models.LogEvent{Type: models.EventExitCompleted})
	assert.Len(t, open.Snapshot(), 1)
}
