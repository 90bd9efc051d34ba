package lane

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/langchou/parkgate/internal/api/lpr"
	"github.com/langchou/parkgate/internal/models"
	"github.com/langchou/parkgate/pkg/client"
)

// API 车道使用的服务端接口，由 client.Client 实现
type API interface {
	List(ctx context.Context, opts client.ListOptions) (*models.ParkingLogList, error)
	CreateEntry(ctx context.Context, in client.EntryRequest) (*models.ParkingLog, error)
	ValidateExit(ctx context.Context, cardID, exitPlate string) (*models.ExitValidation, error)
	CompleteExit(ctx context.Context, id string) (*models.ExitReceipt, error)
	Recognize(ctx context.Context, img lpr.Image) (*lpr.Result, error)
	RecognizeCamera(ctx context.Context, cameraID int) (*lpr.Result, error)
	RecognizePiCamera(ctx context.Context) (*lpr.Result, error)
}

var (
	ErrNoDraft      = errors.New("nothing to submit, recognize or edit a draft first")
	ErrNotValidated = errors.New("exit has not been validated")
)

// openListLimit 在场列表单次拉取上限
const openListLimit = 1000

// OpenLogs 在场记录列表，按入场时间倒序
type OpenLogs struct {
	mu   sync.RWMutex
	logs []*models.ParkingLog
}

// Snapshot 返回当前列表副本
func (o *OpenLogs) Snapshot() []*models.ParkingLog {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*models.ParkingLog, len(o.logs))
	copy(out, o.logs)
	return out
}

// Refresh 从服务端重新拉取在场记录
func (o *OpenLogs) Refresh(ctx context.Context, api API) error {
	list, err := api.List(ctx, client.ListOptions{Limit: openListLimit})
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.logs = list.ParkingLogs
	sortNewestFirst(o.logs)
	o.mu.Unlock()
	return nil
}

// Apply 根据推送事件更新列表
func (o *OpenLogs) Apply(ev models.LogEvent) {
	if ev.Log == nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	idx := -1
	for i, l := range o.logs {
		if l.ID == ev.Log.ID {
			idx = i
			break
		}
	}

	switch ev.Type {
	case models.EventEntryRecorded, models.EventLogUpdated:
		if idx >= 0 {
			o.logs[idx] = ev.Log
		} else {
			o.logs = append(o.logs, ev.Log)
		}
	case models.EventExitCompleted:
		if idx >= 0 {
			o.logs = append(o.logs[:idx], o.logs[idx+1:]...)
		}
	}
	sortNewestFirst(o.logs)
}

func (o *OpenLogs) remove(id string) {
	o.Apply(models.LogEvent{Type: models.EventExitCompleted, Log: &models.ParkingLog{ID: id}})
}

func sortNewestFirst(logs []*models.ParkingLog) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].EntryTime.Equal(logs[j].EntryTime) {
			return logs[i].CreatedAt.After(logs[j].CreatedAt)
		}
		return logs[i].EntryTime.After(logs[j].EntryTime)
	})
}

func logRecognition(logger *zap.Logger, lane string, res *lpr.Result, err error) {
	if err != nil {
		logger.Warn("Recognition failed", zap.String("lane", lane), zap.Error(err))
		return
	}
	logger.Info("Plate recognized",
		zap.String("lane", lane),
		zap.String("license_plate", res.LicensePlate),
		zap.Float64("confidence", res.Confidence),
	)
}
