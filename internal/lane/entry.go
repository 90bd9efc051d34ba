package lane

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/langchou/parkgate/internal/api/lpr"
	"github.com/langchou/parkgate/internal/models"
	"github.com/langchou/parkgate/internal/state"
	"github.com/langchou/parkgate/pkg/client"
)

// Draft 入场草稿
type Draft struct {
	LicensePlate string
	CardID       string
	ImageData    string
	Confidence   float64
}

// EntryLane 入场车道：识别或手工填写草稿，显式提交后才写入
type EntryLane struct {
	mu       sync.Mutex
	api      API
	logger   *zap.Logger
	machine  *state.Machine
	draft    Draft
	selected *models.ParkingLog
	open     *OpenLogs
}

// NewEntryLane 创建入场车道，open 可与出场车道共享
func NewEntryLane(laneID string, api API, open *OpenLogs, logger *zap.Logger) *EntryLane {
	if open == nil {
		open = &OpenLogs{}
	}
	l := &EntryLane{
		api:    api,
		logger: logger,
		open:   open,
	}
	l.machine = state.NewEntryMachine(laneID, func(laneID, from, to string) {
		logger.Debug("Entry lane state changed",
			zap.String("lane", laneID),
			zap.String("from", from),
			zap.String("to", to),
		)
	})
	return l
}

// State 当前状态
func (l *EntryLane) State() string {
	return l.machine.CurrentState()
}

// Draft 当前草稿
func (l *EntryLane) Draft() Draft {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.draft
}

// Selected 最近一次提交成功的记录
func (l *EntryLane) Selected() *models.ParkingLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.selected
}

// OpenLogs 在场记录
func (l *EntryLane) OpenLogs() []*models.ParkingLog {
	return l.open.Snapshot()
}

// RecognizeFile 上传图片识别，结果写入草稿
func (l *EntryLane) RecognizeFile(ctx context.Context, img lpr.Image) (*lpr.Result, error) {
	res, err := l.api.Recognize(ctx, img)
	if err == nil && res.ImageData == "" {
		res.ImageData = lpr.DataURL(img.MimeType, img.Data)
	}
	return l.applyRecognition(res, err)
}

// RecognizeCamera 摄像头识别，结果写入草稿
func (l *EntryLane) RecognizeCamera(ctx context.Context, cameraID int) (*lpr.Result, error) {
	res, err := l.api.RecognizeCamera(ctx, cameraID)
	return l.applyRecognition(res, err)
}

// RecognizePiCamera 专用摄像头识别，结果写入草稿
func (l *EntryLane) RecognizePiCamera(ctx context.Context) (*lpr.Result, error) {
	res, err := l.api.RecognizePiCamera(ctx)
	return l.applyRecognition(res, err)
}

func (l *EntryLane) applyRecognition(res *lpr.Result, err error) (*lpr.Result, error) {
	logRecognition(l.logger, "entry", res, err)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.machine.Trigger(state.EventRecognize); err != nil {
		return nil, err
	}
	l.draft.LicensePlate = res.LicensePlate
	l.draft.Confidence = res.Confidence
	l.draft.ImageData = res.ImageData
	return res, nil
}

// SetPlate 手工填写或修正车牌
func (l *EntryLane) SetPlate(plate string) error {
	return l.edit(func(d *Draft) { d.LicensePlate = plate })
}

// SetCard 填写卡号
func (l *EntryLane) SetCard(cardID string) error {
	return l.edit(func(d *Draft) { d.CardID = cardID })
}

func (l *EntryLane) edit(fn func(d *Draft)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.machine.Trigger(state.EventEdit); err != nil {
		return err
	}
	fn(&l.draft)
	return nil
}

// Submit 提交草稿创建入场记录，失败时保留草稿
func (l *EntryLane) Submit(ctx context.Context) (*models.ParkingLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.machine.CanTransition(state.EventSubmit) {
		return nil, ErrNoDraft
	}

	log, err := l.api.CreateEntry(ctx, client.EntryRequest{
		LicensePlate: l.draft.LicensePlate,
		CardID:       l.draft.CardID,
		ImageData:    l.draft.ImageData,
	})
	if err != nil {
		l.logger.Warn("Entry submit failed", zap.String("card_id", l.draft.CardID), zap.Error(err))
		return nil, err
	}

	if err := l.machine.Trigger(state.EventSubmit); err != nil {
		return nil, fmt.Errorf("entry recorded but lane state is stale: %w", err)
	}
	l.selected = log
	l.draft = Draft{}
	l.open.Apply(models.LogEvent{Type: models.EventEntryRecorded, Log: log})

	if err := l.open.Refresh(ctx, l.api); err != nil {
		l.logger.Warn("Failed to refresh open logs", zap.Error(err))
	}
	return log, nil
}

// Reset 清空草稿与选中记录
func (l *EntryLane) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.machine.Trigger(state.EventReset)
	l.draft = Draft{}
	l.selected = nil
}
