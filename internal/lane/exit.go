package lane

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/langchou/parkgate/internal/api/lpr"
	"github.com/langchou/parkgate/internal/models"
	"github.com/langchou/parkgate/internal/service"
	"github.com/langchou/parkgate/internal/state"
	"github.com/langchou/parkgate/pkg/client"
)

// ExitLane 出场车道：先校验车牌，人工确认后才删除记录
type ExitLane struct {
	mu         sync.Mutex
	api        API
	logger     *zap.Logger
	machine    *state.Machine
	validation *models.ExitValidation
	receipt    *models.ExitReceipt
	open       *OpenLogs
}

// NewExitLane 创建出场车道
func NewExitLane(laneID string, api API, open *OpenLogs, logger *zap.Logger) *ExitLane {
	if open == nil {
		open = &OpenLogs{}
	}
	l := &ExitLane{
		api:    api,
		logger: logger,
		open:   open,
	}
	l.machine = state.NewExitMachine(laneID, func(laneID, from, to string) {
		logger.Debug("Exit lane state changed",
			zap.String("lane", laneID),
			zap.String("from", from),
			zap.String("to", to),
		)
	})
	return l
}

// State 当前状态
func (l *ExitLane) State() string {
	return l.machine.CurrentState()
}

// Validation 最近一次校验结果，包含入场图片供比对
func (l *ExitLane) Validation() *models.ExitValidation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.validation
}

// Receipt 最近一次确认出场的结果
func (l *ExitLane) Receipt() *models.ExitReceipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.receipt
}

// OpenLogs 在场记录
func (l *ExitLane) OpenLogs() []*models.ParkingLog {
	return l.open.Snapshot()
}

// RecognizeFile 识别出场车牌，不改变车道状态
func (l *ExitLane) RecognizeFile(ctx context.Context, img lpr.Image) (*lpr.Result, error) {
	res, err := l.api.Recognize(ctx, img)
	logRecognition(l.logger, "exit", res, err)
	return res, err
}

// RecognizeCamera 摄像头识别出场车牌
func (l *ExitLane) RecognizeCamera(ctx context.Context, cameraID int) (*lpr.Result, error) {
	res, err := l.api.RecognizeCamera(ctx, cameraID)
	logRecognition(l.logger, "exit", res, err)
	return res, err
}

// Validate 校验卡号与出场车牌，不一致时返回校验结果和错误
func (l *ExitLane) Validate(ctx context.Context, cardID, exitPlate string) (*models.ExitValidation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, err := l.api.ValidateExit(ctx, cardID, exitPlate)
	switch {
	case err == nil:
		if terr := l.machine.Trigger(state.EventValidate); terr != nil {
			return nil, terr
		}
	case v != nil && client.IsCode(err, service.CodePlateMismatch):
		if terr := l.machine.Trigger(state.EventMismatch); terr != nil {
			return nil, terr
		}
		l.logger.Warn("Exit plate mismatch",
			zap.String("card_id", cardID),
			zap.String("entry_plate", v.Details.Entry),
			zap.String("exit_plate", v.Details.Exit),
		)
	default:
		// 上一次校验作废，避免确认到别的卡
		_ = l.machine.Trigger(state.EventReset)
		l.validation = nil
		l.receipt = nil
		return nil, err
	}

	l.validation = v
	l.receipt = nil
	return v, err
}

// Confirm 人工确认出场，删除入场记录并刷新在场列表
func (l *ExitLane) Confirm(ctx context.Context) (*models.ExitReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.validation == nil || l.validation.Entry == nil || !l.machine.CanTransition(state.EventConfirm) {
		return nil, ErrNotValidated
	}

	receipt, err := l.api.CompleteExit(ctx, l.validation.Entry.ID)
	if err != nil {
		l.logger.Warn("Exit confirm failed", zap.String("id", l.validation.Entry.ID), zap.Error(err))
		return nil, err
	}

	if err := l.machine.Trigger(state.EventConfirm); err != nil {
		return nil, fmt.Errorf("exit completed but lane state is stale: %w", err)
	}
	l.receipt = receipt
	l.open.remove(receipt.ID)

	if err := l.open.Refresh(ctx, l.api); err != nil {
		l.logger.Warn("Failed to refresh open logs", zap.Error(err))
	}
	return receipt, nil
}

// Reset 清空校验结果
func (l *ExitLane) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.machine.Trigger(state.EventReset)
	l.validation = nil
	l.receipt = nil
}
