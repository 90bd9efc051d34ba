package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/langchou/parkgate/internal/events"
	"github.com/langchou/parkgate/internal/metrics"
	"github.com/langchou/parkgate/internal/models"
	"github.com/langchou/parkgate/internal/repository"
)

// publishTimeout 单次事件推送的超时
const publishTimeout = 2 * time.Second

// ParkingLogService 停车记录业务服务
type ParkingLogService struct {
	logger    *zap.Logger
	store     repository.ParkingLogStore
	publisher events.Publisher
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option 服务选项
type Option func(*ParkingLogService)

// WithPublisher 设置事件发布者
func WithPublisher(p events.Publisher) Option {
	return func(s *ParkingLogService) { s.publisher = p }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ParkingLogService) { s.metrics = m }
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *ParkingLogService) { s.now = now }
}

// NewParkingLogService 创建服务
func NewParkingLogService(logger *zap.Logger, store repository.ParkingLogStore, opts ...Option) *ParkingLogService {
	s := &ParkingLogService{
		logger:    logger,
		store:     store,
		publisher: events.Nop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EntryInput 入场参数
type EntryInput struct {
	LicensePlate string
	CardID       string
	Image        *string
	ImageData    *string
	ImageMeta    *models.ImageMeta
	EntryTime    *time.Time
}

// List 按条件分页查询
func (s *ParkingLogService) List(ctx context.Context, filter models.ParkingLogFilter) (*models.ParkingLogList, error) {
	filter.Normalize()

	logs, total, err := s.store.List(ctx, filter)
	if err != nil {
		s.logger.Error("Failed to list parking logs", zap.Error(err))
		return nil, internalError("failed to list parking logs", err)
	}

	return &models.ParkingLogList{
		ParkingLogs: logs,
		Pagination:  models.NewPagination(filter.Page, filter.Limit, total),
	}, nil
}

// GetByID 获取单条记录
func (s *ParkingLogService) GetByID(ctx context.Context, id string) (*models.ParkingLog, error) {
	log, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(CodeNotFound, "parking log not found")
		}
		s.logger.Error("Failed to get parking log", zap.String("id", id), zap.Error(err))
		return nil, internalError("failed to get parking log", err)
	}
	return log, nil
}

// CreateEntry 记录车辆入场，同一卡号只能绑定一条在场记录
func (s *ParkingLogService) CreateEntry(ctx context.Context, in EntryInput) (*models.ParkingLog, error) {
	log, err := s.createEntry(ctx, in)
	s.observe("entry", err)
	return log, err
}

func (s *ParkingLogService) createEntry(ctx context.Context, in EntryInput) (*models.ParkingLog, error) {
	plate := models.NormalizePlate(in.LicensePlate)
	cardID := models.NormalizeCardID(in.CardID)
	if plate == "" || cardID == "" {
		return nil, &Error{
			Code:    CodeMissingRequiredFields,
			Message: "license plate and card id are required",
			Details: missingFields(plate, cardID),
		}
	}

	existing, err := s.store.GetByCardID(ctx, cardID)
	switch {
	case err == nil:
		return nil, cardInUse(cardID, existing)
	case !errors.Is(err, repository.ErrNotFound):
		s.logger.Error("Failed to check card", zap.String("card_id", cardID), zap.Error(err))
		return nil, internalError("failed to check card", err)
	}

	log := &models.ParkingLog{
		LicensePlate: plate,
		CardID:       cardID,
		EntryTime:    s.now(),
		Image:        emptyToNil(in.Image),
		ImageData:    emptyToNil(in.ImageData),
		ImageMeta:    in.ImageMeta,
	}
	if in.EntryTime != nil && !in.EntryTime.IsZero() {
		log.EntryTime = *in.EntryTime
	}

	if err := s.store.Create(ctx, log); err != nil {
		if errors.Is(err, repository.ErrCardInUse) {
			// 并发入场时由唯一约束兜底
			conflict, _ := s.store.GetByCardID(ctx, cardID)
			return nil, cardInUse(cardID, conflict)
		}
		s.logger.Error("Failed to create parking log", zap.String("card_id", cardID), zap.Error(err))
		return nil, internalError("failed to create parking log", err)
	}

	s.logger.Info("Vehicle entered",
		zap.String("id", log.ID),
		zap.String("license_plate", log.LicensePlate),
		zap.String("card_id", log.CardID),
	)
	s.publish(ctx, models.LogEvent{Type: models.EventEntryRecorded, Log: log})
	return log, nil
}

// Update 部分更新，仅修改提供的字段
func (s *ParkingLogService) Update(ctx context.Context, id string, patch models.ParkingLogPatch) (*models.ParkingLog, error) {
	log, err := s.update(ctx, id, patch)
	s.observe("update", err)
	return log, err
}

func (s *ParkingLogService) update(ctx context.Context, id string, patch models.ParkingLogPatch) (*models.ParkingLog, error) {
	log, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.LicensePlate != nil {
		plate := models.NormalizePlate(*patch.LicensePlate)
		if plate == "" {
			return nil, &Error{Code: CodeValidation, Message: "license plate cannot be empty", Details: map[string]string{"field": "licensePlate"}}
		}
		log.LicensePlate = plate
	}

	if patch.CardID != nil {
		cardID := models.NormalizeCardID(*patch.CardID)
		if cardID == "" {
			return nil, &Error{Code: CodeValidation, Message: "card id cannot be empty", Details: map[string]string{"field": "cardId"}}
		}
		if cardID != log.CardID {
			other, err := s.store.GetByCardID(ctx, cardID)
			switch {
			case err == nil && other.ID != log.ID:
				return nil, cardInUse(cardID, other)
			case err != nil && !errors.Is(err, repository.ErrNotFound):
				s.logger.Error("Failed to check card", zap.String("card_id", cardID), zap.Error(err))
				return nil, internalError("failed to check card", err)
			}
		}
		log.CardID = cardID
	}

	if patch.Image != nil {
		log.Image = emptyToNil(patch.Image)
	}
	// 元信息跟随图片数据，换图时旧的元信息作废
	switch {
	case patch.ImageData != nil:
		log.ImageData = emptyToNil(patch.ImageData)
		log.ImageMeta = nil
		if log.ImageData != nil && patch.ImageMeta != nil {
			m := *patch.ImageMeta
			log.ImageMeta = &m
		}
	case patch.ImageMeta != nil && log.ImageData != nil:
		m := *patch.ImageMeta
		log.ImageMeta = &m
	}
	if patch.EntryTime != nil {
		log.EntryTime = *patch.EntryTime
	}

	if err := s.store.Update(ctx, log); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, newError(CodeNotFound, "parking log not found")
		case errors.Is(err, repository.ErrCardInUse):
			conflict, _ := s.store.GetByCardID(ctx, log.CardID)
			return nil, cardInUse(log.CardID, conflict)
		}
		s.logger.Error("Failed to update parking log", zap.String("id", id), zap.Error(err))
		return nil, internalError("failed to update parking log", err)
	}

	s.logger.Info("Parking log updated", zap.String("id", log.ID))
	s.publish(ctx, models.LogEvent{Type: models.EventLogUpdated, Log: log})
	return log, nil
}

// ProcessExit 校验出场车牌，只校验不删除
//
// 车牌不一致时同时返回校验结果和 LICENSE_PLATE_MISMATCH 错误，供操作员比对。
func (s *ParkingLogService) ProcessExit(ctx context.Context, cardID, exitPlate string) (*models.ExitValidation, error) {
	v, err := s.processExit(ctx, cardID, exitPlate)
	s.observe("exit_validate", err)
	return v, err
}

func (s *ParkingLogService) processExit(ctx context.Context, cardID, exitPlate string) (*models.ExitValidation, error) {
	cardID = models.NormalizeCardID(cardID)
	exitPlate = models.NormalizePlate(exitPlate)
	if cardID == "" || exitPlate == "" {
		return nil, &Error{
			Code:    CodeMissingRequiredFields,
			Message: "card id and exit license plate are required",
			Details: missingFields(exitPlate, cardID),
		}
	}

	entry, err := s.store.GetByCardID(ctx, cardID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &Error{
				Code:    CodeNoEntryFound,
				Message: fmt.Sprintf("no entry found for card %s", cardID),
				Details: map[string]string{"cardId": cardID},
			}
		}
		s.logger.Error("Failed to look up entry", zap.String("card_id", cardID), zap.Error(err))
		return nil, internalError("failed to look up entry", err)
	}

	v := &models.ExitValidation{
		Matched: models.NormalizePlate(entry.LicensePlate) == exitPlate,
		Entry:   entry,
		Details: models.PlateComparison{
			Entry: models.NormalizePlate(entry.LicensePlate),
			Exit:  exitPlate,
		},
	}

	if !v.Matched {
		s.logger.Warn("License plate mismatch at exit",
			zap.String("card_id", cardID),
			zap.String("entry_plate", v.Details.Entry),
			zap.String("exit_plate", v.Details.Exit),
		)
		return v, &Error{
			Code:    CodePlateMismatch,
			Message: fmt.Sprintf("license plate mismatch: entered as %s, exiting as %s", v.Details.Entry, v.Details.Exit),
			Details: v.Details,
		}
	}

	return v, nil
}

// DeleteByID 确认出场：计算停车时长后删除记录
func (s *ParkingLogService) DeleteByID(ctx context.Context, id string) (*models.ExitReceipt, error) {
	r, err := s.deleteByID(ctx, id)
	s.observe("exit", err)
	return r, err
}

func (s *ParkingLogService) deleteByID(ctx context.Context, id string) (*models.ExitReceipt, error) {
	log, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	exitTime := s.now()
	duration := models.NewParkingDuration(exitTime.Sub(log.EntryTime))

	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(CodeNotFound, "parking log not found")
		}
		s.logger.Error("Failed to delete parking log", zap.String("id", id), zap.Error(err))
		return nil, internalError("failed to delete parking log", err)
	}

	s.logger.Info("Vehicle exited",
		zap.String("id", log.ID),
		zap.String("license_plate", log.LicensePlate),
		zap.String("card_id", log.CardID),
		zap.String("duration", duration.Formatted),
	)
	s.publish(ctx, models.LogEvent{Type: models.EventExitCompleted, Log: log, Duration: &duration})

	return &models.ExitReceipt{
		ID:              log.ID,
		LicensePlate:    log.LicensePlate,
		CardID:          log.CardID,
		Image:           log.Image,
		ImageData:       log.ImageData,
		EntryTime:       log.EntryTime,
		ExitTime:        exitTime,
		ParkingDuration: duration,
	}, nil
}

// Stats 在场车辆统计
func (s *ParkingLogService) Stats(ctx context.Context, filter models.ParkingLogFilter) (*models.ParkingStats, error) {
	filter.Normalize()

	agg, err := s.store.Aggregate(ctx, filter)
	if err != nil {
		s.logger.Error("Failed to aggregate parking logs", zap.Error(err))
		return nil, internalError("failed to aggregate parking logs", err)
	}

	stats := &models.ParkingStats{
		Total:           agg.Total,
		UniqueVehicles:  agg.UniqueVehicles,
		UniqueCards:     agg.UniqueCards,
		OldestEntryTime: agg.OldestEntry,
	}
	if agg.AvgEntryUnixMs != nil {
		avgEntry := time.UnixMilli(int64(*agg.AvgEntryUnixMs))
		d := models.NewParkingDuration(s.now().Sub(avgEntry))
		stats.AverageDurationMs = d.Milliseconds
		stats.AverageDurationFmt = d.Formatted
	} else {
		stats.AverageDurationFmt = models.NewParkingDuration(0).Formatted
	}
	return stats, nil
}

// Ping 检查存储可用性
func (s *ParkingLogService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *ParkingLogService) publish(ctx context.Context, ev models.LogEvent) {
	ev.ID = uuid.NewString()
	ev.OccurredAt = s.now()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("Parking event not fully delivered", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func (s *ParkingLogService) observe(operation string, err error) {
	result := "ok"
	if err != nil {
		result = CodeOf(err)
	}
	s.metrics.ObserveOperation(operation, result)
}

func cardInUse(cardID string, existing *models.ParkingLog) *Error {
	if existing == nil {
		return &Error{
			Code:    CodeCardInUse,
			Message: fmt.Sprintf("card %s is already in use", cardID),
			Details: map[string]string{"cardId": cardID},
		}
	}
	return &Error{
		Code: CodeCardInUse,
		Message: fmt.Sprintf("card %s is already in use by vehicle %s (entered at %s)",
			cardID, existing.LicensePlate, existing.EntryTime.Format("2006-01-02 15:04:05")),
		Details: map[string]interface{}{
			"id":           existing.ID,
			"cardId":       cardID,
			"licensePlate": existing.LicensePlate,
			"entryTime":    existing.EntryTime,
		},
	}
}

func missingFields(plate, cardID string) map[string][]string {
	var fields []string
	if plate == "" {
		fields = append(fields, "licensePlate")
	}
	if cardID == "" {
		fields = append(fields, "cardId")
	}
	return map[string][]string{"fields": fields}
}

func emptyToNil(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
