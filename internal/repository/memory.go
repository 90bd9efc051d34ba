package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/langchou/parkgate/internal/models"
)

// MemoryStore 内存存储，用于开发和测试
type MemoryStore struct {
	mu     sync.RWMutex
	logs   map[string]*models.ParkingLog
	byCard map[string]string
	now    func() time.Time
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs:   make(map[string]*models.ParkingLog),
		byCard: make(map[string]string),
		now:    time.Now,
	}
}

// Create 写入记录
func (s *MemoryStore) Create(_ context.Context, log *models.ParkingLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byCard[log.CardID]; ok {
		return ErrCardInUse
	}

	now := s.now()
	log.ID = uuid.NewString()
	log.CreatedAt = now
	log.UpdatedAt = now

	s.logs[log.ID] = log.Clone()
	s.byCard[log.CardID] = log.ID
	return nil
}

// GetByID 按 ID 获取
func (s *MemoryStore) GetByID(_ context.Context, id string) (*models.ParkingLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return log.Clone(), nil
}

// GetByCardID 按卡号获取
func (s *MemoryStore) GetByCardID(_ context.Context, cardID string) (*models.ParkingLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCard[cardID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.logs[id].Clone(), nil
}

// List 分页查询
func (s *MemoryStore) List(_ context.Context, filter models.ParkingLogFilter) ([]*models.ParkingLog, int64, error) {
	s.mu.RLock()
	matched := make([]*models.ParkingLog, 0, len(s.logs))
	for _, log := range s.logs {
		if matchFilter(log, filter) {
			matched = append(matched, log.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].EntryTime.Equal(matched[j].EntryTime) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].EntryTime.After(matched[j].EntryTime)
	})

	total := int64(len(matched))
	skip := filter.Skip()
	if skip >= len(matched) {
		return []*models.ParkingLog{}, total, nil
	}
	end := skip + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[skip:end], total, nil
}

// Update 覆盖更新
func (s *MemoryStore) Update(_ context.Context, log *models.ParkingLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.logs[log.ID]
	if !ok {
		return ErrNotFound
	}
	if owner, ok := s.byCard[log.CardID]; ok && owner != log.ID {
		return ErrCardInUse
	}

	log.CreatedAt = existing.CreatedAt
	log.UpdatedAt = s.now()

	delete(s.byCard, existing.CardID)
	s.byCard[log.CardID] = log.ID
	s.logs[log.ID] = log.Clone()
	return nil
}

// Delete 删除记录
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byCard, log.CardID)
	delete(s.logs, id)
	return nil
}

// Aggregate 统计
func (s *MemoryStore) Aggregate(_ context.Context, filter models.ParkingLogFilter) (*models.StatsAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := &models.StatsAggregate{}
	plates := make(map[string]struct{})
	cards := make(map[string]struct{})
	var sumMs float64

	for _, log := range s.logs {
		if !matchFilter(log, filter) {
			continue
		}
		agg.Total++
		plates[log.LicensePlate] = struct{}{}
		cards[log.CardID] = struct{}{}
		sumMs += float64(log.EntryTime.UnixMilli())
		if agg.OldestEntry == nil || log.EntryTime.Before(*agg.OldestEntry) {
			t := log.EntryTime
			agg.OldestEntry = &t
		}
	}

	agg.UniqueVehicles = int64(len(plates))
	agg.UniqueCards = int64(len(cards))
	if agg.Total > 0 {
		avg := sumMs / float64(agg.Total)
		agg.AvgEntryUnixMs = &avg
	}
	return agg, nil
}

// Ping 内存存储始终可用
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Len 当前记录数
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}

func matchFilter(log *models.ParkingLog, f models.ParkingLogFilter) bool {
	if f.CardID != "" && log.CardID != f.CardID {
		return false
	}
	if f.LicensePlate != "" && log.LicensePlate != f.LicensePlate {
		return false
	}
	if f.Search != "" && log.LicensePlate != models.NormalizePlate(f.Search) && log.CardID != f.Search {
		return false
	}
	if f.StartDate != nil && log.EntryTime.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && log.EntryTime.After(*f.EndDate) {
		return false
	}
	return true
}
