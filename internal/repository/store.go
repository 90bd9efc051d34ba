package repository

import (
	"context"
	"errors"

	"github.com/langchou/parkgate/internal/models"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("parking log not found")
	// ErrCardInUse 卡号已绑定到另一条在场记录（唯一约束冲突）
	ErrCardInUse = errors.New("card already in use")
)

// ParkingLogStore 停车记录存储
//
// 实现必须在存储层保证 card_id 唯一，冲突时返回 ErrCardInUse。
type ParkingLogStore interface {
	// Create 写入新记录，并回填 ID、CreatedAt、UpdatedAt
	Create(ctx context.Context, log *models.ParkingLog) error
	GetByID(ctx context.Context, id string) (*models.ParkingLog, error)
	GetByCardID(ctx context.Context, cardID string) (*models.ParkingLog, error)
	// List 按 entryTime 倒序分页返回，同时返回匹配总数
	List(ctx context.Context, filter models.ParkingLogFilter) ([]*models.ParkingLog, int64, error)
	// Update 整条覆盖可变字段，并回填 UpdatedAt
	Update(ctx context.Context, log *models.ParkingLog) error
	Delete(ctx context.Context, id string) error
	Aggregate(ctx context.Context, filter models.ParkingLogFilter) (*models.StatsAggregate, error)
	Ping(ctx context.Context) error
}
