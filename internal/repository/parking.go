package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/langchou/parkgate/internal/models"
)

// pgUniqueViolation PostgreSQL 唯一约束冲突错误码
const pgUniqueViolation = "23505"

const parkingLogColumns = `id, license_plate, card_id, entry_time, image, image_data, image_meta, created_at, updated_at`

// ParkingLogRepository PostgreSQL 停车记录仓库
type ParkingLogRepository struct {
	db *DB
}

// NewParkingLogRepository 创建停车记录仓库
func NewParkingLogRepository(db *DB) *ParkingLogRepository {
	return &ParkingLogRepository{db: db}
}

// Create 创建停车记录
func (r *ParkingLogRepository) Create(ctx context.Context, log *models.ParkingLog) error {
	query := `
		INSERT INTO parking_logs (id, license_plate, card_id, entry_time, image, image_data, image_meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	id := uuid.NewString()
	err := r.db.Pool.QueryRow(ctx, query,
		id,
		log.LicensePlate,
		log.CardID,
		log.EntryTime,
		log.Image,
		log.ImageData,
		log.ImageMeta,
	).Scan(&log.CreatedAt, &log.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrCardInUse
		}
		return fmt.Errorf("insert parking log: %w", err)
	}

	log.ID = id
	return nil
}

// GetByID 获取停车记录
func (r *ParkingLogRepository) GetByID(ctx context.Context, id string) (*models.ParkingLog, error) {
	query := `SELECT ` + parkingLogColumns + ` FROM parking_logs WHERE id = $1`
	log, err := scanParkingLog(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get parking log: %w", err)
	}
	return log, nil
}

// GetByCardID 获取卡号对应的在场记录
func (r *ParkingLogRepository) GetByCardID(ctx context.Context, cardID string) (*models.ParkingLog, error) {
	query := `SELECT ` + parkingLogColumns + ` FROM parking_logs WHERE card_id = $1`
	log, err := scanParkingLog(r.db.Pool.QueryRow(ctx, query, cardID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get parking log by card: %w", err)
	}
	return log, nil
}

// List 分页查询停车记录
func (r *ParkingLogRepository) List(ctx context.Context, filter models.ParkingLogFilter) ([]*models.ParkingLog, int64, error) {
	where, args := buildWhere(filter)

	var total int64
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM parking_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count parking logs: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM parking_logs%s ORDER BY entry_time DESC, created_at DESC LIMIT $%d OFFSET $%d`,
		parkingLogColumns, where, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Skip())

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list parking logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*models.ParkingLog, 0, filter.Limit)
	for rows.Next() {
		log, err := scanParkingLog(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan parking log: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate parking logs: %w", err)
	}

	return logs, total, nil
}

// Update 更新停车记录
func (r *ParkingLogRepository) Update(ctx context.Context, log *models.ParkingLog) error {
	query := `
		UPDATE parking_logs SET
			license_plate = $2,
			card_id = $3,
			entry_time = $4,
			image = $5,
			image_data = $6,
			image_meta = $7,
			updated_at = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		log.ID,
		log.LicensePlate,
		log.CardID,
		log.EntryTime,
		log.Image,
		log.ImageData,
		log.ImageMeta,
	).Scan(&log.CreatedAt, &log.UpdatedAt)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return ErrNotFound
		case isUniqueViolation(err):
			return ErrCardInUse
		}
		return fmt.Errorf("update parking log: %w", err)
	}
	return nil
}

// Delete 删除停车记录
func (r *ParkingLogRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM parking_logs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete parking log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Aggregate 统计在场记录
func (r *ParkingLogRepository) Aggregate(ctx context.Context, filter models.ParkingLogFilter) (*models.StatsAggregate, error) {
	where, args := buildWhere(filter)
	query := `
		SELECT COUNT(*),
			COUNT(DISTINCT license_plate),
			COUNT(DISTINCT card_id),
			MIN(entry_time),
			AVG(EXTRACT(EPOCH FROM entry_time) * 1000)::DOUBLE PRECISION
		FROM parking_logs` + where

	agg := &models.StatsAggregate{}
	err := r.db.Pool.QueryRow(ctx, query, args...).Scan(
		&agg.Total,
		&agg.UniqueVehicles,
		&agg.UniqueCards,
		&agg.OldestEntry,
		&agg.AvgEntryUnixMs,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate parking logs: %w", err)
	}
	return agg, nil
}

// Ping 检查数据库连接
func (r *ParkingLogRepository) Ping(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// buildWhere 根据过滤条件拼接 WHERE 子句
func buildWhere(f models.ParkingLogFilter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.CardID != "" {
		add("card_id = $%d", f.CardID)
	}
	if f.LicensePlate != "" {
		add("license_plate = $%d", f.LicensePlate)
	}
	if f.Search != "" {
		args = append(args, models.NormalizePlate(f.Search), f.Search)
		conds = append(conds, fmt.Sprintf("(license_plate = $%d OR card_id = $%d)", len(args)-1, len(args)))
	}
	if f.StartDate != nil {
		add("entry_time >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		add("entry_time <= $%d", *f.EndDate)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanParkingLog(row pgx.Row) (*models.ParkingLog, error) {
	log := &models.ParkingLog{}
	err := row.Scan(
		&log.ID,
		&log.LicensePlate,
		&log.CardID,
		&log.EntryTime,
		&log.Image,
		&log.ImageData,
		&log.ImageMeta,
		&log.CreatedAt,
		&log.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return log, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
