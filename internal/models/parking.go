package models

import (
	"fmt"
	"strings"
	"time"
)

// ImageMeta 入场图片元信息
type ImageMeta struct {
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// ParkingLog 停车记录，一条记录对应一次未结束的停车
type ParkingLog struct {
	ID           string     `json:"id"`
	LicensePlate string     `json:"licensePlate"`
	CardID       string     `json:"cardId"`
	EntryTime    time.Time  `json:"entryTime"`
	Image        *string    `json:"image"`
	ImageData    *string    `json:"imageData"`
	ImageMeta    *ImageMeta `json:"imageMeta,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Clone 返回深拷贝
func (l *ParkingLog) Clone() *ParkingLog {
	if l == nil {
		return nil
	}
	c := *l
	if l.Image != nil {
		v := *l.Image
		c.Image = &v
	}
	if l.ImageData != nil {
		v := *l.ImageData
		c.ImageData = &v
	}
	if l.ImageMeta != nil {
		m := *l.ImageMeta
		c.ImageMeta = &m
	}
	return &c
}

// ParkingLogFilter 列表查询条件
type ParkingLogFilter struct {
	CardID       string
	LicensePlate string
	Search       string // 车牌或卡号
	StartDate    *time.Time
	EndDate      *time.Time
	Page         int
	Limit        int
}

// 分页默认值
const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 1000
)

// Normalize 规范化过滤条件与分页参数
func (f *ParkingLogFilter) Normalize() {
	f.CardID = NormalizeCardID(f.CardID)
	f.LicensePlate = NormalizePlate(f.LicensePlate)
	f.Search = strings.TrimSpace(f.Search)
	if f.Page < 1 {
		f.Page = DefaultPage
	}
	if f.Limit < 1 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
}

// Skip 分页偏移量
func (f ParkingLogFilter) Skip() int {
	return (f.Page - 1) * f.Limit
}

// ParkingLogPatch 部分更新，nil 表示未提供
type ParkingLogPatch struct {
	LicensePlate *string    `json:"licensePlate"`
	CardID       *string    `json:"cardId"`
	Image        *string    `json:"image"`
	ImageData    *string    `json:"imageData"`
	ImageMeta    *ImageMeta `json:"imageMeta"`
	EntryTime    *time.Time `json:"entryTime"`
}

// IsEmpty 是否没有任何字段
func (p ParkingLogPatch) IsEmpty() bool {
	return p.LicensePlate == nil && p.CardID == nil && p.Image == nil && p.ImageData == nil && p.ImageMeta == nil && p.EntryTime == nil
}

// Pagination 分页信息
type Pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
	Pages int64 `json:"pages"`
}

// NewPagination 计算总页数
func NewPagination(page, limit int, total int64) Pagination {
	p := Pagination{Page: page, Limit: limit, Total: total}
	if limit > 0 {
		p.Pages = (total + int64(limit) - 1) / int64(limit)
	}
	return p
}

// ParkingLogList 列表结果
type ParkingLogList struct {
	ParkingLogs []*ParkingLog `json:"parkingLogs"`
	Pagination  Pagination    `json:"pagination"`
}

// ParkingDuration 停车时长
type ParkingDuration struct {
	Milliseconds int64  `json:"milliseconds"`
	Minutes      int64  `json:"minutes"`
	Hours        int64  `json:"hours"`
	Formatted    string `json:"formatted"`
}

// NewParkingDuration 由时间差计算停车时长，负值按 0 处理
func NewParkingDuration(d time.Duration) ParkingDuration {
	if d < 0 {
		d = 0
	}
	totalMinutes := int64(d / time.Minute)
	hours := totalMinutes / 60
	return ParkingDuration{
		Milliseconds: d.Milliseconds(),
		Minutes:      totalMinutes,
		Hours:        hours,
		Formatted:    fmt.Sprintf("%dh %dm", hours, totalMinutes%60),
	}
}

// ExitReceipt 出场（删除）结果
type ExitReceipt struct {
	ID              string          `json:"id"`
	LicensePlate    string          `json:"licensePlate"`
	CardID          string          `json:"cardId"`
	Image           *string         `json:"image"`
	ImageData       *string         `json:"imageData,omitempty"`
	EntryTime       time.Time       `json:"entryTime"`
	ExitTime        time.Time       `json:"exitTime"`
	ParkingDuration ParkingDuration `json:"parkingDuration"`
}

// PlateComparison 出场车牌比对
type PlateComparison struct {
	Entry string `json:"entry"`
	Exit  string `json:"exit"`
}

// ExitValidation 出场校验结果，不会删除记录
type ExitValidation struct {
	Matched bool            `json:"matched"`
	Entry   *ParkingLog     `json:"entry"`
	Details PlateComparison `json:"details"`
}

// ParkingStats 在场车辆统计
type ParkingStats struct {
	Total              int64      `json:"total"`
	UniqueVehicles     int64      `json:"uniqueVehicles"`
	UniqueCards        int64      `json:"uniqueCards"`
	OldestEntryTime    *time.Time `json:"oldestEntryTime,omitempty"`
	AverageDurationMs  int64      `json:"averageDurationMs"`
	AverageDurationFmt string     `json:"averageDuration"`
}

// StatsAggregate 存储层聚合结果
type StatsAggregate struct {
	Total          int64
	UniqueVehicles int64
	UniqueCards    int64
	OldestEntry    *time.Time
	AvgEntryUnixMs *float64
}

// NormalizePlate 车牌规范化：去空格并转大写
func NormalizePlate(plate string) string {
	return strings.ToUpper(strings.TrimSpace(plate))
}

// NormalizeCardID 卡号规范化：去空格
func NormalizeCardID(cardID string) string {
	return strings.TrimSpace(cardID)
}
