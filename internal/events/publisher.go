// Package events 将停车记录变更推送到 WebSocket 客户端和消息队列
package events

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/langchou/parkgate/internal/metrics"
	"github.com/langchou/parkgate/internal/models"
)

// Publisher 事件发布者
type Publisher interface {
	Publish(ctx context.Context, ev models.LogEvent) error
}

// Nop 丢弃所有事件
type Nop struct{}

// Publish 空操作
func (Nop) Publish(context.Context, models.LogEvent) error { return nil }

// sink 带名称的发布者，用于指标标签
type sink struct {
	name string
	pub  Publisher
}

// Fanout 依次推送到所有发布者，单个失败不影响其他发布者
type Fanout struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	sinks   []sink
}

// NewFanout 创建 Fanout
func NewFanout(logger *zap.Logger, m *metrics.Metrics) *Fanout {
	return &Fanout{logger: logger, metrics: m}
}

// Add 添加发布者
func (f *Fanout) Add(name string, pub Publisher) *Fanout {
	f.sinks = append(f.sinks, sink{name: name, pub: pub})
	return f
}

// Publish 推送事件，返回所有失败的合并错误
func (f *Fanout) Publish(ctx context.Context, ev models.LogEvent) error {
	var errs []error
	for _, s := range f.sinks {
		err := s.pub.Publish(ctx, ev)
		f.metrics.ObservePublish(s.name, err)
		if err != nil {
			f.logger.Warn("Failed to publish parking event",
				zap.String("sink", s.name),
				zap.String("type", string(ev.Type)),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
