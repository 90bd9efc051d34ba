package events

import (
	"context"

	"github.com/langchou/parkgate/internal/models"
)

// Broadcaster WebSocket 广播能力，由 ws.Hub 实现
type Broadcaster interface {
	BroadcastMessage(msgType string, data interface{})
}

// WSPublisher 将事件广播给所有 WebSocket 客户端
type WSPublisher struct {
	hub Broadcaster
}

// NewWSPublisher 创建 WebSocket 发布者
func NewWSPublisher(hub Broadcaster) *WSPublisher {
	return &WSPublisher{hub: hub}
}

// Publish 以事件类型作为消息类型广播
func (p *WSPublisher) Publish(_ context.Context, ev models.LogEvent) error {
	p.hub.BroadcastMessage(string(ev.Type), ev)
	return nil
}
