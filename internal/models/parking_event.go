package models

import "time"

// LogEventType 停车记录事件类型
type LogEventType string

const (
	EventEntryRecorded LogEventType = "entry_recorded"
	EventLogUpdated    LogEventType = "log_updated"
	EventExitCompleted LogEventType = "exit_completed"
)

// LogEvent 停车记录变更事件，推送给 WebSocket 与消息队列
type LogEvent struct {
	ID         string           `json:"id"`
	Type       LogEventType     `json:"type"`
	Log        *ParkingLog      `json:"log,omitempty"`
	Duration   *ParkingDuration `json:"parkingDuration,omitempty"`
	OccurredAt time.Time        `json:"occurredAt"`
}
