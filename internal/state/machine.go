package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// 车道类型
const (
	KindEntry = "entry"
	KindExit  = "exit"
)

// 车道状态常量
const (
	StateIdle      = "idle"
	StateDraft     = "draft"     // 入场草稿（识别或手工填写）
	StateSubmitted = "submitted" // 入场已提交
	StateValidated = "validated" // 出场车牌一致
	StateMismatch  = "mismatch"  // 出场车牌不一致，等待人工确认
	StateCompleted = "completed" // 出场已确认
)

// 事件常量
const (
	EventRecognize = "recognize"
	EventEdit      = "edit"
	EventSubmit    = "submit"
	EventValidate  = "validate"
	EventMismatch  = "mismatch"
	EventConfirm   = "confirm"
	EventReset     = "reset"
)

// LaneState 车道状态快照
type LaneState struct {
	LaneID string    `json:"lane_id"`
	Kind   string    `json:"kind"`
	State  string    `json:"state"`
	Since  time.Time `json:"since"`
}

// Machine 车道状态机
type Machine struct {
	mu            sync.RWMutex
	laneID        string
	kind          string
	fsm           *fsm.FSM
	since         time.Time
	onStateChange func(laneID, from, to string)
}

// NewEntryMachine 创建入场车道状态机
//
//	idle/draft/submitted --recognize|edit--> draft --submit--> submitted
func NewEntryMachine(laneID string, onStateChange func(laneID, from, to string)) *Machine {
	all := []string{StateIdle, StateDraft, StateSubmitted}
	return newMachine(laneID, KindEntry, onStateChange, fsm.Events{
		{Name: EventRecognize, Src: all, Dst: StateDraft},
		{Name: EventEdit, Src: all, Dst: StateDraft},
		{Name: EventSubmit, Src: []string{StateDraft}, Dst: StateSubmitted},
		{Name: EventReset, Src: all, Dst: StateIdle},
	})
}

// NewExitMachine 创建出场车道状态机
//
// 校验结果可以重复刷新，确认只能在校验之后进行，车牌不一致时允许人工确认。
func NewExitMachine(laneID string, onStateChange func(laneID, from, to string)) *Machine {
	all := []string{StateIdle, StateValidated, StateMismatch, StateCompleted}
	return newMachine(laneID, KindExit, onStateChange, fsm.Events{
		{Name: EventValidate, Src: all, Dst: StateValidated},
		{Name: EventMismatch, Src: all, Dst: StateMismatch},
		{Name: EventConfirm, Src: []string{StateValidated, StateMismatch}, Dst: StateCompleted},
		{Name: EventReset, Src: all, Dst: StateIdle},
	})
}

func newMachine(laneID, kind string, onStateChange func(laneID, from, to string), events fsm.Events) *Machine {
	m := &Machine{
		laneID:        laneID,
		kind:          kind,
		since:         time.Now(),
		onStateChange: onStateChange,
	}

	m.fsm = fsm.NewFSM(
		StateIdle,
		events,
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onStateChange != nil && e.Src != e.Dst {
					m.onStateChange(m.laneID, e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// CurrentState 获取当前状态
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// GetState 获取状态快照
func (m *Machine) GetState() LaneState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return LaneState{
		LaneID: m.laneID,
		Kind:   m.kind,
		State:  m.fsm.Current(),
		Since:  m.since,
	}
}

// Trigger 触发事件，状态不变的合法事件不视为错误
func (m *Machine) Trigger(event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.fsm.Current()
	if err := m.fsm.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			return fmt.Errorf("trigger event %s from %s: %w", event, from, err)
		}
	}

	if m.fsm.Current() != from {
		m.since = time.Now()
	}
	return nil
}

// CanTransition 检查是否可以转换
func (m *Machine) CanTransition(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}

// IsInvalidTransition 判断错误是否为当前状态下不允许的事件
func IsInvalidTransition(err error) bool {
	var invalid fsm.InvalidEventError
	return errors.As(err, &invalid)
}
