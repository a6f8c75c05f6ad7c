package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// 密钥状态常量
const (
	KeyEmpty     = "empty"
	KeyGenerated = "generated"
	KeyValidated = "validated"
)

// 事件常量
const (
	EventGenerate   = "generate"
	EventValidate   = "validate"
	EventInvalidate = "invalidate"
)

// KeyState 密钥状态快照
type KeyState struct {
	State       string     `json:"state"`
	KeyMaterial string     `json:"-"`
	Validated   bool       `json:"validated"`
	IssuedAt    *time.Time `json:"issued_at,omitempty"` // 仅用于诊断，不做过期判断
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
}

// HasKey 是否持有密钥
func (s KeyState) HasKey() bool {
	return s.KeyMaterial != ""
}

// KeyMachine RUNT 密钥状态机
// empty -> generated -> validated，查询返回"未验证"时 validated -> generated
type KeyMachine struct {
	mu            sync.RWMutex
	fsm           *fsm.FSM
	state         KeyState
	onStateChange func(from, to string)
}

// NewKeyMachine 创建状态机
func NewKeyMachine(onStateChange func(from, to string)) *KeyMachine {
	m := &KeyMachine{
		onStateChange: onStateChange,
		state:         KeyState{State: KeyEmpty},
	}

	m.fsm = fsm.NewFSM(
		KeyEmpty,
		fsm.Events{
			// 任何状态都可以重新申请密钥
			{Name: EventGenerate, Src: []string{KeyEmpty, KeyGenerated, KeyValidated}, Dst: KeyGenerated},

			{Name: EventValidate, Src: []string{KeyGenerated}, Dst: KeyValidated},
			{Name: EventInvalidate, Src: []string{KeyValidated}, Dst: KeyGenerated},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onStateChange != nil && e.Src != e.Dst {
					m.onStateChange(e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// Current 当前状态
func (m *KeyMachine) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// Snapshot 获取状态副本
func (m *KeyMachine) Snapshot() KeyState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.state
	s.State = m.fsm.Current()
	return s
}

// Generated 记录新申请到的密钥，之前的验证状态作废
func (m *KeyMachine) Generated(key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.trigger(EventGenerate); err != nil {
		return err
	}
	m.state.KeyMaterial = key
	m.state.Validated = false
	m.state.IssuedAt = &at
	m.state.ValidatedAt = nil
	return nil
}

// Validated 标记当前密钥已验证
func (m *KeyMachine) Validated(at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.trigger(EventValidate); err != nil {
		return err
	}
	m.state.Validated = true
	m.state.ValidatedAt = &at
	return nil
}

// Invalidate 上游表示密钥未验证时回退到 generated
// 非 validated 状态下调用不做任何事
func (m *KeyMachine) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.fsm.Can(EventInvalidate) {
		return
	}
	if err := m.trigger(EventInvalidate); err != nil {
		return
	}
	m.state.Validated = false
	m.state.ValidatedAt = nil
}

// trigger 调用方需持有写锁
func (m *KeyMachine) trigger(event string) error {
	if err := m.fsm.Event(context.Background(), event); err != nil {
		// generated 再次 generate 时状态不变，fsm 返回 NoTransitionError
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			m.state.State = m.fsm.Current()
			return nil
		}
		return fmt.Errorf("trigger event %s: %w", event, err)
	}
	m.state.State = m.fsm.Current()
	return nil
}
