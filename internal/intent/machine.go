package intent

import (
	"strings"
	"sync"
	"time"

	xerrors "IntentMesh/internal/errors"
)

// Transition 描述一次已经生效的状态迁移，是通知的唯一来源。
type Transition struct {
	IntentID string
	Role     Role
	From     State
	To       State
	Trigger  Trigger
	Reason   Reason
	Detail   string
	Attempt  int
	At       time.Time
}

// Emitter 接收每一次迁移。Machine 在释放锁之后同步调用它。
type Emitter func(Transition)

// Change 描述随迁移一起生效的修改。
type Change struct {
	Reason Reason
	Detail string
	Mutate func(*Intent) error
}

// Machine 持有单个意图并串行化它的全部修改。
type Machine struct {
	mu     sync.RWMutex
	intent Intent
	emit   Emitter
	now    func() time.Time
}

// Option 定制 Machine。
type Option func(*Machine)

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// New 以 Idle 状态创建状态机。seed 必须带有 ID 与 Role。
func New(seed Intent, emit Emitter, opts ...Option) (*Machine, error) {
	if strings.TrimSpace(seed.ID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "intent id is required")
	}
	if seed.Role != RoleOriginator && seed.Role != RoleCounterparty {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "intent role is required")
	}
	if strings.TrimSpace(seed.Payload) == "" {
		return nil, xerrors.New(CodeEmptyPayload, "")
	}

	m := &Machine{emit: emit, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}

	created := m.now().UTC()
	in := seed.clone()
	in.State = StateIdle
	in.Reason = ReasonNone
	in.Attempt = 1
	in.Proof = nil
	in.ProofVerified = false
	in.Negotiation = nil
	in.Settlement = nil
	in.CreatedAt = created
	in.UpdatedAt = created
	m.intent = in
	return m, nil
}

// Fire 按迁移表执行一次迁移。Mutate 返回错误或试图修改 ID、Role 时迁移不生效。
func (m *Machine) Fire(trigger Trigger, change Change) (Transition, error) {
	m.mu.Lock()
	current := m.intent
	next, err := Next(current.State, trigger, current.Role)
	if err != nil {
		m.mu.Unlock()
		return Transition{}, err
	}

	working := current.clone()
	if trigger == TriggerRegenerate {
		working.Attempt++
		working.Proof = nil
		working.ProofVerified = false
		working.Negotiation = nil
	}
	if change.Mutate != nil {
		if err := change.Mutate(&working); err != nil {
			m.mu.Unlock()
			return Transition{}, err
		}
	}
	if working.ID != current.ID || working.Role != current.Role {
		m.mu.Unlock()
		return Transition{}, xerrors.New(xerrors.CodeConflict, "intent id and role are immutable")
	}

	working.State = next
	working.Detail = change.Detail
	working.Reason = ReasonNone
	if next == StateFailed {
		working.Reason = change.Reason
		if trigger == TriggerCancel {
			working.Reason = ReasonUserCancelled
		}
	}
	working.UpdatedAt = m.now().UTC()
	m.intent = working

	t := Transition{
		IntentID: working.ID,
		Role:     working.Role,
		From:     current.State,
		To:       next,
		Trigger:  trigger,
		Reason:   working.Reason,
		Detail:   change.Detail,
		Attempt:  working.Attempt,
		At:       working.UpdatedAt,
	}
	m.mu.Unlock()

	if m.emit != nil {
		m.emit(t)
	}
	return t, nil
}

// Fail 以给定原因进入 Failed。
func (m *Machine) Fail(reason Reason, detail string) (Transition, error) {
	return m.Fire(TriggerFail, Change{Reason: reason, Detail: detail})
}

// Cancel 以 USER_CANCELLED 进入 Failed。
func (m *Machine) Cancel(detail string) (Transition, error) {
	return m.Fire(TriggerCancel, Change{Detail: detail})
}

// Snapshot 返回当前意图的副本。
func (m *Machine) Snapshot() Intent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.intent.clone()
}

// State 返回当前状态。
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.intent.State
}

// Role 返回意图身份。
func (m *Machine) Role() Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.intent.Role
}

// ID 返回意图标识。
func (m *Machine) ID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.intent.ID
}
