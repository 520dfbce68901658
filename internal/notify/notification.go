package notify

import (
	"encoding/json"
	"time"

	"IntentMesh/internal/intent"
)

// Notification 是一次状态迁移的对外表示。Seq 在单个节点内单调递增。
type Notification struct {
	Seq       uint64    `json:"seq"`
	IntentID  string    `json:"intent_id"`
	Role      string    `json:"role"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Trigger   string    `json:"trigger"`
	Reason    string    `json:"reason,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// FromTransition 将状态机迁移转换为通知，Seq 由 Hub 分配。
func FromTransition(t intent.Transition) Notification {
	return Notification{
		IntentID:  t.IntentID,
		Role:      string(t.Role),
		From:      string(t.From),
		To:        string(t.To),
		Trigger:   string(t.Trigger),
		Reason:    string(t.Reason),
		Detail:    t.Detail,
		Attempt:   t.Attempt,
		Timestamp: t.At,
	}
}

// Terminal reports whether the notification moved the intent into a terminal state.
func (n Notification) Terminal() bool {
	return intent.State(n.To).Terminal()
}

func (n Notification) encode() ([]byte, error) {
	return json.Marshal(n)
}
