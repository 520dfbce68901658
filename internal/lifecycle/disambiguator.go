package lifecycle

import (
	"IntentMesh/internal/identity"
	"IntentMesh/internal/mesh"
)

// Classification 是入站事件相对于本节点的归属。
type Classification int

const (
	// External 是需要处理的外部事件。
	External Classification = iota
	// SelfEcho 是本节点自己发出的消息经网络回送。
	SelfEcho
	// NotAddressed 是定向发送给其他节点的消息。
	NotAddressed
)

func (c Classification) String() string {
	switch c {
	case SelfEcho:
		return "self_echo"
	case NotAddressed:
		return "not_addressed"
	default:
		return "external"
	}
}

// Disambiguator 区分自身回声与外部事件，避免节点把自己的意图当作对手方意图处理。
type Disambiguator struct {
	local identity.Provider
	owns  func(intentID string) bool
}

// NewDisambiguator 创建 Disambiguator。owns 报告某个意图是否由本节点发起（包括已退役的）。
func NewDisambiguator(local identity.Provider, owns func(intentID string) bool) *Disambiguator {
	if owns == nil {
		owns = func(string) bool { return false }
	}
	return &Disambiguator{local: local, owns: owns}
}

// Classify 判断事件归属。
func (d *Disambiguator) Classify(ev mesh.Event) Classification {
	meta := ev.Metadata()
	self := d.local.LocalNodeID()
	if meta.Origin != "" && meta.Origin == self {
		return SelfEcho
	}
	if meta.Target != "" && meta.Target != self {
		return NotAddressed
	}
	// 广播中途被改写了 origin 时，仍然可以用意图 ID 认出自己的意图。
	if ev.Kind() == mesh.KindIntentBroadcast && d.owns(meta.IntentID) {
		return SelfEcho
	}
	return External
}
