package mesh

import (
	"time"

	"IntentMesh/internal/proofs"
)

// Meta 是所有事件共享的路由信息。
type Meta struct {
	MessageID  string
	IntentID   string
	Origin     string
	Target     string
	From       string
	RelayPath  []string
	ReceivedAt time.Time
}

// Metadata 返回事件的路由信息。
func (m Meta) Metadata() Meta { return m }

func (Meta) sealed() {}

// Event 是规范化之后的入站事件，只有本包内定义的类型实现它。
type Event interface {
	Kind() Kind
	Metadata() Meta
	sealed()
}

// PeerDiscovered 表示发现了新的节点。
type PeerDiscovered struct {
	Meta
	PeerID  string
	Address string
}

func (PeerDiscovered) Kind() Kind { return KindPeerDiscovered }

// IntentBroadcast 是其他节点（或自身回声）广播的意图。
type IntentBroadcast struct {
	Meta
	Payload string
	Bid     int64
	Attempt int
	Proof   proofs.Proof
}

func (IntentBroadcast) Kind() Kind { return KindIntentBroadcast }

// DealAccepted 表示对手方接受了某个意图。
type DealAccepted struct {
	Meta
	Price     int64
	Recipient string
	Strategy  string
	Attempt   int
}

func (DealAccepted) Kind() Kind { return KindDealAccepted }

// SettlementComplete 携带发起方的结算回执。
type SettlementComplete struct {
	Meta
	TransferRef   string
	CommitmentRef string
	Price         int64
}

func (SettlementComplete) Kind() Kind { return KindSettlementComplete }

// Unrecognized 是未知 type 的兜底事件，只记录不处理。
type Unrecognized struct {
	Meta
	Type string
}

func (Unrecognized) Kind() Kind { return Kind("Unrecognized") }
