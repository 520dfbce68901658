package mesh

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/proofs"
)

// Kind 是信封上的 type 标签。
type Kind string

const (
	KindPeerDiscovered     Kind = "PeerDiscovered"
	KindIntentBroadcast    Kind = "IntentBroadcast"
	KindDealAccepted       Kind = "DealAccepted"
	KindSettlementComplete Kind = "SettlementComplete"
)

// Envelope 是节点之间传输的消息外壳。
type Envelope struct {
	Type      Kind            `json:"type"`
	MessageID string          `json:"message_id"`
	IntentID  string          `json:"intent_id,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Target    string          `json:"target,omitempty"`
	Encrypted bool            `json:"encrypted"`
	RelayPath []string        `json:"relay_path,omitempty"`
	RelayFee  string          `json:"relay_fee,omitempty"`
	Hops      int             `json:"hops,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	SentAt    time.Time       `json:"sent_at"`
}

// IntentBody 是 IntentBroadcast 的内容。
type IntentBody struct {
	Payload string       `json:"payload"`
	Bid     int64        `json:"bid"`
	Attempt int          `json:"attempt"`
	Proof   proofs.Proof `json:"proof"`
}

// DealBody 是 DealAccepted 的内容。
type DealBody struct {
	Price     int64  `json:"price"`
	Recipient string `json:"recipient"`
	Strategy  string `json:"strategy,omitempty"`

	// Attempt 是对手方看到的广播尝试次数，0 表示未携带。
	Attempt int `json:"attempt,omitempty"`
}

// SettlementBody 是 SettlementComplete 的内容。
type SettlementBody struct {
	TransferRef   string `json:"transfer_ref"`
	CommitmentRef string `json:"commitment_ref"`
	Price         int64  `json:"price"`
}

// PeerBody 是 PeerDiscovered 的内容。
type PeerBody struct {
	PeerID  string `json:"peer_id"`
	Address string `json:"address"`
}

// Header 描述出站信封的路由信息。
type Header struct {
	IntentID string
	Origin   string
	Target   string
	RelayFee string
}

// Encode 构造并序列化一个出站信封。relay path 以发起节点开头。
func Encode(kind Kind, header Header, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode envelope body")
	}
	env := Envelope{
		Type:      kind,
		MessageID: uuid.NewString(),
		IntentID:  header.IntentID,
		Origin:    header.Origin,
		Target:    header.Target,
		Encrypted: kind == KindIntentBroadcast,
		RelayFee:  header.RelayFee,
		Body:      raw,
		SentAt:    time.Now().UTC(),
	}
	if header.Origin != "" {
		env.RelayPath = []string{header.Origin}
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode envelope")
	}
	return encoded, nil
}
