package mesh

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/pkg/logger"
)

// CodeMalformedEvent 表示入站消息无法规范化。
const CodeMalformedEvent xerrors.Code = "MALFORMED_EVENT"

func init() {
	xerrors.Register(CodeMalformedEvent, xerrors.Attributes{
		Message:  "malformed mesh event",
		Severity: xerrors.SeverityInfo,
	})
}

// Normalizer 把原始消息转换为类型化事件。
type Normalizer struct {
	maxBytes int
	logger   *slog.Logger
	now      func() time.Time
}

// NormalizerOption 定制 Normalizer。
type NormalizerOption func(*Normalizer)

// WithMaxBytes 限制单条消息的大小。
func WithMaxBytes(limit int) NormalizerOption {
	return func(n *Normalizer) {
		if limit > 0 {
			n.maxBytes = limit
		}
	}
}

// NewNormalizer 创建 Normalizer。
func NewNormalizer(opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{
		maxBytes: 1 << 20,
		logger:   logger.Named("mesh.normalizer"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize 解码信封并校验各类型的必填字段。
// 未知 type 返回 Unrecognized，格式错误返回 MALFORMED_EVENT。
func (n *Normalizer) Normalize(in Inbound) (Event, error) {
	if len(in.Data) == 0 {
		return nil, malformed("empty message")
	}
	if len(in.Data) > n.maxBytes {
		return nil, malformed(fmt.Sprintf("message of %d bytes exceeds limit", len(in.Data)))
	}

	var env Envelope
	if err := json.Unmarshal(in.Data, &env); err != nil {
		return nil, xerrors.Wrap(CodeMalformedEvent, err, "decode envelope")
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		return nil, malformed("missing type")
	}

	received := in.ReceivedAt
	if received.IsZero() {
		received = n.now().UTC()
	}
	meta := Meta{
		MessageID:  env.MessageID,
		IntentID:   strings.TrimSpace(env.IntentID),
		Origin:     strings.TrimSpace(env.Origin),
		Target:     strings.TrimSpace(env.Target),
		From:       in.From,
		RelayPath:  append([]string(nil), env.RelayPath...),
		ReceivedAt: received,
	}

	switch env.Type {
	case KindPeerDiscovered:
		var body PeerBody
		if err := decodeBody(env, &body); err != nil {
			return nil, err
		}
		if strings.TrimSpace(body.PeerID) == "" {
			return nil, malformed("peer discovered without peer id")
		}
		return PeerDiscovered{Meta: meta, PeerID: strings.TrimSpace(body.PeerID), Address: body.Address}, nil

	case KindIntentBroadcast:
		var body IntentBody
		if err := decodeBody(env, &body); err != nil {
			return nil, err
		}
		if meta.IntentID == "" || meta.Origin == "" {
			return nil, malformed("intent broadcast without intent id or origin")
		}
		if strings.TrimSpace(body.Payload) == "" {
			return nil, malformed("intent broadcast without payload")
		}
		if len(meta.RelayPath) == 0 {
			return nil, malformed("intent broadcast without relay path")
		}
		n.checkRelayFee(meta, env.RelayFee)
		attempt := body.Attempt
		if attempt <= 0 {
			attempt = 1
		}
		return IntentBroadcast{Meta: meta, Payload: body.Payload, Bid: body.Bid, Attempt: attempt, Proof: body.Proof}, nil

	case KindDealAccepted:
		var body DealBody
		if err := decodeBody(env, &body); err != nil {
			return nil, err
		}
		if meta.IntentID == "" || meta.Origin == "" {
			return nil, malformed("deal accepted without intent id or origin")
		}
		if body.Price <= 0 {
			return nil, malformed("deal accepted without positive price")
		}
		if body.Attempt < 0 {
			return nil, malformed("deal accepted with negative attempt")
		}
		return DealAccepted{Meta: meta, Price: body.Price, Recipient: body.Recipient, Strategy: body.Strategy, Attempt: body.Attempt}, nil

	case KindSettlementComplete:
		var body SettlementBody
		if err := decodeBody(env, &body); err != nil {
			return nil, err
		}
		if meta.IntentID == "" {
			return nil, malformed("settlement complete without intent id")
		}
		if body.TransferRef == "" || body.CommitmentRef == "" {
			return nil, malformed("settlement complete without receipt references")
		}
		return SettlementComplete{Meta: meta, TransferRef: body.TransferRef, CommitmentRef: body.CommitmentRef, Price: body.Price}, nil

	default:
		return Unrecognized{Meta: meta, Type: string(env.Type)}, nil
	}
}

// checkRelayFee 只记录异常的手续费格式，不拒绝消息。
func (n *Normalizer) checkRelayFee(meta Meta, fee string) {
	if fee == "" {
		return
	}
	upper := strings.ToUpper(fee)
	if strings.Contains(upper, "SOL") || strings.Contains(upper, "NEAR") {
		return
	}
	n.logger.Warn("unexpected relay fee format",
		slog.String("intent_id", meta.IntentID),
		slog.String("relay_fee", fee))
}

func decodeBody(env Envelope, target any) error {
	if len(env.Body) == 0 {
		return malformed(fmt.Sprintf("%s without body", env.Type))
	}
	if err := json.Unmarshal(env.Body, target); err != nil {
		return xerrors.Wrap(CodeMalformedEvent, err, fmt.Sprintf("decode %s body", env.Type))
	}
	return nil
}

func malformed(msg string) error {
	return xerrors.New(CodeMalformedEvent, msg)
}
