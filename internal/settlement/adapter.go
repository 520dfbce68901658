package settlement

import (
	"context"
	"time"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/intent"
	"IntentMesh/internal/proofs"
)

// Status 是结算引用在后端上的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusFinalized Status = "finalized"
	StatusFailed    Status = "failed"
	StatusUnknown   Status = "unknown"
)

// 结算阶段，出现在 SETTLEMENT_ERROR 的 phase 元数据中。
const (
	PhaseTransfer = "transfer"
	PhaseFinalize = "finalize"
	PhaseConfirm  = "confirm"
)

// Adapter 是结算后端的抽象。
type Adapter interface {
	// Transfer 发起转账并返回转账引用。
	Transfer(ctx context.Context, amount int64, recipient string) (string, error)
	// Finalize 把转账与证明绑定并返回承诺引用。对同一转账引用重复调用必须幂等。
	Finalize(ctx context.Context, transferRef string, proof proofs.Proof) (string, error)
	// Status 查询转账或承诺引用的状态。
	Status(ctx context.Context, ref string) (Status, error)
}

// Receipt 是一次成功结算的回执。
type Receipt struct {
	IntentID      string    `json:"intent_id"`
	Attempt       int       `json:"attempt"`
	Amount        int64     `json:"amount"`
	Recipient     string    `json:"recipient"`
	TransferRef   string    `json:"transfer_ref"`
	CommitmentRef string    `json:"commitment_ref,omitempty"`
	SettledAt     time.Time `json:"settled_at,omitempty"`
}

// Complete 判断两个阶段是否都已完成。
func (r Receipt) Complete() bool {
	return r.TransferRef != "" && r.CommitmentRef != ""
}

func settlementError(phase, transferRef string, cause error, message string) error {
	opts := []xerrors.Option{xerrors.WithMetadata("phase", phase)}
	if transferRef != "" {
		opts = append(opts, xerrors.WithMetadata("transfer_ref", transferRef))
	}
	if cause == nil {
		return xerrors.New(intent.CodeSettlementError, message, opts...)
	}
	return xerrors.Wrap(intent.CodeSettlementError, cause, message, opts...)
}

// PhaseOf 返回结算错误发生的阶段。
func PhaseOf(err error) string {
	return xerrors.MetadataOf(err, "phase")
}

// TransferRefOf 返回结算错误携带的转账引用。
func TransferRefOf(err error) string {
	return xerrors.MetadataOf(err, "transfer_ref")
}
