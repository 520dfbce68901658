package intent

import (
	"time"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/proofs"
)

// Role 表示本节点在某个意图中的身份。
type Role string

const (
	RoleOriginator   Role = "originator"
	RoleCounterparty Role = "counterparty"
)

// State 表示意图生命周期中的状态。
type State string

const (
	StateIdle              State = "Idle"
	StateProofGenerating   State = "ProofGenerating"
	StateBroadcasting      State = "Broadcasting"
	StateAwaitingMatch     State = "AwaitingMatch"
	StateReceived          State = "Received"
	StateVerifying         State = "Verifying"
	StateEvaluating        State = "Evaluating"
	StateNegotiating       State = "Negotiating"
	StateDeciding          State = "Deciding"
	StateSettlementPending State = "SettlementPending"
	StateSettled           State = "Settled"
	StateFailed            State = "Failed"
)

// Terminal 判断状态是否为终态。
func (s State) Terminal() bool {
	return s == StateSettled || s == StateFailed
}

// Reason 是进入 Failed 状态的稳定原因码。
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonProofGenerationError Reason = Reason(CodeProofGeneration)
	ReasonInvalidProof         Reason = Reason(CodeInvalidProof)
	ReasonBroadcastUnreachable Reason = Reason(CodeBroadcastUnreachable)
	ReasonNoMatchFound         Reason = Reason(CodeNoMatchFound)
	ReasonPolicyViolation      Reason = Reason(CodePolicyViolation)
	ReasonSettlementError      Reason = Reason(CodeSettlementError)
	ReasonUserCancelled        Reason = Reason(CodeUserCancelled)
	ReasonRejected             Reason = Reason(CodeRejected)
)

// Code 返回原因对应的错误码。
func (r Reason) Code() xerrors.Code {
	return xerrors.Code(r)
}

// Negotiation 记录双方在撮合阶段确定的条款。
type Negotiation struct {
	AgreedPrice  int64     `json:"agreed_price"`
	PriceCeiling int64     `json:"price_ceiling"`
	Counterparty string    `json:"counterparty"`
	Recipient    string    `json:"recipient"`
	Strategy     string    `json:"strategy,omitempty"`
	AgreedAt     time.Time `json:"agreed_at"`
}

// Settlement 记录结算回执。
type Settlement struct {
	TransferRef   string    `json:"transfer_ref"`
	CommitmentRef string    `json:"commitment_ref"`
	SettledAt     time.Time `json:"settled_at"`
}

// Intent 是生命周期管理的核心实体。只能通过 Machine 修改。
type Intent struct {
	ID            string        `json:"id"`
	Role          Role          `json:"role"`
	Origin        string        `json:"origin"`
	Payload       string        `json:"payload"`
	Terms         Terms         `json:"terms"`
	Bid           int64         `json:"bid"`
	Balance       int64         `json:"-"`
	Proof         *proofs.Proof `json:"proof,omitempty"`
	ProofVerified bool          `json:"proof_verified"`
	Negotiation   *Negotiation  `json:"negotiation,omitempty"`
	Settlement    *Settlement   `json:"settlement,omitempty"`
	State         State         `json:"state"`
	Reason        Reason        `json:"reason,omitempty"`
	Detail        string        `json:"detail,omitempty"`
	Attempt       int           `json:"attempt"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Claim 构造生成证明所需的输入。
func (i Intent) Claim() proofs.Claim {
	return proofs.Claim{
		IntentID:      i.ID,
		Bid:           i.Bid,
		Ceiling:       i.Terms.Ceiling,
		Balance:       i.Balance,
		PayloadDigest: proofs.DigestPayload(i.Payload),
	}
}

// AttachProof 在当前尝试中设置证明，重复设置视为错误。
func (i *Intent) AttachProof(proof proofs.Proof) error {
	if i.Proof != nil {
		return xerrors.New(xerrors.CodeConflict, "proof already attached for this attempt")
	}
	if proof.Empty() {
		return xerrors.New(xerrors.CodeInvalidArgument, "proof is empty")
	}
	clone := proof
	clone.PublicInputs = append([]string(nil), proof.PublicInputs...)
	i.Proof = &clone
	return nil
}

// AttachNegotiation 在当前尝试中设置协商条款，重复设置视为错误。
func (i *Intent) AttachNegotiation(n Negotiation) error {
	if i.Negotiation != nil {
		return xerrors.New(xerrors.CodeConflict, "negotiation already attached for this attempt")
	}
	clone := n
	i.Negotiation = &clone
	return nil
}

// AttachSettlement 记录结算回执。
func (i *Intent) AttachSettlement(s Settlement) error {
	if i.Settlement != nil {
		return xerrors.New(xerrors.CodeConflict, "settlement already recorded")
	}
	clone := s
	i.Settlement = &clone
	return nil
}

// clone 返回不共享指针字段的副本。
func (i Intent) clone() Intent {
	out := i
	if i.Proof != nil {
		p := *i.Proof
		p.PublicInputs = append([]string(nil), i.Proof.PublicInputs...)
		out.Proof = &p
	}
	if i.Negotiation != nil {
		n := *i.Negotiation
		out.Negotiation = &n
	}
	if i.Settlement != nil {
		s := *i.Settlement
		out.Settlement = &s
	}
	return out
}
