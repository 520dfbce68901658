package proofs

import (
	"context"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "IntentMesh/internal/errors"
)

const (
	CodeConstraintUnsatisfied xerrors.Code = "PROOF_CONSTRAINT_UNSATISFIED"
	CodeEngineFailure         xerrors.Code = "PROOF_ENGINE_FAILURE"
)

func init() {
	xerrors.Register(CodeConstraintUnsatisfied, xerrors.Attributes{
		Message:  "claim does not satisfy proof constraints",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeEngineFailure, xerrors.Attributes{
		Message:   "proof engine failure",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// Claim 是证明的输入。Bid、IntentID 与 PayloadDigest 为公开输入，
// Balance 与 Ceiling 只在生成端使用。
type Claim struct {
	IntentID      string
	Bid           int64
	Ceiling       int64
	Balance       int64
	PayloadDigest string
}

// PublicInputs 返回验证方可见的输入序列。
func (c Claim) PublicInputs() []string {
	return []string{c.IntentID, strconv.FormatInt(c.Bid, 10), c.PayloadDigest}
}

// Proof 是随意图一起广播的证明产物。
type Proof struct {
	Scheme       string   `json:"scheme"`
	Commitment   string   `json:"commitment"`
	Data         string   `json:"data"`
	PublicInputs []string `json:"public_inputs"`
}

// Empty 判断证明是否缺失。
func (p Proof) Empty() bool {
	return strings.TrimSpace(p.Data) == "" || len(p.PublicInputs) == 0
}

// Digest 返回证明内容的摘要，用于结算承诺。
func (p Proof) Digest() []byte {
	parts := append([]string{p.Scheme, p.Commitment, p.Data}, p.PublicInputs...)
	return crypto.Keccak256([]byte(strings.Join(parts, "|")))
}

// Engine 是证明系统的抽象。
type Engine interface {
	Generate(ctx context.Context, claim Claim) (Proof, error)
	Verify(ctx context.Context, proof Proof, claim Claim) (bool, error)
}

// DigestPayload 计算意图描述的摘要，作为公开输入的一部分。
func DigestPayload(payload string) string {
	return hex.EncodeToString(crypto.Keccak256([]byte(strings.TrimSpace(payload))))
}

// CheckConstraints 校验生成端约束：出价为正、不超过上限、余额足够。
// Ceiling 或 Balance 为 0 表示调用方未提供，对应约束跳过。
func CheckConstraints(claim Claim) error {
	if strings.TrimSpace(claim.IntentID) == "" {
		return xerrors.New(CodeConstraintUnsatisfied, "intent id is required")
	}
	if claim.Bid <= 0 {
		return xerrors.New(CodeConstraintUnsatisfied, "bid must be positive")
	}
	if claim.Ceiling > 0 && claim.Bid > claim.Ceiling {
		return xerrors.New(CodeConstraintUnsatisfied, "bid exceeds price ceiling",
			xerrors.WithMetadata("bid", strconv.FormatInt(claim.Bid, 10)),
			xerrors.WithMetadata("ceiling", strconv.FormatInt(claim.Ceiling, 10)))
	}
	if claim.Balance > 0 && claim.Balance < claim.Bid {
		return xerrors.New(CodeConstraintUnsatisfied, "balance below bid")
	}
	return nil
}

func samePublicInputs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
