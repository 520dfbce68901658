package intent

import xerrors "IntentMesh/internal/errors"

// 生命周期失败原因同时作为错误码对外暴露。
const (
	CodeProofGeneration      xerrors.Code = "PROOF_GENERATION_ERROR"
	CodeInvalidProof         xerrors.Code = "INVALID_PROOF"
	CodeBroadcastUnreachable xerrors.Code = "BROADCAST_UNREACHABLE"
	CodeNoMatchFound         xerrors.Code = "NO_MATCH_FOUND"
	CodePolicyViolation      xerrors.Code = "POLICY_VIOLATION"
	CodeSettlementError      xerrors.Code = "SETTLEMENT_ERROR"
	CodeUserCancelled        xerrors.Code = "USER_CANCELLED"
	CodeRejected             xerrors.Code = "REJECTED"
	CodeIllegalTransition    xerrors.Code = "ILLEGAL_TRANSITION"
	CodeEmptyPayload         xerrors.Code = "EMPTY_PAYLOAD"
)

func init() {
	xerrors.Register(CodeProofGeneration, xerrors.Attributes{
		Message:  "proof generation failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeInvalidProof, xerrors.Attributes{
		Message:  "proof verification failed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeBroadcastUnreachable, xerrors.Attributes{
		Message:  "mesh rejected broadcast",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeNoMatchFound, xerrors.Attributes{
		Message:  "no matching counter-offer",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePolicyViolation, xerrors.Attributes{
		Message:  "agreed price exceeds price ceiling",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeSettlementError, xerrors.Attributes{
		Message:  "settlement failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeUserCancelled, xerrors.Attributes{
		Message:  "cancelled by user",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRejected, xerrors.Attributes{
		Message:  "negotiation rejected",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeIllegalTransition, xerrors.Attributes{
		Message:  "transition not allowed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeEmptyPayload, xerrors.Attributes{
		Message:  "intent payload is empty",
		Severity: xerrors.SeverityInfo,
	})
}
