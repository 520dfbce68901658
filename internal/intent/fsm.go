package intent

import (
	"fmt"

	xerrors "IntentMesh/internal/errors"
)

// Trigger 驱动状态迁移。
type Trigger string

const (
	TriggerSubmit              Trigger = "submit"
	TriggerProofReady          Trigger = "proof_ready"
	TriggerBroadcastAccepted   Trigger = "broadcast_accepted"
	TriggerDealAccepted        Trigger = "deal_accepted"
	TriggerRegenerate          Trigger = "regenerate"
	TriggerTermsEvaluated      Trigger = "terms_evaluated"
	TriggerReceive             Trigger = "receive"
	TriggerBeginVerify         Trigger = "begin_verify"
	TriggerProofVerified       Trigger = "proof_verified"
	TriggerPolicyDecided       Trigger = "policy_decided"
	TriggerPropose             Trigger = "propose"
	TriggerAccept              Trigger = "accept"
	TriggerSettlementConfirmed Trigger = "settlement_confirmed"
	TriggerFail                Trigger = "fail"
	TriggerCancel              Trigger = "cancel"
)

type edge struct {
	from    State
	trigger Trigger
}

type rule struct {
	to   State
	role Role
}

// transitions 是唯一的合法迁移表。role 为空表示两种身份都适用。
// Fail 与 Cancel 对任何非终态生效，不在表中列出。
var transitions = map[edge]rule{
	{StateIdle, TriggerSubmit}:                           {StateProofGenerating, RoleOriginator},
	{StateProofGenerating, TriggerProofReady}:            {StateBroadcasting, RoleOriginator},
	{StateBroadcasting, TriggerBroadcastAccepted}:        {StateAwaitingMatch, RoleOriginator},
	{StateAwaitingMatch, TriggerDealAccepted}:            {StateNegotiating, RoleOriginator},
	{StateAwaitingMatch, TriggerRegenerate}:              {StateProofGenerating, RoleOriginator},
	{StateIdle, TriggerReceive}:                          {StateReceived, RoleCounterparty},
	{StateReceived, TriggerBeginVerify}:                  {StateVerifying, RoleCounterparty},
	{StateVerifying, TriggerProofVerified}:               {StateEvaluating, RoleCounterparty},
	{StateEvaluating, TriggerPolicyDecided}:              {StateDeciding, RoleCounterparty},
	{StateEvaluating, TriggerPropose}:                    {StateNegotiating, RoleCounterparty},
	{StateNegotiating, TriggerTermsEvaluated}:            {StateDeciding, ""},
	{StateDeciding, TriggerAccept}:                       {StateSettlementPending, ""},
	{StateSettlementPending, TriggerSettlementConfirmed}: {StateSettled, ""},
}

// Next 查表返回迁移目标。非法迁移返回 ILLEGAL_TRANSITION。
func Next(from State, trigger Trigger, role Role) (State, error) {
	if from.Terminal() {
		return from, illegal(from, trigger, "state is terminal")
	}
	if trigger == TriggerFail || trigger == TriggerCancel {
		return StateFailed, nil
	}
	r, ok := transitions[edge{from, trigger}]
	if !ok {
		return from, illegal(from, trigger, "no such transition")
	}
	if r.role != "" && r.role != role {
		return from, illegal(from, trigger, fmt.Sprintf("not allowed for %s", role))
	}
	return r.to, nil
}

// Allowed 报告给定状态下某个触发器是否合法。
func Allowed(from State, trigger Trigger, role Role) bool {
	_, err := Next(from, trigger, role)
	return err == nil
}

func illegal(from State, trigger Trigger, why string) error {
	return xerrors.New(CodeIllegalTransition, fmt.Sprintf("%s on %s: %s", trigger, from, why),
		xerrors.WithMetadata("state", string(from)),
		xerrors.WithMetadata("trigger", string(trigger)))
}
