package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/intent"
	"IntentMesh/internal/mesh"
	"IntentMesh/internal/negotiation"
	"IntentMesh/internal/proofs"
	"IntentMesh/internal/settlement"
)

const (
	stepGenerateProof = "generate_proof"
	stepBroadcast     = "broadcast"
	stepVerifyProof   = "verify_proof"
	stepEvaluate      = "evaluate_terms"
	stepSettle        = "settle"
	stepAnnounceDeal  = "announce_deal"
	stepConfirm       = "confirm_settlement"
)

type message interface{}

type msgStart struct{}

type msgEvent struct {
	event mesh.Event
}

type msgStep struct {
	generation int
	result     StepResult
}

type commandKind int

const (
	commandAccept commandKind = iota
	commandReject
	commandCancel
	commandRegenerate
)

func (k commandKind) String() string {
	switch k {
	case commandAccept:
		return "accept"
	case commandReject:
		return "reject"
	case commandCancel:
		return "cancel"
	default:
		return "regenerate"
	}
}

func (k commandKind) trigger() intent.Trigger {
	switch k {
	case commandAccept:
		return intent.TriggerAccept
	case commandCancel:
		return intent.TriggerCancel
	case commandRegenerate:
		return intent.TriggerRegenerate
	default:
		return intent.TriggerFail
	}
}

type msgCommand struct {
	kind   commandKind
	detail string
	reply  chan error
}

type timerKind int

const (
	timerMatch timerKind = iota
	timerSettlement
)

type msgTimer struct {
	kind       timerKind
	generation int
}

// worker 串行处理单个意图的全部消息。除 finishedAt 外的字段只在 worker goroutine 中访问。
type worker struct {
	r       *Registry
	machine *intent.Machine
	id      string
	role    intent.Role
	mailbox *mailbox
	logger  *slog.Logger

	received   *mesh.IntentBroadcast
	generation int
	sequence   *Sequence
	timer      *time.Timer
	deferred   []mesh.DealAccepted

	// settling 表示结算步骤正在执行，此时收到的取消等到步骤结束后再处理。
	settling       bool
	pendingCancels []msgCommand

	// finishedAt 受 Registry.mu 保护。
	finishedAt time.Time
}

func (w *worker) run(ctx context.Context) {
	defer w.shutdown()
	for {
		msg, ok := w.mailbox.pop(ctx)
		if !ok {
			return
		}
		w.handle(ctx, msg)
		if w.machine.State().Terminal() {
			return
		}
	}
}

// shutdown 停止计时器与步骤序列，并答复尚未处理的命令。
func (w *worker) shutdown() {
	w.stopTimer()
	w.sequence.Cancel()
	for _, m := range w.pendingCancels {
		m.reply <- terminalCommand(w.machine.Snapshot(), m.kind)
	}
	w.pendingCancels = nil
	for _, msg := range w.mailbox.close() {
		switch m := msg.(type) {
		case msgCommand:
			m.reply <- terminalCommand(w.machine.Snapshot(), m.kind)
		case msgEvent:
			w.logger.Debug("意图已结束，丢弃事件", slog.String("kind", string(m.event.Kind())))
		}
	}
}

func (w *worker) handle(ctx context.Context, msg message) {
	switch m := msg.(type) {
	case msgStart:
		w.start(ctx)
	case msgEvent:
		w.onEvent(ctx, m.event)
	case msgStep:
		if m.generation != w.generation {
			w.logger.Debug("忽略过期的步骤结果", slog.String("step", m.result.Name))
			return
		}
		w.onStep(ctx, m.result)
	case msgCommand:
		if m.kind == commandCancel && w.settling {
			w.pendingCancels = append(w.pendingCancels, m)
			w.logger.Info("结算进行中，取消在结算步骤结束后生效")
			return
		}
		m.reply <- w.onCommand(ctx, m)
	case msgTimer:
		if m.generation == w.generation {
			w.onTimer(m.kind)
		}
	}
}

func (w *worker) start(ctx context.Context) {
	if w.role == intent.RoleOriginator {
		if w.machine.State() == intent.StateProofGenerating {
			w.runSteps(ctx, w.originatorSteps())
		}
		return
	}

	ev := w.received
	if ev == nil {
		return
	}
	if !w.fire(intent.TriggerReceive, intent.Change{
		Detail: fmt.Sprintf("from %s, attempt %d", ev.Origin, ev.Attempt),
		Mutate: func(in *intent.Intent) error {
			if ev.Proof.Empty() {
				return nil
			}
			return in.AttachProof(ev.Proof)
		},
	}) {
		return
	}
	if !w.fire(intent.TriggerBeginVerify, intent.Change{Detail: "verifying proof"}) {
		return
	}
	w.runSteps(ctx, w.counterpartySteps())
}

// runSteps 启动新一代步骤序列，旧序列的结果与计时器随之失效。
func (w *worker) runSteps(ctx context.Context, steps []Step) {
	w.sequence.Cancel()
	w.stopTimer()
	w.generation++
	gen := w.generation
	mb := w.mailbox
	w.sequence = w.r.sequencer.Start(ctx, steps, func(res StepResult) {
		mb.push(msgStep{generation: gen, result: res})
	})
}

func (w *worker) originatorSteps() []Step {
	snap := w.machine.Snapshot()
	engine := w.r.deps.Proofs
	var proof proofs.Proof
	return []Step{
		{
			Name:    stepGenerateProof,
			Timeout: w.r.opts.ProofTimeout,
			Run: func(ctx context.Context) (any, error) {
				claim := snap.Claim()
				generated, err := engine.Generate(ctx, claim)
				if err != nil {
					return nil, err
				}
				ok, err := engine.Verify(ctx, generated, claim)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, xerrors.New(intent.CodeProofGeneration, "generated proof failed self verification")
				}
				proof = generated
				return generated, nil
			},
		},
		{
			Name:    stepBroadcast,
			Timeout: w.r.broadcastBudget(),
			Run: func(ctx context.Context) (any, error) {
				data, err := mesh.Encode(mesh.KindIntentBroadcast, mesh.Header{
					IntentID: snap.ID,
					Origin:   w.r.local,
					RelayFee: w.r.opts.RelayFee,
				}, mesh.IntentBody{
					Payload: snap.Payload,
					Bid:     snap.Bid,
					Attempt: snap.Attempt,
					Proof:   proof,
				})
				if err != nil {
					return nil, err
				}
				return w.r.broadcast(ctx, data)
			},
		},
	}
}

func (w *worker) counterpartySteps() []Step {
	snap := w.machine.Snapshot()
	engine := w.r.deps.Proofs
	policy := w.r.deps.Policy
	return []Step{
		{
			Name:    stepVerifyProof,
			Timeout: w.r.opts.VerifyTimeout,
			Run: func(ctx context.Context) (any, error) {
				if snap.Proof == nil {
					return nil, xerrors.New(intent.CodeInvalidProof, "intent carries no proof")
				}
				// 对手方只掌握公开输入。
				claim := proofs.Claim{
					IntentID:      snap.ID,
					Bid:           snap.Bid,
					PayloadDigest: proofs.DigestPayload(snap.Payload),
				}
				ok, err := engine.Verify(ctx, *snap.Proof, claim)
				if err != nil {
					return nil, xerrors.Wrap(intent.CodeInvalidProof, err, "proof verification error")
				}
				if !ok {
					return nil, xerrors.New(intent.CodeInvalidProof, "proof does not match public inputs")
				}
				return nil, nil
			},
		},
		{
			Name:    stepEvaluate,
			Timeout: w.r.opts.PolicyTimeout,
			Run: func(ctx context.Context) (any, error) {
				return policy.Decide(ctx, negotiation.Offer{
					IntentID: snap.ID,
					Origin:   snap.Origin,
					Terms:    snap.Terms,
					Bid:      snap.Bid,
				})
			},
		},
	}
}

func (w *worker) onStep(ctx context.Context, res StepResult) {
	if res.Outcome == OutcomeCancelled {
		w.logger.Info("步骤在取消后结束", slog.String("step", res.Name), slog.Any("error", res.Err))
		return
	}
	if w.machine.State().Terminal() {
		return
	}

	switch res.Name {
	case stepGenerateProof:
		if !w.succeeded(res, intent.ReasonProofGenerationError) {
			return
		}
		proof := res.Value.(proofs.Proof)
		w.fire(intent.TriggerProofReady, intent.Change{
			Detail: "proof generated with " + proof.Scheme,
			Mutate: func(in *intent.Intent) error {
				if err := in.AttachProof(proof); err != nil {
					return err
				}
				in.ProofVerified = true
				return nil
			},
		})

	case stepBroadcast:
		if !w.succeeded(res, intent.ReasonBroadcastUnreachable) {
			return
		}
		ack := res.Value.(mesh.Ack)
		if !w.fire(intent.TriggerBroadcastAccepted, intent.Change{
			Detail: fmt.Sprintf("message %s accepted for %d peers", ack.MessageID, ack.Peers),
		}) {
			return
		}
		w.armTimer(timerMatch, w.r.opts.MatchTimeout)
		w.replayDeferred(ctx)

	case stepVerifyProof:
		if !w.succeeded(res, intent.ReasonInvalidProof) {
			return
		}
		w.fire(intent.TriggerProofVerified, intent.Change{
			Detail: "proof verified",
			Mutate: func(in *intent.Intent) error {
				in.ProofVerified = true
				return nil
			},
		})

	case stepEvaluate:
		if !w.succeeded(res, intent.ReasonRejected) {
			return
		}
		w.decide(ctx, res.Value.(negotiation.Decision))

	case stepSettle:
		w.settling = false
		if res.Outcome != OutcomeSucceeded {
			if w.applyPendingCancel(settlementDetail(res)) {
				return
			}
			reason := intent.ReasonSettlementError
			if xerrors.HasCode(res.Err, intent.CodePolicyViolation) {
				reason = intent.ReasonPolicyViolation
			}
			w.fail(reason, settlementDetail(res))
			return
		}
		receipt := res.Value.(settlement.Receipt)
		if w.fire(intent.TriggerSettlementConfirmed, intent.Change{
			Detail: fmt.Sprintf("transfer %s committed as %s", receipt.TransferRef, receipt.CommitmentRef),
			Mutate: func(in *intent.Intent) error {
				return in.AttachSettlement(intent.Settlement{
					TransferRef:   receipt.TransferRef,
					CommitmentRef: receipt.CommitmentRef,
					SettledAt:     receipt.SettledAt,
				})
			},
		}) {
			w.r.announceSettlement(w.machine.Snapshot(), receipt)
		}
		w.refusePendingCancels()

	case stepAnnounceDeal:
		if !w.succeeded(res, intent.ReasonBroadcastUnreachable) {
			return
		}
		w.logger.Info("成交通知已发送，等待结算", slog.Duration("wait", w.r.opts.SettlementWait))
		w.armTimer(timerSettlement, w.r.opts.SettlementWait)

	case stepConfirm:
		if res.Outcome != OutcomeSucceeded {
			w.fail(intent.ReasonSettlementError, settlementDetail(res))
			return
		}
		receipt := res.Value.(settlement.Receipt)
		w.fire(intent.TriggerSettlementConfirmed, intent.Change{
			Detail: fmt.Sprintf("commitment %s finalized", receipt.CommitmentRef),
			Mutate: func(in *intent.Intent) error {
				return in.AttachSettlement(intent.Settlement{
					TransferRef:   receipt.TransferRef,
					CommitmentRef: receipt.CommitmentRef,
					SettledAt:     w.r.now(),
				})
			},
		})
	}
}

// applyPendingCancel 在结算未完成时执行被推迟的取消，结算结果记入 detail。
func (w *worker) applyPendingCancel(outcome string) bool {
	if len(w.pendingCancels) == 0 {
		return false
	}
	first := w.pendingCancels[0]
	detail := first.detail
	if detail == "" {
		detail = "cancelled by user"
	}
	_, err := w.machine.Cancel(detail + "; " + outcome)
	first.reply <- err
	w.pendingCancels = w.pendingCancels[1:]
	w.refusePendingCancels()
	return err == nil
}

// refusePendingCancels 答复结算结束后已无法生效的取消。
func (w *worker) refusePendingCancels() {
	for _, m := range w.pendingCancels {
		m.reply <- terminalCommand(w.machine.Snapshot(), m.kind)
	}
	w.pendingCancels = nil
}

// succeeded 在步骤未成功时以 reason 失败。
func (w *worker) succeeded(res StepResult, reason intent.Reason) bool {
	if res.Outcome == OutcomeSucceeded {
		return true
	}
	detail := fmt.Sprintf("%s %s", res.Name, res.Outcome)
	if res.Err != nil {
		detail = fmt.Sprintf("%s: %v", detail, res.Err)
	}
	w.fail(reason, detail)
	return false
}

func settlementDetail(res StepResult) string {
	detail := fmt.Sprintf("%s %s", res.Name, res.Outcome)
	if res.Err == nil {
		return detail
	}
	detail = fmt.Sprintf("%s: %v", detail, res.Err)
	if phase := settlement.PhaseOf(res.Err); phase != "" {
		detail += "; phase=" + phase
	}
	if ref := settlement.TransferRefOf(res.Err); ref != "" {
		detail += "; transfer_ref=" + ref
	}
	return detail
}

// decide 把对手方的策略结论落到状态机上。
func (w *worker) decide(ctx context.Context, decision negotiation.Decision) {
	snap := w.machine.Snapshot()
	terms := func(price int64) intent.Negotiation {
		ceiling := snap.Terms.Ceiling
		if ceiling == 0 {
			ceiling = price
		}
		return intent.Negotiation{
			AgreedPrice:  price,
			PriceCeiling: ceiling,
			Counterparty: snap.Origin,
			Recipient:    w.r.recipient(),
			Strategy:     decision.Strategy,
			AgreedAt:     w.r.now(),
		}
	}

	switch decision.Action {
	case negotiation.ActionAccept:
		n := terms(decision.Price)
		if !w.fire(intent.TriggerPolicyDecided, intent.Change{
			Detail: fmt.Sprintf("accept at %d: %s", decision.Price, decision.Strategy),
			Mutate: func(in *intent.Intent) error { return in.AttachNegotiation(n) },
		}) {
			return
		}
	case negotiation.ActionCounter:
		n := terms(decision.Price)
		if !w.fire(intent.TriggerPropose, intent.Change{
			Detail: fmt.Sprintf("counter at %d: %s", decision.Price, decision.Strategy),
			Mutate: func(in *intent.Intent) error { return in.AttachNegotiation(n) },
		}) {
			return
		}
		if !w.fire(intent.TriggerTermsEvaluated, intent.Change{Detail: "counter offer ready"}) {
			return
		}
	default:
		if w.fire(intent.TriggerPolicyDecided, intent.Change{Detail: "reject: " + decision.Strategy}) {
			w.fail(intent.ReasonRejected, decision.Strategy)
		}
		return
	}

	if w.r.opts.AutoAcceptCounterparty {
		if err := w.accept(ctx); err != nil {
			w.logger.Warn("自动接受失败", slog.Any("error", err))
		}
	}
}

func (w *worker) onEvent(ctx context.Context, event mesh.Event) {
	switch ev := event.(type) {
	case mesh.DealAccepted:
		w.onDeal(ctx, ev)
	case mesh.SettlementComplete:
		w.onSettlementComplete(ctx, ev)
	default:
		w.logger.Debug("忽略事件", slog.String("kind", string(event.Kind())))
	}
}

// onDeal 处理对手方的成交通知。在到达 AwaitingMatch 之前收到的通知先暂存。
func (w *worker) onDeal(ctx context.Context, ev mesh.DealAccepted) {
	if w.role != intent.RoleOriginator {
		w.logger.Debug("对手方意图忽略成交通知", slog.String("origin", ev.Origin))
		return
	}
	switch state := w.machine.State(); state {
	case intent.StateIdle, intent.StateProofGenerating, intent.StateBroadcasting:
		w.deferred = append(w.deferred, ev)
		w.logger.Info("成交通知早于广播完成，暂存", slog.String("state", string(state)), slog.String("origin", ev.Origin))
		return
	case intent.StateAwaitingMatch:
	default:
		w.logger.Debug("重复的成交通知", slog.String("state", string(state)), slog.String("origin", ev.Origin))
		return
	}

	snap := w.machine.Snapshot()
	if ev.Attempt != 0 && ev.Attempt != snap.Attempt {
		w.logger.Info("成交通知针对旧的尝试，忽略",
			slog.Int("deal_attempt", ev.Attempt),
			slog.Int("attempt", snap.Attempt),
			slog.String("origin", ev.Origin))
		return
	}
	w.stopTimer()
	n := intent.Negotiation{
		AgreedPrice:  ev.Price,
		PriceCeiling: snap.Terms.Ceiling,
		Counterparty: ev.Origin,
		Recipient:    ev.Recipient,
		Strategy:     ev.Strategy,
		AgreedAt:     w.r.now(),
	}
	if !w.fire(intent.TriggerDealAccepted, intent.Change{
		Detail: fmt.Sprintf("%s accepted at %d", ev.Origin, ev.Price),
		Mutate: func(in *intent.Intent) error { return in.AttachNegotiation(n) },
	}) {
		return
	}

	verdict := fmt.Sprintf("price %d within ceiling %d", n.AgreedPrice, n.PriceCeiling)
	if n.AgreedPrice > n.PriceCeiling {
		verdict = fmt.Sprintf("price %d exceeds ceiling %d", n.AgreedPrice, n.PriceCeiling)
	}
	if !w.fire(intent.TriggerTermsEvaluated, intent.Change{Detail: verdict}) {
		return
	}
	if w.r.opts.AutoAcceptOriginator {
		if err := w.accept(ctx); err != nil {
			w.logger.Warn("自动接受失败", slog.Any("error", err))
		}
	}
}

func (w *worker) replayDeferred(ctx context.Context) {
	pending := w.deferred
	w.deferred = nil
	for _, ev := range pending {
		w.onDeal(ctx, ev)
	}
}

func (w *worker) onSettlementComplete(ctx context.Context, ev mesh.SettlementComplete) {
	if w.role != intent.RoleCounterparty {
		w.logger.Debug("发起方忽略结算通知")
		return
	}
	snap := w.machine.Snapshot()
	if snap.State != intent.StateSettlementPending || snap.Negotiation == nil {
		w.logger.Debug("当前状态不接受结算通知", slog.String("state", string(snap.State)))
		return
	}
	if ev.Origin != snap.Origin {
		w.logger.Warn("结算通知来自非发起节点，忽略", slog.String("origin", ev.Origin))
		return
	}
	if ev.Price != snap.Negotiation.AgreedPrice {
		w.fail(intent.ReasonSettlementError,
			fmt.Sprintf("settled price %d differs from agreed price %d", ev.Price, snap.Negotiation.AgreedPrice))
		return
	}

	receipt := settlement.Receipt{
		IntentID:      snap.ID,
		Attempt:       snap.Attempt,
		Amount:        ev.Price,
		Recipient:     snap.Negotiation.Recipient,
		TransferRef:   ev.TransferRef,
		CommitmentRef: ev.CommitmentRef,
	}
	orchestrator := w.r.deps.Settlement
	w.runSteps(ctx, []Step{{
		Name:    stepConfirm,
		Timeout: w.r.opts.SettlementTimeout,
		Run: func(ctx context.Context) (any, error) {
			return receipt, orchestrator.Confirm(ctx, receipt)
		},
	}})
}

func (w *worker) onCommand(ctx context.Context, cmd msgCommand) error {
	state := w.machine.State()
	switch cmd.kind {
	case commandAccept:
		return w.accept(ctx)

	case commandReject:
		if state != intent.StateDeciding {
			return xerrors.New(intent.CodeIllegalTransition,
				fmt.Sprintf("reject on %s: only allowed while %s", state, intent.StateDeciding),
				xerrors.WithMetadata("state", string(state)))
		}
		detail := cmd.detail
		if detail == "" {
			detail = "rejected by user"
		}
		_, err := w.machine.Fail(intent.ReasonRejected, detail)
		return err

	case commandCancel:
		detail := cmd.detail
		if detail == "" {
			detail = "cancelled by user"
		}
		if _, err := w.machine.Cancel(detail); err != nil {
			return err
		}
		w.sequence.Cancel()
		w.stopTimer()
		return nil

	case commandRegenerate:
		if _, err := w.machine.Fire(intent.TriggerRegenerate, intent.Change{Detail: "regenerating proof"}); err != nil {
			return err
		}
		w.deferred = nil
		w.runSteps(ctx, w.originatorSteps())
		return nil
	}
	return nil
}

// accept 进入 SettlementPending。发起方开始结算；对手方向发起方定向发送成交通知。
func (w *worker) accept(ctx context.Context) error {
	if _, err := w.machine.Fire(intent.TriggerAccept, intent.Change{Detail: "terms accepted"}); err != nil {
		return err
	}
	snap := w.machine.Snapshot()

	if w.role == intent.RoleOriginator {
		orchestrator := w.r.deps.Settlement
		w.runSteps(ctx, []Step{{
			Name:    stepSettle,
			Timeout: w.r.opts.SettlementTimeout,
			Run: func(ctx context.Context) (any, error) {
				return orchestrator.Settle(ctx, snap)
			},
		}})
		w.settling = true
		return nil
	}

	n := snap.Negotiation
	attempt := snap.Attempt
	if w.received != nil {
		attempt = w.received.Attempt
	}
	w.runSteps(ctx, []Step{{
		Name:    stepAnnounceDeal,
		Timeout: w.r.broadcastBudget(),
		Run: func(ctx context.Context) (any, error) {
			data, err := mesh.Encode(mesh.KindDealAccepted, mesh.Header{
				IntentID: snap.ID,
				Origin:   w.r.local,
				Target:   snap.Origin,
				RelayFee: w.r.opts.RelayFee,
			}, mesh.DealBody{
				Price:     n.AgreedPrice,
				Recipient: n.Recipient,
				Strategy:  n.Strategy,
				Attempt:   attempt,
			})
			if err != nil {
				return nil, err
			}
			return w.r.broadcast(ctx, data)
		},
	}})
	return nil
}

func (w *worker) onTimer(kind timerKind) {
	state := w.machine.State()
	switch {
	case kind == timerMatch && state == intent.StateAwaitingMatch:
		w.fail(intent.ReasonNoMatchFound, fmt.Sprintf("no deal accepted within %s", w.r.opts.MatchTimeout))
	case kind == timerSettlement && state == intent.StateSettlementPending:
		w.fail(intent.ReasonSettlementError, fmt.Sprintf("no settlement notice within %s", w.r.opts.SettlementWait))
	}
}

func (w *worker) armTimer(kind timerKind, d time.Duration) {
	w.stopTimer()
	if d <= 0 {
		return
	}
	gen := w.generation
	mb := w.mailbox
	w.timer = time.AfterFunc(d, func() {
		mb.push(msgTimer{kind: kind, generation: gen})
	})
}

func (w *worker) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *worker) fire(trigger intent.Trigger, change intent.Change) bool {
	if _, err := w.machine.Fire(trigger, change); err != nil {
		w.logger.Warn("状态迁移被拒绝",
			slog.String("trigger", string(trigger)),
			slog.String("state", string(w.machine.State())),
			slog.Any("error", err))
		return false
	}
	return true
}

func (w *worker) fail(reason intent.Reason, detail string) {
	if w.machine.State().Terminal() {
		return
	}
	w.sequence.Cancel()
	w.stopTimer()
	if _, err := w.machine.Fail(reason, detail); err != nil {
		w.logger.Warn("无法进入失败状态", slog.Any("error", err))
	}
}

// terminalCommand 构造命令落在已结束意图上时的错误。
func terminalCommand(snap intent.Intent, kind commandKind) error {
	if _, err := intent.Next(snap.State, kind.trigger(), snap.Role); err != nil {
		return err
	}
	return xerrors.New(xerrors.CodeInvalidState, fmt.Sprintf("intent %s no longer accepts %s", snap.ID, kind))
}
