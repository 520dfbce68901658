package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/intent"
	"IntentMesh/internal/proofs"
	"IntentMesh/pkg/logger"
)

// Observer 记录每次适配器调用的耗时与结果。
type Observer interface {
	ObserveSettlement(phase, outcome string, d time.Duration)
}

// Options 配置 Orchestrator。
type Options struct {
	RatePerSecond    float64
	Burst            int
	TransferAttempts int
	FinalizeAttempts int
	RetryBackoff     time.Duration
	ConfirmPoll      time.Duration
	ConfirmTimeout   time.Duration
	// Retention 是已完成回执在账本中的保留时长。
	Retention        time.Duration
	Observer         Observer
	Logger           *slog.Logger
}

type ledgerEntry struct {
	receipt Receipt
	proof   proofs.Proof
}

type commitment struct {
	ref string
	at  time.Time
}

// Orchestrator 执行两阶段结算。
type Orchestrator struct {
	adapter  Adapter
	limiter  *rate.Limiter
	opts     Options
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	mu          sync.Mutex
	ledger      map[string]*ledgerEntry
	refLocks    map[string]*sync.Mutex
	commitments map[string]commitment
}

// NewOrchestrator 创建结算编排器。
func NewOrchestrator(adapter Adapter, opts Options) *Orchestrator {
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.TransferAttempts <= 0 {
		opts.TransferAttempts = 3
	}
	if opts.FinalizeAttempts <= 0 {
		opts.FinalizeAttempts = 5
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.ConfirmPoll <= 0 {
		opts.ConfirmPoll = 2 * time.Second
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 2 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	log := opts.Logger
	if log == nil {
		log = logger.Named("settlement")
	}
	return &Orchestrator{
		adapter:     adapter,
		limiter:     rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		opts:        opts,
		logger:      log,
		observer:    opts.Observer,
		now:         time.Now,
		ledger:      make(map[string]*ledgerEntry),
		refLocks:    make(map[string]*sync.Mutex),
		commitments: make(map[string]commitment),
	}
}

func ledgerKey(id string, attempt int) string {
	return id + "#" + strconv.Itoa(attempt)
}

// Settle 校验前置条件后执行转账与确认。
// 价格超过上限时返回 POLICY_VIOLATION，且不会调用适配器。
func (o *Orchestrator) Settle(ctx context.Context, in intent.Intent) (Receipt, error) {
	if err := checkPreconditions(in); err != nil {
		return Receipt{}, err
	}
	neg := in.Negotiation
	key := ledgerKey(in.ID, in.Attempt)

	o.mu.Lock()
	entry, ok := o.ledger[key]
	if !ok {
		entry = &ledgerEntry{
			receipt: Receipt{
				IntentID:  in.ID,
				Attempt:   in.Attempt,
				Amount:    neg.AgreedPrice,
				Recipient: neg.Recipient,
			},
			proof: *in.Proof,
		}
		o.ledger[key] = entry
	}
	transferRef := entry.receipt.TransferRef
	o.mu.Unlock()

	if transferRef == "" {
		ref, err := o.transfer(ctx, neg.AgreedPrice, neg.Recipient)
		if err != nil {
			return Receipt{}, settlementError(PhaseTransfer, "", err, fmt.Sprintf("intent %s transfer failed", in.ID))
		}
		o.mu.Lock()
		entry.receipt.TransferRef = ref
		o.mu.Unlock()
		transferRef = ref
		o.logger.Info("结算转账已提交",
			slog.String("intent_id", in.ID),
			slog.Int("attempt", in.Attempt),
			slog.String("transfer_ref", ref),
			slog.Int64("amount", neg.AgreedPrice))
	}

	commitmentRef, err := o.Finalize(ctx, transferRef, *in.Proof)
	if err != nil {
		return Receipt{}, err
	}

	o.mu.Lock()
	entry.receipt.CommitmentRef = commitmentRef
	if entry.receipt.SettledAt.IsZero() {
		entry.receipt.SettledAt = o.now().UTC()
	}
	receipt := entry.receipt
	o.mu.Unlock()
	return receipt, nil
}

func checkPreconditions(in intent.Intent) error {
	if in.State != intent.StateSettlementPending {
		return xerrors.New(xerrors.CodeInvalidState, fmt.Sprintf("intent %s is %s, not SettlementPending", in.ID, in.State))
	}
	if in.Proof == nil || in.Proof.Empty() || !in.ProofVerified {
		return xerrors.New(intent.CodeInvalidProof, fmt.Sprintf("intent %s has no verified proof", in.ID))
	}
	neg := in.Negotiation
	if neg == nil {
		return xerrors.New(xerrors.CodeInvalidState, fmt.Sprintf("intent %s has no negotiated terms", in.ID))
	}
	if neg.AgreedPrice <= 0 {
		return xerrors.New(intent.CodePolicyViolation,
			fmt.Sprintf("agreed price %d is not positive", neg.AgreedPrice),
			xerrors.WithMetadata("agreed_price", strconv.FormatInt(neg.AgreedPrice, 10)))
	}
	if neg.AgreedPrice > neg.PriceCeiling {
		return xerrors.New(intent.CodePolicyViolation,
			fmt.Sprintf("agreed price %d exceeds price ceiling %d", neg.AgreedPrice, neg.PriceCeiling),
			xerrors.WithMetadata("agreed_price", strconv.FormatInt(neg.AgreedPrice, 10)),
			xerrors.WithMetadata("price_ceiling", strconv.FormatInt(neg.PriceCeiling, 10)))
	}
	if neg.Recipient == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("intent %s has no settlement recipient", in.ID))
	}
	return nil
}

// transfer 仅在尚未获得转账引用时重试。
func (o *Orchestrator) transfer(ctx context.Context, amount int64, recipient string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= o.opts.TransferAttempts; attempt++ {
		if err := o.limiter.Wait(ctx); err != nil {
			return "", err
		}
		start := time.Now()
		ref, err := o.adapter.Transfer(ctx, amount, recipient)
		if err == nil && ref != "" {
			o.observe(PhaseTransfer, "ok", start)
			return ref, nil
		}
		if err == nil {
			err = xerrors.New(xerrors.CodeUnknown, "adapter returned empty transfer ref")
		}
		o.observe(PhaseTransfer, "error", start)
		lastErr = err
		o.logger.Warn("结算转账失败", slog.Int("attempt", attempt), slog.Any("error", err))
		if attempt < o.opts.TransferAttempts {
			if err := o.sleep(ctx, o.opts.RetryBackoff*time.Duration(attempt)); err != nil {
				return "", err
			}
		}
	}
	return "", lastErr
}

func (o *Orchestrator) refLock(ref string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.refLocks[ref]
	if !ok {
		lock = &sync.Mutex{}
		o.refLocks[ref] = lock
	}
	return lock
}

// Finalize 对同一转账引用串行且幂等地执行第二阶段，宿主可用它重新提交。
func (o *Orchestrator) Finalize(ctx context.Context, transferRef string, proof proofs.Proof) (string, error) {
	if transferRef == "" {
		return "", settlementError(PhaseFinalize, "", nil, "transfer ref is required")
	}
	lock := o.refLock(transferRef)
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	if c, ok := o.commitments[transferRef]; ok {
		o.mu.Unlock()
		return c.ref, nil
	}
	o.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= o.opts.FinalizeAttempts; attempt++ {
		if err := o.limiter.Wait(ctx); err != nil {
			return "", settlementError(PhaseFinalize, transferRef, err, "finalize interrupted")
		}
		start := time.Now()
		ref, err := o.adapter.Finalize(ctx, transferRef, proof)
		if err == nil && ref != "" {
			o.observe(PhaseFinalize, "ok", start)
			o.mu.Lock()
			o.commitments[transferRef] = commitment{ref: ref, at: o.now().UTC()}
			// 等待中的调用者持有旧锁，拿到锁后会命中 commitments。
			delete(o.refLocks, transferRef)
			for _, entry := range o.ledger {
				if entry.receipt.TransferRef == transferRef {
					entry.receipt.CommitmentRef = ref
				}
			}
			o.mu.Unlock()
			return ref, nil
		}
		if err == nil {
			err = xerrors.New(xerrors.CodeUnknown, "adapter returned empty commitment ref")
		}
		o.observe(PhaseFinalize, "error", start)
		lastErr = err
		o.logger.Warn("结算确认失败",
			slog.String("transfer_ref", transferRef),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if attempt < o.opts.FinalizeAttempts {
			if err := o.sleep(ctx, o.opts.RetryBackoff*time.Duration(attempt)); err != nil {
				return "", settlementError(PhaseFinalize, transferRef, err, "finalize interrupted")
			}
		}
	}
	return "", settlementError(PhaseFinalize, transferRef, lastErr, "finalize failed")
}

// Confirm 轮询承诺引用直到后端报告完成，供对手方确认收款。
func (o *Orchestrator) Confirm(ctx context.Context, receipt Receipt) error {
	ref := receipt.CommitmentRef
	if ref == "" {
		return settlementError(PhaseConfirm, receipt.TransferRef, nil, "commitment ref is required")
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(o.opts.ConfirmPoll)
	defer ticker.Stop()
	for {
		if err := o.limiter.Wait(ctx); err != nil {
			return settlementError(PhaseConfirm, receipt.TransferRef, xerrors.Wrap(xerrors.CodeTimeout, err, "confirmation timed out"), "settlement not confirmed")
		}
		start := time.Now()
		status, err := o.adapter.Status(ctx, ref)
		switch {
		case err != nil:
			o.observe(PhaseConfirm, "error", start)
			o.logger.Debug("查询结算状态失败", slog.String("commitment_ref", ref), slog.Any("error", err))
		case status == StatusFinalized:
			o.observe(PhaseConfirm, "ok", start)
			return nil
		case status == StatusFailed:
			o.observe(PhaseConfirm, "failed", start)
			return settlementError(PhaseConfirm, receipt.TransferRef, nil, fmt.Sprintf("commitment %s failed on backend", ref))
		default:
			o.observe(PhaseConfirm, string(status), start)
		}
		select {
		case <-ctx.Done():
			return settlementError(PhaseConfirm, receipt.TransferRef, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "confirmation timed out"), "settlement not confirmed")
		case <-ticker.C:
		}
	}
}

// Outstanding 返回已转账但尚未完成确认的回执，按意图排序。
func (o *Orchestrator) Outstanding() []Receipt {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Receipt
	for _, entry := range o.ledger {
		if entry.receipt.TransferRef != "" && entry.receipt.CommitmentRef == "" {
			out = append(out, entry.receipt)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IntentID == out[j].IntentID {
			return out[i].Attempt < out[j].Attempt
		}
		return out[i].IntentID < out[j].IntentID
	})
	return out
}

// Resume 为未完成的回执重新执行第二阶段。
func (o *Orchestrator) Resume(ctx context.Context, intentID string, attempt int) (Receipt, error) {
	o.mu.Lock()
	entry, ok := o.ledger[ledgerKey(intentID, attempt)]
	o.mu.Unlock()
	if !ok || entry.receipt.TransferRef == "" {
		return Receipt{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("no transfer recorded for %s", ledgerKey(intentID, attempt)))
	}
	ref, err := o.Finalize(ctx, entry.receipt.TransferRef, entry.proof)
	if err != nil {
		return Receipt{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	entry.receipt.CommitmentRef = ref
	if entry.receipt.SettledAt.IsZero() {
		entry.receipt.SettledAt = o.now().UTC()
	}
	return entry.receipt, nil
}

// Prune 清理 before 之前完成的回执与承诺记录，返回清理的回执数。
// 未完成的回执保留到 Resume 成功为止。
func (o *Orchestrator) Prune(before time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	pruned := 0
	for key, entry := range o.ledger {
		r := entry.receipt
		if r.CommitmentRef == "" || r.SettledAt.IsZero() || !r.SettledAt.Before(before) {
			continue
		}
		delete(o.ledger, key)
		pruned++
	}
	for ref, c := range o.commitments {
		if c.at.Before(before) {
			delete(o.commitments, ref)
		}
	}
	return pruned
}

// PruneExpired 按 Options.Retention 清理已完成的回执。
func (o *Orchestrator) PruneExpired() int {
	return o.Prune(o.now().UTC().Add(-o.opts.Retention))
}

func (o *Orchestrator) observe(phase, outcome string, start time.Time) {
	if o.observer != nil {
		o.observer.ObserveSettlement(phase, outcome, time.Since(start))
	}
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
