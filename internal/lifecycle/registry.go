package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/identity"
	"IntentMesh/internal/intent"
	"IntentMesh/internal/mesh"
	"IntentMesh/internal/negotiation"
	"IntentMesh/internal/proofs"
	"IntentMesh/internal/settlement"
	"IntentMesh/pkg/logger"
)

// Recorder 记录生命周期指标，*metrics.Metrics 满足该接口。
type Recorder interface {
	StepObserver
	ObserveTransition(role, from, to, reason string)
	ObserveEvent(kind, outcome string)
	SetActiveIntents(n int)
	SetPeers(n int)
}

// Dependencies 是 Registry 运行所需的协作者。
type Dependencies struct {
	Identity    identity.Provider
	Transport   mesh.Transport
	Normalizer  *mesh.Normalizer
	Proofs      proofs.Engine
	Settlement  *settlement.Orchestrator
	Policy      negotiation.Policy
	Recommender *negotiation.Recommender
	// Notify 接收每一次状态迁移，通常是 notify.Hub.Emit。
	Notify   intent.Emitter
	Recorder Recorder
}

// Options 控制超时、重试与保留策略。零值字段使用默认值。
type Options struct {
	ProofTimeout      time.Duration
	BroadcastTimeout  time.Duration
	BroadcastRetries  int
	BroadcastBackoff  time.Duration
	VerifyTimeout     time.Duration
	PolicyTimeout     time.Duration
	SettlementTimeout time.Duration
	// MatchTimeout 为负数时 AwaitingMatch 不会超时。
	MatchTimeout   time.Duration
	SettlementWait time.Duration
	TerminalGrace  time.Duration
	RetiredTTL     time.Duration
	OrphanTTL      time.Duration
	OrphanLimit    int
	SweepInterval  time.Duration
	InboundBuffer  int
	DefaultBalance int64
	// Recipient 是作为对手方时的收款地址，为空时使用本地节点 ID。
	Recipient              string
	RelayFee               string
	AutoAcceptOriginator   bool
	AutoAcceptCounterparty bool
	Clock                  func() time.Time
}

func (o *Options) applyDefaults() {
	setDuration := func(d *time.Duration, def time.Duration) {
		if *d == 0 {
			*d = def
		}
	}
	setDuration(&o.ProofTimeout, 30*time.Second)
	setDuration(&o.BroadcastTimeout, 5*time.Second)
	setDuration(&o.BroadcastBackoff, 500*time.Millisecond)
	setDuration(&o.VerifyTimeout, 10*time.Second)
	setDuration(&o.PolicyTimeout, 10*time.Second)
	setDuration(&o.SettlementTimeout, 2*time.Minute)
	setDuration(&o.MatchTimeout, 2*time.Minute)
	setDuration(&o.SettlementWait, 5*time.Minute)
	setDuration(&o.TerminalGrace, 30*time.Second)
	setDuration(&o.RetiredTTL, 10*time.Minute)
	setDuration(&o.OrphanTTL, 30*time.Second)
	setDuration(&o.SweepInterval, 5*time.Second)
	if o.BroadcastRetries < 0 {
		o.BroadcastRetries = 0
	}
	if o.OrphanLimit <= 0 {
		o.OrphanLimit = 1024
	}
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = 256
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// SubmitRequest 是发起意图的参数。Bid 为 0 时由 Recommender 给出建议出价。
type SubmitRequest struct {
	ID           string `json:"id,omitempty"`
	Payload      string `json:"payload"`
	Bid          int64  `json:"bid,omitempty"`
	PriceCeiling int64  `json:"price_ceiling,omitempty"`
	Balance      int64  `json:"balance,omitempty"`
	Market       int64  `json:"market,omitempty"`
}

type tombstone struct {
	role    intent.Role
	attempt int
	until   time.Time
}

type orphan struct {
	event   mesh.DealAccepted
	expires time.Time
}

// Registry 持有本节点全部意图，是入站事件与控制命令的唯一入口。
// 每个意图由独立的 worker goroutine 串行处理。
type Registry struct {
	deps       Dependencies
	opts       Options
	logger     *slog.Logger
	local      string
	normalizer *mesh.Normalizer
	classifier *Disambiguator
	sequencer  *Sequencer
	peers      *PeerBook
	inbound    chan mesh.Inbound

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu          sync.RWMutex
	workers     map[string]*worker
	retired     map[string]tombstone
	orphans     map[string][]orphan
	orphanCount int
	closed      bool
}

// New 创建 Registry 并订阅传输层。调用 Run 之前到达的消息会被缓冲。
func New(deps Dependencies, opts Options) (*Registry, error) {
	switch {
	case deps.Identity == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "identity provider is required")
	case deps.Transport == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "mesh transport is required")
	case deps.Proofs == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "proof engine is required")
	case deps.Settlement == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "settlement orchestrator is required")
	case deps.Policy == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "negotiation policy is required")
	}
	local := strings.TrimSpace(deps.Identity.LocalNodeID())
	if local == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "local node id is empty")
	}
	opts.applyDefaults()
	if deps.Normalizer == nil {
		deps.Normalizer = mesh.NewNormalizer()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		deps:       deps,
		opts:       opts,
		logger:     logger.Named("lifecycle").With(slog.String("node", local)),
		local:      local,
		normalizer: deps.Normalizer,
		peers:      NewPeerBook(),
		inbound:    make(chan mesh.Inbound, opts.InboundBuffer),
		ctx:        ctx,
		cancel:     cancel,
		workers:    make(map[string]*worker),
		retired:    make(map[string]tombstone),
		orphans:    make(map[string][]orphan),
	}
	var stepObserver StepObserver
	if deps.Recorder != nil {
		stepObserver = deps.Recorder
	}
	r.sequencer = NewSequencer(stepObserver)
	r.classifier = NewDisambiguator(deps.Identity, r.ownsIntent)
	deps.Transport.Subscribe(r.HandleInbound)
	return r, nil
}

// LocalNodeID 返回本节点标识。
func (r *Registry) LocalNodeID() string { return r.local }

// HandleInbound 是传输层回调，按到达顺序把消息交给 Run 循环。
func (r *Registry) HandleInbound(in mesh.Inbound) {
	select {
	case r.inbound <- in:
	case <-r.ctx.Done():
	}
}

// Run 处理入站事件并周期性清理过期意图，直到 ctx 结束。
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	r.logger.Info("意图注册表已启动")
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return nil
		case <-r.ctx.Done():
			return nil
		case in := <-r.inbound:
			r.dispatch(in)
		case <-ticker.C:
			r.sweep()
		}
	}
}

// Close 停止所有 worker 并等待它们退出。
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.cancel()
		r.wg.Wait()
		r.logger.Info("意图注册表已停止")
	})
}

func (r *Registry) now() time.Time { return r.opts.Clock().UTC() }

func (r *Registry) dispatch(in mesh.Inbound) {
	event, err := r.normalizer.Normalize(in)
	if err != nil {
		r.logger.Warn("丢弃无法解析的入站消息", slog.String("from", in.From), slog.Any("error", err))
		r.observeEvent("invalid", "malformed")
		return
	}

	switch ev := event.(type) {
	case mesh.PeerDiscovered:
		r.discover(ev)
		return
	case mesh.Unrecognized:
		r.logger.Warn("未知类型的入站消息", slog.String("type", ev.Type), slog.String("from", ev.From))
		r.observeEvent("Unrecognized", "ignored")
		return
	}

	kind := string(event.Kind())
	meta := event.Metadata()
	switch class := r.classifier.Classify(event); class {
	case SelfEcho, NotAddressed:
		r.logger.Debug("忽略入站事件",
			slog.String("kind", kind),
			slog.String("intent_id", meta.IntentID),
			slog.String("classification", class.String()))
		r.observeEvent(kind, class.String())
		return
	}

	switch ev := event.(type) {
	case mesh.IntentBroadcast:
		r.receive(ev)
	case mesh.DealAccepted:
		r.routeDeal(ev)
	case mesh.SettlementComplete:
		r.routeToWorker(ev)
	}
}

func (r *Registry) discover(ev mesh.PeerDiscovered) {
	if ev.PeerID == r.local {
		return
	}
	if r.peers.Record(ev.PeerID, ev.Address, r.now()) {
		r.logger.Info("发现新节点", slog.String("peer", ev.PeerID), slog.String("address", ev.Address))
		r.observeEvent(string(mesh.KindPeerDiscovered), "recorded")
	} else {
		r.observeEvent(string(mesh.KindPeerDiscovered), "duplicate")
	}
	if r.deps.Recorder != nil {
		r.deps.Recorder.SetPeers(r.peers.Len())
	}
}

// receive 为外部广播的意图创建对手方 worker。
// 同一意图 ID 只保留一个状态机；对手方意图失败后，发起方重新生成的更高尝试会替换它。
func (r *Registry) receive(ev mesh.IntentBroadcast) {
	kind := string(mesh.KindIntentBroadcast)
	origin := ev.Origin
	if origin == "" {
		origin = ev.From
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if existing, ok := r.workers[ev.IntentID]; ok {
		snap := existing.machine.Snapshot()
		if snap.Role != intent.RoleCounterparty || !snap.State.Terminal() || ev.Attempt <= snap.Attempt {
			r.mu.Unlock()
			r.observeEvent(kind, "duplicate")
			return
		}
		delete(r.workers, ev.IntentID)
	} else if stone, ok := r.retired[ev.IntentID]; ok && ev.Attempt <= stone.attempt {
		r.mu.Unlock()
		r.observeEvent(kind, "duplicate")
		return
	}

	seed := intent.Intent{
		ID:      ev.IntentID,
		Role:    intent.RoleCounterparty,
		Origin:  origin,
		Payload: ev.Payload,
		Terms:   intent.ParseTerms(ev.Payload),
		Bid:     ev.Bid,
	}
	machine, err := intent.New(seed, r.emit, intent.WithClock(r.opts.Clock))
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("无法接收意图", slog.String("intent_id", ev.IntentID), slog.Any("error", err))
		r.observeEvent(kind, "rejected")
		return
	}
	w := r.newWorker(machine)
	w.received = &ev
	r.registerLocked(w)
	delete(r.retired, ev.IntentID)
	r.mu.Unlock()

	r.observeEvent(kind, "dispatched")
	r.start(w)
	r.recordActive()
}

func (r *Registry) routeDeal(ev mesh.DealAccepted) {
	kind := string(mesh.KindDealAccepted)
	r.mu.Lock()
	w, ok := r.workers[ev.IntentID]
	if !ok {
		if _, retired := r.retired[ev.IntentID]; retired {
			r.mu.Unlock()
			r.observeEvent(kind, "late")
			return
		}
		buffered := r.bufferOrphanLocked(ev)
		r.mu.Unlock()
		if buffered {
			r.logger.Info("意图尚未创建，暂存成交通知",
				slog.String("intent_id", ev.IntentID), slog.String("origin", ev.Origin))
			r.observeEvent(kind, "orphaned")
		} else {
			r.logger.Warn("孤立成交通知缓冲已满，丢弃", slog.String("intent_id", ev.IntentID))
			r.observeEvent(kind, "dropped")
		}
		return
	}
	r.mu.Unlock()
	r.post(w, kind, msgEvent{event: ev})
}

func (r *Registry) routeToWorker(ev mesh.Event) {
	kind := string(ev.Kind())
	w, ok := r.lookup(ev.Metadata().IntentID)
	if !ok {
		r.logger.Debug("未知意图的事件", slog.String("kind", kind), slog.String("intent_id", ev.Metadata().IntentID))
		r.observeEvent(kind, "unknown_intent")
		return
	}
	r.post(w, kind, msgEvent{event: ev})
}

func (r *Registry) post(w *worker, kind string, msg message) {
	if w.mailbox.push(msg) {
		r.observeEvent(kind, "dispatched")
		return
	}
	r.observeEvent(kind, "late")
}

func (r *Registry) bufferOrphanLocked(ev mesh.DealAccepted) bool {
	if r.orphanCount >= r.opts.OrphanLimit {
		return false
	}
	r.orphans[ev.IntentID] = append(r.orphans[ev.IntentID], orphan{event: ev, expires: r.now().Add(r.opts.OrphanTTL)})
	r.orphanCount++
	return true
}

func (r *Registry) takeOrphansLocked(id string) []mesh.DealAccepted {
	list := r.orphans[id]
	delete(r.orphans, id)
	r.orphanCount -= len(list)
	now := r.now()
	out := make([]mesh.DealAccepted, 0, len(list))
	for _, o := range list {
		if now.Before(o.expires) {
			out = append(out, o.event)
		}
	}
	return out
}

// Submit 创建发起方意图并立即进入 ProofGenerating。
func (r *Registry) Submit(ctx context.Context, req SubmitRequest) (intent.Intent, error) {
	payload := strings.TrimSpace(req.Payload)
	if payload == "" {
		return intent.Intent{}, xerrors.New(intent.CodeEmptyPayload, "intent payload is empty")
	}
	if req.Bid < 0 || req.PriceCeiling < 0 || req.Balance < 0 {
		return intent.Intent{}, xerrors.New(xerrors.CodeInvalidArgument, "bid, price ceiling and balance must not be negative")
	}

	terms := intent.ParseTerms(payload)
	ceiling := req.PriceCeiling
	if ceiling == 0 {
		ceiling = terms.Ceiling
	}
	bid := req.Bid
	strategy := ""
	if bid == 0 && ceiling > 0 {
		advice, err := r.deps.Recommender.Recommend(ctx, negotiation.AdviceRequest{
			Payload: payload,
			Ceiling: ceiling,
			Market:  req.Market,
		})
		if err != nil {
			return intent.Intent{}, err
		}
		bid = advice.RecommendedBid
		strategy = advice.Strategy
	}
	if bid <= 0 {
		return intent.Intent{}, xerrors.New(xerrors.CodeInvalidArgument, "bid is required when no price ceiling is known")
	}
	if ceiling == 0 {
		ceiling = bid
	}
	terms.Ceiling = ceiling
	balance := req.Balance
	if balance == 0 {
		balance = r.opts.DefaultBalance
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	seed := intent.Intent{
		ID:      id,
		Role:    intent.RoleOriginator,
		Origin:  r.local,
		Payload: payload,
		Terms:   terms,
		Bid:     bid,
		Balance: balance,
	}
	machine, err := intent.New(seed, r.emit, intent.WithClock(r.opts.Clock))
	if err != nil {
		return intent.Intent{}, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return intent.Intent{}, xerrors.New(xerrors.CodeInvalidState, "registry is closed")
	}
	if _, exists := r.workers[id]; exists {
		r.mu.Unlock()
		return intent.Intent{}, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("intent %s already exists", id))
	}
	if _, exists := r.retired[id]; exists {
		r.mu.Unlock()
		return intent.Intent{}, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("intent %s was recently retired", id))
	}
	w := r.newWorker(machine)
	r.registerLocked(w)
	early := r.takeOrphansLocked(id)
	r.mu.Unlock()

	detail := terms.String()
	if strategy != "" {
		detail = fmt.Sprintf("%s; bid %d (%s)", detail, bid, strategy)
	}
	if _, err := machine.Fire(intent.TriggerSubmit, intent.Change{Detail: detail}); err != nil {
		r.mu.Lock()
		delete(r.workers, id)
		r.mu.Unlock()
		r.wg.Done()
		return intent.Intent{}, err
	}
	r.start(w)
	for _, ev := range early {
		w.mailbox.push(msgEvent{event: ev})
	}
	r.recordActive()
	r.logger.Info("意图已提交",
		slog.String("intent_id", id),
		slog.Int64("bid", bid),
		slog.Int("early_deals", len(early)))
	return machine.Snapshot(), nil
}

// Accept 在 Deciding 状态接受当前条款。
func (r *Registry) Accept(ctx context.Context, id string) (intent.Intent, error) {
	return r.command(ctx, id, commandAccept, "")
}

// Reject 在 Deciding 状态拒绝当前条款。
func (r *Registry) Reject(ctx context.Context, id, detail string) (intent.Intent, error) {
	return r.command(ctx, id, commandReject, detail)
}

// Cancel 取消任意非终态意图。
func (r *Registry) Cancel(ctx context.Context, id, detail string) (intent.Intent, error) {
	return r.command(ctx, id, commandCancel, detail)
}

// Regenerate 为等待撮合的发起方意图重新生成证明并再次广播。
func (r *Registry) Regenerate(ctx context.Context, id string) (intent.Intent, error) {
	return r.command(ctx, id, commandRegenerate, "")
}

func (r *Registry) command(ctx context.Context, id string, kind commandKind, detail string) (intent.Intent, error) {
	w, ok := r.lookup(id)
	if !ok {
		return intent.Intent{}, notFound(id)
	}
	reply := make(chan error, 1)
	if !w.mailbox.push(msgCommand{kind: kind, detail: detail, reply: reply}) {
		return w.machine.Snapshot(), terminalCommand(w.machine.Snapshot(), kind)
	}
	select {
	case err := <-reply:
		return w.machine.Snapshot(), err
	case <-ctx.Done():
		return w.machine.Snapshot(), xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), fmt.Sprintf("%s on intent %s", kind, id))
	}
}

// Get 返回意图快照。终态意图在保留期内仍可查询。
func (r *Registry) Get(id string) (intent.Intent, error) {
	w, ok := r.lookup(id)
	if !ok {
		return intent.Intent{}, notFound(id)
	}
	return w.machine.Snapshot(), nil
}

// List 按创建时间返回全部意图快照。
func (r *Registry) List() []intent.Intent {
	r.mu.RLock()
	out := make([]intent.Intent, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.machine.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Peers 返回已知节点。
func (r *Registry) Peers() []Peer {
	return r.peers.List()
}

func (r *Registry) lookup(id string) (*worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// ownsIntent 报告意图是否由本节点发起，包括已经退役的意图。
func (r *Registry) ownsIntent(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if w, ok := r.workers[id]; ok && w.role == intent.RoleOriginator {
		return true
	}
	stone, ok := r.retired[id]
	return ok && stone.role == intent.RoleOriginator
}

// emit 是所有状态机共享的 Emitter，在状态机释放锁之后调用。
func (r *Registry) emit(t intent.Transition) {
	attrs := []any{
		slog.String("intent_id", t.IntentID),
		slog.String("role", string(t.Role)),
		slog.String("from", string(t.From)),
		slog.String("to", string(t.To)),
		slog.String("trigger", string(t.Trigger)),
		slog.Int("attempt", t.Attempt),
	}
	if t.Reason != intent.ReasonNone {
		attrs = append(attrs, slog.String("reason", string(t.Reason)))
	}
	if t.Detail != "" {
		attrs = append(attrs, slog.String("detail", t.Detail))
	}
	if t.To == intent.StateFailed {
		r.logger.Warn("意图失败", attrs...)
	} else {
		r.logger.Info("意图状态迁移", attrs...)
	}

	if r.deps.Recorder != nil {
		r.deps.Recorder.ObserveTransition(string(t.Role), string(t.From), string(t.To), string(t.Reason))
	}
	if r.deps.Notify != nil {
		r.deps.Notify(t)
	}
	if t.To.Terminal() {
		r.mu.Lock()
		if w, ok := r.workers[t.IntentID]; ok && w.finishedAt.IsZero() {
			w.finishedAt = t.At
		}
		r.mu.Unlock()
		r.recordActive()
	}
}

// sweep 淘汰保留期已过的终态意图，并清理过期的墓碑与孤立通知。
func (r *Registry) sweep() {
	now := r.now()
	r.mu.Lock()
	evicted := 0
	for id, w := range r.workers {
		if w.finishedAt.IsZero() || now.Sub(w.finishedAt) < r.opts.TerminalGrace {
			continue
		}
		snap := w.machine.Snapshot()
		r.retired[id] = tombstone{role: snap.Role, attempt: snap.Attempt, until: now.Add(r.opts.RetiredTTL)}
		delete(r.workers, id)
		evicted++
	}
	for id, stone := range r.retired {
		if now.After(stone.until) {
			delete(r.retired, id)
		}
	}
	expired := 0
	for id, list := range r.orphans {
		kept := list[:0]
		for _, o := range list {
			if now.Before(o.expires) {
				kept = append(kept, o)
			} else {
				expired++
			}
		}
		if len(kept) == 0 {
			delete(r.orphans, id)
		} else {
			r.orphans[id] = kept
		}
	}
	r.orphanCount -= expired
	r.mu.Unlock()
	r.deps.Settlement.PruneExpired()

	if evicted > 0 || expired > 0 {
		r.logger.Debug("清理过期意图", slog.Int("evicted", evicted), slog.Int("expired_orphans", expired))
	}
	r.recordActive()
}

func (r *Registry) recordActive() {
	if r.deps.Recorder == nil {
		return
	}
	r.mu.RLock()
	active := 0
	for _, w := range r.workers {
		if w.finishedAt.IsZero() {
			active++
		}
	}
	r.mu.RUnlock()
	r.deps.Recorder.SetActiveIntents(active)
}

func (r *Registry) observeEvent(kind, outcome string) {
	if r.deps.Recorder != nil {
		r.deps.Recorder.ObserveEvent(kind, outcome)
	}
}

func (r *Registry) recipient() string {
	if r.opts.Recipient != "" {
		return r.opts.Recipient
	}
	return r.local
}

// broadcastBudget 是一次带重试广播的最长耗时。
func (r *Registry) broadcastBudget() time.Duration {
	n := time.Duration(r.opts.BroadcastRetries)
	return (n+1)*r.opts.BroadcastTimeout + r.opts.BroadcastBackoff*n*(n+1)/2
}

// broadcast 发送消息，传输层拒绝时按线性退避重试。
func (r *Registry) broadcast(ctx context.Context, data []byte) (mesh.Ack, error) {
	attempts := r.opts.BroadcastRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return mesh.Ack{}, xerrors.Wrap(intent.CodeBroadcastUnreachable, ctx.Err(), "broadcast interrupted")
			case <-time.After(r.opts.BroadcastBackoff * time.Duration(attempt-1)):
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, r.opts.BroadcastTimeout)
		ack, err := r.deps.Transport.Broadcast(callCtx, data)
		cancel()
		if err == nil {
			return ack, nil
		}
		lastErr = err
		r.logger.Warn("广播失败", slog.Int("attempt", attempt), slog.Int("max_attempts", attempts), slog.Any("error", err))
	}
	return mesh.Ack{}, xerrors.Wrap(intent.CodeBroadcastUnreachable, lastErr, fmt.Sprintf("broadcast failed after %d attempts", attempts))
}

// announceSettlement 把结算回执定向通知给对手方。通知失败只记录日志，
// 对手方会在等待超时后自行失败。
func (r *Registry) announceSettlement(snap intent.Intent, receipt settlement.Receipt) {
	if snap.Negotiation == nil {
		return
	}
	header := mesh.Header{
		IntentID: snap.ID,
		Origin:   r.local,
		Target:   snap.Negotiation.Counterparty,
		RelayFee: r.opts.RelayFee,
	}
	data, err := mesh.Encode(mesh.KindSettlementComplete, header, mesh.SettlementBody{
		TransferRef:   receipt.TransferRef,
		CommitmentRef: receipt.CommitmentRef,
		Price:         receipt.Amount,
	})
	if err != nil {
		r.logger.Error("编码结算通知失败", slog.String("intent_id", snap.ID), slog.Any("error", err))
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, r.broadcastBudget())
		defer cancel()
		if _, err := r.broadcast(ctx, data); err != nil {
			r.logger.Error("结算通知广播失败",
				slog.String("intent_id", snap.ID),
				slog.String("transfer_ref", receipt.TransferRef),
				slog.Any("error", err))
		}
	}()
}

// newWorker 创建 worker，启动消息总是邮箱中的第一条。
func (r *Registry) newWorker(machine *intent.Machine) *worker {
	id := machine.ID()
	role := machine.Role()
	w := &worker{
		r:       r,
		machine: machine,
		id:      id,
		role:    role,
		mailbox: newMailbox(),
		logger:  r.logger.With(slog.String("intent_id", id), slog.String("role", string(role))),
	}
	w.mailbox.push(msgStart{})
	return w
}

// registerLocked 在持有 r.mu 且 Registry 未关闭时登记 worker。
func (r *Registry) registerLocked(w *worker) {
	r.workers[w.id] = w
	r.wg.Add(1)
}

func (r *Registry) start(w *worker) {
	go func() {
		defer r.wg.Done()
		w.run(r.ctx)
	}()
}

func notFound(id string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("intent %s not found", id))
}
