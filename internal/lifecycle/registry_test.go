package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/identity"
	"IntentMesh/internal/intent"
	"IntentMesh/internal/mesh"
	"IntentMesh/internal/negotiation"
	"IntentMesh/internal/proofs"
	"IntentMesh/internal/settlement"
)

const waitFor = 3 * time.Second

type transitionLog struct {
	mu    sync.Mutex
	items []intent.Transition
}

func (l *transitionLog) emit(t intent.Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, t)
}

// path 返回意图经过的状态序列，以第一次迁移的起点开头。
func (l *transitionLog) path(id string) []intent.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []intent.State
	for _, t := range l.items {
		if t.IntentID != id {
			continue
		}
		if len(out) == 0 {
			out = append(out, t.From)
		}
		out = append(out, t.To)
	}
	return out
}

type testNode struct {
	id        string
	transport *mesh.MemoryTransport
	registry  *Registry
	adapter   *settlement.MemoryAdapter
	orch      *settlement.Orchestrator
	log       *transitionLog
}

type nodeConfig struct {
	opts    Options
	policy  negotiation.Policy
	adapter *settlement.MemoryAdapter
}

func fastOptions() Options {
	return Options{
		ProofTimeout:      time.Second,
		BroadcastTimeout:  200 * time.Millisecond,
		BroadcastRetries:  2,
		BroadcastBackoff:  5 * time.Millisecond,
		VerifyTimeout:     time.Second,
		PolicyTimeout:     time.Second,
		SettlementTimeout: 2 * time.Second,
		MatchTimeout:      -1,
		SettlementWait:    2 * time.Second,
		TerminalGrace:     time.Minute,
		RetiredTTL:        time.Minute,
		OrphanTTL:         time.Minute,
		SweepInterval:     time.Hour,
	}
}

func startNode(t *testing.T, network *mesh.MemoryNetwork, id string, cfg nodeConfig) *testNode {
	t.Helper()
	if cfg.policy == nil {
		cfg.policy = negotiation.FloorPolicy{DefaultFloor: 80}
	}
	if cfg.adapter == nil {
		cfg.adapter = settlement.NewMemoryAdapter()
	}
	if cfg.opts.ProofTimeout == 0 {
		cfg.opts = fastOptions()
	}

	orch := settlement.NewOrchestrator(cfg.adapter, settlement.Options{
		RatePerSecond:    1000,
		Burst:            100,
		TransferAttempts: 2,
		FinalizeAttempts: 2,
		RetryBackoff:     time.Millisecond,
		ConfirmPoll:      5 * time.Millisecond,
		ConfirmTimeout:   time.Second,
	})
	transport := network.Join(id, 64)
	log := &transitionLog{}
	reg, err := New(Dependencies{
		Identity:   identity.Static(id),
		Transport:  transport,
		Proofs:     proofs.NewDigestEngine(),
		Settlement: orch,
		Policy:     cfg.policy,
		Notify:     log.emit,
	}, cfg.opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = reg.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		reg.Close()
		_ = transport.Close()
	})
	return &testNode{id: id, transport: transport, registry: reg, adapter: cfg.adapter, orch: orch, log: log}
}

func (n *testNode) inject(t *testing.T, kind mesh.Kind, header mesh.Header, body any) {
	t.Helper()
	data, err := mesh.Encode(kind, header, body)
	require.NoError(t, err)
	from := header.Origin
	if from == "" {
		from = "test"
	}
	require.NoError(t, n.transport.Inject(context.Background(), mesh.Inbound{From: from, Data: data, ReceivedAt: time.Now()}))
}

// flush 等待此前注入的消息全部被分发。分发循环按顺序处理，
// 因此一个新节点出现在节点表中即说明之前的消息已处理完毕。
func (n *testNode) flush(t *testing.T) {
	t.Helper()
	marker := "marker-" + uuid.NewString()
	n.inject(t, mesh.KindPeerDiscovered, mesh.Header{}, mesh.PeerBody{PeerID: marker, Address: "memory://" + marker})
	require.Eventually(t, func() bool {
		for _, p := range n.registry.Peers() {
			if p.ID == marker {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
}

func (n *testNode) waitState(t *testing.T, id string, want intent.State) intent.Intent {
	t.Helper()
	var last intent.Intent
	require.Eventually(t, func() bool {
		in, err := n.registry.Get(id)
		if err != nil {
			return false
		}
		last = in
		return in.State == want
	}, waitFor, 5*time.Millisecond, "intent %s never reached %s", id, want)
	return last
}

// requirePath 等待通知序列追上状态机。通知在状态机释放锁之后才发出。
func (n *testNode) requirePath(t *testing.T, id string, want ...intent.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := n.log.path(id)
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond, "path of %s: %v", id, n.log.path(id))
}

func (n *testNode) deal(t *testing.T, intentID, from string, price int64) {
	t.Helper()
	n.inject(t, mesh.KindDealAccepted,
		mesh.Header{IntentID: intentID, Origin: from, Target: n.id},
		mesh.DealBody{Price: price, Recipient: "wallet-" + from, Strategy: "test"})
}

func submit(t *testing.T, n *testNode, req SubmitRequest) intent.Intent {
	t.Helper()
	in, err := n.registry.Submit(context.Background(), req)
	require.NoError(t, err)
	return in
}

func TestSubmitBroadcastsAndAwaitsMatch(t *testing.T) {
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{})

	created := submit(t, node, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})
	require.Equal(t, intent.StateProofGenerating, created.State)
	require.Equal(t, intent.RoleOriginator, created.Role)
	require.EqualValues(t, 95, created.Terms.Ceiling)

	in := node.waitState(t, created.ID, intent.StateAwaitingMatch)
	require.NotNil(t, in.Proof)
	require.True(t, in.ProofVerified)
	node.requirePath(t, created.ID,
		intent.StateIdle, intent.StateProofGenerating, intent.StateBroadcasting, intent.StateAwaitingMatch,
	)

	// 自身广播的回声不会生成对手方意图。
	node.flush(t)
	list := node.registry.List()
	require.Len(t, list, 1)
	require.Equal(t, intent.RoleOriginator, list[0].Role)
}

func TestDealAcceptedDrivesOriginatorToSettlement(t *testing.T) {
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{})
	created := submit(t, node, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})
	node.waitState(t, created.ID, intent.StateAwaitingMatch)

	node.deal(t, created.ID, "peer-b", 90)
	deciding := node.waitState(t, created.ID, intent.StateDeciding)
	require.NotNil(t, deciding.Negotiation)
	require.EqualValues(t, 90, deciding.Negotiation.AgreedPrice)
	require.EqualValues(t, 95, deciding.Negotiation.PriceCeiling)
	require.Equal(t, "peer-b", deciding.Negotiation.Counterparty)

	_, err := node.registry.Accept(context.Background(), created.ID)
	require.NoError(t, err)
	settled := node.waitState(t, created.ID, intent.StateSettled)
	require.NotNil(t, settled.Settlement)
	require.NotEmpty(t, settled.Settlement.TransferRef)
	require.NotEmpty(t, settled.Settlement.CommitmentRef)
	require.Equal(t, 1, node.adapter.Calls().Transfer)

	node.requirePath(t, created.ID,
		intent.StateIdle, intent.StateProofGenerating, intent.StateBroadcasting, intent.StateAwaitingMatch,
		intent.StateNegotiating, intent.StateDeciding, intent.StateSettlementPending, intent.StateSettled,
	)
}

func TestSpoofedOriginIsTreatedAsSelfEcho(t *testing.T) {
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{})
	created := submit(t, node, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})
	node.waitState(t, created.ID, intent.StateAwaitingMatch)

	node.inject(t, mesh.KindIntentBroadcast,
		mesh.Header{IntentID: created.ID, Origin: "mallory"},
		mesh.IntentBody{Payload: "buy 10 units under price 95", Bid: 90, Attempt: 1})
	node.flush(t)

	in, err := node.registry.Get(created.ID)
	require.NoError(t, err)
	require.Equal(t, intent.RoleOriginator, in.Role)
	require.Equal(t, intent.StateAwaitingMatch, in.State)
	require.Len(t, node.registry.List(), 1)
}

func TestDealAcceptedBeforeSubmitIsReplayed(t *testing.T) {
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{})

	node.deal(t, "early-1", "peer-b", 88)
	node.flush(t)
	_, err := node.registry.Get("early-1")
	require.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))

	submit(t, node, SubmitRequest{ID: "early-1", Payload: "buy 10 units under price 95", Bid: 90})
	in := node.waitState(t, "early-1", intent.StateDeciding)
	require.EqualValues(t, 88, in.Negotiation.AgreedPrice)
	require.Contains(t, node.log.path("early-1"), intent.StateAwaitingMatch)
}

func TestDealTargetedElsewhereIsIgnored(t *testing.T) {
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{})
	created := submit(t, node, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})
	node.waitState(t, created.ID, intent.StateAwaitingMatch)

	node.inject(t, mesh.KindDealAccepted,
		mesh.Header{IntentID: created.ID, Origin: "peer-b", Target: "node-z"},
		mesh.DealBody{Price: 90, Recipient: "wallet-b"})
	node.flush(t)

	in, err := node.registry.Get(created.ID)
	require.NoError(t, err)
	require.Equal(t, intent.StateAwaitingMatch, in.State)
}

func TestIntentsProgressIndependently(t *testing.T) {
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{})
	a := submit(t, node, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})
	b := submit(t, node, SubmitRequest{Payload: "sell 5 gold above 40", Bid: 45})
	node.waitState(t, a.ID, intent.StateAwaitingMatch)
	node.waitState(t, b.ID, intent.StateAwaitingMatch)

	node.deal(t, a.ID, "peer-b", 90)
	node.waitState(t, a.ID, intent.StateDeciding)

	other, err := node.registry.Get(b.ID)
	require.NoError(t, err)
	require.Equal(t, intent.StateAwaitingMatch, other.State)
	require.Nil(t, other.Negotiation)
}

func TestOwnEchoLeavesOtherIntentsUntouched(t *testing.T) {
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{})
	a := submit(t, node, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})
	b := submit(t, node, SubmitRequest{Payload: "sell 5 gold above 40", Bid: 45})
	node.waitState(t, a.ID, intent.StateAwaitingMatch)
	node.waitState(t, b.ID, intent.StateAwaitingMatch)

	node.inject(t, mesh.KindIntentBroadcast,
		mesh.Header{IntentID: a.ID, Origin: "node-a"},
		mesh.IntentBody{Payload: "buy 10 units under price 95", Bid: 90, Attempt: 1})
	node.flush(t)

	require.Len(t, node.registry.List(), 2)
	other, err := node.registry.Get(b.ID)
	require.NoError(t, err)
	require.Equal(t, intent.StateAwaitingMatch, other.State)
	require.Equal(t, intent.RoleOriginator, other.Role)
	require.Nil(t, other.Negotiation)
	node.requirePath(t, b.ID,
		intent.StateIdle, intent.StateProofGenerating, intent.StateBroadcasting, intent.StateAwaitingMatch,
	)

	own, err := node.registry.Get(a.ID)
	require.NoError(t, err)
	require.Equal(t, intent.StateAwaitingMatch, own.State)
}

func TestCancelFailsIntentWithUserCancelled(t *testing.T) {
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{})
	created := submit(t, node, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})
	node.waitState(t, created.ID, intent.StateAwaitingMatch)

	in, err := node.registry.Cancel(context.Background(), created.ID, "")
	require.NoError(t, err)
	require.Equal(t, intent.StateFailed, in.State)
	require.Equal(t, intent.ReasonUserCancelled, in.Reason)

	_, err = node.registry.Cancel(context.Background(), created.ID, "")
	require.True(t, xerrors.HasCode(err, intent.CodeIllegalTransition))
	_, err = node.registry.Accept(context.Background(), created.ID)
	require.True(t, xerrors.HasCode(err, intent.CodeIllegalTransition))

	// 终态之后的成交通知不会改变意图。
	node.deal(t, created.ID, "peer-b", 90)
	node.flush(t)
	in, err = node.registry.Get(created.ID)
	require.NoError(t, err)
	require.Equal(t, intent.StateFailed, in.State)
	require.Nil(t, in.Negotiation)
}

func TestCommandsOnUnknownIntent(t *testing.T) {
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{})
	_, err := node.registry.Accept(context.Background(), "missing")
	require.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
	_, err = node.registry.Get("missing")
	require.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}

func TestMatchTimeoutFailsWithNoMatchFound(t *testing.T) {
	opts := fastOptions()
	opts.MatchTimeout = 50 * time.Millisecond
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{opts: opts})

	created := submit(t, node, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})
	in := node.waitState(t, created.ID, intent.StateFailed)
	require.Equal(t, intent.ReasonNoMatchFound, in.Reason)
}

func TestBroadcastFailureAfterRetries(t *testing.T) {
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{})
	node.transport.FailBroadcasts(10)

	created := submit(t, node, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})
	in := node.waitState(t, created.ID, intent.StateFailed)
	require.Equal(t, intent.ReasonBroadcastUnreachable, in.Reason)
	require.Contains(t, in.Detail, "3 attempts")
}

func TestBroadcastRecoversWithinRetries(t *testing.T) {
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{})
	node.transport.FailBroadcasts(2)

	created := submit(t, node, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})
	node.waitState(t, created.ID, intent.StateAwaitingMatch)
}

func TestUnsatisfiableClaimFailsProofGeneration(t *testing.T) {
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{})

	created := submit(t, node, SubmitRequest{Payload: "buy 10 units", Bid: 120, PriceCeiling: 100})
	in := node.waitState(t, created.ID, intent.StateFailed)
	require.Equal(t, intent.ReasonProofGenerationError, in.Reason)
	require.Nil(t, in.Proof)
}

func TestRegenerateStartsNewAttempt(t *testing.T) {
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{})
	created := submit(t, node, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})
	first := node.waitState(t, created.ID, intent.StateAwaitingMatch)

	_, err := node.registry.Regenerate(context.Background(), created.ID)
	require.NoError(t, err)
	second := node.waitState(t, created.ID, intent.StateAwaitingMatch)
	require.Equal(t, 2, second.Attempt)
	require.NotEqual(t, first.Proof.Commitment, second.Proof.Commitment)

	node.deal(t, created.ID, "peer-b", 90)
	node.waitState(t, created.ID, intent.StateDeciding)
	_, err = node.registry.Regenerate(context.Background(), created.ID)
	require.True(t, xerrors.HasCode(err, intent.CodeIllegalTransition))
}

func TestDealForEarlierAttemptIsIgnored(t *testing.T) {
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{})
	created := submit(t, node, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})
	node.waitState(t, created.ID, intent.StateAwaitingMatch)

	_, err := node.registry.Regenerate(context.Background(), created.ID)
	require.NoError(t, err)
	node.waitState(t, created.ID, intent.StateAwaitingMatch)

	node.inject(t, mesh.KindDealAccepted,
		mesh.Header{IntentID: created.ID, Origin: "peer-b", Target: "node-a"},
		mesh.DealBody{Price: 90, Recipient: "wallet-b", Attempt: 1})
	node.flush(t)
	in, err := node.registry.Get(created.ID)
	require.NoError(t, err)
	require.Equal(t, intent.StateAwaitingMatch, in.State)
	require.Nil(t, in.Negotiation)

	node.inject(t, mesh.KindDealAccepted,
		mesh.Header{IntentID: created.ID, Origin: "peer-c", Target: "node-a"},
		mesh.DealBody{Price: 91, Recipient: "wallet-c", Attempt: 2})
	deciding := node.waitState(t, created.ID, intent.StateDeciding)
	require.Equal(t, "peer-c", deciding.Negotiation.Counterparty)
}

func TestRejectInDeciding(t *testing.T) {
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{})
	created := submit(t, node, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})

	_, err := node.registry.Reject(context.Background(), created.ID, "")
	require.True(t, xerrors.HasCode(err, intent.CodeIllegalTransition))

	node.waitState(t, created.ID, intent.StateAwaitingMatch)
	node.deal(t, created.ID, "peer-b", 93)
	node.waitState(t, created.ID, intent.StateDeciding)

	in, err := node.registry.Reject(context.Background(), created.ID, "too expensive")
	require.NoError(t, err)
	require.Equal(t, intent.ReasonRejected, in.Reason)
	require.Equal(t, "too expensive", in.Detail)
}

func TestPriceAboveCeilingIsPolicyViolation(t *testing.T) {
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{})
	created := submit(t, node, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})
	node.waitState(t, created.ID, intent.StateAwaitingMatch)

	node.deal(t, created.ID, "peer-b", 120)
	deciding := node.waitState(t, created.ID, intent.StateDeciding)
	require.Contains(t, deciding.Detail, "exceeds ceiling")

	_, err := node.registry.Accept(context.Background(), created.ID)
	require.NoError(t, err)
	in := node.waitState(t, created.ID, intent.StateFailed)
	require.Equal(t, intent.ReasonPolicyViolation, in.Reason)
	require.Zero(t, node.adapter.Calls().Transfer)
}

func TestFinalizeFailureReportsTransferRef(t *testing.T) {
	adapter := settlement.NewMemoryAdapter()
	adapter.FailFinalizes(100)
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{adapter: adapter})
	created := submit(t, node, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})
	node.waitState(t, created.ID, intent.StateAwaitingMatch)

	node.deal(t, created.ID, "peer-b", 90)
	node.waitState(t, created.ID, intent.StateDeciding)
	_, err := node.registry.Accept(context.Background(), created.ID)
	require.NoError(t, err)

	in := node.waitState(t, created.ID, intent.StateFailed)
	require.Equal(t, intent.ReasonSettlementError, in.Reason)
	require.Contains(t, in.Detail, "phase=finalize")
	require.Contains(t, in.Detail, "transfer_ref=tx-")
	require.Len(t, node.orch.Outstanding(), 1)
}

func TestSubmitValidation(t *testing.T) {
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{})

	_, err := node.registry.Submit(context.Background(), SubmitRequest{Payload: "   ", Bid: 10})
	require.True(t, xerrors.HasCode(err, intent.CodeEmptyPayload))

	_, err = node.registry.Submit(context.Background(), SubmitRequest{Payload: "buy 10 units"})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
	require.Empty(t, node.registry.List())

	submit(t, node, SubmitRequest{ID: "dup", Payload: "buy 1 unit", Bid: 5})
	_, err = node.registry.Submit(context.Background(), SubmitRequest{ID: "dup", Payload: "buy 1 unit", Bid: 5})
	require.True(t, xerrors.HasCode(err, xerrors.CodeConflict))
}

func TestSubmitUsesRecommendedBidWhenBidMissing(t *testing.T) {
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{})

	created := submit(t, node, SubmitRequest{Payload: "buy 10 units under price 100"})
	require.EqualValues(t, 95, created.Bid)
	require.EqualValues(t, 100, created.Terms.Ceiling)
}

func TestSweepRetiresTerminalIntents(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	opts := fastOptions()
	opts.Clock = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{opts: opts})
	created := submit(t, node, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})
	node.waitState(t, created.ID, intent.StateAwaitingMatch)
	_, err := node.registry.Cancel(context.Background(), created.ID, "")
	require.NoError(t, err)

	node.registry.sweep()
	_, err = node.registry.Get(created.ID)
	require.NoError(t, err, "terminal intents stay visible during the grace period")

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	node.registry.sweep()

	_, err = node.registry.Get(created.ID)
	require.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
	require.True(t, node.registry.ownsIntent(created.ID), "retired originator ids still identify self echoes")

	_, err = node.registry.Submit(context.Background(), SubmitRequest{ID: created.ID, Payload: "buy 1 unit", Bid: 5})
	require.True(t, xerrors.HasCode(err, xerrors.CodeConflict))
}

func TestCounterpartyRejectsForgedProof(t *testing.T) {
	node := startNode(t, mesh.NewMemoryNetwork(), "node-b", nodeConfig{})

	node.inject(t, mesh.KindIntentBroadcast,
		mesh.Header{IntentID: "forged-1", Origin: "node-x"},
		mesh.IntentBody{
			Payload: "buy 10 units under price 95",
			Bid:     90,
			Attempt: 1,
			Proof: proofs.Proof{
				Scheme:       proofs.DigestScheme,
				Commitment:   "00",
				Data:         "ff",
				PublicInputs: []string{"forged-1", "90", proofs.DigestPayload("buy 10 units under price 95")},
			},
		})

	in := node.waitState(t, "forged-1", intent.StateFailed)
	require.Equal(t, intent.RoleCounterparty, in.Role)
	require.Equal(t, intent.ReasonInvalidProof, in.Reason)
	require.Equal(t, "node-x", in.Origin)
	node.requirePath(t, "forged-1",
		intent.StateIdle, intent.StateReceived, intent.StateVerifying, intent.StateFailed,
	)
}

func TestTwoNodesNegotiateAndSettle(t *testing.T) {
	network := mesh.NewMemoryNetwork()
	ledger := settlement.NewMemoryAdapter()
	opts := fastOptions()
	opts.AutoAcceptOriginator = true
	opts.AutoAcceptCounterparty = true

	a := startNode(t, network, "node-a", nodeConfig{opts: opts, adapter: ledger})
	b := startNode(t, network, "node-b", nodeConfig{opts: opts, adapter: ledger, policy: negotiation.FloorPolicy{DefaultFloor: 80}})

	created := submit(t, a, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})

	origin := a.waitState(t, created.ID, intent.StateSettled)
	counter := b.waitState(t, created.ID, intent.StateSettled)

	require.Equal(t, intent.RoleOriginator, origin.Role)
	require.Equal(t, intent.RoleCounterparty, counter.Role)
	require.Equal(t, "node-b", origin.Negotiation.Counterparty)
	require.Equal(t, "node-a", counter.Negotiation.Counterparty)
	require.Equal(t, origin.Settlement.CommitmentRef, counter.Settlement.CommitmentRef)
	require.Equal(t, 1, ledger.Calls().Transfer)

	b.requirePath(t, created.ID,
		intent.StateIdle, intent.StateReceived, intent.StateVerifying, intent.StateEvaluating,
		intent.StateDeciding, intent.StateSettlementPending, intent.StateSettled,
	)
	// 每个节点对同一意图只持有一个状态机。
	require.Len(t, a.registry.List(), 1)
	require.Len(t, b.registry.List(), 1)
}

func TestCounterOfferSettlesAtFloor(t *testing.T) {
	network := mesh.NewMemoryNetwork()
	ledger := settlement.NewMemoryAdapter()
	opts := fastOptions()
	opts.AutoAcceptOriginator = true
	opts.AutoAcceptCounterparty = true

	a := startNode(t, network, "node-a", nodeConfig{opts: opts, adapter: ledger})
	b := startNode(t, network, "node-b", nodeConfig{opts: opts, adapter: ledger, policy: negotiation.FloorPolicy{DefaultFloor: 92}})

	created := submit(t, a, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})
	origin := a.waitState(t, created.ID, intent.StateSettled)
	b.waitState(t, created.ID, intent.StateSettled)

	require.EqualValues(t, 92, origin.Negotiation.AgreedPrice)
	require.Contains(t, b.log.path(created.ID), intent.StateNegotiating)
}

func TestCounterpartyRejectLeavesOriginatorWaiting(t *testing.T) {
	network := mesh.NewMemoryNetwork()
	opts := fastOptions()
	opts.AutoAcceptCounterparty = true

	a := startNode(t, network, "node-a", nodeConfig{opts: opts})
	b := startNode(t, network, "node-b", nodeConfig{opts: opts, policy: negotiation.FloorPolicy{DefaultFloor: 99}})

	created := submit(t, a, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})
	a.waitState(t, created.ID, intent.StateAwaitingMatch)
	rejected := b.waitState(t, created.ID, intent.StateFailed)
	require.Equal(t, intent.ReasonRejected, rejected.Reason)

	a.flush(t)
	in, err := a.registry.Get(created.ID)
	require.NoError(t, err)
	require.Equal(t, intent.StateAwaitingMatch, in.State)
}

func TestCounterpartyWaitsForLocalAccept(t *testing.T) {
	network := mesh.NewMemoryNetwork()
	ledger := settlement.NewMemoryAdapter()
	opts := fastOptions()
	opts.AutoAcceptOriginator = true

	a := startNode(t, network, "node-a", nodeConfig{opts: opts, adapter: ledger})
	b := startNode(t, network, "node-b", nodeConfig{opts: opts, adapter: ledger})

	created := submit(t, a, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})
	a.waitState(t, created.ID, intent.StateAwaitingMatch)
	b.waitState(t, created.ID, intent.StateDeciding)

	// 对手方未接受之前，发起方不会收到成交通知。
	a.flush(t)
	in, err := a.registry.Get(created.ID)
	require.NoError(t, err)
	require.Equal(t, intent.StateAwaitingMatch, in.State)

	_, err = b.registry.Accept(context.Background(), created.ID)
	require.NoError(t, err)
	a.waitState(t, created.ID, intent.StateSettled)
	b.waitState(t, created.ID, intent.StateSettled)
}

func TestCancelDuringSettlementWaitsForTransfer(t *testing.T) {
	network := mesh.NewMemoryNetwork()
	ledger := settlement.NewMemoryAdapter()
	opts := fastOptions()
	opts.AutoAcceptCounterparty = true

	a := startNode(t, network, "node-a", nodeConfig{opts: opts, adapter: ledger})
	b := startNode(t, network, "node-b", nodeConfig{opts: opts, adapter: ledger})

	created := submit(t, a, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})
	a.waitState(t, created.ID, intent.StateDeciding)

	ledger.DelayTransfers(200 * time.Millisecond)
	_, err := a.registry.Accept(context.Background(), created.ID)
	require.NoError(t, err)

	// 转账已经提交，取消来得太晚。
	in, err := a.registry.Cancel(context.Background(), created.ID, "")
	require.True(t, xerrors.HasCode(err, intent.CodeIllegalTransition), "error: %v", err)
	require.Equal(t, intent.StateSettled, in.State)
	require.NotNil(t, in.Settlement)
	require.NotEmpty(t, in.Settlement.CommitmentRef)

	counter := b.waitState(t, created.ID, intent.StateSettled)
	require.Equal(t, in.Settlement.CommitmentRef, counter.Settlement.CommitmentRef)
	require.Equal(t, settlement.Calls{Transfer: 1, Finalize: 1, Status: ledger.Calls().Status}, ledger.Calls())
	require.Empty(t, a.orch.Outstanding())
}

func TestCancelDuringFailingSettlementKeepsOutcome(t *testing.T) {
	adapter := settlement.NewMemoryAdapter()
	node := startNode(t, mesh.NewMemoryNetwork(), "node-a", nodeConfig{adapter: adapter})
	created := submit(t, node, SubmitRequest{Payload: "buy 10 units under price 95", Bid: 90})
	node.waitState(t, created.ID, intent.StateAwaitingMatch)
	node.deal(t, created.ID, "peer-b", 90)
	node.waitState(t, created.ID, intent.StateDeciding)

	adapter.DelayTransfers(50 * time.Millisecond)
	adapter.FailTransfers(100)
	_, err := node.registry.Accept(context.Background(), created.ID)
	require.NoError(t, err)

	in, err := node.registry.Cancel(context.Background(), created.ID, "operator abort")
	require.NoError(t, err)
	require.Equal(t, intent.StateFailed, in.State)
	require.Equal(t, intent.ReasonUserCancelled, in.Reason)
	require.Contains(t, in.Detail, "operator abort")
	require.Contains(t, in.Detail, "phase=transfer")
	require.Equal(t, 2, adapter.Calls().Transfer)
}
