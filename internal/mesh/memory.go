package mesh

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	xerrors "IntentMesh/internal/errors"
)

// MemoryNetwork 在同一进程内连接多个节点，广播会回送给发送者本身，
// 与真实网络中的自回声一致。
type MemoryNetwork struct {
	mu    sync.RWMutex
	nodes map[string]*MemoryTransport
	order []string
}

// NewMemoryNetwork 创建内存网络。
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[string]*MemoryTransport)}
}

// Join 以给定节点 ID 加入网络，并向已有节点互相通告 PeerDiscovered。
func (n *MemoryNetwork) Join(nodeID string, buffer int) *MemoryTransport {
	if buffer <= 0 {
		buffer = 64
	}
	t := &MemoryTransport{
		network: n,
		nodeID:  nodeID,
		queue:   make(chan Inbound, buffer),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go t.deliver()

	n.mu.Lock()
	existing := make([]*MemoryTransport, 0, len(n.order))
	for _, id := range n.order {
		existing = append(existing, n.nodes[id])
	}
	n.nodes[nodeID] = t
	n.order = append(n.order, nodeID)
	n.mu.Unlock()

	for _, other := range existing {
		_ = other.enqueue(context.Background(), peerNotice(nodeID, "memory://"+nodeID))
		_ = t.enqueue(context.Background(), peerNotice(other.nodeID, "memory://"+other.nodeID))
	}
	return t
}

func (n *MemoryNetwork) leave(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, nodeID)
	for i, id := range n.order {
		if id == nodeID {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}

func (n *MemoryNetwork) members() []*MemoryTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*MemoryTransport, 0, len(n.order))
	for _, id := range n.order {
		out = append(out, n.nodes[id])
	}
	return out
}

func peerNotice(peerID, address string) Inbound {
	body, _ := json.Marshal(PeerBody{PeerID: peerID, Address: address})
	data, _ := json.Marshal(Envelope{
		Type:   KindPeerDiscovered,
		Body:   body,
		SentAt: time.Now().UTC(),
	})
	return Inbound{From: peerID, Data: data, ReceivedAt: time.Now().UTC()}
}

// MemoryTransport 是 MemoryNetwork 中单个节点的传输端。
type MemoryTransport struct {
	network *MemoryNetwork
	nodeID  string

	mu       sync.RWMutex
	handlers []Handler
	failures int
	closed   bool

	queue     chan Inbound
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// Subscribe 实现 Transport 接口。
func (t *MemoryTransport) Subscribe(handler Handler) {
	if handler == nil {
		return
	}
	t.mu.Lock()
	t.handlers = append(t.handlers, handler)
	t.mu.Unlock()
	t.readyOnce.Do(func() { close(t.ready) })
}

// FailBroadcasts 让接下来的 n 次广播返回传输错误。
func (t *MemoryTransport) FailBroadcasts(n int) {
	t.mu.Lock()
	t.failures = n
	t.mu.Unlock()
}

// Broadcast 把消息投递给网络中的所有节点，包括自己。
func (t *MemoryTransport) Broadcast(ctx context.Context, payload []byte) (Ack, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Ack{}, xerrors.New(xerrors.CodeTransportFailure, "transport closed")
	}
	if t.failures > 0 {
		t.failures--
		t.mu.Unlock()
		return Ack{}, xerrors.New(xerrors.CodeTransportFailure, "broadcast rejected")
	}
	t.mu.Unlock()

	var env struct {
		MessageID string `json:"message_id"`
	}
	_ = json.Unmarshal(payload, &env)

	members := t.network.members()
	for _, member := range members {
		msg := Inbound{From: t.nodeID, Data: append([]byte(nil), payload...), ReceivedAt: time.Now().UTC()}
		if err := member.enqueue(ctx, msg); err != nil {
			return Ack{}, err
		}
	}
	return Ack{MessageID: env.MessageID, Peers: len(members) - 1}, nil
}

// Inject 直接把原始消息交给本节点的订阅者，用于测试与回放。
func (t *MemoryTransport) Inject(ctx context.Context, in Inbound) error {
	return t.enqueue(ctx, in)
}

func (t *MemoryTransport) enqueue(ctx context.Context, in Inbound) error {
	select {
	case <-t.done:
		return nil
	default:
	}
	select {
	case t.queue <- in:
		return nil
	case <-t.done:
		return nil
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeTransportFailure, ctx.Err(), "deliver to "+t.nodeID)
	}
}

// deliver 在第一个订阅者出现之前保留队列中的消息。
func (t *MemoryTransport) deliver() {
	select {
	case <-t.ready:
	case <-t.done:
		return
	}
	for {
		select {
		case <-t.done:
			return
		case msg := <-t.queue:
			t.mu.RLock()
			handlers := append([]Handler(nil), t.handlers...)
			t.mu.RUnlock()
			for _, h := range handlers {
				h(msg)
			}
		}
	}
}

// Close 实现 Transport 接口。
func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		t.network.leave(t.nodeID)
		close(t.done)
	})
	return nil
}

var _ Transport = (*MemoryTransport)(nil)
