package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/intent"
	"IntentMesh/pkg/logger"
)

// Sink 接收转发的通知。实现需要容忍重复投递。
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
	Close() error
}

// ForwardObserver 记录转发结果，通常由 metrics 包实现。
type ForwardObserver interface {
	ObserveForward(sink, outcome string)
}

// Options 配置 Hub。
type Options struct {
	HistorySize      int
	SubscriberBuffer int
	ForwardBuffer    int
	ForwardAttempts  int
	ForwardBackoff   time.Duration
	Sinks            []Sink
	Observer         ForwardObserver
	Logger           *slog.Logger
}

// Hub 为通知分配序号，保留最近的历史，并向订阅者与外部 Sink 分发。
type Hub struct {
	mu      sync.Mutex
	seq     uint64
	ring    []Notification
	head    int
	size    int
	subs    map[uint64]*Subscription
	nextSub uint64
	closed  bool

	subBuffer int
	forward   chan Notification
	sinks     []Sink
	attempts  int
	backoff   time.Duration
	observer  ForwardObserver
	logger    *slog.Logger
}

// NewHub 创建通知中心。
func NewHub(opts Options) *Hub {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 1024
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	if opts.ForwardBuffer <= 0 {
		opts.ForwardBuffer = 256
	}
	if opts.ForwardAttempts <= 0 {
		opts.ForwardAttempts = 3
	}
	if opts.ForwardBackoff <= 0 {
		opts.ForwardBackoff = 200 * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		log = logger.Named("notify")
	}
	h := &Hub{
		ring:      make([]Notification, opts.HistorySize),
		subs:      make(map[uint64]*Subscription),
		subBuffer: opts.SubscriberBuffer,
		sinks:     append([]Sink(nil), opts.Sinks...),
		attempts:  opts.ForwardAttempts,
		backoff:   opts.ForwardBackoff,
		observer:  opts.Observer,
		logger:    log,
	}
	if len(h.sinks) > 0 {
		h.forward = make(chan Notification, opts.ForwardBuffer)
	}
	return h
}

// Emit 适配 intent.Emitter。
func (h *Hub) Emit(t intent.Transition) {
	h.Publish(FromTransition(t))
}

// Publish 分配序号并分发通知，返回带序号的副本。
func (h *Hub) Publish(n Notification) Notification {
	h.mu.Lock()
	h.seq++
	n.Seq = h.seq
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	h.ring[(h.head+h.size)%len(h.ring)] = n
	if h.size < len(h.ring) {
		h.size++
	} else {
		h.head = (h.head + 1) % len(h.ring)
	}

	for id, sub := range h.subs {
		select {
		case sub.ch <- n:
		default:
			// 订阅者跟不上时断开，由其通过 History 补齐。
			delete(h.subs, id)
			close(sub.ch)
			h.logger.Warn("通知订阅者积压，已断开", slog.Uint64("subscriber", id), slog.Uint64("seq", n.Seq))
		}
	}

	if h.forward != nil && !h.closed {
		select {
		case h.forward <- n:
		default:
			h.logger.Warn("通知转发队列已满，丢弃", slog.Uint64("seq", n.Seq), slog.String("intent_id", n.IntentID))
			h.observe("all", "dropped")
		}
	}
	h.mu.Unlock()

	attrs := []any{
		slog.Uint64("seq", n.Seq),
		slog.String("intent_id", n.IntentID),
		slog.String("role", n.Role),
		slog.String("from", n.From),
		slog.String("to", n.To),
		slog.Int("attempt", n.Attempt),
	}
	if n.Reason != "" {
		attrs = append(attrs, slog.String("reason", n.Reason))
	}
	if n.Detail != "" {
		attrs = append(attrs, slog.String("detail", n.Detail))
	}
	logger.Audit().Info("意图状态变更", attrs...)
	return n
}

// History 返回序号大于 since 的保留通知，按序号升序。
func (h *Hub) History(since uint64) []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Notification, 0, h.size)
	for i := 0; i < h.size; i++ {
		n := h.ring[(h.head+i)%len(h.ring)]
		if n.Seq > since {
			out = append(out, n)
		}
	}
	return out
}

// LastSeq 返回最近分配的序号。
func (h *Hub) LastSeq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// Subscription 是一个实时通知流。通道关闭表示订阅已结束。
type Subscription struct {
	id   uint64
	ch   chan Notification
	hub  *Hub
	once sync.Once
}

// C 返回通知通道。
func (s *Subscription) C() <-chan Notification { return s.ch }

// Close 取消订阅。
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if _, ok := s.hub.subs[s.id]; ok {
			delete(s.hub.subs, s.id)
			close(s.ch)
		}
	})
}

// Subscribe 注册订阅者。buffer <= 0 时使用默认容量。
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = h.subBuffer
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSub++
	sub := &Subscription{id: h.nextSub, ch: make(chan Notification, buffer), hub: h}
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub.id] = sub
	return sub
}

// Run 把通知按序转发给外部 Sink，直到 ctx 结束。
func (h *Hub) Run(ctx context.Context) error {
	if h.forward == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-h.forward:
			for _, sink := range h.sinks {
				h.deliver(ctx, sink, n)
			}
		}
	}
}

func (h *Hub) deliver(ctx context.Context, sink Sink, n Notification) {
	var err error
	for attempt := 1; attempt <= h.attempts; attempt++ {
		if err = sink.Deliver(ctx, n); err == nil {
			h.observe(sink.Name(), "delivered")
			return
		}
		if ctx.Err() != nil || !xerrors.RetryableError(err) || attempt == h.attempts {
			break
		}
		timer := time.NewTimer(h.backoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
	h.observe(sink.Name(), "failed")
	h.logger.Warn("通知转发失败",
		slog.String("sink", sink.Name()),
		slog.Uint64("seq", n.Seq),
		slog.String("intent_id", n.IntentID),
		slog.Any("error", err))
}

func (h *Hub) observe(sink, outcome string) {
	if h.observer != nil {
		h.observer.ObserveForward(sink, outcome)
	}
}

// Close 结束全部订阅并关闭 Sink。
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
	h.mu.Unlock()

	var errs []error
	for _, sink := range h.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return xerrors.Wrap(xerrors.CodeQueueFailure, errs[0], "关闭通知 Sink 失败")
	}
	return nil
}
