package lifecycle

import (
	"context"
	"sync"
)

// mailbox 是无界 FIFO 队列。投递方永远不会阻塞，
// 因此传输层的分发循环不会被单个慢意图拖住。
type mailbox struct {
	mu     sync.Mutex
	items  []message
	signal chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// push 追加消息。邮箱关闭后返回 false。
func (m *mailbox) push(msg message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, msg)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// pop 阻塞直到有消息或 ctx 结束。
func (m *mailbox) pop(ctx context.Context) (message, bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			msg := m.items[0]
			m.items[0] = nil
			m.items = m.items[1:]
			m.mu.Unlock()
			return msg, true
		}
		m.mu.Unlock()
		select {
		case <-m.signal:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// close 拒绝后续投递并返回尚未处理的消息。
func (m *mailbox) close() []message {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	rest := m.items
	m.items = nil
	return rest
}
