package mesh

import (
	"context"
	"time"
)

// Inbound 是传输层交付的原始消息。
type Inbound struct {
	From       string
	Data       []byte
	ReceivedAt time.Time
}

// Ack 表示传输层已接受出站消息。
type Ack struct {
	MessageID string
	Peers     int
}

// Handler 处理入站消息。传输层按到达顺序调用。
type Handler func(Inbound)

// Transport 是节点网络的抽象。
type Transport interface {
	Subscribe(handler Handler)
	Broadcast(ctx context.Context, payload []byte) (Ack, error)
	Close() error
}
