package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "IntentMesh/internal/errors"
)

// RabbitMQConfig 描述 RabbitMQ 转发的连接参数。
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQSink 把通知发布到 topic exchange，routing key 附加目标状态。
type RabbitMQSink struct {
	conn       *amqp.Connection
	ch         amqpPublisher
	exchange   string
	routingKey string
}

// NewRabbitMQSink 建立连接并声明 exchange。
func NewRabbitMQSink(cfg RabbitMQConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "intentmesh.notifications"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ exchange 失败")
	}
	sink := newRabbitMQSink(ch, exchange, cfg.RoutingKey)
	sink.conn = conn
	return sink, nil
}

func newRabbitMQSink(ch amqpPublisher, exchange, routingKey string) *RabbitMQSink {
	if routingKey == "" {
		routingKey = "intent"
	}
	return &RabbitMQSink{ch: ch, exchange: exchange, routingKey: routingKey}
}

// Name 实现 Sink。
func (s *RabbitMQSink) Name() string { return "rabbitmq" }

// Deliver 发布一条持久化消息，MessageId 由意图与序号组成便于消费端去重。
func (s *RabbitMQSink) Deliver(ctx context.Context, n Notification) error {
	if s == nil || s.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 转发器未初始化")
	}
	body, err := n.encode()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码通知失败")
	}
	key := s.routingKey + "." + strings.ToLower(n.To)
	err = s.ch.PublishWithContext(ctx, s.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%s/%d", n.IntentID, n.Seq),
		Timestamp:    n.Timestamp,
		Type:         "intent.transition",
		Body:         body,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布通知失败")
	}
	return nil
}

// Close 关闭 RabbitMQ 连接。
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
