package notify

import (
	"context"
	"strconv"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/intent"
	"IntentMesh/internal/observability/alerting"
)

// AlertSink 把需要告警的终态失败交给告警派发器。
type AlertSink struct {
	dispatcher alerting.Dispatcher
}

// NewAlertSink 创建告警转发器。
func NewAlertSink(dispatcher alerting.Dispatcher) *AlertSink {
	return &AlertSink{dispatcher: dispatcher}
}

// Name 实现 Sink。
func (s *AlertSink) Name() string { return "alert" }

// Deliver 只处理进入 Failed 且原因码标记为需要告警的通知。
func (s *AlertSink) Deliver(ctx context.Context, n Notification) error {
	if s.dispatcher == nil || n.To != string(intent.StateFailed) || n.Reason == "" {
		return nil
	}
	code := xerrors.Code(n.Reason)
	attr := xerrors.AttributesOf(code)
	if !attr.Alert {
		return nil
	}
	message := attr.Message
	if n.Detail != "" {
		message = n.Detail
	}
	return s.dispatcher.Notify(ctx, alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attr.Severity,
		IntentID:   n.IntentID,
		Role:       n.Role,
		Attempt:    n.Attempt,
		Metadata:   map[string]string{"from": n.From, "seq": strconv.FormatUint(n.Seq, 10)},
		OccurredAt: n.Timestamp,
	})
}

// Close 实现 Sink。
func (s *AlertSink) Close() error { return nil }
