package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	xerrors "IntentMesh/internal/errors"
)

// RedisConfig 描述 Redis 转发的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	ListKey  string
	Channel  string
	MaxLen   int64
}

// RedisSink 把通知写入一个定长 list，并在频道上发布。
type RedisSink struct {
	client  *redis.Client
	listKey string
	channel string
	maxLen  int64
}

// NewRedisSink 创建 Redis 转发器。ping 失败时返回错误。
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return newRedisSink(client, cfg), nil
}

func newRedisSink(client *redis.Client, cfg RedisConfig) *RedisSink {
	sink := &RedisSink{client: client, listKey: cfg.ListKey, channel: cfg.Channel, maxLen: cfg.MaxLen}
	if sink.listKey == "" {
		sink.listKey = "intentmesh:notifications"
	}
	if sink.channel == "" {
		sink.channel = "intentmesh.notifications"
	}
	if sink.maxLen <= 0 {
		sink.maxLen = 10000
	}
	return sink
}

// Name 实现 Sink。
func (s *RedisSink) Name() string { return "redis" }

// Deliver 在一个事务管道中执行 LPUSH、LTRIM 与 PUBLISH。
func (s *RedisSink) Deliver(ctx context.Context, n Notification) error {
	payload, err := n.encode()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码通知失败")
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.listKey, payload)
	pipe.LTrim(ctx, s.listKey, 0, s.maxLen-1)
	pipe.Publish(ctx, s.channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, fmt.Sprintf("Redis 写入通知 %d 失败", n.Seq))
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
