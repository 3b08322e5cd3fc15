package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"OpenOps-Agent/pkg/logger"
)

// RedisChannelConfig 描述 Redis 发布订阅渠道。
type RedisChannelConfig struct {
	Address  string
	Password string
	DB       int
	// Key 是频道前缀，请求发布到 <Key>:required，结论从 <Key>:responses 订阅。
	Key string
}

// RedisChannel 通过 Redis PUBLISH/SUBSCRIBE 与审批端交互。
type RedisChannel struct {
	client    *redis.Client
	required  string
	responses string
	log       *slog.Logger
}

// NewRedisChannel 连接 Redis 并返回渠道。
func NewRedisChannel(cfg RedisChannelConfig) (*RedisChannel, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "openops:approvals"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisChannel(client, key), nil
}

func newRedisChannel(client *redis.Client, key string) *RedisChannel {
	return &RedisChannel{
		client:    client,
		required:  key + ":required",
		responses: key + ":responses",
		log:       logger.Named("approval.redis"),
	}
}

// Publish 把审批请求发布到 required 频道。
func (c *RedisChannel) Publish(ctx context.Context, evt RequiredEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("编码审批事件失败: %w", err)
	}
	if err := c.client.Publish(ctx, c.required, body).Err(); err != nil {
		return fmt.Errorf("Redis 发布审批事件失败: %w", err)
	}
	return nil
}

// Listen 订阅 responses 频道并把结论交给 Resolver。
func (c *RedisChannel) Listen(ctx context.Context, r Resolver) error {
	sub := c.client.Subscribe(ctx, c.responses)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("订阅 Redis 审批频道失败: %w", err)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return redis.ErrClosed
			}
			c.handle(r, []byte(msg.Payload))
		}
	}
}

func (c *RedisChannel) handle(r Resolver, payload []byte) {
	evt, err := DecodeResponseEvent(payload)
	if err != nil {
		c.log.Warn("ignore malformed approval response", slog.Any("error", err))
		return
	}
	if err := ApplyEvent(r, evt); err != nil {
		c.log.Info("approval response not applied", slog.String("approval_id", evt.ID), slog.Any("error", err))
	}
}

// Close 关闭 Redis 连接。
func (c *RedisChannel) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
