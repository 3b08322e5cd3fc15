package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"OpenOps-Agent/pkg/logger"
)

// RabbitMQChannelConfig 描述 RabbitMQ 审批渠道。
type RabbitMQChannelConfig struct {
	URL           string
	Exchange      string
	Queue         string
	ResponseQueue string
	Prefetch      int
}

// RabbitMQChannel 把审批请求投递到队列，并从响应队列消费结论。
type RabbitMQChannel struct {
	conn          *amqp.Connection
	ch            *amqp.Channel
	exchange      string
	queue         string
	responseQueue string
	log           *slog.Logger
}

// NewRabbitMQChannel 建立连接并声明请求与响应队列。
func NewRabbitMQChannel(cfg RabbitMQChannelConfig) (*RabbitMQChannel, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "openops.approval.required"
	}
	responseQueue := cfg.ResponseQueue
	if responseQueue == "" {
		responseQueue = "openops.approval.response"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	for _, name := range []string{queue, responseQueue} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("声明 RabbitMQ 队列 %s 失败: %w", name, err)
		}
	}
	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("声明 RabbitMQ exchange 失败: %w", err)
		}
		if err := ch.QueueBind(queue, queue, cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("绑定 RabbitMQ 队列失败: %w", err)
		}
	}
	return &RabbitMQChannel{
		conn:          conn,
		ch:            ch,
		exchange:      cfg.Exchange,
		queue:         queue,
		responseQueue: responseQueue,
		log:           logger.Named("approval.rabbitmq"),
	}, nil
}

// Publish 投递审批请求。消息 TTL 与审批 TTL 一致，过期请求不会被审批端看到。
func (c *RabbitMQChannel) Publish(ctx context.Context, evt RequiredEvent) error {
	if c == nil || c.ch == nil {
		return errors.New("RabbitMQ 渠道未初始化")
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("编码审批事件失败: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: evt.ID,
		ReplyTo:       c.responseQueue,
		Type:          evt.Type,
		Body:          body,
	}
	if evt.Timeout > 0 {
		msg.Expiration = fmt.Sprintf("%d", evt.Timeout)
	}
	return c.ch.PublishWithContext(ctx, c.exchange, c.queue, false, false, msg)
}

// Listen 以手动确认模式消费响应队列。
func (c *RabbitMQChannel) Listen(ctx context.Context, r Resolver) error {
	if c == nil || c.ch == nil {
		return errors.New("RabbitMQ 渠道未初始化")
	}
	msgs, err := c.ch.Consume(c.responseQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 响应队列失败: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return amqp.ErrClosed
			}
			c.handle(r, msg.Body, msg.CorrelationId)
			_ = msg.Ack(false)
		}
	}
}

func (c *RabbitMQChannel) handle(r Resolver, body []byte, correlationID string) {
	evt, err := DecodeResponseEvent(body)
	if err != nil && correlationID != "" {
		// 响应体缺少 id 时退回使用 CorrelationId。
		var partial ResponseEvent
		if jsonErr := json.Unmarshal(body, &partial); jsonErr == nil && partial.ID == "" {
			partial.ID = correlationID
			evt, err = partial, nil
		}
	}
	if err != nil {
		c.log.Warn("ignore malformed approval response", slog.Any("error", err))
		return
	}
	if err := ApplyEvent(r, evt); err != nil {
		c.log.Info("approval response not applied", slog.String("approval_id", evt.ID), slog.Any("error", err))
	}
}

// Close 关闭 RabbitMQ 连接。
func (c *RabbitMQChannel) Close() error {
	if c == nil {
		return nil
	}
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
