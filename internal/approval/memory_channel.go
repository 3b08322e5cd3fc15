package approval

import (
	"context"
	"errors"
	"sync"
)

// MemoryChannel 在进程内分发审批事件。REST 审批接口与测试使用它。
type MemoryChannel struct {
	mu        sync.Mutex
	history   int
	published []RequiredEvent
	subs      []chan RequiredEvent
	closed    bool
}

// MemoryChannelOption 定义内存渠道的可选配置。
type MemoryChannelOption func(*MemoryChannel)

// WithHistory 保留最近 n 条已发布事件供 Published 查询，默认不保留。
func WithHistory(n int) MemoryChannelOption {
	return func(c *MemoryChannel) {
		if n > 0 {
			c.history = n
		}
	}
}

// NewMemoryChannel 创建内存渠道。
func NewMemoryChannel(opts ...MemoryChannelOption) *MemoryChannel {
	c := &MemoryChannel{}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Publish 非阻塞地转发给订阅者，订阅者处理不及时会丢失事件。
func (c *MemoryChannel) Publish(_ context.Context, evt RequiredEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("审批渠道已关闭")
	}
	if c.history > 0 {
		if len(c.published) >= c.history {
			n := copy(c.published, c.published[len(c.published)-c.history+1:])
			c.published = c.published[:n]
		}
		c.published = append(c.published, evt)
	}
	for _, sub := range c.subs {
		select {
		case sub <- evt:
		default:
		}
	}
	return nil
}

// Subscribe 返回后续事件的通道。
func (c *MemoryChannel) Subscribe(buffer int) <-chan RequiredEvent {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan RequiredEvent, buffer)
	c.mu.Lock()
	if c.closed {
		close(ch)
	} else {
		c.subs = append(c.subs, ch)
	}
	c.mu.Unlock()
	return ch
}

// Published 返回保留的已发布事件副本，按发布顺序排列。
func (c *MemoryChannel) Published() []RequiredEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RequiredEvent(nil), c.published...)
}

// Close 关闭所有订阅。
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, sub := range c.subs {
		close(sub)
	}
	c.subs = nil
	return nil
}
