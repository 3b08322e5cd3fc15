package approval

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/pkg/logger"
)

// Channel 把审批请求推送给外部审批人。
type Channel interface {
	Publish(ctx context.Context, evt RequiredEvent) error
	Close() error
}

// Resolver 接收外部审批结论。
type Resolver interface {
	Resolve(id string, approved bool, reason string) error
}

// Listener 由能够回收审批结论的渠道实现，Listen 阻塞直到 ctx 结束。
type Listener interface {
	Listen(ctx context.Context, r Resolver) error
}

type pending struct {
	req Request
	ch  chan Response
}

// Gate 挂起调用方直到审批结果到达、TTL 到期或 ctx 取消。
// 每个请求有独立的结果通道，不同任务的审批互不影响。
type Gate struct {
	channel Channel
	ttl     time.Duration
	now     func() time.Time
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]*pending
}

// GateOption 定制 Gate。
type GateOption func(*Gate)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGate 创建审批网关，ttl 非正时使用 DefaultTTL。
func NewGate(channel Channel, ttl time.Duration, opts ...GateOption) *Gate {
	if channel == nil {
		channel = NewMemoryChannel()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g := &Gate{
		channel: channel,
		ttl:     ttl,
		now:     time.Now,
		log:     logger.Named("approval"),
		pending: make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TTL 返回默认等待时长。
func (g *Gate) TTL() time.Duration { return g.ttl }

// RequestApproval 发布审批请求并等待结论。
// 超时返回 DecisionTimeout 的响应而不是错误；只有发布失败或 ctx 取消才返回错误。
func (g *Gate) RequestApproval(ctx context.Context, req Request) (Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.TTL <= 0 {
		req.TTL = g.ttl
	}
	req.CreatedAt = g.now().UTC()

	evt, err := NewRequiredEvent(req)
	if err != nil {
		return Response{}, err
	}

	p := &pending{req: req, ch: make(chan Response, 1)}
	g.mu.Lock()
	if _, exists := g.pending[req.ID]; exists {
		g.mu.Unlock()
		return Response{}, xerrors.New(xerrors.CodeConflict, "approval request "+req.ID+" already pending")
	}
	g.pending[req.ID] = p
	g.mu.Unlock()

	if err := g.channel.Publish(ctx, evt); err != nil {
		g.remove(req.ID)
		return Response{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "publish approval request")
	}
	g.log.Info("approval requested",
		slog.String("approval_id", req.ID),
		slog.String("task_id", req.TaskID),
		slog.String("tool", req.ToolName),
		slog.Duration("ttl", req.TTL))

	timer := time.NewTimer(req.TTL)
	defer timer.Stop()

	select {
	case resp := <-p.ch:
		return resp, nil
	case <-timer.C:
		if g.remove(req.ID) {
			g.log.Warn("approval timed out", slog.String("approval_id", req.ID), slog.String("task_id", req.TaskID))
			return Response{ID: req.ID, Decision: DecisionTimeout, Reason: TimeoutReason, ResolvedAt: g.now().UTC()}, nil
		}
		// Resolve 已经摘除该请求，结果必然在缓冲通道中。
		return <-p.ch, nil
	case <-ctx.Done():
		if g.remove(req.ID) {
			return Response{}, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "approval wait cancelled", xerrors.WithRecoverable(false))
		}
		return <-p.ch, nil
	}
}

// Resolve 投递外部结论。每个请求最多被处理一次，之后返回 ErrRequestNotFound。
func (g *Gate) Resolve(id string, approved bool, reason string) error {
	g.mu.Lock()
	p, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()
	if !ok {
		return ErrRequestNotFound
	}

	resp := Response{ID: id, Decision: DecisionRejected, Reason: reason, ResolvedAt: g.now().UTC()}
	if approved {
		resp.Decision = DecisionApproved
	} else if resp.Reason == "" {
		resp.Reason = "rejected by operator"
	}
	p.ch <- resp
	g.log.Info("approval resolved",
		slog.String("approval_id", id),
		slog.String("task_id", p.req.TaskID),
		slog.String("decision", string(resp.Decision)))
	return nil
}

// Pending 返回尚未处理的请求，按创建时间倒序。
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	out := make([]Request, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.req)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Listen 在渠道支持回流时把外部结论接入 Gate。
func (g *Gate) Listen(ctx context.Context) error {
	l, ok := g.channel.(Listener)
	if !ok {
		<-ctx.Done()
		return ctx.Err()
	}
	return l.Listen(ctx, g)
}

// Close 关闭底层渠道。
func (g *Gate) Close() error {
	return g.channel.Close()
}

func (g *Gate) remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[id]; !ok {
		return false
	}
	delete(g.pending, id)
	return true
}

// ApplyEvent 把入站事件转交给 Resolver，供各渠道复用。
func ApplyEvent(r Resolver, evt ResponseEvent) error {
	return r.Resolve(evt.ID, evt.Approved, evt.Reason)
}
