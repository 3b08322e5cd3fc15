package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"OpenOps-Agent/internal/approval"
	"OpenOps-Agent/internal/auditlog"
	"OpenOps-Agent/internal/auth"
	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/internal/llm"
	"OpenOps-Agent/internal/observability/metrics"
	"OpenOps-Agent/internal/orchestrator"
	"OpenOps-Agent/internal/task"
	"OpenOps-Agent/internal/tool"
	"OpenOps-Agent/pkg/logger"
)

// TaskRunner 同步执行一条运维指令。
type TaskRunner interface {
	RunTask(ctx context.Context, command string, history []llm.Message) (*orchestrator.Result, error)
}

// AuditReader 提供执行日志的只读访问。
type AuditReader interface {
	ListTasks(ctx context.Context, limit int) ([]auditlog.Entry, error)
	GetTask(ctx context.Context, taskID string) (*auditlog.TaskLog, error)
}

// Approvals 暴露审批闸门中待处理的请求。
type Approvals interface {
	Pending() []approval.Request
	Resolve(id string, approved bool, reason string) error
}

// ToolCatalog 列出可用工具。
type ToolCatalog interface {
	ListAll() []tool.Definition
}

// Dependencies 汇总 Server 用到的组件，未设置的组件对应接口返回 503。
type Dependencies struct {
	Runner      TaskRunner
	AuditLog    AuditReader
	Tasks       *task.Service
	Approvals   Approvals
	Tools       ToolCatalog
	Metrics     *metrics.Metrics
	MetricsPath string
	// Auth 为 nil 或处于 disabled 模式时所有接口无需认证。
	Auth *auth.Service
}

// Server 负责暴露 REST 接口，供外部驱动智能体执行并查询执行日志。
type Server struct {
	addr string
	deps Dependencies
	log  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies) *Server {
	return &Server{addr: addr, deps: deps, log: logger.Named("api")}
}

// Handler 返回注册好全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/tasks", "tasks.create", auth.PermTasksRun, s.handleCreateTask)
	s.route(mux, "GET /api/v1/tasks", "tasks.list", auth.PermTasksRead, s.handleListTasks)
	s.route(mux, "GET /api/v1/tasks/{id}", "tasks.get", auth.PermTasksRead, s.handleTaskDetail)
	s.route(mux, "GET /api/v1/jobs", "jobs.list", auth.PermTasksRead, s.handleListJobs)
	s.route(mux, "GET /api/v1/approvals", "approvals.list", auth.PermApprovalsRead, s.handleListApprovals)
	s.route(mux, "POST /api/v1/approvals/{id}", "approvals.resolve", auth.PermApprovalsResolve, s.handleResolveApproval)
	s.route(mux, "GET /api/v1/tools", "tools.list", auth.PermToolsRead, s.handleListTools)
	if s.deps.Metrics != nil {
		path := s.deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, s.deps.Metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api server listening", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) route(mux *http.ServeMux, pattern, name, perm string, h http.HandlerFunc) {
	mux.Handle(pattern, s.instrument(name, s.deps.Auth.Require(perm)(h)))
}

// createTaskRequest 是 POST /api/v1/tasks 的请求体。
type createTaskRequest struct {
	ID       string         `json:"id,omitempty"`
	Command  string         `json:"command"`
	History  []llm.Message  `json:"history,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Async    bool           `json:"async,omitempty"`
}

type taskResponse struct {
	*orchestrator.Result
	ErrorCode string `json:"error_code,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}

	if req.Async {
		if s.deps.Tasks == nil {
			writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "异步任务未启用")
			return
		}
		if operator := auth.Operator(r.Context()); operator != "" {
			if req.Metadata == nil {
				req.Metadata = make(map[string]any, 1)
			}
			req.Metadata["submitted_by"] = operator
		}
		job, err := s.deps.Tasks.Submit(r.Context(), task.SubmitRequest{
			ID:       req.ID,
			Command:  req.Command,
			History:  req.History,
			Metadata: req.Metadata,
		})
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
		return
	}

	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "Agent 未初始化")
		return
	}
	res, err := s.deps.Runner.RunTask(r.Context(), req.Command, req.History)
	if res == nil {
		s.writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	resp := taskResponse{Result: res}
	if err != nil {
		resp.ErrorCode = string(xerrors.CodeOf(err))
		if xerrors.CodeOf(err) == xerrors.CodeInvalidArgument {
			status = http.StatusBadRequest
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.AuditLog == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "执行日志未初始化")
		return
	}
	roots, err := s.deps.AuditLog.ListTasks(r.Context(), intParam(r.URL.Query(), "limit", 20))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": roots})
}

// taskDetail 合并执行日志与异步任务状态，两者至少存在其一。
type taskDetail struct {
	ID  string            `json:"id"`
	Log *auditlog.TaskLog `json:"log,omitempty"`
	Job *task.Task        `json:"job,omitempty"`
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "缺少任务 ID")
		return
	}
	ctx := r.Context()
	detail := taskDetail{ID: id}

	auditID := id
	if s.deps.Tasks != nil {
		job, err := s.deps.Tasks.Get(ctx, id)
		switch {
		case err == nil:
			detail.Job = job
			// 重试过的任务以最后一次执行的日志为准。
			if job.Result != nil && job.Result.AuditID != "" {
				auditID = job.Result.AuditID
			}
		case !errors.Is(err, task.ErrTaskNotFound):
			s.writeServiceError(w, err)
			return
		}
	}
	if s.deps.AuditLog != nil {
		tree, err := s.deps.AuditLog.GetTask(ctx, auditID)
		switch {
		case err == nil:
			detail.Log = tree
		case !errors.Is(err, auditlog.ErrTaskNotFound):
			s.writeServiceError(w, err)
			return
		}
	}
	if detail.Log == nil && detail.Job == nil {
		writeError(w, http.StatusNotFound, auditlog.CodeTaskNotFound, "任务不存在")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "异步任务未启用")
		return
	}
	opts, err := jobListOptions(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, err.Error())
		return
	}

	jobs, err := s.deps.Tasks.List(r.Context(), opts...)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	stats, err := s.deps.Tasks.Stats(r.Context(), opts...)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "stats": stats})
}

// jobListOptions 把 /api/v1/jobs 的查询参数翻译为作业筛选条件。
// 时间参数接受 RFC 3339 或 Unix 秒。
func jobListOptions(q url.Values) ([]task.ListOption, error) {
	opts := []task.ListOption{
		task.WithLimit(intParam(q, "limit", 20)),
		task.WithOffset(intParam(q, "offset", 0)),
		task.WithQuery(q.Get("q")),
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, fmt.Errorf("不支持的任务状态: %s", part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if code := strings.TrimSpace(q.Get("error_code")); code != "" {
		opts = append(opts, task.WithErrorCode(xerrors.Code(strings.ToUpper(code))))
	}
	if raw := q.Get("has_result"); raw != "" {
		present, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("has_result 必须是布尔值: %q", raw)
		}
		opts = append(opts, task.WithResult(present))
	}
	after, err := timeParam(q, "updated_after")
	if err != nil {
		return nil, err
	}
	before, err := timeParam(q, "updated_before")
	if err != nil {
		return nil, err
	}
	if !after.IsZero() && !before.IsZero() && after.After(before) {
		return nil, errors.New("updated_after 不能晚于 updated_before")
	}
	if !after.IsZero() || !before.IsZero() {
		opts = append(opts, task.WithUpdatedBetween(after, before))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, task.OldestFirst())
	}
	return opts, nil
}

func timeParam(q url.Values, key string) (time.Time, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s 必须是 RFC 3339 时间或 Unix 秒: %q", key, raw)
	}
	return ts, nil
}

func (s *Server) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Approvals == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "审批未启用")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": s.deps.Approvals.Pending()})
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approvals == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "审批未启用")
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	var evt approval.ResponseEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}
	if evt.Type != "" && evt.Type != approval.EventApprovalResponse {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "事件类型必须为 approval_response")
		return
	}
	if evt.ID != "" && evt.ID != id {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体中的 id 与路径不一致")
		return
	}
	if err := s.deps.Approvals.Resolve(id, evt.Approved, evt.Reason); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.log.Info("approval submitted via api",
		slog.String("approval_id", id),
		slog.Bool("approved", evt.Approved),
		slog.String("operator", auth.Operator(r.Context())),
	)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "approved": evt.Approved})
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Tools == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "工具目录未初始化")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.deps.Tools.ListAll()})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	if err == nil {
		err = xerrors.New(xerrors.CodeUnknown, "unknown error")
	}
	code := xerrors.CodeOf(err)
	status := httpStatus(code)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", slog.String("code", string(code)), slog.Any("error", err))
		writeError(w, status, code, xerrors.AttributesOf(code).Message)
		return
	}
	writeError(w, status, code, err.Error())
}

func httpStatus(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound, auditlog.CodeTaskNotFound, approval.CodeRequestNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict, auditlog.CodeDuplicateTask:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	var body errorBody
	body.Error.Code = string(code)
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func intParam(q url.Values, key string, fallback int) int {
	raw := q.Get(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 记录每个路由的请求数与耗时。
func (s *Server) instrument(name string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		s.deps.Metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
