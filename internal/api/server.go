package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"IntentMesh/internal/auth"
	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/intent"
	"IntentMesh/internal/lifecycle"
	"IntentMesh/internal/notify"
	"IntentMesh/internal/settlement"
	"IntentMesh/pkg/logger"
)

// Intents 是控制面需要的意图操作，*lifecycle.Registry 满足该接口。
type Intents interface {
	Submit(ctx context.Context, req lifecycle.SubmitRequest) (intent.Intent, error)
	Accept(ctx context.Context, id string) (intent.Intent, error)
	Reject(ctx context.Context, id, detail string) (intent.Intent, error)
	Cancel(ctx context.Context, id, detail string) (intent.Intent, error)
	Regenerate(ctx context.Context, id string) (intent.Intent, error)
	Get(id string) (intent.Intent, error)
	List() []intent.Intent
	Peers() []lifecycle.Peer
	LocalNodeID() string
}

// Notifications 提供最近的状态变更通知。
type Notifications interface {
	History(since uint64) []notify.Notification
	LastSeq() uint64
}

// Journal 查询持久化的迁移记录。
type Journal interface {
	ListByIntent(ctx context.Context, intentID string, limit int) ([]notify.Notification, error)
}

// Settlements 暴露结算编排器的恢复能力。
type Settlements interface {
	Outstanding() []settlement.Receipt
	Resume(ctx context.Context, intentID string, attempt int) (settlement.Receipt, error)
}

// Config 汇总 Server 的依赖。Journal、Settlements 与 Metrics 可以为空。
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Intents         Intents
	Notifications   Notifications
	Journal         Journal
	Settlements     Settlements

	// Auth 为空或未配置令牌时 /api/v1 不做认证。
	Auth *auth.Service

	// Metrics 同时提供 /metrics 处理器与请求指标中间件。
	Metrics interface {
		Handler() http.Handler
		Middleware(next http.Handler) http.Handler
	}
}

// Server 负责暴露 REST 接口，供外部驱动意图生命周期。
type Server struct {
	cfg    Config
	logger *slog.Logger
	router http.Handler
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{cfg: cfg, logger: logger.Named("api")}
	s.router = s.buildRouter()
	return s
}

// Handler 返回路由，主要用于测试。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if s.cfg.Metrics != nil {
		r.Use(s.cfg.Metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())
	}

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.cfg.Auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: map[string][]string{
			http.MethodGet:  {auth.PermIntentsRead},
			http.MethodPost: {auth.PermIntentsWrite},
		}}))
		api.Post("/intents", s.handleSubmit)
		api.Get("/intents", s.handleList)
		api.Get("/intents/{id}", s.handleGet)
		api.Get("/intents/{id}/history", s.handleHistory)
		api.Post("/intents/{id}/accept", s.handleAccept)
		api.Post("/intents/{id}/reject", s.handleReject)
		api.Post("/intents/{id}/cancel", s.handleCancel)
		api.Post("/intents/{id}/regenerate", s.handleRegenerate)
		api.Get("/notifications", s.handleNotifications)
		api.Get("/peers", s.handlePeers)
		api.Get("/settlements/outstanding", s.handleOutstanding)
		api.With(requirePermission(auth.PermSettlementsWrite)).
			Post("/settlements/{id}/{attempt}/resume", s.handleResume)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           withContext(ctx, s.router),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("控制面开始监听", slog.String("address", s.cfg.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "serve control api")
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"node_id": s.cfg.Intents.LocalNodeID(),
		"peers":   len(s.cfg.Intents.Peers()),
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	created, err := s.cfg.Intents.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

// handleList 支持按 state 与 role 过滤。
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	state := intent.State(r.URL.Query().Get("state"))
	role := intent.Role(r.URL.Query().Get("role"))
	all := s.cfg.Intents.List()
	out := make([]intent.Intent, 0, len(all))
	for _, in := range all {
		if state != "" && in.State != state {
			continue
		}
		if role != "" && in.Role != role {
			continue
		}
		out = append(out, in)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	in, err := s.cfg.Intents.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// handleHistory 优先读取持久化日志，未配置时退回内存中的通知历史。
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := queryInt(r, "limit", 100)

	if s.cfg.Journal != nil {
		records, err := s.cfg.Journal.ListByIntent(r.Context(), id, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
		return
	}

	var records []notify.Notification
	if s.cfg.Notifications != nil {
		for _, n := range s.cfg.Notifications.History(0) {
			if n.IntentID == id {
				records = append(records, n)
			}
		}
	}
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	if records == nil {
		records = []notify.Notification{}
	}
	writeJSON(w, http.StatusOK, records)
}

type commandRequest struct {
	Detail string `json:"detail"`
}

func decodeCommand(r *http.Request) commandRequest {
	var req commandRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	return req
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.respond(w)(s.cfg.Intents.Accept(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	req := decodeCommand(r)
	s.respond(w)(s.cfg.Intents.Reject(r.Context(), chi.URLParam(r, "id"), req.Detail))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	req := decodeCommand(r)
	s.respond(w)(s.cfg.Intents.Cancel(r.Context(), chi.URLParam(r, "id"), req.Detail))
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	s.respond(w)(s.cfg.Intents.Regenerate(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) respond(w http.ResponseWriter) func(intent.Intent, error) {
	return func(in intent.Intent, err error) {
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, in)
	}
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Notifications == nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidState, "notifications are not enabled"))
		return
	}
	since, err := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)
	if err != nil {
		since = 0
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"last_seq":      s.cfg.Notifications.LastSeq(),
		"notifications": s.cfg.Notifications.History(since),
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Intents.Peers())
}

func (s *Server) handleOutstanding(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Settlements == nil {
		writeJSON(w, http.StatusOK, []settlement.Receipt{})
		return
	}
	receipts := s.cfg.Settlements.Outstanding()
	sort.Slice(receipts, func(i, j int) bool { return receipts[i].IntentID < receipts[j].IntentID })
	writeJSON(w, http.StatusOK, receipts)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Settlements == nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidState, "settlement is not configured"))
		return
	}
	attempt, err := strconv.Atoi(chi.URLParam(r, "attempt"))
	if err != nil || attempt <= 0 {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "attempt must be a positive integer"))
		return
	}
	receipt, err := s.cfg.Settlements.Resume(r.Context(), chi.URLParam(r, "id"), attempt)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("结算已恢复",
		slog.String("intent_id", receipt.IntentID),
		slog.String("transfer_ref", receipt.TransferRef),
		slog.String("commitment_ref", receipt.CommitmentRef))
	writeJSON(w, http.StatusOK, receipt)
}

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	body := errorBody{Code: string(code), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Metadata = e.Metadata()
	}
	writeJSON(w, statusFor(code), body)
}

// statusFor 把错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, intent.CodeEmptyPayload:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeInvalidState, intent.CodeIllegalTransition:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	if strings.HasSuffix(string(code), "_ERROR") || code == intent.CodePolicyViolation {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// requirePermission 在认证开启时追加一项权限要求。
func requirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subject := auth.SubjectFromContext(r.Context()); subject != nil {
				if err := subject.Authorize(perm); err != nil {
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
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
