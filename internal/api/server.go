package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/halt"
	"AgentVault/internal/observability/metrics"
	"AgentVault/internal/owner"
	"AgentVault/internal/pipeline"
	"AgentVault/internal/policy"
	"AgentVault/internal/session"
	"AgentVault/internal/tx"
	"AgentVault/internal/workflow"
	"AgentVault/pkg/logger"
)

// Executor 在审批放行后异步执行交易。
type Executor interface {
	ExecuteAsync(txn *tx.Transaction)
}

// Server 负责暴露 REST 接口，供代理与运维端驱动金库。
type Server struct {
	addr      string
	pipeline  *pipeline.Pipeline
	executor  Executor
	txs       tx.Store
	policies  policy.Store
	wallets   owner.Store
	lifecycle *owner.Lifecycle
	sessions  *session.Service
	approvals *workflow.ApprovalWorkflow
	cooldown  *workflow.CooldownQueue
	guard     *halt.Switch
	log       *slog.Logger
}

// Deps 汇集服务器依赖的各领域服务。
type Deps struct {
	Pipeline  *pipeline.Pipeline
	Txs       tx.Store
	Policies  policy.Store
	Wallets   owner.Store
	Lifecycle *owner.Lifecycle
	Sessions  *session.Service
	Approvals *workflow.ApprovalWorkflow
	Cooldown  *workflow.CooldownQueue
	Halt      *halt.Switch
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps) *Server {
	return &Server{
		addr:      addr,
		pipeline:  deps.Pipeline,
		executor:  deps.Pipeline,
		txs:       deps.Txs,
		policies:  deps.Policies,
		wallets:   deps.Wallets,
		lifecycle: deps.Lifecycle,
		sessions:  deps.Sessions,
		approvals: deps.Approvals,
		cooldown:  deps.Cooldown,
		guard:     deps.Halt,
		log:       logger.Named("api"),
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

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

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/transactions", s.handleTransactions)
	mux.HandleFunc("/api/v1/transactions/", s.handleTransactionSub)
	mux.HandleFunc("/api/v1/approvals", s.handleApprovals)
	mux.HandleFunc("/api/v1/approvals/", s.handleApprovalSub)
	mux.HandleFunc("/api/v1/wallets", s.handleWallets)
	mux.HandleFunc("/api/v1/wallets/", s.handleWalletSub)
	mux.HandleFunc("/api/v1/policies", s.handlePolicies)
	mux.HandleFunc("/api/v1/policies/", s.handlePolicyDetail)
	mux.HandleFunc("/api/v1/halt", s.handleHaltState)
	mux.HandleFunc("/api/v1/halt/activate", s.handleHaltActivate)
	mux.HandleFunc("/api/v1/halt/escalate", s.handleHaltEscalate)
	mux.HandleFunc("/api/v1/halt/recover", s.handleHaltRecover)
	mux.HandleFunc("/api/v1/sessions", s.handleSessionIssue)
	mux.HandleFunc("/api/v1/sessions/revoke", s.handleSessionRevoke)
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return instrument(mux)
}

// statusRecorder 捕获响应状态码用于指标上报。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 为每个请求记录路由级指标，路径中的资源 ID 归并为 :id。
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(routeLabel(r.URL.Path), r.Method, rec.status, time.Since(start))
	})
}

func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	// /api/v1/<resource>/<id>[/<action>] 中的 ID 不入标签。
	if len(parts) >= 4 && parts[0] == "api" {
		parts[3] = ":id"
	}
	return "/" + strings.Join(parts, "/")
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
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

// bearerToken 提取 Authorization 头中的承载令牌。
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusOf(code), errorBody{Code: string(code), Message: err.Error()})
}

// statusOf 把领域错误码映射为 HTTP 状态码。
func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, tx.CodeTxValidation:
		return http.StatusBadRequest
	case xerrors.CodeUnauthorized, session.CodeSessionExpired, session.CodeSessionRevoked:
		return http.StatusUnauthorized
	case policy.CodePolicyDenied:
		return http.StatusForbidden
	case xerrors.CodeConflict, tx.CodeTxProcessed,
		workflow.CodeApprovalTimeout, owner.CodeOwnerAlreadyConnected:
		return http.StatusConflict
	case xerrors.CodeHaltActive:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	if strings.HasSuffix(string(code), "NOT_FOUND") {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
