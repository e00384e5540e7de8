package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"TrustNet-Chain/internal/auth"
	"TrustNet-Chain/internal/ledger"
	"TrustNet-Chain/internal/observability/metrics"
	"TrustNet-Chain/internal/operation"
	"TrustNet-Chain/internal/oracle"
	"TrustNet-Chain/internal/reference"
	"TrustNet-Chain/internal/session"
	"TrustNet-Chain/internal/trust"
	"TrustNet-Chain/internal/wallet"
	"TrustNet-Chain/pkg/logger"
)

// maxUploadBytes 限制上传文档的大小。
const maxUploadBytes = 10 << 20

// Sessions 由 session.Authenticator 实现。
type Sessions interface {
	Begin(ctx context.Context, handle wallet.Handle) (*session.Session, error)
	Invalidate(reason string)
}

// StateReader 返回当前信任状态快照，由 trust.View 实现。
type StateReader interface {
	Snapshot(ctx context.Context) (*trust.Snapshot, error)
}

// Actions 将业务动作排入操作队列，由 operation.Runner 实现。
type Actions interface {
	SubmitEvidence(ctx context.Context, s *session.Session, payload oracle.Payload) (*operation.Operation, error)
	RetryProfileLink(ctx context.Context, s *session.Session, id string) (*operation.Operation, error)
	AddReference(ctx context.Context, s *session.Session, name, relationshipType string, detail reference.Detail) (*operation.Operation, error)
	VerifyReference(ctx context.Context, s *session.Session, subject common.Address, index uint64) (*operation.Operation, error)
}

// Operations 查询操作状态，由 operation.Service 实现。
type Operations interface {
	Get(ctx context.Context, id string) (*operation.Operation, error)
	List(ctx context.Context, opts ...operation.ListOption) ([]*operation.Operation, error)
}

// Profiles 提供公开的账本读取，由 ledger.Client 实现。
type Profiles interface {
	GetProfile(ctx context.Context, addr common.Address) (ledger.Profile, error)
	GetReferences(ctx context.Context, addr common.Address) ([]ledger.Reference, error)
}

// Deps 汇总 Server 依赖的组件。
type Deps struct {
	Sessions Sessions
	Handle   wallet.Handle
	Tokens   *auth.Service
	// OperatorSecret 为开启会话所需的运维凭证，为空时拒绝所有开启请求。
	OperatorSecret string
	State          StateReader
	Actions        Actions
	Operations     Operations
	Profiles       Profiles
	Metrics        *metrics.Metrics
	// Health 检查外部依赖，为空时 /healthz 总是返回 ok。
	Health func(ctx context.Context) error
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr string
	deps Deps
	log  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps) *Server {
	return &Server{addr: addr, deps: deps, log: logger.Named("api")}
}

// Routes 返回挂载全部接口的路由。
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.deps.Tokens.RequireOperator(s.deps.OperatorSecret)).Post("/session", s.handleBeginSession)
		r.Get("/profiles/{address}", s.handleProfile)

		r.Group(func(r chi.Router) {
			r.Use(s.deps.Tokens.Middleware(""))
			r.Delete("/session", s.handleEndSession)
			r.Get("/state", s.handleState)
			r.Post("/evidence/document", s.handleDocumentEvidence)
			r.Post("/evidence/profile", s.handleProfileEvidence)
			r.Get("/operations", s.handleListOperations)
			r.Get("/operations/{id}", s.handleGetOperation)
			r.Post("/operations/{id}/retry", s.handleRetryOperation)
			r.Post("/references", s.handleAddReference)
			r.Post("/references/{subject}/{index}/verify", s.handleVerifyReference)
		})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

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

// instrument 记录每个请求的路由、状态码与耗时。
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.deps.Metrics.ObserveHTTPRequest(route, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
