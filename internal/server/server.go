// ============================================================================
// Beaver-Query HTTP Server
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: 查詢核心的 HTTP 入口 (chi)
//
// Routes:
//   POST   /api/v1/queries                    提交查詢
//   GET    /api/v1/executions/{id}            查詢執行紀錄
//   POST   /api/v1/executions/{id}/cancel     取消仍在佇列中的執行
//   GET    /api/v1/queues                     佇列狀態
//   PUT    /api/v1/budgets/{tenant}           以等級初始化租戶預算
//   GET    /api/v1/budgets/{tenant}           租戶預算
//   POST   /api/v1/budgets/{tenant}/reset     歸零用量
//   DELETE /api/v1/cache/{tenant}             整個租戶的快取失效
//   DELETE /api/v1/cache/{tenant}/{hash}      單一查詢的快取失效
//   GET    /api/v1/operators                  operator 清單
//   GET    /healthz
//
// 錯誤對應見 errors.go
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ChuLiYu/beaver-query/internal/config"
	"github.com/ChuLiYu/beaver-query/internal/engine"
	"github.com/ChuLiYu/beaver-query/internal/observability"
	"github.com/ChuLiYu/beaver-query/internal/operator"
	"github.com/ChuLiYu/beaver-query/pkg/types"
)

var log = slog.Default()

// Engine server 需要的引擎操作
type Engine interface {
	Submit(ctx context.Context, req types.QueryRequest, opts engine.SubmitOptions) (*engine.Submission, error)
	GetExecution(ctx context.Context, id string) (*types.QueryExecution, error)
	Cancel(ctx context.Context, executionID string) error
	QueueStats() []types.WorkerPoolStats
	InitializeBudget(ctx context.Context, tenantID string, tier types.Tier) (*types.ExecutionBudget, error)
	GetBudget(ctx context.Context, tenantID string) (*types.ExecutionBudget, error)
	ResetBudget(ctx context.Context, tenantID string) (*types.ExecutionBudget, error)
	InvalidateCache(ctx context.Context, tenantID, hash, reason string) (int, error)
	Operators() []operator.Metadata
	Uptime() time.Duration
}

// SubmitRequest POST /api/v1/queries 的內容：查詢請求加上提交選項
type SubmitRequest struct {
	types.QueryRequest
	Priority    int   `json:"priority,omitempty"`
	DeadlineMs  int64 `json:"deadlineMs,omitempty"`
	BypassCache bool  `json:"bypassCache,omitempty"`
}

// SubmitResponse 提交結果
type SubmitResponse struct {
	ExecutionID string                `json:"executionId"`
	Status      types.ExecutionStatus `json:"status"`
	Queue       types.QueueName       `json:"queue,omitempty"`
	QueryHash   string                `json:"queryHash"`
	Cached      bool                  `json:"cached"`
	Deadline    *time.Time            `json:"deadline,omitempty"`
	Execution   *types.QueryExecution `json:"execution,omitempty"` // 只在快取命中時附上
}

// BudgetRequest PUT /api/v1/budgets/{tenant}
type BudgetRequest struct {
	Tier types.Tier `json:"tier"`
}

// InvalidateResponse 快取失效筆數
type InvalidateResponse struct {
	Invalidated int `json:"invalidated"`
}

// Server is the HTTP server for the query core.
type Server struct {
	engine     Engine
	cfg        config.ServerConfig
	httpServer *http.Server
	router     chi.Router
}

// New creates a new Server.
func New(eng Engine, cfg config.ServerConfig) *Server {
	srv := &Server{engine: eng, cfg: cfg}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracing)
	r.Use(structuredLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/queries", s.handleSubmit)

		r.Get("/executions/{id}", s.handleGetExecution)
		r.Post("/executions/{id}/cancel", s.handleCancel)

		r.Get("/queues", s.handleQueues)

		r.Put("/budgets/{tenant}", s.handleInitializeBudget)
		r.Get("/budgets/{tenant}", s.handleGetBudget)
		r.Post("/budgets/{tenant}/reset", s.handleResetBudget)

		r.Delete("/cache/{tenant}", s.handleInvalidateCache)
		r.Delete("/cache/{tenant}/{hash}", s.handleInvalidateCache)

		r.Get("/operators", s.handleOperators)
	})

	r.Get("/healthz", s.handleHealthz)
	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	log.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Serve 阻塞到 ctx 結束，之後在 ShutdownTimeout 內關閉
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case <-ctx.Done():
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ============================================================================
// JSON response helpers
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to encode response", "error", err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// ============================================================================
// Middleware
// ============================================================================

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// tracing 延續上游 traceparent，span 名稱在路由後改成 route pattern
func tracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := observability.StartSpan(ctx, r.Method+" "+r.URL.Path,
			attribute.String("http.request.method", r.Method),
		)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			span.SetName(r.Method + " " + rctx.RoutePattern())
		}
		span.SetAttributes(attribute.Int("http.response.status_code", ww.Status()))
		var err error
		if ww.Status() >= http.StatusInternalServerError {
			err = errors.New(http.StatusText(ww.Status()))
		}
		observability.EndSpan(span, err)
	})
}
