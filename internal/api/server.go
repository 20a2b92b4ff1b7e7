package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"SafeTx-Relay/internal/auth"
	xerrors "SafeTx-Relay/internal/errors"
	"SafeTx-Relay/internal/observability/metrics"
	"SafeTx-Relay/internal/safe"
	"SafeTx-Relay/internal/task"
	"SafeTx-Relay/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// Server 负责暴露 REST 接口，供外部提交与查询 Safe 交易中继任务。
type Server struct {
	addr          string
	jobs          *task.Service
	chains        task.ClientResolver
	domainChainID bool
	metrics       bool
	guard         *auth.Guard
	logger        *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithChains 用于在计算 safeTxHash 时解析链 ID。
func WithChains(resolver task.ClientResolver, domainChainID bool) Option {
	return func(s *Server) {
		s.chains = resolver
		s.domainChainID = domainChainID
	}
}

// WithMetricsEndpoint 在同一端口挂载 /metrics。
func WithMetricsEndpoint() Option {
	return func(s *Server) {
		s.metrics = true
	}
}

// WithAuth 为 /api/v1 路由启用 Bearer Token 认证。
func WithAuth(guard *auth.Guard) Option {
	return func(s *Server) {
		s.guard = guard
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, jobs *task.Service, opts ...Option) *Server {
	s := &Server{addr: addr, jobs: jobs, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	guarded := func(name string, fn http.HandlerFunc) http.Handler {
		return s.guard.Middleware(instrument(name, fn))
	}
	mux.Handle("POST /api/v1/safe-transactions", guarded("submit", s.handleSubmit))
	mux.Handle("GET /api/v1/safe-transactions", guarded("list", s.handleList))
	mux.Handle("GET /api/v1/safe-transactions/stats", guarded("stats", s.handleStats))
	mux.Handle("GET /api/v1/safe-transactions/{id}", guarded("detail", s.handleDetail))
	mux.Handle("POST /api/v1/safe-transactions/hash", guarded("hash", s.handleHash))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics {
		mux.Handle("GET /metrics", metrics.Handler())
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
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

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

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	var req task.SubmitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.jobs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type hashResponse struct {
	SafeTxHash string `json:"safeTxHash"`
	TypedData  any    `json:"typedData"`
}

// handleHash 计算交易的 EIP-712 文档与 safeTxHash，不触碰任务队列。
func (s *Server) handleHash(w http.ResponseWriter, r *http.Request) {
	var req task.SubmitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !common.IsHexAddress(req.Safe) {
		writeError(w, xerrors.New(xerrors.CodeValidation, "Safe 地址无效", xerrors.WithMetadata("field", "safe")))
		return
	}
	tx, err := safe.Validate(req.Transaction)
	if err != nil {
		writeError(w, err)
		return
	}
	if tx.Nonce == nil {
		writeError(w, xerrors.New(xerrors.CodeValidation, "计算 safeTxHash 需要 nonce", xerrors.WithMetadata("field", "nonce")))
		return
	}

	var chainID *big.Int
	if s.domainChainID && s.chains != nil {
		client, err := s.chains.Resolve(req.Chain)
		if err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "链不可用"))
			return
		}
		if chainID, err = client.ChainID(r.Context()); err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeTimeout, err, "读取链 ID 失败"))
			return
		}
	}

	safeAddr := common.HexToAddress(req.Safe)
	doc := tx.TypedData(safeAddr, chainID)
	digest, err := doc.Hash()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hashResponse{SafeTxHash: digest.Hex(), TypedData: doc})
}

func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	opts := make([]task.ListOption, 0, 8)

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须为非负整数")
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态 "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("safe"); raw != "" {
		opts = append(opts, task.WithSafe(raw))
	}
	if raw := query.Get("chain"); raw != "" {
		opts = append(opts, task.WithChain(raw))
	}
	if raw := query.Get("since"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "since 必须为 Unix 时间戳")
		}
		opts = append(opts, task.WithUpdatedSince(time.Unix(ts, 0)))
	}
	if raw := query.Get("has_result"); raw != "" {
		hasResult, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "has_result 必须为布尔值")
		}
		opts = append(opts, task.WithResultPresence(hasResult))
	}
	if strings.EqualFold(query.Get("order"), "asc") {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	return opts, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

type errorResponse struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Stage    string            `json:"stage,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{
		Code:     xerrors.CodeOf(err),
		Message:  err.Error(),
		Stage:    xerrors.StageOf(err),
		Metadata: xerrors.MetadataOf(err),
	})
}

func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, xerrors.CodeValidation, task.CodeJobValidation,
		xerrors.CodeSchema, xerrors.CodeEncoding:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeJobNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeJobConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure, task.CodeJobPublish, xerrors.CodeQueueFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
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
func instrument(name string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
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
