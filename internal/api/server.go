package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/internal/observability/metrics"
	"Fairfy-Chain/internal/protocol"
	"Fairfy-Chain/internal/verifier"
	"Fairfy-Chain/pkg/logger"
)

// DefaultMaxBodyBytes 是未配置时的请求体上限。
const DefaultMaxBodyBytes int64 = 64 << 20

const jobsPrefix = "/api/v1/jobs/"

// Server 负责暴露 verifier 的 HTTP 接口。
type Server struct {
	addr         string
	service      *verifier.Service
	maxBodyBytes int64
	exposeMetric bool
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithMaxBodyBytes 设置请求体上限。
func WithMaxBodyBytes(limit int64) Option {
	return func(s *Server) {
		if limit > 0 {
			s.maxBodyBytes = limit
		}
	}
}

// WithMetricsEndpoint 在同一端口暴露 /metrics。
func WithMetricsEndpoint(enabled bool) Option {
	return func(s *Server) {
		s.exposeMetric = enabled
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc *verifier.Service, opts ...Option) *Server {
	s := &Server{addr: addr, service: svc, maxBodyBytes: DefaultMaxBodyBytes}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由表。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", instrument("commit", http.HandlerFunc(s.handleCommit)))
	mux.Handle("/reveal", instrument("reveal", http.HandlerFunc(s.handleReveal)))
	mux.Handle("/health", instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle(jobsPrefix, instrument("job_detail", http.HandlerFunc(s.handleJobDetail)))
	if s.exposeMetric {
		mux.Handle("/metrics", metrics.Handler())
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
	logger.L().Info("verifier 已启动", "addr", s.addr)

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

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, string(xerrors.CodeNotFound), "未知路径")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, string(xerrors.CodeInvalidArgument), "仅支持 POST")
		return
	}
	var msg protocol.CommitMessage
	if !s.decode(w, r, &msg) {
		return
	}
	job, err := s.service.SubmitCommit(r.Context(), msg)
	s.writeReceipt(w, job, err)
}

func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, string(xerrors.CodeInvalidArgument), "仅支持 POST")
		return
	}
	var msg protocol.RevealMessage
	if !s.decode(w, r, &msg) {
		return
	}
	job, err := s.service.SubmitReveal(r.Context(), msg)
	s.writeReceipt(w, job, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, string(xerrors.CodeInvalidArgument), "仅支持 GET")
		return
	}
	health, err := s.service.Health(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, string(xerrors.CodeInvalidArgument), "仅支持 GET")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, jobsPrefix), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "缺少作业 ID")
		return
	}
	job, err := s.service.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, string(xerrors.CodeInvalidArgument), "请求体超过上限")
			return false
		}
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "请求体解析失败: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeReceipt(w http.ResponseWriter, job *verifier.Job, err error) {
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, protocol.Receipt{JobID: job.ID, Status: string(job.Status)})
}

func writeServiceError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case verifier.CodeJobValidation, xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case verifier.CodeJobNotFound:
		status = http.StatusNotFound
	case verifier.CodeJobConflict:
		status = http.StatusConflict
	case verifier.CodeJobPublish, xerrors.CodeQueueFailure, xerrors.CodeInitializationFailure:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", "error", err, "code", string(code))
	}
	writeError(w, status, string(code), err.Error())
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
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
