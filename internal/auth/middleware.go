package auth

import (
	"encoding/json"
	"net/http"
	"time"
)

// Middleware 返回一个 HTTP 中间件，要求请求携带属于当前会话的令牌。
func (s *Service) Middleware(auditEvent string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, sess, err := s.AuthenticateRequest(r.Header.Get("Authorization"))
			if err != nil {
				s.deny(w, r, err)
				return
			}
			// 记录审计日志。
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := WithSubject(r.Context(), subject, sess)
			next.ServeHTTP(aw, r.WithContext(ctx))
			event := auditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.audit.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"address", subject.Address.Hex(),
			)
		})
	}
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// deny 以 401 拒绝请求并写入审计日志。
func (s *Service) deny(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusUnauthorized
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    "UNAUTHENTICATED",
		"message": err.Error(),
	})
	s.audit.Warn("access_denied",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
	)
}
