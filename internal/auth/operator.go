package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
)

// OperatorHeader 携带运维凭证的请求头。
const OperatorHeader = "X-Operator-Token"

var errOperatorRequired = errors.New("缺少或错误的运维凭证")

// RequireOperator 返回一个 HTTP 中间件，要求请求头中的运维凭证与 secret 一致。
// secret 为空时拒绝所有请求。
func (s *Service) RequireOperator(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(OperatorHeader)
			if secret == "" || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				s.deny(w, r, errOperatorRequired)
				return
			}
			s.audit.Info("operator_request",
				"method", r.Method,
				"path", r.URL.Path,
			)
			next.ServeHTTP(w, r)
		})
	}
}
