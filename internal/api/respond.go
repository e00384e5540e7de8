package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/internal/operation"
)

// errorResponse 是统一的错误响应体。
type errorResponse struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 将统一错误映射为 HTTP 状态码。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	resp := errorResponse{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		resp.Message = e.Message()
		resp.Metadata = e.Metadata()
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.String("code", resp.Code),
			slog.Any("error", err))
	}
	writeJSON(w, status, resp)
}

func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNotFound, operation.CodeOperationNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, operation.CodeOperationConflict, operation.CodeOperationNotRetryable:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	switch xerrors.CategoryOf(err) {
	case xerrors.CategoryAuthentication:
		return http.StatusUnauthorized
	case xerrors.CategoryValidation:
		return http.StatusBadRequest
	case xerrors.CategoryAuthorization:
		return http.StatusForbidden
	case xerrors.CategoryTransient:
		return http.StatusServiceUnavailable
	case xerrors.CategoryLedger, xerrors.CategoryPartial:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
