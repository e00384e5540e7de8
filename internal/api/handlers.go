package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"TrustNet-Chain/internal/auth"
	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/internal/ledger"
	"TrustNet-Chain/internal/operation"
	"TrustNet-Chain/internal/oracle"
	"TrustNet-Chain/internal/reference"
)

type sessionResponse struct {
	Address   string    `json:"address"`
	ChainID   string    `json:"chain_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Token     string    `json:"token"`
}

type profileEvidenceRequest struct {
	LinkedInProfileID   string `json:"linkedin_profile_id"`
	TwitterUsername     string `json:"twitter_username"`
	LinkedInAccessToken string `json:"linkedin_access_token"`
	TwitterAccessToken  string `json:"twitter_access_token"`
}

type addReferenceRequest struct {
	Name             string           `json:"name"`
	RelationshipType string           `json:"relationship_type"`
	Detail           reference.Detail `json:"detail,omitempty"`
}

type profileResponse struct {
	Address    string             `json:"address"`
	Profile    ledger.Profile     `json:"profile"`
	References []ledger.Reference `json:"references"`
}

type operationResponse struct {
	Operation *operation.Operation `json:"operation"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleBeginSession 使用配置的钱包签名建立会话并签发令牌。
func (s *Server) handleBeginSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Begin(r.Context(), s.deps.Handle)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := s.deps.Tokens.Issue(sess)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{
		Address:   sess.Address.Hex(),
		ChainID:   sess.ChainID.String(),
		IssuedAt:  sess.IssuedAt,
		ExpiresAt: sess.ExpiresAt,
		Token:     token,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	s.deps.Sessions.Invalidate("api logout")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.deps.State.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// handleDocumentEvidence 接收 multipart 上传的 file 字段。
func (s *Server) handleDocumentEvidence(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无法解析上传内容"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "缺少 file 字段"))
		return
	}
	defer file.Close()
	content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取上传文件失败"))
		return
	}

	payload := oracle.DocumentPayload{Filename: header.Filename, Content: content}
	op, err := s.deps.Actions.SubmitEvidence(r.Context(), auth.SessionFromContext(r.Context()), payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, operationResponse{Operation: op})
}

// handleProfileEvidence 提交社交账号证据。携带访问令牌时按 OAuth 证据处理。
func (s *Server) handleProfileEvidence(w http.ResponseWriter, r *http.Request) {
	var req profileEvidenceRequest
	if !s.decode(w, r, &req) {
		return
	}

	var payload oracle.Payload = oracle.SocialPayload{
		LinkedInProfileID: req.LinkedInProfileID,
		TwitterUsername:   req.TwitterUsername,
	}
	if req.LinkedInAccessToken != "" || req.TwitterAccessToken != "" {
		payload = oracle.OAuthPayload{
			LinkedInAccessToken: req.LinkedInAccessToken,
			LinkedInProfileID:   req.LinkedInProfileID,
			TwitterAccessToken:  req.TwitterAccessToken,
			TwitterUsername:     req.TwitterUsername,
		}
	}
	op, err := s.deps.Actions.SubmitEvidence(r.Context(), auth.SessionFromContext(r.Context()), payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, operationResponse{Operation: op})
}

// handleListOperations 只返回当前会话地址的操作。
func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFromContext(r.Context())
	query := r.URL.Query()

	opts := []operation.ListOption{
		operation.WithAddress(subject.Address.Hex()),
		operation.WithSortOrder(operation.SortByCreatedDesc),
	}
	if v := query.Get("status"); v != "" {
		var statuses []operation.Status
		for _, part := range strings.Split(v, ",") {
			statuses = append(statuses, operation.Status(strings.TrimSpace(part)))
		}
		opts = append(opts, operation.WithStatuses(statuses...))
	}
	if v := query.Get("kind"); v != "" {
		var kinds []operation.Kind
		for _, part := range strings.Split(v, ",") {
			kinds = append(kinds, operation.Kind(strings.TrimSpace(part)))
		}
		opts = append(opts, operation.WithKinds(kinds...))
	}
	for name, apply := range map[string]func(int) operation.ListOption{
		"limit":  operation.WithLimit,
		"offset": operation.WithOffset,
	} {
		v := query.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, name+" 必须是整数"))
			return
		}
		opts = append(opts, apply(n))
	}

	ops, err := s.deps.Operations.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.deps.Operations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	subject := auth.SubjectFromContext(r.Context())
	if !strings.EqualFold(op.Address, subject.Address.Hex()) {
		s.writeError(w, r, operation.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, operationResponse{Operation: op})
}

// handleRetryOperation 仅重试部分提交后的档案链接步骤。
func (s *Server) handleRetryOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.deps.Actions.RetryProfileLink(r.Context(), auth.SessionFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, operationResponse{Operation: op})
}

func (s *Server) handleAddReference(w http.ResponseWriter, r *http.Request) {
	var req addReferenceRequest
	if !s.decode(w, r, &req) {
		return
	}
	op, err := s.deps.Actions.AddReference(r.Context(), auth.SessionFromContext(r.Context()), req.Name, req.RelationshipType, req.Detail)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, operationResponse{Operation: op})
}

func (s *Server) handleVerifyReference(w http.ResponseWriter, r *http.Request) {
	subject, ok := parseAddress(chi.URLParam(r, "subject"))
	if !ok {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "subject 不是合法地址"))
		return
	}
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "index 必须是非负整数"))
		return
	}
	op, err := s.deps.Actions.VerifyReference(r.Context(), auth.SessionFromContext(r.Context()), subject, index)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, operationResponse{Operation: op})
}

// handleProfile 是公开读取，不需要会话。
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(chi.URLParam(r, "address"))
	if !ok {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "address 不是合法地址"))
		return
	}
	profile, err := s.deps.Profiles.GetProfile(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	refs, err := s.deps.Profiles.GetReferences(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{
		Address:    addr.Hex(),
		Profile:    profile,
		References: ledger.NewestFirst(refs),
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体格式错误"))
		return false
	}
	return true
}

func parseAddress(v string) (common.Address, bool) {
	if !common.IsHexAddress(v) {
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}
