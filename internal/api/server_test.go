package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"TrustNet-Chain/internal/auth"
	"TrustNet-Chain/internal/ledger"
	"TrustNet-Chain/internal/observability/metrics"
	"TrustNet-Chain/internal/operation"
	"TrustNet-Chain/internal/oracle"
	"TrustNet-Chain/internal/reference"
	"TrustNet-Chain/internal/session"
	"TrustNet-Chain/internal/trust"
	"TrustNet-Chain/internal/wallet"
)

type stubLedger struct{}

func (stubLedger) GetProfile(context.Context, common.Address) (ledger.Profile, error) {
	return ledger.Profile{DisplayName: "alice", Overall: 72, Financial: 65, Active: true}, nil
}

func (stubLedger) GetReferences(context.Context, common.Address) ([]ledger.Reference, error) {
	return []ledger.Reference{
		{Index: 0, Name: "Alice Doe", RelationshipType: "Manager", Verified: true},
		{Index: 1, Name: "John Smith", RelationshipType: "Co-worker"},
	}, nil
}

type recordingActions struct {
	mu       sync.Mutex
	payloads []oracle.Payload
	ops      map[string]*operation.Operation
}

func (a *recordingActions) record(s *session.Session, kind operation.Kind) *operation.Operation {
	a.mu.Lock()
	defer a.mu.Unlock()
	op := &operation.Operation{ID: "op-" + string(kind), Kind: kind, Address: s.Address.Hex(), Status: operation.StatusPending, MaxRetries: 1}
	if a.ops == nil {
		a.ops = make(map[string]*operation.Operation)
	}
	a.ops[op.ID] = op
	return op
}

func (a *recordingActions) SubmitEvidence(_ context.Context, s *session.Session, payload oracle.Payload) (*operation.Operation, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.payloads = append(a.payloads, payload)
	a.mu.Unlock()
	return a.record(s, operation.KindScoreRun), nil
}

func (a *recordingActions) RetryProfileLink(context.Context, *session.Session, string) (*operation.Operation, error) {
	return nil, operation.ErrNotFound
}

func (a *recordingActions) AddReference(_ context.Context, s *session.Session, _, _ string, _ reference.Detail) (*operation.Operation, error) {
	return a.record(s, operation.KindReferenceAdd), nil
}

func (a *recordingActions) VerifyReference(_ context.Context, s *session.Session, _ common.Address, _ uint64) (*operation.Operation, error) {
	return a.record(s, operation.KindReferenceVerify), nil
}

func (a *recordingActions) Get(_ context.Context, id string) (*operation.Operation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if op, ok := a.ops[id]; ok {
		return op, nil
	}
	if id == "foreign" {
		return &operation.Operation{ID: id, Address: common.HexToAddress("0x01").Hex()}, nil
	}
	return nil, operation.ErrNotFound
}

func (a *recordingActions) List(context.Context, ...operation.ListOption) ([]*operation.Operation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*operation.Operation, 0, len(a.ops))
	for _, op := range a.ops {
		out = append(out, op)
	}
	return out, nil
}

const testOperatorSecret = "operator-secret"

func newTestServer(t *testing.T) (*httptest.Server, *recordingActions) {
	t.Helper()
	chainID := big.NewInt(1337)
	handle, err := wallet.Generate(chainID)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	authn := session.NewAuthenticator(session.Config{ChainID: chainID, TTL: time.Hour}, wallet.NewGuard())
	tokens, err := auth.NewService(auth.Config{Secret: "test-secret", Issuer: "trustnetd"}, authn)
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	actions := &recordingActions{}
	srv := NewServer(":0", Deps{
		Sessions:       authn,
		Handle:         handle,
		Tokens:         tokens,
		OperatorSecret: testOperatorSecret,
		State:          trust.NewView(authn, stubLedger{}),
		Actions:        actions,
		Operations:     actions,
		Profiles:       stubLedger{},
		Metrics:        metrics.New(),
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, actions
}

func beginSession(t *testing.T, ts *httptest.Server) sessionResponse {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/session", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(auth.OperatorHeader, testOperatorSecret)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("begin session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var out sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if out.Token == "" {
		t.Fatalf("token missing")
	}
	return out
}

func do(t *testing.T, method, url, token, contentType string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/healthz", "", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, ts.URL+"/metrics", "", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
}

func TestStateRequiresSessionToken(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/state", "", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	sess := beginSession(t, ts)
	resp = do(t, http.MethodGet, ts.URL+"/api/v1/state", sess.Token, "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var snapshot trust.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if !snapshot.Authenticated || snapshot.Profile == nil || snapshot.Profile.Overall != 72 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	if len(snapshot.References) != 2 || snapshot.References[0].Name != "John Smith" {
		t.Fatalf("references not newest first: %+v", snapshot.References)
	}

	resp = do(t, http.MethodDelete, ts.URL+"/api/v1/session", sess.Token, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, ts.URL+"/api/v1/state", sess.Token, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("token should be rejected after logout, got %d", resp.StatusCode)
	}
}

func TestBeginSessionRequiresOperatorToken(t *testing.T) {
	ts, _ := newTestServer(t)
	sess := beginSession(t, ts)

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/session", "", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous begin: expected 401, got %d", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/session", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(auth.OperatorHeader, "wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong operator token: expected 401, got %d", resp.StatusCode)
	}

	// 被拒绝的请求不能替换已有会话。
	resp = do(t, http.MethodGet, ts.URL+"/api/v1/state", sess.Token, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("existing token should stay valid, got %d", resp.StatusCode)
	}
}

func TestDocumentEvidenceAccepted(t *testing.T) {
	ts, actions := newTestServer(t)
	sess := beginSession(t, ts)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "resume.pdf")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("%PDF-1.4 resume"))
	_ = mw.Close()

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/evidence/document", sess.Token, mw.FormDataContentType(), body.Bytes())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var out operationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Operation == nil || out.Operation.Kind != operation.KindScoreRun {
		t.Fatalf("unexpected operation: %+v", out.Operation)
	}
	if len(actions.payloads) != 1 {
		t.Fatalf("expected one payload, got %d", len(actions.payloads))
	}
	doc, ok := actions.payloads[0].(oracle.DocumentPayload)
	if !ok || doc.Filename != "resume.pdf" {
		t.Fatalf("unexpected payload: %#v", actions.payloads[0])
	}
}

func TestProfileEvidenceValidation(t *testing.T) {
	ts, actions := newTestServer(t)
	sess := beginSession(t, ts)

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/evidence/profile", sess.Token, "application/json", []byte(`{}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	resp = do(t, http.MethodPost, ts.URL+"/api/v1/evidence/profile", sess.Token, "application/json",
		[]byte(`{"twitter_username":"alice","twitter_access_token":"tok"}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if _, ok := actions.payloads[0].(oracle.OAuthPayload); !ok {
		t.Fatalf("tokens should select oauth evidence: %#v", actions.payloads[0])
	}
}

func TestOperationsScopedToSession(t *testing.T) {
	ts, _ := newTestServer(t)
	sess := beginSession(t, ts)

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/references", sess.Token, "application/json",
		[]byte(`{"name":"John Smith","relationship_type":"Co-worker"}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/operations/op-reference_add", sess.Token, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp = do(t, http.MethodGet, ts.URL+"/api/v1/operations/foreign", sess.Token, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign operation should be hidden, got %d", resp.StatusCode)
	}
	resp = do(t, http.MethodPost, ts.URL+"/api/v1/operations/missing/retry", sess.Token, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestVerifyReferenceRejectsBadSubject(t *testing.T) {
	ts, _ := newTestServer(t)
	sess := beginSession(t, ts)

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/references/not-an-address/0/verify", sess.Token, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	subject := common.HexToAddress("0x00000000000000000000000000000000000000aa").Hex()
	resp = do(t, http.MethodPost, ts.URL+"/api/v1/references/"+subject+"/1/verify", sess.Token, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
}

func TestPublicProfile(t *testing.T) {
	ts, _ := newTestServer(t)
	addr := common.HexToAddress("0x00000000000000000000000000000000000000bb").Hex()

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/profiles/"+addr, "", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out profileResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Profile.DisplayName != "alice" || len(out.References) != 2 {
		t.Fatalf("unexpected profile: %+v", out)
	}
}
