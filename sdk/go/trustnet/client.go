// Package trustnet is a Go client for the trustnetd REST API.
package trustnet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Document uploads wait for the daemon to queue the run,
// not for scoring, so the timeout stays short.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the trustnetd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu            sync.RWMutex
	accessToken   string
	operatorToken string
}

// OperatorHeader carries the operator credential required to open a session.
const OperatorHeader = "X-Operator-Token"

// Session is returned when the daemon opens a wallet session.
type Session struct {
	Address   string    `json:"address"`
	ChainID   string    `json:"chain_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Token     string    `json:"token"`
}

// Scores are per-category values in [0,100].
type Scores struct {
	Overall      uint8 `json:"overall"`
	Financial    uint8 `json:"financial"`
	Professional uint8 `json:"professional"`
	Social       uint8 `json:"social"`
}

// Profile is the on-ledger profile of an address.
type Profile struct {
	DisplayName   string `json:"display_name"`
	ContentDigest string `json:"content_digest,omitempty"`
	Overall       uint8  `json:"overall_score"`
	Financial     uint8  `json:"financial_score"`
	Professional  uint8  `json:"professional_score"`
	Social        uint8  `json:"social_score"`
	Active        bool   `json:"active"`
}

// Reference is one attestation, newest first in every response.
type Reference struct {
	Index            int       `json:"index"`
	Name             string    `json:"name"`
	RelationshipType string    `json:"relationship_type"`
	ContentDigest    string    `json:"content_digest,omitempty"`
	Verified         bool      `json:"verified"`
	CreatedAt        time.Time `json:"created_at"`
}

// OperationResult carries the ledger effects of an operation.
type OperationResult struct {
	Scores   *Scores  `json:"scores,omitempty"`
	Digest   string   `json:"digest,omitempty"`
	TxHashes []string `json:"tx_hashes,omitempty"`
	Partial  *struct {
		Scores      Scores `json:"scores"`
		Digest      string `json:"digest,omitempty"`
		DisplayName string `json:"display_name"`
	} `json:"partial,omitempty"`
}

// Operation tracks a queued trust action.
type Operation struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Address    string            `json:"address"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Status     string            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Result     *OperationResult  `json:"result,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// Terminal reports whether the operation reached a final state.
func (o Operation) Terminal() bool {
	return o.Status == "succeeded" || (o.Status == "failed" && o.Attempts >= o.MaxRetries)
}

// State is the combined trust view of the active session.
type State struct {
	Authenticated bool        `json:"authenticated"`
	Session       *Session    `json:"session,omitempty"`
	Profile       *Profile    `json:"profile,omitempty"`
	References    []Reference `json:"references,omitempty"`
	LastOperation *Operation  `json:"last_operation,omitempty"`
	TakenAt       time.Time   `json:"taken_at"`
}

// PublicProfile is returned by the unauthenticated profile lookup.
type PublicProfile struct {
	Address    string      `json:"address"`
	Profile    Profile     `json:"profile"`
	References []Reference `json:"references"`
}

// ProfileEvidence submits social handles. Access tokens switch the daemon
// to OAuth evidence.
type ProfileEvidence struct {
	LinkedInProfileID   string `json:"linkedin_profile_id,omitempty"`
	TwitterUsername     string `json:"twitter_username,omitempty"`
	LinkedInAccessToken string `json:"linkedin_access_token,omitempty"`
	TwitterAccessToken  string `json:"twitter_access_token,omitempty"`
}

// NewReference describes an attestation to add.
type NewReference struct {
	Name             string         `json:"name"`
	RelationshipType string         `json:"relationship_type"`
	Detail           map[string]any `json:"detail,omitempty"`
}

// ListFilter narrows ListOperations.
type ListFilter struct {
	Statuses []string
	Kinds    []string
	Limit    int
	Offset   int
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("trustnet api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("trustnet api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the trustnetd API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// BeginSession asks the daemon to sign a session challenge and stores the
// returned token for subsequent calls.
func (c *Client) BeginSession(ctx context.Context) (Session, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/session", nil, nil, false)
	if err != nil {
		return Session{}, err
	}
	c.mu.RLock()
	operator := c.operatorToken
	c.mu.RUnlock()
	if operator == "" {
		return Session{}, errors.New("trustnet: no operator token, call SetOperatorToken first")
	}
	req.Header.Set(OperatorHeader, operator)

	var sess Session
	if err := c.do(req, &sess); err != nil {
		return Session{}, err
	}
	c.SetAccessToken(sess.Token)
	return sess, nil
}

// EndSession invalidates the daemon session and forgets the token.
func (c *Client) EndSession(ctx context.Context) error {
	if err := c.send(ctx, http.MethodDelete, "/api/v1/session", nil, nil, nil, true); err != nil {
		return err
	}
	c.SetAccessToken("")
	return nil
}

// State returns the current trust snapshot.
func (c *Client) State(ctx context.Context) (State, error) {
	var state State
	err := c.send(ctx, http.MethodGet, "/api/v1/state", nil, nil, &state, true)
	return state, err
}

// SubmitDocument uploads a pdf, docx or txt file for scoring.
func (c *Client) SubmitDocument(ctx context.Context, filename string, content io.Reader) (Operation, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return Operation{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return Operation{}, fmt.Errorf("copy document: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Operation{}, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/evidence/document", nil, &body, true)
	if err != nil {
		return Operation{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out operationEnvelope
	if err := c.do(req, &out); err != nil {
		return Operation{}, err
	}
	return out.Operation, nil
}

// SubmitProfile queues a social or OAuth evidence run.
func (c *Client) SubmitProfile(ctx context.Context, evidence ProfileEvidence) (Operation, error) {
	return c.operation(ctx, http.MethodPost, "/api/v1/evidence/profile", evidence)
}

// GetOperation fetches an operation of the active session.
func (c *Client) GetOperation(ctx context.Context, id string) (Operation, error) {
	return c.operation(ctx, http.MethodGet, "/api/v1/operations/"+url.PathEscape(id), nil)
}

// ListOperations returns operations of the active session, newest first.
func (c *Client) ListOperations(ctx context.Context, filter ListFilter) ([]Operation, error) {
	query := url.Values{}
	if len(filter.Statuses) > 0 {
		query.Set("status", strings.Join(filter.Statuses, ","))
	}
	if len(filter.Kinds) > 0 {
		query.Set("kind", strings.Join(filter.Kinds, ","))
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		query.Set("offset", strconv.Itoa(filter.Offset))
	}
	var out struct {
		Operations []Operation `json:"operations"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/operations", query, nil, &out, true); err != nil {
		return nil, err
	}
	return out.Operations, nil
}

// RetryProfileLink re-runs only the profile link of a partially committed run.
func (c *Client) RetryProfileLink(ctx context.Context, id string) (Operation, error) {
	return c.operation(ctx, http.MethodPost, "/api/v1/operations/"+url.PathEscape(id)+"/retry", nil)
}

// AddReference queues a new attestation.
func (c *Client) AddReference(ctx context.Context, ref NewReference) (Operation, error) {
	return c.operation(ctx, http.MethodPost, "/api/v1/references", ref)
}

// VerifyReference queues verification of subject's reference at index.
func (c *Client) VerifyReference(ctx context.Context, subject string, index uint64) (Operation, error) {
	endpoint := fmt.Sprintf("/api/v1/references/%s/%d/verify", url.PathEscape(subject), index)
	return c.operation(ctx, http.MethodPost, endpoint, nil)
}

// Profile reads any address's public profile without a session.
func (c *Client) Profile(ctx context.Context, address string) (PublicProfile, error) {
	var out PublicProfile
	err := c.send(ctx, http.MethodGet, "/api/v1/profiles/"+url.PathEscape(address), nil, nil, &out, false)
	return out, err
}

// WaitForOperation polls until the operation is terminal or ctx ends.
func (c *Client) WaitForOperation(ctx context.Context, id string, interval time.Duration) (Operation, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		op, err := c.GetOperation(ctx, id)
		if err != nil {
			return Operation{}, err
		}
		if op.Terminal() {
			return op, nil
		}
		select {
		case <-ctx.Done():
			return op, ctx.Err()
		case <-ticker.C:
		}
	}
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetOperatorToken sets the operator credential sent by BeginSession.
func (c *Client) SetOperatorToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operatorToken = token
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

type operationEnvelope struct {
	Operation Operation `json:"operation"`
}

func (c *Client) operation(ctx context.Context, method, endpoint string, payload any) (Operation, error) {
	var out operationEnvelope
	if err := c.send(ctx, method, endpoint, nil, payload, &out, true); err != nil {
		return Operation{}, err
	}
	return out.Operation, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload any, out any, withAuth bool) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, method, endpoint, query, body, withAuth)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, withAuth bool) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		token := c.AccessToken()
		if token == "" {
			return nil, errors.New("trustnet: no session token, call BeginSession first")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
