package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "TrustNet-Chain/internal/errors"
)

const (
	defaultBaseURL   = "http://localhost:8000"
	maxResponseBytes = 1 << 20

	pathProfile  = "/analyze/profile"
	pathDocument = "/analyze/document"
	pathHealth   = "/health"
)

// Client talks to the scoring oracle over HTTP. One call is one attempt.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

func newClient(baseURL string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		timeout: timeout,
		// Deadlines come from the per-attempt context.
		httpClient: &http.Client{},
	}
}

// envelope is an encoded request body, replayable across attempts.
type envelope struct {
	path        string
	contentType string
	body        []byte
}

type profileDocument struct {
	Address   string           `json:"address"`
	Timestamp int64            `json:"timestamp"`
	Signature string           `json:"signature"`
	LinkedIn  *linkedInProfile `json:"linkedin,omitempty"`
	Twitter   *twitterProfile  `json:"twitter,omitempty"`
}

type linkedInProfile struct {
	ProfileID string `json:"profileId"`
}

type twitterProfile struct {
	Username string `json:"username"`
}

func encodeRequest(req *Request) (envelope, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	sig := hexutil.Encode(req.Signature)

	var path string
	switch p := req.Payload.(type) {
	case DocumentPayload:
		path = pathDocument
		part, err := w.CreateFormFile("file", p.Filename)
		if err != nil {
			return envelope{}, err
		}
		if _, err := part.Write(p.Content); err != nil {
			return envelope{}, err
		}
		fields := [][2]string{
			{"timestamp", strconv.FormatInt(req.Timestamp, 10)},
			{"signature", sig},
			{"address", req.Address.Hex()},
		}
		for _, f := range fields {
			if err := w.WriteField(f[0], f[1]); err != nil {
				return envelope{}, err
			}
		}
	case SocialPayload:
		path = pathProfile
		if err := writeProfile(w, req, sig, p.LinkedInProfileID, p.TwitterUsername); err != nil {
			return envelope{}, err
		}
	case OAuthPayload:
		path = pathProfile
		if tok := strings.TrimSpace(p.LinkedInAccessToken); tok != "" {
			if err := w.WriteField("linkedin_access_token", tok); err != nil {
				return envelope{}, err
			}
		}
		if tok := strings.TrimSpace(p.TwitterAccessToken); tok != "" {
			if err := w.WriteField("twitter_access_token", tok); err != nil {
				return envelope{}, err
			}
		}
		if err := writeProfile(w, req, sig, p.LinkedInProfileID, p.TwitterUsername); err != nil {
			return envelope{}, err
		}
	default:
		return envelope{}, invalid(fmt.Sprintf("unsupported payload %T", req.Payload))
	}

	if err := w.Close(); err != nil {
		return envelope{}, err
	}
	return envelope{path: path, contentType: w.FormDataContentType(), body: buf.Bytes()}, nil
}

func writeProfile(w *multipart.Writer, req *Request, sig, linkedInID, twitter string) error {
	doc := profileDocument{
		Address:   req.Address.Hex(),
		Timestamp: req.Timestamp,
		Signature: sig,
	}
	if id := strings.TrimSpace(linkedInID); id != "" {
		doc.LinkedIn = &linkedInProfile{ProfileID: id}
	}
	if name := strings.TrimSpace(twitter); name != "" {
		doc.Twitter = &twitterProfile{Username: strings.TrimPrefix(name, "@")}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="profile_data"; filename="profile.json"`)
	header.Set("Content-Type", "application/json")
	part, err := w.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

// post performs a single attempt bounded by the client timeout.
func (c *Client) post(ctx context.Context, env envelope) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+env.path, bytes.NewReader(env.body))
	if err != nil {
		return nil, fmt.Errorf("构建评分请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", env.contentType)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classify(ctx, err)
	}

	switch {
	case resp.StatusCode < http.StatusBadRequest:
		return body, nil
	case resp.StatusCode == http.StatusGatewayTimeout:
		return nil, xerrors.New(xerrors.CodeTimeout, "oracle gateway timeout")
	case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, xerrors.New(CodeOracleUnreachable, fmt.Sprintf("oracle returned status %d", resp.StatusCode),
			xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)))
	default:
		reason := detailOf(body)
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return nil, xerrors.New(CodeOracleRejected, reason,
			xerrors.WithMetadata("reason", reason),
			xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)))
	}
}

// health probes the oracle liveness endpoint.
func (c *Client) health(ctx context.Context) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, c.baseURL+pathHealth, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return classify(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return xerrors.New(CodeOracleUnreachable, fmt.Sprintf("health check returned %d", resp.StatusCode))
	}
	var status struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return xerrors.Wrap(CodeOracleUnreachable, err, "decode health response")
	}
	if status.Status != "healthy" {
		return xerrors.New(CodeOracleUnreachable, "oracle reports status "+status.Status)
	}
	return nil
}

func classify(parent context.Context, err error) error {
	if parent.Err() != nil {
		return xerrors.Wrap(xerrors.CodeCancelled, parent.Err(), "evidence submission cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "oracle request timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "oracle request timed out")
	}
	return xerrors.Wrap(CodeOracleUnreachable, err, "")
}

// detailOf reads the `detail` field of an error body; it may be a string or a
// structured validation list.
func detailOf(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 {
		return strings.TrimSpace(string(body))
	}
	var text string
	if err := json.Unmarshal(payload.Detail, &text); err == nil {
		return text
	}
	return string(payload.Detail)
}
