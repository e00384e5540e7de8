package anchor

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
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	xerrors "TrustNet-Chain/internal/errors"
)

// rawLeafLimit is the default IPFS chunk size; payloads up to this size are
// stored as a single raw block whose CID equals DigestOf.
const rawLeafLimit = 256 * 1024

// maxBlobBytes caps how much of a cat response is read.
const maxBlobBytes = 32 << 20

// IPFSConfig points at a Kubo-compatible HTTP API (a local node or Infura).
type IPFSConfig struct {
	APIURL    string
	ProjectID string
	Secret    string
	Timeout   time.Duration
}

// IPFSStore anchors blobs through the IPFS HTTP API.
type IPFSStore struct {
	baseURL    string
	projectID  string
	secret     string
	timeout    time.Duration
	httpClient *http.Client
}

var _ Store = (*IPFSStore)(nil)

// NewIPFSStore validates cfg and returns a store.
func NewIPFSStore(cfg IPFSConfig) (*IPFSStore, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if base == "" {
		return nil, errors.New("未配置 IPFS API 地址")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("IPFS API 地址无效: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &IPFSStore{
		baseURL:    base,
		projectID:  cfg.ProjectID,
		secret:     cfg.Secret,
		timeout:    timeout,
		httpClient: &http.Client{},
	}, nil
}

func (s *IPFSStore) Put(ctx context.Context, data []byte) (string, error) {
	digest, err := DigestOf(data)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "blob")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	query := url.Values{"cid-version": {"1"}, "raw-leaves": {"true"}, "pin": {"true"}}
	resp, err := s.call(ctx, "/api/v0/add?"+query.Encode(), w.FormDataContentType(), &body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", unreachable(apiError(resp), "IPFS add 失败")
	}

	var added struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&added); err != nil {
		return "", unreachable(err, "解析 IPFS add 响应失败")
	}
	if added.Hash == digest {
		return digest, nil
	}
	if len(data) > rawLeafLimit && added.Hash != "" {
		// Chunked content is addressed by its DAG root.
		return added.Hash, nil
	}
	return "", xerrors.New(xerrors.CodeStorageFailure, "IPFS 返回的摘要与本地摘要不一致",
		xerrors.WithMetadata("local", digest), xerrors.WithMetadata("remote", added.Hash))
}

func (s *IPFSStore) Get(ctx context.Context, digest string) ([]byte, error) {
	if _, err := cid.Decode(digest); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed content digest")
	}
	resp, err := s.call(ctx, "/api/v0/cat?"+url.Values{"arg": {digest}}.Encode(), "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		apiErr := apiError(resp)
		msg := strings.ToLower(apiErr.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "no link named") {
			return nil, notFound(digest)
		}
		return nil, unreachable(apiErr, "IPFS cat 失败")
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobBytes+1))
	if err != nil {
		return nil, unreachable(err, "读取 IPFS 内容失败")
	}
	if len(data) > maxBlobBytes {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "IPFS 内容超出大小限制",
			xerrors.WithMetadata("digest", digest))
	}
	if err := Verify(digest, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *IPFSStore) call(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, s.baseURL+path, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("构建 IPFS 请求失败: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if s.projectID != "" {
		req.SetBasicAuth(s.projectID, s.secret)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, unreachable(err, "请求 IPFS 失败")
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Message != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, payload.Message)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
