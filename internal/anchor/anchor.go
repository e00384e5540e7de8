// Package anchor stores serialized payloads in a content-addressed store and
// addresses them by CIDv1 digests computed locally.
package anchor

import (
	"context"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/internal/observability/metrics"
)

const CodeStoreUnreachable xerrors.Code = "STORE_UNREACHABLE"

func init() {
	xerrors.Register(CodeStoreUnreachable, xerrors.Attributes{
		Message:   "content store unreachable",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryTransient,
		Retryable: true,
		Alert:     true,
	})
}

// Store is a content-addressed blob store. Put is idempotent: identical bytes
// always yield the identical digest.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, digest string) ([]byte, error)
}

// DigestOf returns the CIDv1 (raw codec, sha2-256) of data in base32.
func DigestOf(data []byte) (string, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("计算内容摘要失败: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// Verify checks data against digest when digest is a raw-codec CID. Digests
// of other codecs address DAG roots and cannot be checked from bytes alone.
func Verify(digest string, data []byte) error {
	c, err := cid.Decode(digest)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed content digest")
	}
	if c.Prefix().Codec != cid.Raw {
		return nil
	}
	got, err := c.Prefix().Sum(data)
	if err != nil {
		return fmt.Errorf("计算内容摘要失败: %w", err)
	}
	if !got.Equals(c) {
		return xerrors.New(xerrors.CodeStorageFailure, "content does not match digest",
			xerrors.WithMetadata("digest", digest))
	}
	return nil
}

func notFound(digest string) error {
	return xerrors.New(xerrors.CodeNotFound, "content not found", xerrors.WithMetadata("digest", digest))
}

func unreachable(err error, msg string) error {
	return xerrors.Wrap(CodeStoreUnreachable, err, msg)
}

type instrumented struct {
	Store
	driver  string
	metrics *metrics.Metrics
}

// Instrument records put/get outcomes for store under the driver label.
func Instrument(store Store, driver string, m *metrics.Metrics) Store {
	if m == nil {
		return store
	}
	return &instrumented{Store: store, driver: driver, metrics: m}
}

func (s *instrumented) Put(ctx context.Context, data []byte) (string, error) {
	digest, err := s.Store.Put(ctx, data)
	s.metrics.IncAnchor(s.driver, "put", outcome(err))
	return digest, err
}

func (s *instrumented) Get(ctx context.Context, digest string) ([]byte, error) {
	data, err := s.Store.Get(ctx, digest)
	s.metrics.IncAnchor(s.driver, "get", outcome(err))
	return data, err
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return string(xerrors.CodeOf(err))
}

const defaultTimeout = 30 * time.Second
