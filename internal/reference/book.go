// Package reference manages the append-only attestation list of an address:
// adding references with anchored details and verifying them.
package reference

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"TrustNet-Chain/internal/anchor"
	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/internal/ledger"
	"TrustNet-Chain/internal/session"
	"TrustNet-Chain/pkg/logger"
)

// Ledger is the subset of ledger.Client used for references.
type Ledger interface {
	GetReferences(ctx context.Context, addr common.Address) ([]ledger.Reference, error)
	AddReference(ctx context.Context, s *session.Session, name, relationshipType, digest string) (*ledger.Receipt, error)
	VerifyReference(ctx context.Context, s *session.Session, subject common.Address, index uint64) (*ledger.Receipt, error)
}

// Detail is the free-form attestation body stored off-ledger.
type Detail map[string]any

// Added describes a reference appended to the ledger.
type Added struct {
	Receipt *ledger.Receipt `json:"receipt"`
	Digest  string          `json:"digest,omitempty"`
}

// Book adds, verifies and lists references.
type Book struct {
	ledger Ledger
	store  anchor.Store
	now    func() time.Time
	log    *slog.Logger
}

// Option customises a Book.
type Option func(*Book)

// WithClock overrides the clock used for session checks.
func WithClock(now func() time.Time) Option {
	return func(b *Book) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBook returns a Book anchoring details in store.
func NewBook(l Ledger, store anchor.Store, opts ...Option) *Book {
	b := &Book{ledger: l, store: store, now: time.Now, log: logger.Named("reference")}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add anchors detail, when present, and appends an unverified reference for
// the session address.
func (b *Book) Add(ctx context.Context, s *session.Session, name, relationshipType string, detail Detail) (*Added, error) {
	name = strings.TrimSpace(name)
	relationshipType = strings.TrimSpace(relationshipType)
	if name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "reference name is required")
	}
	if relationshipType == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "relationship type is required")
	}
	if err := session.Require(s, b.now()); err != nil {
		return nil, err
	}

	var digest string
	if len(detail) > 0 {
		// encoding/json sorts map keys, so equal details share a digest.
		body, err := json.Marshal(detail)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "reference detail is not JSON encodable")
		}
		digest, err = b.store.Put(ctx, body)
		if err != nil {
			return nil, err
		}
	}

	receipt, err := b.ledger.AddReference(ctx, s, name, relationshipType, digest)
	if err != nil {
		return nil, err
	}
	b.log.Info("已添加推荐人",
		slog.String("address", s.Address.Hex()),
		slog.String("relationship_type", relationshipType),
		slog.String("digest", digest))
	return &Added{Receipt: receipt, Digest: digest}, nil
}

// Verify marks reference index of subject as verified. Verifying an already
// verified reference fails with ledger.CodeAlreadyVerified and changes nothing.
func (b *Book) Verify(ctx context.Context, s *session.Session, subject common.Address, index uint64) (*ledger.Receipt, error) {
	receipt, err := b.ledger.VerifyReference(ctx, s, subject, index)
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("reference verified",
		slog.String("verifier", s.Address.Hex()),
		slog.String("subject", subject.Hex()),
		slog.Uint64("index", index),
		slog.String("tx_hash", receipt.TxHash.Hex()))
	return receipt, nil
}

// List returns the references of addr, newest first. Index keeps each
// entry's ledger position for Verify.
func (b *Book) List(ctx context.Context, addr common.Address) ([]ledger.Reference, error) {
	refs, err := b.ledger.GetReferences(ctx, addr)
	if err != nil {
		return nil, err
	}
	return ledger.NewestFirst(refs), nil
}

// Detail fetches and decodes the anchored body of ref.
func (b *Book) Detail(ctx context.Context, ref ledger.Reference) (Detail, error) {
	if ref.ContentDigest == "" {
		return nil, xerrors.New(xerrors.CodeNotFound, "reference has no anchored detail")
	}
	body, err := b.store.Get(ctx, ref.ContentDigest)
	if err != nil {
		return nil, err
	}
	var detail Detail
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "anchored detail is not valid JSON")
	}
	return detail, nil
}
