package operation

import (
	"context"
	stdErrors "errors"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/internal/ledger"
	"TrustNet-Chain/internal/oracle"
	"TrustNet-Chain/internal/reference"
	"TrustNet-Chain/internal/scoring"
	"TrustNet-Chain/internal/session"
)

// Scorer runs the evidence pipeline. Implemented by scoring.Aggregator.
type Scorer interface {
	Run(ctx context.Context, s *session.Session, payload oracle.Payload) (*scoring.Result, error)
	RetryProfileLink(ctx context.Context, s *session.Session, partial *scoring.PartialCommitError) (string, *ledger.Receipt, error)
}

// References adds and verifies attestations. Implemented by reference.Book.
type References interface {
	Add(ctx context.Context, s *session.Session, name, relationshipType string, detail reference.Detail) (*reference.Added, error)
	Verify(ctx context.Context, s *session.Session, subject common.Address, index uint64) (*ledger.Receipt, error)
}

// Runner turns trust actions into queued operations bound to a session.
type Runner struct {
	service *Service
	scorer  Scorer
	refs    References
	now     func() time.Time
}

// NewRunner wires the domain components into service.
func NewRunner(service *Service, scorer Scorer, refs References) *Runner {
	return &Runner{service: service, scorer: scorer, refs: refs, now: time.Now}
}

// SubmitEvidence queues a score run. Payload and session checks happen
// before anything is queued.
func (r *Runner) SubmitEvidence(ctx context.Context, s *session.Session, payload oracle.Payload) (*Operation, error) {
	if err := session.Require(s, r.now()); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "missing evidence payload")
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return r.service.Submit(ctx, Request{
		Kind:     KindScoreRun,
		Address:  s.Address.Hex(),
		Metadata: map[string]string{"payload": string(payload.Kind())},
		Job: JobFunc(func(ctx context.Context) (*Result, error) {
			res, err := r.scorer.Run(ctx, s, payload)
			return scoreResult(res, err), err
		}),
	})
}

// RetryProfileLink queues the anchor and link steps of a failed run whose
// scores were already committed.
func (r *Runner) RetryProfileLink(ctx context.Context, s *session.Session, id string) (*Operation, error) {
	if err := session.Require(s, r.now()); err != nil {
		return nil, err
	}
	prev, err := r.service.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(prev.Address, s.Address.Hex()) {
		return nil, xerrors.New(xerrors.CodeNotFound, "operation not found for this session")
	}
	if prev.Status != StatusFailed || prev.Result == nil || prev.Result.Partial == nil {
		return nil, xerrors.New(CodeOperationNotRetryable, "only partially committed runs can be retried")
	}
	partial := prev.Result.Partial
	return r.service.Submit(ctx, Request{
		Kind:     KindProfileLink,
		Address:  s.Address.Hex(),
		Metadata: map[string]string{"retry_of": prev.ID},
		Job: JobFunc(func(ctx context.Context) (*Result, error) {
			digest, receipt, err := r.scorer.RetryProfileLink(ctx, s, &scoring.PartialCommitError{
				Scores:      partial.Scores,
				Digest:      partial.Digest,
				Details:     partial.Details,
				DisplayName: partial.DisplayName,
			})
			if err != nil {
				var pce *scoring.PartialCommitError
				if stdErrors.As(err, &pce) {
					return &Result{Scores: &pce.Scores, Digest: pce.Digest, Partial: partialOf(pce)}, err
				}
				return nil, err
			}
			return &Result{Scores: &partial.Scores, Digest: digest, TxHashes: hashes(receipt)}, nil
		}),
	})
}

// AddReference queues a reference addition for the session address.
func (r *Runner) AddReference(ctx context.Context, s *session.Session, name, relationshipType string, detail reference.Detail) (*Operation, error) {
	if err := session.Require(s, r.now()); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" || strings.TrimSpace(relationshipType) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "reference name and relationship type are required")
	}
	return r.service.Submit(ctx, Request{
		Kind:     KindReferenceAdd,
		Address:  s.Address.Hex(),
		Metadata: map[string]string{"name": name, "relationship_type": relationshipType},
		Job: JobFunc(func(ctx context.Context) (*Result, error) {
			added, err := r.refs.Add(ctx, s, name, relationshipType, detail)
			if err != nil {
				return pendingResult(err), err
			}
			return &Result{Digest: added.Digest, TxHashes: hashes(added.Receipt)}, nil
		}),
	})
}

// VerifyReference queues a verification of subject's reference index.
func (r *Runner) VerifyReference(ctx context.Context, s *session.Session, subject common.Address, index uint64) (*Operation, error) {
	if err := session.Require(s, r.now()); err != nil {
		return nil, err
	}
	return r.service.Submit(ctx, Request{
		Kind:    KindReferenceVerify,
		Address: s.Address.Hex(),
		Metadata: map[string]string{
			"subject": subject.Hex(),
			"index":   strconv.FormatUint(index, 10),
		},
		Job: JobFunc(func(ctx context.Context) (*Result, error) {
			receipt, err := r.refs.Verify(ctx, s, subject, index)
			if err != nil {
				return pendingResult(err), err
			}
			return &Result{TxHashes: hashes(receipt)}, nil
		}),
	})
}

func scoreResult(res *scoring.Result, err error) *Result {
	var pce *scoring.PartialCommitError
	if stdErrors.As(err, &pce) {
		out := &Result{Scores: &pce.Scores, Digest: pce.Digest, Partial: partialOf(pce)}
		if res != nil {
			out.TxHashes = hashes(res.ScoresReceipt)
		}
		return out
	}
	if err != nil {
		return pendingResult(err)
	}
	scores := res.Scores
	return &Result{
		Scores:   &scores,
		Digest:   res.Digest,
		TxHashes: hashes(res.ScoresReceipt, res.LinkReceipt),
	}
}

// pendingResult keeps the hash of a dispatched transaction the caller
// stopped waiting for, so it is never re-sent.
func pendingResult(err error) *Result {
	if hash, ok := ledger.TxHashOf(err); ok && xerrors.HasCode(err, ledger.CodeTransactionPending) {
		return &Result{TxHashes: []string{hash.Hex()}}
	}
	return nil
}

func partialOf(e *scoring.PartialCommitError) *PartialCommit {
	return &PartialCommit{
		Scores:      e.Scores,
		Digest:      e.Digest,
		Details:     append([]byte(nil), e.Details...),
		DisplayName: e.DisplayName,
	}
}

func hashes(receipts ...*ledger.Receipt) []string {
	var out []string
	for _, r := range receipts {
		if r != nil {
			out = append(out, r.TxHash.Hex())
		}
	}
	return out
}
