package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"TrustNet-Chain/internal/anchor"
	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/internal/ledger"
	"TrustNet-Chain/internal/observability/metrics"
	"TrustNet-Chain/internal/oracle"
	"TrustNet-Chain/internal/session"
	"TrustNet-Chain/internal/wallet"
	"TrustNet-Chain/pkg/logger"
)

// State is a stage of an evidence run.
type State string

const (
	StateIdle        State = "idle"
	StateSubmitting  State = "submitting"
	StateReconciling State = "reconciling"
	StateCommitting  State = "committing"
	StateFailed      State = "failed"
)

// Transition is delivered to observers on every state change.
type Transition struct {
	From State
	To   State
	Err  error
	At   time.Time
}

// Observer receives transitions synchronously; it must not block.
type Observer func(Transition)

// Oracle scores evidence on behalf of a session.
type Oracle interface {
	Submit(ctx context.Context, s *session.Session, payload oracle.Payload) (*oracle.ScoreReport, error)
}

// Ledger is the subset of ledger.Client used by a run.
type Ledger interface {
	GetProfile(ctx context.Context, addr common.Address) (ledger.Profile, error)
	UpdateScores(ctx context.Context, s *session.Session, overall, financial, professional, social uint8) (*ledger.Receipt, error)
	UpdateProfile(ctx context.Context, s *session.Session, displayName, digest string) (*ledger.Receipt, error)
}

// Result is the outcome of a completed run.
type Result struct {
	Report        *oracle.ScoreReport `json:"report"`
	Scores        ledger.Scores       `json:"scores"`
	ScoresReceipt *ledger.Receipt     `json:"scores_receipt"`
	LinkReceipt   *ledger.Receipt     `json:"link_receipt,omitempty"`
	Digest        string              `json:"digest,omitempty"`
}

// Aggregator runs the submit, reconcile and commit pipeline. One run at a
// time; an overlapping run fails with wallet.ErrSigningInProgress.
type Aggregator struct {
	oracle  Oracle
	store   anchor.Store
	ledger  Ledger
	now     func() time.Time
	metrics *metrics.Metrics
	log     *slog.Logger

	running atomic.Bool

	mu        sync.Mutex
	state     State
	observers []Observer
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the transition timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithMetrics counts state transitions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithObserver registers an observer at construction time.
func WithObserver(o Observer) Option {
	return func(a *Aggregator) {
		if o != nil {
			a.observers = append(a.observers, o)
		}
	}
}

// NewAggregator wires a run pipeline.
func NewAggregator(o Oracle, store anchor.Store, l Ledger, opts ...Option) *Aggregator {
	a := &Aggregator{
		oracle: o,
		store:  store,
		ledger: l,
		now:    time.Now,
		state:  StateIdle,
		log:    logger.Named("scoring"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Observe registers o for all later transitions.
func (a *Aggregator) Observe(o Observer) {
	if o == nil {
		return
	}
	a.mu.Lock()
	a.observers = append(a.observers, o)
	a.mu.Unlock()
}

// State returns the current stage.
func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Run scores payload and commits the result for the session address. On a
// *PartialCommitError the returned Result still describes the committed scores.
func (a *Aggregator) Run(ctx context.Context, s *session.Session, payload oracle.Payload) (*Result, error) {
	if !a.running.CompareAndSwap(false, true) {
		return nil, wallet.ErrSigningInProgress
	}
	defer a.running.Store(false)

	a.transition(StateSubmitting, nil)
	report, err := a.oracle.Submit(ctx, s, payload)
	if err != nil {
		return nil, a.fail(err)
	}

	a.transition(StateReconciling, nil)
	prior, err := a.ledger.GetProfile(ctx, s.Address)
	if err != nil {
		return nil, a.fail(err)
	}
	scores, err := Reconcile(prior.Scores(), report)
	if err != nil {
		return nil, a.fail(err)
	}

	a.transition(StateCommitting, nil)
	receipt, err := a.ledger.UpdateScores(ctx, s, scores.Overall, scores.Financial, scores.Professional, scores.Social)
	if err != nil {
		return nil, a.fail(notCommitted(err))
	}
	result := &Result{Report: report, Scores: scores, ScoresReceipt: receipt}

	if report.HasDetails() {
		details, err := compact(report.Details)
		if err != nil {
			return result, a.fail(&PartialCommitError{Scores: scores, Details: report.Details, DisplayName: prior.DisplayName, Cause: err})
		}
		digest, link, err := a.link(ctx, s, prior.DisplayName, details)
		result.Digest = digest
		if err != nil {
			return result, a.fail(&PartialCommitError{
				Scores:      scores,
				Digest:      digest,
				Details:     details,
				DisplayName: prior.DisplayName,
				Cause:       err,
			})
		}
		result.LinkReceipt = link
	}

	a.transition(StateIdle, nil)
	a.log.Info("评分已提交",
		slog.String("address", s.Address.Hex()),
		slog.Int("overall", int(scores.Overall)),
		slog.String("digest", result.Digest))
	return result, nil
}

// RetryProfileLink redoes only the anchor and link steps of a partial commit.
func (a *Aggregator) RetryProfileLink(ctx context.Context, s *session.Session, partial *PartialCommitError) (string, *ledger.Receipt, error) {
	if partial == nil || len(partial.Details) == 0 {
		return "", nil, xerrors.New(xerrors.CodeInvalidArgument, "nothing to link")
	}
	if !a.running.CompareAndSwap(false, true) {
		return "", nil, wallet.ErrSigningInProgress
	}
	defer a.running.Store(false)

	a.transition(StateCommitting, nil)
	digest, receipt, err := a.link(ctx, s, partial.DisplayName, partial.Details)
	if err != nil {
		retry := *partial
		retry.Digest = digest
		retry.Cause = err
		return digest, nil, a.fail(&retry)
	}
	a.transition(StateIdle, nil)
	return digest, receipt, nil
}

func (a *Aggregator) link(ctx context.Context, s *session.Session, displayName string, details []byte) (string, *ledger.Receipt, error) {
	digest, err := a.store.Put(ctx, details)
	if err != nil {
		return "", nil, err
	}
	receipt, err := a.ledger.UpdateProfile(ctx, s, displayName, digest)
	if err != nil {
		return digest, nil, err
	}
	return digest, receipt, nil
}

func (a *Aggregator) fail(err error) error {
	a.transition(StateFailed, err)
	a.transition(StateIdle, nil)
	return err
}

func (a *Aggregator) transition(to State, err error) {
	a.mu.Lock()
	t := Transition{From: a.state, To: to, Err: err, At: a.now()}
	a.state = to
	observers := append([]Observer(nil), a.observers...)
	a.mu.Unlock()

	a.metrics.IncTransition(string(to))
	if err != nil {
		a.log.Warn("评分流程失败",
			slog.String("from", string(t.From)),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
	}
	for _, o := range observers {
		o(t)
	}
}

// notCommitted wraps a scores transaction failure. A pending transaction may
// still land, so it is reported as is.
func notCommitted(err error) error {
	if xerrors.HasCode(err, ledger.CodeTransactionPending) {
		return err
	}
	return xerrors.Wrap(CodeScoresNotCommitted, err, "")
}

func compact(raw json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "score details are not valid JSON")
	}
	return buf.Bytes(), nil
}
