package scoring_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TrustNet-Chain/internal/anchor"
	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/internal/ledger"
	"TrustNet-Chain/internal/ledger/memory"
	"TrustNet-Chain/internal/oracle"
	"TrustNet-Chain/internal/scoring"
	"TrustNet-Chain/internal/session"
	"TrustNet-Chain/internal/trust"
	"TrustNet-Chain/internal/wallet"
)

var chainID = big.NewInt(1337)

type env struct {
	auth   *session.Authenticator
	sess   *session.Session
	guard  *wallet.Guard
	chain  *memory.Ledger
	client *ledger.Client
}

func newEnv(t *testing.T) *env {
	t.Helper()
	h, err := wallet.Generate(chainID)
	require.NoError(t, err)
	guard := wallet.NewGuard()
	auth := session.NewAuthenticator(session.Config{ChainID: chainID}, guard)
	sess, err := auth.Begin(context.Background(), h)
	require.NoError(t, err)
	chain := memory.NewLedger(h.Address())
	client := ledger.NewClient(chain, guard, ledger.WithPollInterval(5*time.Millisecond))
	return &env{auth: auth, sess: sess, guard: guard, chain: chain, client: client}
}

func (e *env) calls(method ledger.Method) []ledger.Call {
	var out []ledger.Call
	for _, c := range e.chain.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

type stubOracle struct {
	report  *oracle.ScoreReport
	err     error
	release chan struct{}
	entered chan struct{}
}

func (o *stubOracle) Submit(ctx context.Context, _ *session.Session, _ oracle.Payload) (*oracle.ScoreReport, error) {
	if o.entered != nil {
		o.entered <- struct{}{}
	}
	if o.release != nil {
		select {
		case <-o.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.report, o.err
}

type flakyStore struct {
	anchor.Store
	down atomic.Bool
}

func (s *flakyStore) Put(ctx context.Context, data []byte) (string, error) {
	if s.down.Load() {
		return "", xerrors.New(anchor.CodeStoreUnreachable, "")
	}
	return s.Store.Put(ctx, data)
}

type transitions struct {
	mu  sync.Mutex
	log []scoring.State
}

func (r *transitions) observe(t scoring.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, t.To)
}

func (r *transitions) states() []scoring.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scoring.State(nil), r.log...)
}

var document = oracle.DocumentPayload{Filename: "statement.pdf", Content: []byte("%PDF-1.4")}

func TestDocumentRunCommitsScoresOnceAndShowsInSnapshot(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"overall": 72,
			"details": map[string]any{"financial_score": 65, "summary": "steady income"},
		})
	}))
	defer srv.Close()

	store := anchor.NewMemoryStore()
	sub := oracle.New(oracle.Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, e.guard)
	agg := scoring.NewAggregator(sub, store, e.client)

	res, err := agg.Run(context.Background(), e.sess, document)
	require.NoError(t, err)
	assert.Equal(t, ledger.Scores{Overall: 72, Financial: 65}, res.Scores)
	require.NotEmpty(t, res.Digest)
	require.NotNil(t, res.LinkReceipt)

	updates := e.calls(ledger.MethodUpdateScores)
	require.Len(t, updates, 1)
	assert.Equal(t, ledger.Scores{Overall: 72, Financial: 65}, updates[0].Scores)
	assert.Equal(t, e.sess.Address, updates[0].Subject)

	snap, err := trust.NewView(e.auth, e.client).Snapshot(context.Background())
	require.NoError(t, err)
	require.True(t, snap.Authenticated)
	assert.Equal(t, uint8(72), snap.Profile.Overall)
	assert.Equal(t, res.Digest, snap.Profile.ContentDigest)

	anchored, err := store.Get(context.Background(), res.Digest)
	require.NoError(t, err)
	assert.JSONEq(t, `{"financial_score":65,"summary":"steady income"}`, string(anchored))
}

func TestRejectedSubmissionNeverTouchesTheLedger(t *testing.T) {
	e := newEnv(t)
	rec := &transitions{}
	o := &stubOracle{err: xerrors.New(oracle.CodeOracleRejected, "unreadable document")}
	agg := scoring.NewAggregator(o, anchor.NewMemoryStore(), e.client, scoring.WithObserver(rec.observe))

	_, err := agg.Run(context.Background(), e.sess, document)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, oracle.CodeOracleRejected))
	assert.Empty(t, e.chain.Calls())
	assert.Equal(t, []scoring.State{scoring.StateSubmitting, scoring.StateFailed, scoring.StateIdle}, rec.states())
	assert.Equal(t, scoring.StateIdle, agg.State())
}

func TestObserversSeeEveryStage(t *testing.T) {
	e := newEnv(t)
	rec := &transitions{}
	o := &stubOracle{report: &oracle.ScoreReport{Overall: f64(50), Categories: map[oracle.Category]float64{}}}
	agg := scoring.NewAggregator(o, anchor.NewMemoryStore(), e.client)
	agg.Observe(rec.observe)

	res, err := agg.Run(context.Background(), e.sess, document)
	require.NoError(t, err)
	assert.Empty(t, res.Digest, "no details, no link")
	assert.Nil(t, res.LinkReceipt)
	assert.Equal(t, []scoring.State{
		scoring.StateSubmitting, scoring.StateReconciling, scoring.StateCommitting, scoring.StateIdle,
	}, rec.states())
	assert.Empty(t, e.calls(ledger.MethodUpdateProfile))
}

func TestOverlappingRunIsRejected(t *testing.T) {
	e := newEnv(t)
	o := &stubOracle{
		report:  &oracle.ScoreReport{Overall: f64(40), Categories: map[oracle.Category]float64{}},
		release: make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	agg := scoring.NewAggregator(o, anchor.NewMemoryStore(), e.client)

	done := make(chan error, 1)
	go func() {
		_, err := agg.Run(context.Background(), e.sess, document)
		done <- err
	}()
	<-o.entered

	_, err := agg.Run(context.Background(), e.sess, document)
	assert.True(t, errors.Is(err, wallet.ErrSigningInProgress))

	close(o.release)
	require.NoError(t, <-done)
	assert.Len(t, e.calls(ledger.MethodUpdateScores), 1)
}

func TestLedgerFailureReportsScoresNotCommitted(t *testing.T) {
	e := newEnv(t)
	o := &stubOracle{report: &oracle.ScoreReport{Overall: f64(40), Categories: map[oracle.Category]float64{}}}
	agg := scoring.NewAggregator(o, anchor.NewMemoryStore(), e.client)

	e.auth.Invalidate("wallet locked")
	_, err := agg.Run(context.Background(), e.sess, document)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, scoring.CodeScoresNotCommitted))
	assert.True(t, xerrors.HasCode(err, session.CodeUnauthenticated))
	assert.Empty(t, e.chain.Calls())
}

func TestPartialCommitCanBeRetried(t *testing.T) {
	e := newEnv(t)
	store := &flakyStore{Store: anchor.NewMemoryStore()}
	store.down.Store(true)
	o := &stubOracle{report: &oracle.ScoreReport{
		Overall:    f64(72),
		Categories: map[oracle.Category]float64{oracle.CategoryFinancial: 65},
		Details:    json.RawMessage(`{ "financial_score": 65 }`),
	}}
	agg := scoring.NewAggregator(o, store, e.client)

	res, err := agg.Run(context.Background(), e.sess, document)
	var partial *scoring.PartialCommitError
	require.ErrorAs(t, err, &partial)
	assert.True(t, xerrors.HasCode(err, scoring.CodePartialCommit))
	assert.True(t, xerrors.HasCode(err, anchor.CodeStoreUnreachable))
	require.NotNil(t, res)
	assert.Equal(t, ledger.Scores{Overall: 72, Financial: 65}, partial.Scores)
	assert.Equal(t, `{"financial_score":65}`, string(partial.Details))

	profile, err := e.client.GetProfile(context.Background(), e.sess.Address)
	require.NoError(t, err)
	assert.Equal(t, uint8(72), profile.Overall, "scores stay committed")
	assert.Empty(t, profile.ContentDigest)

	store.down.Store(false)
	digest, receipt, err := agg.RetryProfileLink(context.Background(), e.sess, partial)
	require.NoError(t, err)
	require.NotNil(t, receipt)

	profile, err = e.client.GetProfile(context.Background(), e.sess.Address)
	require.NoError(t, err)
	assert.Equal(t, digest, profile.ContentDigest)
	assert.Len(t, e.calls(ledger.MethodUpdateScores), 1, "retry must not resend scores")
}

func TestRunKeepsCommittedCategoriesTheOracleSkipped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.client.UpdateScores(ctx, e.sess, 70, 70, 80, 60)
	require.NoError(t, err)

	report := &oracle.ScoreReport{Categories: map[oracle.Category]float64{oracle.CategorySocial: 90}}
	agg := scoring.NewAggregator(&stubOracle{report: report}, anchor.NewMemoryStore(), e.client)

	res, err := agg.Run(ctx, e.sess, oracle.SocialPayload{TwitterUsername: "jsmith"})
	require.NoError(t, err)
	want := ledger.Scores{Overall: 80, Financial: 70, Professional: 80, Social: 90}
	assert.Equal(t, want, res.Scores)

	updates := e.calls(ledger.MethodUpdateScores)
	require.Len(t, updates, 2)
	assert.Equal(t, want, updates[1].Scores)

	profile, err := e.client.GetProfile(ctx, e.sess.Address)
	require.NoError(t, err)
	assert.Equal(t, uint8(70), profile.Financial)
	assert.Equal(t, uint8(80), profile.Professional)
	assert.Equal(t, uint8(90), profile.Social)
}
