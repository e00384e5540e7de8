package ledger

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/internal/observability/metrics"
	"TrustNet-Chain/internal/session"
	"TrustNet-Chain/internal/wallet"
	"TrustNet-Chain/pkg/logger"
)

const (
	defaultPollInterval  = 2 * time.Second
	defaultConfirmations = 1
)

// Contract is the binding to the TrustNet contract surface.
type Contract interface {
	GetProfile(ctx context.Context, addr common.Address) (Profile, error)
	GetReferences(ctx context.Context, addr common.Address) ([]Reference, error)
	// Send signs call with signer and hands it to the ledger. It returns once
	// the transaction is accepted into the pool, not once it is final.
	Send(ctx context.Context, signer wallet.TxSigner, call Call) (common.Hash, error)
	// Receipt returns nil without error while the transaction is unmined.
	Receipt(ctx context.Context, hash common.Hash) (*Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client executes ledger reads and finality-bound mutations on behalf of a session.
type Client struct {
	contract      Contract
	guard         *wallet.Guard
	now           func() time.Time
	pollInterval  time.Duration
	confirmations uint64
	metrics       *metrics.Metrics
	log           *slog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithClock overrides the time source used for session checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithPollInterval sets how often receipts are polled while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithConfirmations sets the number of blocks (including the inclusion block)
// required before a mutation is reported final.
func WithConfirmations(n uint64) Option {
	return func(c *Client) {
		if n > 0 {
			c.confirmations = n
		}
	}
}

// WithMetrics records transaction outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient wraps contract. guard must be shared with the other signing paths.
func NewClient(contract Contract, guard *wallet.Guard, opts ...Option) *Client {
	if guard == nil {
		guard = wallet.NewGuard()
	}
	c := &Client{
		contract:      contract,
		guard:         guard,
		now:           time.Now,
		pollInterval:  defaultPollInterval,
		confirmations: defaultConfirmations,
		log:           logger.Named("ledger"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// GetProfile reads the profile of addr. No session is required.
func (c *Client) GetProfile(ctx context.Context, addr common.Address) (Profile, error) {
	p, err := c.contract.GetProfile(ctx, addr)
	if err != nil {
		return Profile{}, readError(err)
	}
	return p, nil
}

// GetReferences reads the reference list of addr in ledger order.
func (c *Client) GetReferences(ctx context.Context, addr common.Address) ([]Reference, error) {
	refs, err := c.contract.GetReferences(ctx, addr)
	if err != nil {
		return nil, readError(err)
	}
	return refs, nil
}

// UpdateProfile sets the display name and detail digest of the session address.
func (c *Client) UpdateProfile(ctx context.Context, s *session.Session, displayName, digest string) (*Receipt, error) {
	if strings.TrimSpace(displayName) == "" && digest == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "profile update needs a display name or digest")
	}
	return c.execute(ctx, s, Call{Method: MethodUpdateProfile, Name: displayName, Digest: digest})
}

// UpdateScores writes all four scores of the session address in one transaction.
func (c *Client) UpdateScores(ctx context.Context, s *session.Session, overall, financial, professional, social uint8) (*Receipt, error) {
	scores := Scores{Overall: overall, Financial: financial, Professional: professional, Social: social}
	if s == nil {
		return nil, session.ErrUnauthenticated
	}
	return c.execute(ctx, s, Call{Method: MethodUpdateScores, Subject: s.Address, Scores: scores})
}

// AddReference appends an unverified attestation to the session address.
func (c *Client) AddReference(ctx context.Context, s *session.Session, name, relationshipType, digest string) (*Receipt, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(relationshipType) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "reference name and relationship type are required")
	}
	return c.execute(ctx, s, Call{Method: MethodAddReference, Name: name, RelationshipType: relationshipType, Digest: digest})
}

// VerifyReference marks reference index of subject as verified. Verifier
// rights are enforced by the ledger.
func (c *Client) VerifyReference(ctx context.Context, s *session.Session, subject common.Address, index uint64) (*Receipt, error) {
	return c.execute(ctx, s, Call{Method: MethodVerifyReference, Subject: subject, Index: index})
}

// AuthorizeVerifier grants verifier rights to addr; owner only.
func (c *Client) AuthorizeVerifier(ctx context.Context, s *session.Session, addr common.Address) (*Receipt, error) {
	return c.execute(ctx, s, Call{Method: MethodAuthorizeVerifier, Subject: addr})
}

// AuthorizeOracle grants score-writing rights to addr; owner only.
func (c *Client) AuthorizeOracle(ctx context.Context, s *session.Session, addr common.Address) (*Receipt, error) {
	return c.execute(ctx, s, Call{Method: MethodAuthorizeOracle, Subject: addr})
}

// Await resumes observing a dispatched transaction until it is final or ctx ends.
func (c *Client) Await(ctx context.Context, hash common.Hash) (*Receipt, error) {
	return c.wait(ctx, "await", hash)
}

func (c *Client) execute(ctx context.Context, s *session.Session, call Call) (*Receipt, error) {
	if err := session.Require(s, c.now()); err != nil {
		return nil, err
	}
	if call.Method == MethodUpdateScores {
		if err := call.Scores.Validate(); err != nil {
			return nil, err
		}
	}
	signer, ok := s.Handle().(wallet.TxSigner)
	if !ok || !signer.Available() {
		return nil, wallet.ErrNoWalletCapability
	}
	if signer.Address() != s.Address {
		return nil, xerrors.New(session.CodeUnauthenticated, "wallet address no longer matches session")
	}

	hash, err := c.dispatch(ctx, signer, call)
	if err != nil {
		c.metrics.IncLedgerTx(string(call.Method), string(xerrors.CodeOf(err)))
		return nil, err
	}

	logger.Audit().Info("ledger transaction dispatched",
		slog.String("address", s.Address.Hex()),
		slog.String("call", call.String()),
		slog.String("tx_hash", hash.Hex()))

	start := time.Now()
	receipt, err := c.wait(ctx, string(call.Method), hash)
	if err != nil {
		c.metrics.IncLedgerTx(string(call.Method), string(xerrors.CodeOf(err)))
		return receipt, err
	}
	c.metrics.IncLedgerTx(string(call.Method), "confirmed")
	c.metrics.ObserveFinality(string(call.Method), time.Since(start))
	return receipt, nil
}

// dispatch holds the signing guard only while the transaction is signed and
// submitted. The submission itself ignores caller cancellation: once handed
// to the ledger a transaction cannot be retracted.
func (c *Client) dispatch(ctx context.Context, signer wallet.TxSigner, call Call) (common.Hash, error) {
	release, err := c.guard.Acquire(wallet.PurposeTransaction)
	if err != nil {
		return common.Hash{}, err
	}
	defer release()
	if err := ctx.Err(); err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeCancelled, err, "transaction not dispatched")
	}
	hash, err := c.contract.Send(context.WithoutCancel(ctx), signer, call)
	if err != nil {
		return common.Hash{}, Rejected(err)
	}
	return hash, nil
}

func (c *Client) wait(ctx context.Context, method string, hash common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.contract.Receipt(ctx, hash)
		if err != nil && ctx.Err() == nil {
			c.log.Warn("查询交易回执失败", slog.String("tx_hash", hash.Hex()), slog.Any("error", err))
		}
		if err == nil && receipt != nil {
			final, ferr := c.final(ctx, receipt)
			if ferr == nil && final {
				if receipt.Reverted {
					c.log.Info("交易执行回滚",
						slog.String("method", method),
						slog.String("tx_hash", hash.Hex()),
						slog.String("reason", receipt.Reason))
					return receipt, Reverted(receipt.Reason, xerrors.WithMetadata("tx_hash", hash.Hex()))
				}
				return receipt, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(CodeTransactionPending, ctx.Err(), "",
				xerrors.WithMetadata("tx_hash", hash.Hex()))
		case <-ticker.C:
		}
	}
}

func (c *Client) final(ctx context.Context, r *Receipt) (bool, error) {
	if c.confirmations <= 1 {
		return true, nil
	}
	head, err := c.contract.BlockNumber(ctx)
	if err != nil {
		return false, err
	}
	return head+1 >= r.BlockNumber+c.confirmations, nil
}

func readError(err error) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return Unreachable(err)
}
