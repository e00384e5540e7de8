package oracle

import (
	"context"
	"log/slog"
	"time"

	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/internal/observability/metrics"
	"TrustNet-Chain/internal/session"
	"TrustNet-Chain/internal/wallet"
	"TrustNet-Chain/pkg/logger"
)

const (
	DefaultTimeout      = 60 * time.Second
	DefaultMaxAttempts  = 2
	DefaultReplayWindow = 5 * time.Minute
)

// Config tunes the oracle client and its retry policy.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	MaxAttempts  int
	ReplayWindow time.Duration
}

// Submitter signs evidence requests and sends them to the scoring oracle.
type Submitter struct {
	client       *Client
	guard        *wallet.Guard
	now          func() time.Time
	maxAttempts  int
	replayWindow time.Duration
	metrics      *metrics.Metrics
	log          *slog.Logger
}

// Option customises a Submitter.
type Option func(*Submitter)

// WithClock overrides the time source used for timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Submitter) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics records attempt outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Submitter) { s.metrics = m }
}

// New builds a Submitter. guard must be the one shared with the session and
// ledger signing paths.
func New(cfg Config, guard *wallet.Guard, opts ...Option) *Submitter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = DefaultReplayWindow
	}
	if guard == nil {
		guard = wallet.NewGuard()
	}
	s := &Submitter{
		client:       newClient(cfg.BaseURL, cfg.Timeout),
		guard:        guard,
		now:          time.Now,
		maxAttempts:  cfg.MaxAttempts,
		replayWindow: cfg.ReplayWindow,
		log:          logger.Named("oracle"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit scores payload on behalf of sess. An inactive session or an invalid
// payload fails before any network traffic.
func (s *Submitter) Submit(ctx context.Context, sess *session.Session, payload Payload) (*ScoreReport, error) {
	if err := session.Require(sess, s.now()); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, invalid("evidence payload is required")
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	req, err := s.prepare(ctx, sess, payload)
	if err != nil {
		return nil, err
	}
	env, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, req, env)
}

// Health reports whether the oracle answers its liveness probe.
func (s *Submitter) Health(ctx context.Context) error {
	return s.client.health(ctx)
}

func (s *Submitter) prepare(ctx context.Context, sess *session.Session, payload Payload) (*Request, error) {
	handle := sess.Handle()
	if handle == nil || !handle.Available() {
		return nil, wallet.ErrNoWalletCapability
	}
	if handle.Address() != sess.Address {
		return nil, xerrors.New(session.CodeUnauthenticated, "wallet address no longer matches session")
	}

	release, err := s.guard.Acquire(wallet.PurposeEvidence)
	if err != nil {
		return nil, err
	}
	defer release()

	ts := s.now().UnixMilli()
	sig, err := handle.SignMessage(ctx, AuthorizationMessage(sess.Address, ts, payload))
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(wallet.CodeUserRejected, err, "")
	}
	return &Request{Address: sess.Address, Timestamp: ts, Signature: sig, Payload: payload}, nil
}

func (s *Submitter) dispatch(ctx context.Context, req *Request, env envelope) (*ScoreReport, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if age := s.now().Sub(req.IssuedAt()); age > s.replayWindow {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "evidence request outside replay window",
				xerrors.WithMetadata("age", age.String()))
		}

		start := time.Now()
		body, err := s.client.post(ctx, env)
		if err == nil {
			report, perr := parseReport(body)
			s.metrics.ObserveOracleCall(env.path, outcomeOf(perr), time.Since(start))
			return report, perr
		}
		s.metrics.ObserveOracleCall(env.path, outcomeOf(err), time.Since(start))

		lastErr = err
		if !xerrors.HasCode(err, xerrors.CodeTimeout) || ctx.Err() != nil {
			return nil, err
		}
		if attempt < s.maxAttempts {
			s.log.Warn("评分请求超时，准备重试",
				slog.String("address", req.Address.Hex()),
				slog.String("endpoint", env.path),
				slog.Int("attempt", attempt))
		}
	}
	return nil, lastErr
}

func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	return string(xerrors.CodeOf(err))
}
