package session

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/internal/wallet"
	"TrustNet-Chain/pkg/logger"
)

// DefaultTTL applies when Config.TTL is unset.
const DefaultTTL = time.Hour

// Config fixes the network and lifetime of sessions.
type Config struct {
	ChainID *big.Int
	TTL     time.Duration
}

// Authenticator owns the single active Session of a client instance.
type Authenticator struct {
	cfg   Config
	guard *wallet.Guard
	now   func() time.Time

	mu      sync.RWMutex
	current *Session
	epoch   uint64
}

// Option customises an Authenticator.
type Option func(*Authenticator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAuthenticator builds an Authenticator sharing guard with the other signing paths.
func NewAuthenticator(cfg Config, guard *wallet.Guard, opts ...Option) *Authenticator {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if guard == nil {
		guard = wallet.NewGuard()
	}
	a := &Authenticator{cfg: cfg, guard: guard, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Begin signs a fresh challenge with handle and, on success, replaces the
// current session.
func (a *Authenticator) Begin(ctx context.Context, handle wallet.Handle) (*Session, error) {
	if handle == nil || !handle.Available() {
		return nil, wallet.ErrNoWalletCapability
	}
	release, err := a.guard.Acquire(wallet.PurposeAuthentication)
	if err != nil {
		return nil, err
	}
	defer release()

	chainID, err := handle.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(wallet.CodeNoWalletCapability, err, "")
	}
	if chainID == nil {
		return nil, xerrors.New(wallet.CodeNoWalletCapability, "wallet reported no chain id")
	}
	if a.cfg.ChainID != nil && chainID.Cmp(a.cfg.ChainID) != 0 {
		return nil, xerrors.New(CodeWrongNetwork, "",
			xerrors.WithMetadata("expected", a.cfg.ChainID.String()),
			xerrors.WithMetadata("actual", chainID.String()))
	}

	addr := handle.Address()
	issued := a.now()
	challenge := Challenge(addr, issued)
	sig, err := handle.SignMessage(ctx, challenge)
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(wallet.CodeUserRejected, err, "")
	}
	if err := wallet.VerifyMessage(addr, challenge, sig); err != nil {
		return nil, xerrors.Wrap(CodeUnauthenticated, err, "challenge signature invalid")
	}

	s := &Session{
		Address:   addr,
		ChainID:   chainID,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(a.cfg.TTL),
		handle:    handle,
	}

	a.mu.Lock()
	if a.current != nil {
		a.current.revoked.Store(true)
	}
	a.current = s
	a.epoch++
	a.mu.Unlock()

	logger.Audit().Info("session established",
		slog.String("address", addr.Hex()),
		slog.String("chain_id", chainID.String()),
		slog.Time("expires_at", s.ExpiresAt))
	return s, nil
}

// Current returns the active session or nil once it expired or was invalidated.
func (a *Authenticator) Current() *Session {
	a.mu.RLock()
	s := a.current
	a.mu.RUnlock()
	if !s.Active(a.now()) {
		return nil
	}
	return s
}

// Invalidate drops the current session.
func (a *Authenticator) Invalidate(reason string) {
	a.mu.Lock()
	s := a.current
	if s != nil {
		s.revoked.Store(true)
	}
	a.current = nil
	a.epoch++
	a.mu.Unlock()

	if s != nil {
		logger.Audit().Info("session invalidated",
			slog.String("address", s.Address.Hex()),
			slog.String("reason", reason))
	}
}

// Epoch changes every time a session is established or invalidated. Readers
// compare epochs to detect that a session changed under them.
func (a *Authenticator) Epoch() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.epoch
}

// Now exposes the authenticator clock so collaborators agree on expiry.
func (a *Authenticator) Now() time.Time { return a.now() }

// Guard returns the signing guard shared with the other signing paths.
func (a *Authenticator) Guard() *wallet.Guard { return a.guard }

// Watch invalidates the session on wallet change notifications until ctx ends.
func (a *Authenticator) Watch(ctx context.Context, n wallet.Notifier) {
	events, cancel := n.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleEvent(evt)
		}
	}
}

func (a *Authenticator) handleEvent(evt wallet.Event) {
	a.mu.RLock()
	s := a.current
	a.mu.RUnlock()
	if s == nil {
		return
	}
	switch evt.Kind {
	case wallet.EventAddressChanged:
		if evt.Address != s.Address {
			a.Invalidate("address changed")
		}
	case wallet.EventChainChanged:
		if evt.ChainID == nil || s.ChainID == nil || evt.ChainID.Cmp(s.ChainID) != 0 {
			a.Invalidate("chain changed")
		}
	case wallet.EventDisconnected:
		a.Invalidate("wallet disconnected")
	}
}
