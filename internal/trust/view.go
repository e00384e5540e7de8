// Package trust assembles the read model shown to a client: the session, the
// on-ledger profile and references, and the latest pipeline operation.
package trust

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"TrustNet-Chain/internal/ledger"
	"TrustNet-Chain/internal/operation"
	"TrustNet-Chain/internal/session"
	"TrustNet-Chain/pkg/logger"
)

// Reader is the ledger read surface.
type Reader interface {
	GetProfile(ctx context.Context, addr common.Address) (ledger.Profile, error)
	GetReferences(ctx context.Context, addr common.Address) ([]ledger.Reference, error)
}

// OperationTracker reports the most recent pipeline operation of an address.
type OperationTracker interface {
	Latest(ctx context.Context, address string) (*operation.Operation, error)
}

// SessionInfo is the public part of a session.
type SessionInfo struct {
	Address   string    `json:"address"`
	ChainID   string    `json:"chain_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Snapshot is a consistent view for one session epoch.
type Snapshot struct {
	Authenticated bool                 `json:"authenticated"`
	Session       *SessionInfo         `json:"session,omitempty"`
	Profile       *ledger.Profile      `json:"profile,omitempty"`
	References    []ledger.Reference   `json:"references,omitempty"`
	LastOperation *operation.Operation `json:"last_operation,omitempty"`
	TakenAt       time.Time            `json:"taken_at"`
}

// View builds snapshots on demand. Nothing is cached between calls.
type View struct {
	auth    *session.Authenticator
	reader  Reader
	tracker OperationTracker
	log     *slog.Logger
}

// Option customises a View.
type Option func(*View)

// WithTracker attaches the operation tracker used for LastOperation.
func WithTracker(t OperationTracker) Option {
	return func(v *View) { v.tracker = t }
}

// NewView returns a View over the authenticator's current session.
func NewView(auth *session.Authenticator, reader Reader, opts ...Option) *View {
	v := &View{auth: auth, reader: reader, log: logger.Named("trust")}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Snapshot reads the profile and references of the current session
// concurrently. If the session changes while the reads are in flight the
// data is discarded and the snapshot is reported unauthenticated.
func (v *View) Snapshot(ctx context.Context) (*Snapshot, error) {
	epoch := v.auth.Epoch()
	s := v.auth.Current()
	if s == nil {
		return &Snapshot{TakenAt: v.auth.Now()}, nil
	}

	var (
		profile ledger.Profile
		refs    []ledger.Reference
		lastOp  *operation.Operation
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := v.reader.GetProfile(gctx, s.Address)
		profile = p
		return err
	})
	g.Go(func() error {
		r, err := v.reader.GetReferences(gctx, s.Address)
		refs = r
		return err
	})
	if v.tracker != nil {
		g.Go(func() error {
			op, err := v.tracker.Latest(gctx, s.Address.Hex())
			if err != nil {
				v.log.Warn("读取最近任务失败", slog.String("address", s.Address.Hex()), slog.Any("error", err))
				return nil
			}
			lastOp = op
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if v.auth.Epoch() != epoch || v.auth.Current() != s {
		v.log.Info("会话在读取期间变更，丢弃快照", slog.String("address", s.Address.Hex()))
		return &Snapshot{TakenAt: v.auth.Now()}, nil
	}

	return &Snapshot{
		Authenticated: true,
		Session: &SessionInfo{
			Address:   s.Address.Hex(),
			ChainID:   s.ChainID.String(),
			IssuedAt:  s.IssuedAt,
			ExpiresAt: s.ExpiresAt,
		},
		Profile:       &profile,
		References:    ledger.NewestFirst(refs),
		LastOperation: lastOp,
		TakenAt:       v.auth.Now(),
	}, nil
}
