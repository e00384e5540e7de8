package session

import (
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/internal/wallet"
)

const (
	CodeUnauthenticated xerrors.Code = "UNAUTHENTICATED"
	CodeWrongNetwork    xerrors.Code = "WRONG_NETWORK"
)

var (
	// ErrUnauthenticated is returned when an operation needs a live session.
	ErrUnauthenticated = xerrors.New(CodeUnauthenticated, "")
	// ErrWrongNetwork is returned when the wallet reports an unexpected chain.
	ErrWrongNetwork = xerrors.New(CodeWrongNetwork, "")
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:  "session missing or expired",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryAuthentication,
	})
	xerrors.Register(CodeWrongNetwork, xerrors.Attributes{
		Message:  "wallet is connected to the wrong network",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryAuthentication,
	})
}

// Session is a time-bounded proof that the holder controls Address.
type Session struct {
	Address   common.Address
	ChainID   *big.Int
	IssuedAt  time.Time
	ExpiresAt time.Time

	handle  wallet.Handle
	revoked atomic.Bool
}

// Handle returns the signing capability that established the session.
func (s *Session) Handle() wallet.Handle {
	if s == nil {
		return nil
	}
	return s.handle
}

// Active reports whether the session can still authorize work at now.
func (s *Session) Active(now time.Time) bool {
	if s == nil || s.revoked.Load() {
		return false
	}
	return now.Before(s.ExpiresAt)
}

// Revoked reports whether the session was explicitly invalidated.
func (s *Session) Revoked() bool {
	return s != nil && s.revoked.Load()
}

// Require returns ErrUnauthenticated unless s is active at now.
func Require(s *Session, now time.Time) error {
	if s == nil {
		return ErrUnauthenticated
	}
	if s.revoked.Load() {
		return xerrors.New(CodeUnauthenticated, "session invalidated")
	}
	if !now.Before(s.ExpiresAt) {
		return xerrors.New(CodeUnauthenticated, "session expired",
			xerrors.WithMetadata("expired_at", s.ExpiresAt.UTC().Format(time.RFC3339)))
	}
	return nil
}

// Challenge renders the human readable message signed to open a session.
func Challenge(addr common.Address, at time.Time) []byte {
	return []byte(fmt.Sprintf("TrustNet Authentication\nAddress: %s\nTimestamp: %d", addr.Hex(), at.UnixMilli()))
}
