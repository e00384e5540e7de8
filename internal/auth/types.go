package auth

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken    = errors.New("missing bearer token")
	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenExpired    = errors.New("token has expired")
	ErrNoSession       = errors.New("no active session")
	ErrSessionMismatch = errors.New("token does not belong to the active session")
)

// Claims are embedded in API bearer tokens. The registered subject is the
// session address; SessionIssuedAt pins the token to one session.
type Claims struct {
	ChainID         string `json:"chain_id"`
	SessionIssuedAt int64  `json:"session_iat"`
	jwt.RegisteredClaims
}

// Subject is the authenticated caller handed to request handlers.
type Subject struct {
	Address   common.Address
	ChainID   string
	TokenID   string
	ExpiresAt time.Time
}

// Config configures token issuance.
type Config struct {
	Secret string
	Issuer string
}
