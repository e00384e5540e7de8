package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"TrustNet-Chain/internal/session"
	"TrustNet-Chain/pkg/logger"
)

// SessionSource 返回当前有效会话，由 session.Authenticator 实现。
type SessionSource interface {
	Current() *session.Session
}

// Service 负责签发与校验绑定到钱包会话的访问令牌。
type Service struct {
	secret   []byte
	issuer   string
	sessions SessionSource
	now      func() time.Time
	audit    *slog.Logger
}

// Option 定义可选配置。
type Option func(*Service)

// WithClock 覆盖时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config, sessions SessionSource, opts ...Option) (*Service, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("jwt secret must be configured")
	}
	if sessions == nil {
		return nil, errors.New("session source must be configured")
	}
	svc := &Service{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		sessions: sessions,
		now:      time.Now,
		audit:    logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc, nil
}

// Issue 为会话签发访问令牌，令牌与会话同时过期。
func (s *Service) Issue(sess *session.Session) (string, error) {
	if err := session.Require(sess, s.now()); err != nil {
		return "", err
	}
	chainID := ""
	if sess.ChainID != nil {
		chainID = sess.ChainID.String()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ChainID:         chainID,
		SessionIssuedAt: sess.IssuedAt.UnixMilli(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.Address.Hex(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify 校验令牌签名与有效期。
func (s *Service) Verify(raw string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || !common.IsHexAddress(claims.Subject) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// AuthenticateRequest 校验授权头，并要求令牌属于当前有效会话。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, *session.Session, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, nil, ErrMissingToken
	}
	raw := strings.TrimSpace(parts[1])
	if raw == "" {
		return nil, nil, ErrMissingToken
	}
	claims, err := s.Verify(raw)
	if err != nil {
		return nil, nil, err
	}
	current := s.sessions.Current()
	if current == nil {
		return nil, nil, ErrNoSession
	}
	if common.HexToAddress(claims.Subject) != current.Address || claims.SessionIssuedAt != current.IssuedAt.UnixMilli() {
		return nil, nil, ErrSessionMismatch
	}
	subject := &Subject{
		Address: current.Address,
		ChainID: claims.ChainID,
		TokenID: claims.ID,
	}
	if claims.ExpiresAt != nil {
		subject.ExpiresAt = claims.ExpiresAt.Time
	}
	return subject, current, nil
}
