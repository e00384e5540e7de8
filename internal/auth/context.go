package auth

import (
	"context"

	"TrustNet-Chain/internal/session"
)

type subjectKey struct{}

type sessionKey struct{}

// WithSubject 将经过身份验证的主体及其会话存储到上下文中。
func WithSubject(ctx context.Context, subject *Subject, sess *session.Session) context.Context {
	if subject == nil {
		return ctx
	}
	ctx = context.WithValue(ctx, subjectKey{}, subject)
	if sess != nil {
		ctx = context.WithValue(ctx, sessionKey{}, sess)
	}
	return ctx
}

// SubjectFromContext 从上下文中提取经过身份验证的主体信息。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// SessionFromContext 返回通过认证的请求所绑定的会话。
func SessionFromContext(ctx context.Context) *session.Session {
	if ctx == nil {
		return nil
	}
	sess, _ := ctx.Value(sessionKey{}).(*session.Session)
	return sess
}
