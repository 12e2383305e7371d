package core

import (
	"context"
)

type ContextKey string

const SessionContextKey ContextKey = "session"

// ContextSession is the authenticated caller. UserID is the opaque
// identifier issued by the identity provider.
type ContextSession struct {
	UserID string
}

func WithSession(ctx context.Context, session ContextSession) context.Context {
	return context.WithValue(ctx, SessionContextKey, session)
}

func Session(ctx context.Context) ContextSession {
	session, ok := ctx.Value(SessionContextKey).(ContextSession)
	if !ok {
		return ContextSession{}
	}

	return session
}
