// Package provider defines the uniform capability surface over remote task
// providers plus the error taxonomy the reconciler dispatches on.
//
// Exactly two implementations exist: the document-database provider
// (provider/docstore) and the Microsoft Graph To Do provider
// (provider/graphtasks). The interface is deliberately narrow; no deeper
// hierarchy is warranted until a third provider shows up.
package provider

import (
	"context"

	"github.com/tododesk/syncd/internal/task"
)

// Client is the uniform capability set over one remote provider.
type Client interface {
	// Provider identifies which remote system this client talks to.
	Provider() task.Provider

	// FetchDelta returns changes since the given cursor plus the new
	// cursor. Re-invoking with the same cursor must not lose or
	// duplicate changes: implementations that cannot guarantee this
	// buffer and deduplicate by (remote id, remote version) before
	// returning. An empty cursor means "from the beginning".
	FetchDelta(ctx context.Context, cursor string) ([]task.RemoteChange, string, error)

	// Push applies one write. Pushes are idempotent given the same
	// payload and idempotency key: a retry after an ambiguous timeout
	// must not create a duplicate remote task.
	Push(ctx context.Context, op task.PushOp) (task.RemoteResult, error)

	// HealthCheck reports whether the provider is currently reachable.
	HealthCheck(ctx context.Context) bool
}

// TokenSource supplies valid bearer credentials on demand. Token
// acquisition and refresh flows live outside the sync core; the core never
// persists raw credentials.
type TokenSource interface {
	// Token returns a currently valid bearer token.
	Token(ctx context.Context) (string, error)

	// Refresh forces a new token after the provider rejected the
	// current one. Clients call this at most once per request before
	// giving up.
	Refresh(ctx context.Context) (string, error)
}
