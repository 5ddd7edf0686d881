// Package cid carries request correlation ids. The server echoes an incoming
// id or mints one, and the client sends its own on the websocket upgrade, so
// one id shows up in the logs and spans of both ends.
package cid

import (
	"context"
	"net/http"

	"github.com/segmentio/ksuid"
)

const (
	HeaderName    = "X-Walkie-CID"
	AttributeName = "walkie.cid"
)

type ctxKey struct{}

// New returns a fresh KSUID.
func New() string {
	return ksuid.New().String()
}

// OrNew keeps id when set.
func OrNew(id string) string {
	if id != "" {
		return id
	}
	return New()
}

func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// From returns the id stored by With, or "".
func From(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// SetHeader copies the id of ctx into h. Nothing is set without one.
func SetHeader(h http.Header, ctx context.Context) {
	if h == nil {
		return
	}
	if id := From(ctx); id != "" {
		h.Set(HeaderName, id)
	}
}
