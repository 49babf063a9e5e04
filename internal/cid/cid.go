// Package cid carries the request correlation id between the HTTP layer,
// the relay and outbound provider calls.
package cid

import (
	"context"
	"net/http"

	"github.com/segmentio/ksuid"
)

type contextKey struct{}

// HeaderName is the HTTP header used to propagate the correlation id.
// Incoming requests that already carry it keep their value.
const HeaderName = "X-Relay-CID"

// AttributeName is the span attribute key for the correlation id.
const AttributeName = "relay.cid"

// New returns a fresh correlation id.
func New() string { return ksuid.New().String() }

// WithCID returns a copy of ctx carrying id.
func WithCID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext extracts the correlation id, or "".
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(contextKey{}).(string); ok {
		return v
	}
	return ""
}

// Ensure returns ctx with a correlation id, generating one when missing.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := New()
	return WithCID(ctx, id), id
}

// AddHeader sets the correlation header on h when ctx carries an id.
func AddHeader(h http.Header, ctx context.Context) {
	if h == nil {
		return
	}
	if id := FromContext(ctx); id != "" {
		h.Set(HeaderName, id)
	}
}
