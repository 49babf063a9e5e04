// Package provider talks to the realtime session provider's HTTP API.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"audiorelay/internal/cid"
)

// ErrNoSessionID is returned when the provider answers 2xx without an id.
var ErrNoSessionID = errors.New("provider response has no session id")

// SessionRequest is the body of a session creation call.
type SessionRequest struct {
	Model        string `json:"model"`
	Voice        string `json:"voice"`
	Instructions string `json:"instructions"`
}

// Session is the subset of the provider response the relay uses.
type Session struct {
	ID string `json:"id"`
}

// APIError is a non-2xx provider response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("provider returned %d: %s", e.Status, body)
}

// Retryable reports whether repeating the request could succeed. Client
// errors are final except request timeout and rate limiting.
func (e *APIError) Retryable() bool {
	if e.Status >= 400 && e.Status < 500 {
		return e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests
	}
	return true
}

// IsPermanent reports whether err should stop a retry loop.
func IsPermanent(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Retryable()
	}
	return errors.Is(err, ErrNoSessionID)
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	RealtimeURL string
	APIKey      string
	Timeout     time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client creates sessions and builds the realtime socket address.
type Client struct {
	rest        *resty.Client
	realtimeURL string
}

func New(opts Options) *Client {
	var rc *resty.Client
	if opts.HTTPClient != nil {
		rc = resty.NewWithClient(opts.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if opts.Timeout > 0 {
		rc.SetTimeout(opts.Timeout)
	}
	if opts.APIKey != "" {
		rc.SetAuthToken(opts.APIKey)
	}
	return &Client{rest: rc, realtimeURL: opts.RealtimeURL}
}

// CreateSession requests a new realtime session.
func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	hdr := http.Header{}
	cid.AddHeader(hdr, ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(hdr))

	var out Session
	r := c.rest.R().SetContext(ctx).SetBody(req).SetResult(&out)
	for k := range hdr {
		r.SetHeader(k, hdr.Get(k))
	}
	resp, err := r.Post("/realtime/sessions")
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if resp.IsError() {
		return nil, &APIError{Status: resp.StatusCode(), Body: resp.String()}
	}
	if out.ID == "" {
		return nil, ErrNoSessionID
	}
	return &out, nil
}

// RealtimeURL returns the socket address for sessionID. The provider uses
// the session id as the access token.
func (c *Client) RealtimeURL(sessionID string) (string, error) {
	u, err := url.Parse(c.realtimeURL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	q.Set("access_token", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
