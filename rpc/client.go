// Package rpc turns remote add-on calls into typed Go results.
//
// Client.Call wraps a request in an envelope, sends it through the gateway and
// classifies the outcome:
//
//	statusCode 200                 -> payload
//	message "invalid token"        -> ErrAuthInvalidated
//	message "consent revoked"      -> ErrConsentRevoked
//	any other status               -> *RemoteError
//	gateway timeout / unreachable  -> *InfrastructureError
//
// The client performs no retries and no caching.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/addonrelay/gateway"
)

// Sender is the part of the gateway the client depends on.
type Sender interface {
	SendAndAwait(ctx context.Context, instanceID string, env gateway.RequestEnvelope, timeout time.Duration) ([]byte, error)
}

// Caller identifies the user on whose behalf a call is made.
type Caller struct {
	UserID      string
	AccessToken string
}

type callerKey struct{}

// WithCaller attaches the caller's auth context to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached by WithCaller.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

type Client struct {
	sender         Sender
	log            *slog.Logger
	defaultTimeout time.Duration
}

type Option func(*Client)

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithDefaultTimeout is used by calls that pass no timeout and by Command.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

func NewClient(sender Sender, opts ...Option) *Client {
	c := &Client{sender: sender, log: slog.Default(), defaultTimeout: gateway.DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call invokes method on url at the remote instance and returns the response
// payload. body may be nil, a json.RawMessage, or any JSON-marshalable value.
func (c *Client) Call(ctx context.Context, instanceID, method, url string, body any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	env := gateway.RequestEnvelope{Method: method, URL: url}
	if caller, ok := CallerFrom(ctx); ok {
		env.CallerID = caller.UserID
		env.AccessToken = caller.AccessToken
	}
	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		env.Body = b
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, &InfrastructureError{Reason: ReasonEncode, Err: err}
		}
		env.Body = raw
	}

	raw, err := c.sender.SendAndAwait(ctx, instanceID, env, timeout)
	if err != nil {
		reason := ReasonUnreachable
		if errors.Is(err, gateway.ErrTimeout) {
			reason = ReasonTimeout
		}
		c.log.WarnContext(ctx, "rpc.call.err",
			slog.String("instance_id", instanceID),
			slog.String("method", method),
			slog.String("url", url),
			slog.String("reason", reason),
			slog.String("err", err.Error()),
		)
		return nil, &InfrastructureError{Reason: reason, Err: err}
	}

	var resp gateway.ResponseEnvelope
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &InfrastructureError{Reason: ReasonMalformedResponse, Err: err}
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Payload, nil
	}
	return nil, classify(resp)
}

func classify(resp gateway.ResponseEnvelope) error {
	switch strings.ToLower(strings.TrimSpace(resp.Message)) {
	case msgInvalidToken:
		return ErrAuthInvalidated
	case msgConsentRevoked:
		return ErrConsentRevoked
	}
	return &RemoteError{StatusCode: resp.StatusCode, Message: resp.Message}
}

// Command issues one of the fixed notification commands. Any error is returned
// unchanged.
func (c *Client) Command(ctx context.Context, instanceID string, cmd Command) error {
	r, ok := cmd.route()
	if !ok {
		return fmt.Errorf("rpc: unknown command %d", int(cmd))
	}
	_, err := c.Call(ctx, instanceID, r.method, r.url, map[string]string{"command": r.name}, c.defaultTimeout)
	return err
}
