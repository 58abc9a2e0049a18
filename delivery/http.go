package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ggoodman/addonrelay/notification"
)

var ErrEndpointRequired = errors.New("delivery: endpoint url is required")

// HTTPDeliverer posts rendered cards to the bot's proactive messaging
// endpoint.
type HTTPDeliverer struct {
	endpoint string
	client   *http.Client
	token    string
}

type Option func(*HTTPDeliverer)

func WithHTTPClient(c *http.Client) Option {
	return func(d *HTTPDeliverer) {
		if c != nil {
			d.client = c
		}
	}
}

// WithBearerToken authenticates deliveries to the bot endpoint.
func WithBearerToken(token string) Option {
	return func(d *HTTPDeliverer) { d.token = token }
}

func NewHTTPDeliverer(endpoint string, opts ...Option) (*HTTPDeliverer, error) {
	if endpoint == "" {
		return nil, ErrEndpointRequired
	}
	d := &HTTPDeliverer{endpoint: endpoint, client: &http.Client{Timeout: 15 * time.Second}}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

var _ notification.Deliverer = (*HTTPDeliverer)(nil)

type deliveryRequest struct {
	ConversationReference string          `json:"conversationReference"`
	Card                  json.RawMessage `json:"card"`
}

// Deliver posts content to the conversation. Any non-2xx response is an
// error.
func (d *HTTPDeliverer) Deliver(ctx context.Context, content []byte, conversationReference string) error {
	body, err := json.Marshal(deliveryRequest{ConversationReference: conversationReference, Card: content})
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post delivery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("post delivery: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
}
