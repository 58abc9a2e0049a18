// Package botapi is the HTTP surface the chat bot uses: subscription
// management, instance provisioning, and proxied calls to remote add-ons.
//
// Every route requires the static bot bearer token.
package botapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/addonrelay/notification"
	"github.com/ggoodman/addonrelay/rpc"
)

var _ http.Handler = (*Handler)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

const maxBody = 1 << 20

// Caller is the part of the RPC client the API proxies to.
type Caller interface {
	Call(ctx context.Context, instanceID, method, url string, body any, timeout time.Duration) (json.RawMessage, error)
}

type Handler struct {
	mux   *http.ServeMux
	token []byte
	subs  *notification.Service
	regs  notification.RegistrationStore
	rpc   Caller
	log   *slog.Logger
}

type Option func(*Handler)

func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

func New(token string, subs *notification.Service, regs notification.RegistrationStore, caller Caller, opts ...Option) *Handler {
	h := &Handler{token: []byte(token), subs: subs, regs: regs, rpc: caller, log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /bot/subscriptions", h.handleListSubscriptions)
	mux.HandleFunc("POST /bot/subscriptions", h.handleCreateSubscription)
	mux.HandleFunc("PUT /bot/subscriptions/{id}", h.handleUpdateSubscription)
	mux.HandleFunc("DELETE /bot/subscriptions/{id}", h.handleDeleteSubscription)
	mux.HandleFunc("PUT /bot/instances/{instanceId}/registration", h.handleSaveRegistration)
	mux.HandleFunc("POST /bot/instances/{instanceId}/call", h.handleCall)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || len(h.token) == 0 || subtle.ConstantTimeCompare([]byte(tok), h.token) != 1 {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, http.StatusUnauthorized, "invalid bot token")
		return
	}
	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			return
		}
	}
	h.mux.ServeHTTP(w, r)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
}

// writeSubscriptionError maps lifecycle errors to responses.
func (h *Handler) writeSubscriptionError(ctx context.Context, w http.ResponseWriter, err error) {
	var cfgErr *notification.ConfigurationError
	switch {
	case errors.Is(err, notification.ErrInvalidSubscription):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, notification.ErrImmutableField):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, notification.ErrNotFound):
		writeError(w, http.StatusNotFound, "subscription not found")
	case errors.As(err, &cfgErr):
		// Same mapping as proxied calls.
		h.writeCallError(ctx, w, cfgErr.Err)
	default:
		h.log.ErrorContext(ctx, "botapi.subscription.err", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "subscription change failed")
	}
}

func (h *Handler) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("microsoftUserId")
	if user == "" {
		writeError(w, http.StatusBadRequest, "microsoftUserId is required")
		return
	}
	subs, err := h.subs.ListForUser(r.Context(), user)
	if err != nil {
		h.writeSubscriptionError(r.Context(), w, err)
		return
	}
	if subs == nil {
		subs = []notification.Subscription{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (h *Handler) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var sub notification.Subscription
	if err := decode(r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sub.ID = ""
	created, err := h.subs.CreateSubscription(r.Context(), sub)
	if err != nil {
		h.writeSubscriptionError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	var sub notification.Subscription
	if err := decode(r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sub.ID = r.PathValue("id")
	updated, err := h.subs.UpdateSubscription(r.Context(), sub)
	if err != nil {
		h.writeSubscriptionError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := h.subs.DeleteSubscription(r.Context(), r.PathValue("id")); err != nil {
		h.writeSubscriptionError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registrationRequest struct {
	InstanceURL  string `json:"instanceUrl"`
	Version      string `json:"version"`
	SharedSecret []byte `json:"sharedSecret"` // base64
}

func (h *Handler) handleSaveRegistration(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	reg := notification.Registration{
		InstanceID:   r.PathValue("instanceId"),
		InstanceURL:  req.InstanceURL,
		Version:      req.Version,
		SharedSecret: req.SharedSecret,
	}
	if err := reg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "instance id and shared secret are required")
		return
	}
	if err := h.regs.SaveRegistration(r.Context(), reg); err != nil {
		h.log.ErrorContext(r.Context(), "botapi.registration.err", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "save registration failed")
		return
	}
	h.log.InfoContext(r.Context(), "botapi.registration.saved", slog.String("instance_id", reg.InstanceID))
	w.WriteHeader(http.StatusNoContent)
}

type callRequest struct {
	Method      string          `json:"method"`
	URL         string          `json:"url"`
	Body        json.RawMessage `json:"body,omitempty"`
	UserID      string          `json:"userId"`
	AccessToken string          `json:"accessToken"`
	TimeoutMS   int             `json:"timeoutMs"`
}

func (h *Handler) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := decode(r, &req); err != nil || req.Method == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "method and url are required")
		return
	}
	ctx := rpc.WithCaller(r.Context(), rpc.Caller{UserID: req.UserID, AccessToken: req.AccessToken})
	var body any
	if len(req.Body) > 0 {
		body = req.Body
	}
	payload, err := h.rpc.Call(ctx, r.PathValue("instanceId"), req.Method, req.URL, body, time.Duration(req.TimeoutMS)*time.Millisecond)
	if err != nil {
		h.writeCallError(ctx, w, err)
		return
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, map[string]any{"payload": payload})
}

// writeCallError maps the rpc error taxonomy to responses. Remote messages
// pass through verbatim; infrastructure details do not.
func (h *Handler) writeCallError(ctx context.Context, w http.ResponseWriter, err error) {
	var remote *rpc.RemoteError
	var infra *rpc.InfrastructureError
	switch {
	case errors.Is(err, rpc.ErrAuthInvalidated):
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": http.StatusUnauthorized, "message": "reauthorize", "reason": "auth_invalidated"}})
	case errors.Is(err, rpc.ErrConsentRevoked):
		writeJSON(w, http.StatusForbidden, map[string]any{"error": map[string]any{"code": http.StatusForbidden, "message": "reauthorize", "reason": "consent_revoked"}})
	case errors.As(err, &remote):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": map[string]any{"code": remote.StatusCode, "message": remote.Message}})
	case errors.As(err, &infra):
		status := http.StatusBadGateway
		if infra.Reason == rpc.ReasonTimeout {
			status = http.StatusGatewayTimeout
		}
		h.log.WarnContext(ctx, "botapi.call.infra", slog.String("reason", infra.Reason), slog.String("err", infra.Error()))
		writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": "instance unavailable", "reason": infra.Reason}})
	default:
		h.log.ErrorContext(ctx, "botapi.call.err", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "call failed")
	}
}
