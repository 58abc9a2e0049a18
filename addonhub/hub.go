// Package addonhub is the HTTP surface add-ons talk to: a WebSocket endpoint
// that carries the persistent connection, an HTTP callback fallback, and the
// notification push endpoint.
package addonhub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/addonrelay/gateway"
	"github.com/ggoodman/addonrelay/internal/logctx"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

var _ http.Handler = (*Hub)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
	instanceURLHeader     = "X-Instance-Url"
	addonVersionHeader    = "X-Addon-Version"

	defaultReadLimit    = 4 << 20
	defaultWriteTimeout = 10 * time.Second
	maxNotificationBody = 1 << 20
)

// Verifier authenticates an add-on bearer token and returns its instance id.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// EventSink accepts raw notification events for asynchronous processing.
type EventSink interface {
	Push(ctx context.Context, raw []byte)
}

type Hub struct {
	mux          *http.ServeMux
	gw           *gateway.Gateway
	auth         Verifier
	events       EventSink
	log          *slog.Logger
	readLimit    int64
	writeTimeout time.Duration
}

type Option func(*Hub)

func WithLogger(log *slog.Logger) Option {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

// WithReadLimit caps the size of a single frame read from an add-on.
func WithReadLimit(n int64) Option {
	return func(h *Hub) {
		if n > 0 {
			h.readLimit = n
		}
	}
}

// WithWriteTimeout bounds writing one frame to an add-on.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

func New(gw *gateway.Gateway, verifier Verifier, events EventSink, opts ...Option) *Hub {
	h := &Hub{
		gw:           gw,
		auth:         verifier,
		events:       events,
		log:          slog.Default(),
		readLimit:    defaultReadLimit,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /addon/connect", h.handleConnect)
	mux.HandleFunc("POST /addon/callback", h.handleCallback)
	mux.HandleFunc("POST /addon/notifications", h.handleNotifications)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux = mux
	return h
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// authenticate returns the instance id of the caller, or "" after writing a
// 401 response.
func (h *Hub) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) string {
	authz := r.Header.Get(authorizationHeader)
	tok, ok := strings.CutPrefix(authz, "Bearer ")
	if !ok || strings.TrimSpace(tok) == "" {
		w.Header().Set(wwwAuthenticateHeader, `Bearer error="invalid_request", error_description="missing bearer token"`)
		writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
		h.log.InfoContext(ctx, "auth.missing")
		return ""
	}
	instanceID, err := h.auth.Verify(ctx, strings.TrimSpace(tok))
	if err != nil {
		w.Header().Set(wwwAuthenticateHeader, `Bearer error="invalid_token"`)
		writeJSONError(w, http.StatusUnauthorized, "invalid token")
		h.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
		return ""
	}
	return instanceID
}

func (h *Hub) requireJSON(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return false
	}
	return true
}

// handleConnect upgrades an authenticated add-on to a persistent connection
// and serves it until it drops.
func (h *Hub) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instanceID := h.authenticate(ctx, w, r)
	if instanceID == "" {
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.WarnContext(ctx, "addon.connect.upgrade.err", slog.String("err", err.Error()))
		return
	}
	ws.SetReadLimit(h.readLimit)

	conn := &wsConn{id: uuid.NewString(), ws: ws, writeTimeout: h.writeTimeout}
	ctx = logctx.WithInstanceData(ctx, &logctx.InstanceData{InstanceID: instanceID, ConnID: conn.id})

	h.gw.OnConnect(ctx, conn, instanceID, r.Header.Get(instanceURLHeader), r.Header.Get(addonVersionHeader))
	defer h.gw.OnDisconnect(context.WithoutCancel(ctx), conn.id)

	h.readLoop(ctx, conn)
	_ = ws.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) readLoop(ctx context.Context, conn *wsConn) {
	for {
		typ, data, err := conn.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				h.log.InfoContext(ctx, "addon.connection.closed", slog.Int("status", int(status)))
			} else if !errors.Is(err, context.Canceled) {
				h.log.WarnContext(ctx, "addon.connection.read.err", slog.String("err", err.Error()))
			}
			return
		}
		if typ != websocket.MessageText {
			h.log.WarnContext(ctx, "addon.frame.binary_ignored")
			continue
		}

		var f gateway.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.log.WarnContext(ctx, "addon.frame.invalid", slog.String("err", err.Error()))
			continue
		}
		h.gw.Touch(conn.id)

		switch f.Type {
		case gateway.FrameCallback:
			h.gw.Callback(ctx, f.CorrelationID, gateway.CallbackMessage(f.Message))
		case gateway.FramePing:
		default:
			h.log.WarnContext(ctx, "addon.frame.unknown", slog.String("type", f.Type))
		}
	}
}

type callbackRequest struct {
	CorrelationID string          `json:"correlationId"`
	Message       json.RawMessage `json:"message"`
}

// handleCallback accepts a response over plain HTTP for add-ons that cannot
// answer on their connection. Unknown and late responses are accepted and
// discarded.
func (h *Hub) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.requireJSON(ctx, w, r) {
		return
	}
	instanceID := h.authenticate(ctx, w, r)
	if instanceID == "" {
		return
	}
	ctx = logctx.WithInstanceData(ctx, &logctx.InstanceData{InstanceID: instanceID})

	var req callbackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, h.readLimit)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	h.gw.Callback(ctx, req.CorrelationID, gateway.CallbackMessage(req.Message))
	w.WriteHeader(http.StatusAccepted)
}

// handleNotifications queues an event reported by the add-on. The event must
// belong to the authenticated instance.
func (h *Hub) handleNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.requireJSON(ctx, w, r) {
		return
	}
	instanceID := h.authenticate(ctx, w, r)
	if instanceID == "" {
		return
	}
	ctx = logctx.WithInstanceData(ctx, &logctx.InstanceData{InstanceID: instanceID})

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBody+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(raw) > maxNotificationBody {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "event too large")
		return
	}
	var head struct {
		InstanceID string `json:"instanceId"`
	}
	if err := json.Unmarshal(raw, &head); err != nil || head.InstanceID == "" {
		writeJSONError(w, http.StatusBadRequest, "event must be a JSON object with an instanceId")
		return
	}
	if head.InstanceID != instanceID {
		writeJSONError(w, http.StatusForbidden, "event belongs to another instance")
		h.log.WarnContext(ctx, "addon.notification.instance_mismatch", slog.String("event_instance_id", head.InstanceID))
		return
	}

	h.events.Push(context.WithoutCancel(ctx), raw)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "connections": len(h.gw.Connections())})
}
