package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the instance, rpc, event and subscription
// groups attached to the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(instanceDataKey{}).(*InstanceData); ok {
		r.AddAttrs(slog.Group("instance",
			slog.String("id", id.InstanceID),
			slog.String("conn_id", id.ConnID),
		))
	}

	if rd, ok := ctx.Value(rpcDataKey{}).(*RPCData); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("correlation_id", rd.CorrelationID),
			slog.String("method", rd.Method),
			slog.String("url", rd.URL),
		))
	}

	if ed, ok := ctx.Value(eventDataKey{}).(*EventData); ok {
		r.AddAttrs(slog.Group("event",
			slog.String("instance_id", ed.InstanceID),
			slog.String("type", ed.Type),
			slog.String("issue_key", ed.IssueKey),
		))
	}

	if sd, ok := ctx.Value(subscriptionDataKey{}).(*SubscriptionData); ok {
		r.AddAttrs(slog.Group("sub",
			slog.String("id", sd.SubscriptionID),
			slog.String("type", sd.Type),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type instanceDataKey struct{}

type InstanceData struct {
	InstanceID string
	ConnID     string
}

func WithInstanceData(ctx context.Context, data *InstanceData) context.Context {
	return context.WithValue(ctx, instanceDataKey{}, data)
}

type rpcDataKey struct{}

type RPCData struct {
	CorrelationID string
	Method        string
	URL           string
}

func WithRPCData(ctx context.Context, data *RPCData) context.Context {
	return context.WithValue(ctx, rpcDataKey{}, data)
}

type eventDataKey struct{}

type EventData struct {
	InstanceID string
	Type       string
	IssueKey   string
}

func WithEventData(ctx context.Context, data *EventData) context.Context {
	return context.WithValue(ctx, eventDataKey{}, data)
}

type subscriptionDataKey struct{}

type SubscriptionData struct {
	SubscriptionID string
	Type           string
}

func WithSubscriptionData(ctx context.Context, data *SubscriptionData) context.Context {
	return context.WithValue(ctx, subscriptionDataKey{}, data)
}
