package gateway

import (
	"bytes"
	"encoding/json"
)

// Frame types exchanged with add-ons over a persistent connection.
const (
	FrameRequest  = "request"
	FrameCallback = "callback"
	FramePing     = "ping"
)

// RequestEnvelope is the request sent to a remote add-on. It is immutable once
// sent; SendAndAwait assigns CorrelationID and TargetInstanceID.
type RequestEnvelope struct {
	CorrelationID    string          `json:"correlationId"`
	TargetInstanceID string          `json:"targetInstanceId"`
	CallerID         string          `json:"callerId,omitempty"`
	Method           string          `json:"method"`
	URL              string          `json:"url"`
	Body             json.RawMessage `json:"body,omitempty"`
	AccessToken      string          `json:"accessToken,omitempty"`
}

// ResponseEnvelope is what an add-on sends back. StatusCode 200 is success.
type ResponseEnvelope struct {
	CorrelationID string          `json:"correlationId,omitempty"`
	StatusCode    int             `json:"statusCode"`
	Message       string          `json:"message,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Frame is a single JSON text message on the add-on connection.
type Frame struct {
	Type          string           `json:"type"`
	Envelope      *RequestEnvelope `json:"envelope,omitempty"`
	CorrelationID string           `json:"correlationId,omitempty"`
	Message       json.RawMessage  `json:"message,omitempty"`
}

// CallbackMessage returns the raw response carried by a callback. Add-ons send
// the response either as a JSON object or as a string holding serialized JSON;
// both normalize to the serialized bytes.
func CallbackMessage(raw json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return []byte(s)
		}
	}
	return append([]byte(nil), trimmed...)
}
