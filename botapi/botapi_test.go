package botapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/addonrelay/gateway"
	"github.com/ggoodman/addonrelay/notification"
	"github.com/ggoodman/addonrelay/rpc"
	"github.com/ggoodman/addonrelay/store/memstore"
)

const botToken = "bot-token"

type fakeCaller struct {
	lastCaller rpc.Caller
	lastURL    string
	err        error
}

func (c *fakeCaller) Call(ctx context.Context, instanceID, method, url string, body any, timeout time.Duration) (json.RawMessage, error) {
	c.lastCaller, _ = rpc.CallerFrom(ctx)
	c.lastURL = url
	if c.err != nil {
		return nil, c.err
	}
	return json.RawMessage(`{"key":"ABC-1"}`), nil
}

// Command routes notification toggles through the same fake.
func (c *fakeCaller) Command(ctx context.Context, instanceID string, cmd rpc.Command) error {
	return c.err
}

func newServer(t *testing.T, caller *fakeCaller) *httptest.Server {
	t.Helper()
	st := memstore.New()
	svc := notification.NewService(st, caller)
	srv := httptest.NewServer(New(botToken, svc, st, caller))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, string) {
	t.Helper()
	req, _ := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+botToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestRejectsWrongToken(t *testing.T) {
	srv := newServer(t, &fakeCaller{})
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/bot/subscriptions?microsoftUserId=u1", nil)
	req.Header.Set("Authorization", "Bearer nope")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	srv := newServer(t, &fakeCaller{})

	status, body := do(t, srv, http.MethodPost, "/bot/subscriptions", `{
		"instanceId":"I1","subscriptionType":"Personal","microsoftUserId":"u1",
		"eventTypes":["IssueViewer"],"isActive":true,"conversationReference":"ref"}`)
	if status != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", status, body)
	}
	var created notification.Subscription
	if err := json.Unmarshal([]byte(body), &created); err != nil || created.ID == "" {
		t.Fatalf("unexpected create body %s (err=%v)", body, err)
	}

	status, body = do(t, srv, http.MethodGet, "/bot/subscriptions?microsoftUserId=U1", "")
	if status != http.StatusOK || !strings.Contains(body, created.ID) {
		t.Fatalf("list status = %d body=%s", status, body)
	}

	status, body = do(t, srv, http.MethodPut, "/bot/subscriptions/"+created.ID, `{
		"instanceId":"I1","subscriptionType":"Personal","microsoftUserId":"u1",
		"eventTypes":[],"isActive":true,"conversationReference":"ref"}`)
	if status != http.StatusOK || !strings.Contains(body, `"isActive":false`) {
		t.Fatalf("update status = %d body=%s", status, body)
	}

	if status, _ = do(t, srv, http.MethodDelete, "/bot/subscriptions/"+created.ID, ""); status != http.StatusNoContent {
		t.Fatalf("delete status = %d", status)
	}
	if status, _ = do(t, srv, http.MethodPut, "/bot/subscriptions/"+created.ID, `{"instanceId":"I1","subscriptionType":"Personal","microsoftUserId":"u1","conversationReference":"ref"}`); status != http.StatusNotFound {
		t.Fatalf("update of deleted subscription status = %d", status)
	}

	if status, _ = do(t, srv, http.MethodPost, "/bot/subscriptions", `{"subscriptionType":"Personal"}`); status != http.StatusBadRequest {
		t.Fatalf("invalid create status = %d", status)
	}
}

func TestCreateRefusedByInstance(t *testing.T) {
	srv := newServer(t, &fakeCaller{err: rpc.ErrConsentRevoked})
	status, body := do(t, srv, http.MethodPost, "/bot/subscriptions", `{
		"instanceId":"I1","subscriptionType":"Personal","microsoftUserId":"u1",
		"eventTypes":["IssueViewer"],"isActive":true,"conversationReference":"ref"}`)
	if status != http.StatusForbidden || !strings.Contains(body, "consent_revoked") {
		t.Fatalf("status = %d body=%s", status, body)
	}
}

func TestCallErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"auth invalidated", rpc.ErrAuthInvalidated, http.StatusUnauthorized},
		{"consent revoked", rpc.ErrConsentRevoked, http.StatusForbidden},
		{"remote", &rpc.RemoteError{StatusCode: 404, Message: "Issue does not exist"}, http.StatusUnprocessableEntity},
		{"timeout", &rpc.InfrastructureError{Reason: rpc.ReasonTimeout, Err: gateway.ErrTimeout}, http.StatusGatewayTimeout},
		{"unreachable", &rpc.InfrastructureError{Reason: rpc.ReasonUnreachable, Err: gateway.ErrUnreachable}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := &fakeCaller{err: tt.err}
			srv := newServer(t, caller)
			status, body := do(t, srv, http.MethodPost, "/bot/instances/I1/call",
				`{"method":"GET","url":"/rest/api/2/issue/ABC-1","userId":"u1","accessToken":"tok"}`)
			if status != tt.want {
				t.Fatalf("status = %d, want %d (body=%s)", status, tt.want, body)
			}
			if caller.lastCaller.UserID != "u1" || caller.lastCaller.AccessToken != "tok" {
				t.Fatalf("caller not propagated: %+v", caller.lastCaller)
			}
			if tt.name == "remote" && !strings.Contains(body, "Issue does not exist") {
				t.Fatalf("remote message must pass through verbatim: %s", body)
			}
			if tt.name == "ok" && !strings.Contains(body, `"key":"ABC-1"`) {
				t.Fatalf("payload missing: %s", body)
			}
		})
	}
}

func TestSaveRegistration(t *testing.T) {
	st := memstore.New()
	caller := &fakeCaller{}
	srv := httptest.NewServer(New(botToken, notification.NewService(st, caller), st, caller))
	defer srv.Close()

	// "c2VjcmV0" is base64 for "secret".
	status, _ := do(t, srv, http.MethodPut, "/bot/instances/I9/registration", `{"instanceUrl":"https://jira.example.com","sharedSecret":"c2VjcmV0"}`)
	if status != http.StatusNoContent {
		t.Fatalf("status = %d", status)
	}
	reg, err := st.GetRegistration(context.Background(), "I9")
	if err != nil || string(reg.SharedSecret) != "secret" {
		t.Fatalf("unexpected registration %+v (err=%v)", reg, err)
	}
	if status, _ = do(t, srv, http.MethodPut, "/bot/instances/I9/registration", `{"instanceUrl":"https://jira.example.com"}`); status != http.StatusBadRequest {
		t.Fatalf("missing secret status = %d", status)
	}
}
