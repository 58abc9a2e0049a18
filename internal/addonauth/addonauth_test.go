package addonauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errUnknown = errors.New("unknown instance")

func secrets(m map[string]string) SecretFunc {
	return func(ctx context.Context, instanceID string) ([]byte, error) {
		s, ok := m[instanceID]
		if !ok {
			return nil, errUnknown
		}
		return []byte(s), nil
	}
}

func TestVerify(t *testing.T) {
	v, err := NewVerifier(secrets(map[string]string{"I1": "s3cret", "I2": "other"}), Config{})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	good, _ := Issue("I1", []byte("s3cret"), time.Minute)
	wrongSecret, _ := Issue("I1", []byte("other"), time.Minute)
	unknown, _ := Issue("I9", []byte("s3cret"), time.Minute)
	expired, _ := Issue("I1", []byte("s3cret"), -5*time.Minute)
	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Issuer: "I1"}).SignedString([]byte("s3cret"))
	hs512, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Issuer:    "I1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte("s3cret"))

	cases := []struct {
		name    string
		tok     string
		wantID  string
		wantErr bool
	}{
		{name: "valid", tok: good, wantID: "I1"},
		{name: "empty", tok: "", wantErr: true},
		{name: "garbage", tok: "not.a.jwt", wantErr: true},
		{name: "signed with another instance secret", tok: wrongSecret, wantErr: true},
		{name: "unknown instance", tok: unknown, wantErr: true},
		{name: "expired beyond leeway", tok: expired, wantErr: true},
		{name: "missing exp", tok: noExp, wantErr: true},
		{name: "disallowed alg", tok: hs512, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := v.Verify(context.Background(), tc.tok)
			if tc.wantErr {
				if !errors.Is(err, ErrUnauthorized) {
					t.Fatalf("expected ErrUnauthorized, got id=%q err=%v", id, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if id != tc.wantID {
				t.Fatalf("instance id = %q, want %q", id, tc.wantID)
			}
		})
	}
}

func TestVerifyAudience(t *testing.T) {
	v, _ := NewVerifier(secrets(map[string]string{"I1": "s3cret"}), Config{Audience: "addonrelay"})

	ok, _ := Issue("I1", []byte("s3cret"), time.Minute, "addonrelay")
	if _, err := v.Verify(context.Background(), ok); err != nil {
		t.Fatalf("expected matching audience to verify: %v", err)
	}
	missing, _ := Issue("I1", []byte("s3cret"), time.Minute)
	if _, err := v.Verify(context.Background(), missing); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected missing audience to be rejected, got %v", err)
	}
}
