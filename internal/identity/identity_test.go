package identity_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Volpestyle/career-agent-sub001/internal/identity"
)

const secret = "test-secret"

func TestIssueAndValidateAccessToken(t *testing.T) {
	token, err := identity.IssueAccessToken(secret, "alice", time.Hour)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	id, err := identity.Validate(secret, token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if id.ID != "alice" || !id.IsAuthenticated {
		t.Errorf("got %+v", id)
	}
}

func TestIssueAnonymousToken(t *testing.T) {
	token, anonID, err := identity.IssueAnonymousToken(secret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(anonID, "anon_") {
		t.Errorf("anon id: %q", anonID)
	}
	id, err := identity.Validate(secret, token)
	if err != nil {
		t.Fatal(err)
	}
	if id.ID != anonID || id.IsAuthenticated {
		t.Errorf("got %+v", id)
	}

	_, other, _ := identity.IssueAnonymousToken(secret, time.Hour)
	if other == anonID {
		t.Error("expected unique anonymous ids")
	}
}

func TestValidate_Expired(t *testing.T) {
	token, _ := identity.IssueAccessToken(secret, "alice", -time.Second)
	if _, err := identity.Validate(secret, token); err == nil {
		t.Error("expected error for expired token")
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	token, _ := identity.IssueAccessToken("secret-a", "alice", time.Hour)
	if _, err := identity.Validate("secret-b", token); err == nil {
		t.Error("expected error for wrong secret")
	}
}

func TestResolve(t *testing.T) {
	r := identity.NewJWTResolver(secret)
	alice, _ := identity.IssueAccessToken(secret, "alice", time.Hour)
	anon, anonID, _ := identity.IssueAnonymousToken(secret, time.Hour)

	tests := []struct {
		name    string
		setup   func(req *http.Request)
		wantID  string
		wantErr bool
	}{
		{"bearer header", func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+alice) }, "alice", false},
		{"query param", func(req *http.Request) { req.URL.RawQuery = "token=" + alice }, "alice", false},
		{"access cookie", func(req *http.Request) { req.AddCookie(&http.Cookie{Name: identity.AccessCookie, Value: alice}) }, "alice", false},
		{"anon cookie", func(req *http.Request) { req.AddCookie(&http.Cookie{Name: identity.AnonCookie, Value: anon}) }, anonID, false},
		{"expired access falls back to anon", func(req *http.Request) {
			expired, _ := identity.IssueAccessToken(secret, "alice", -time.Second)
			req.AddCookie(&http.Cookie{Name: identity.AccessCookie, Value: expired})
			req.AddCookie(&http.Cookie{Name: identity.AnonCookie, Value: anon})
		}, anonID, false},
		{"garbage", func(req *http.Request) { req.Header.Set("Authorization", "Bearer nope") }, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/sessions/s1/stream", nil)
			tt.setup(req)
			id, err := r.Resolve(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if id.ID != tt.wantID {
				t.Errorf("id: got %q want %q", id.ID, tt.wantID)
			}
		})
	}
}

func TestResolve_NoCredentials(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := identity.NewJWTResolver(secret).Resolve(req)
	if !errors.Is(err, identity.ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}
