package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func tokenServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"token123","token_type":"bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenCachedUntilExpiry(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, &hits)

	creds := NewClientCred(Conf{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL})
	tok, err := creds.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "token123" {
		t.Fatalf("unexpected token %q", tok)
	}
	if _, err := creds.Token(context.Background()); err != nil {
		t.Fatalf("second token: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("authority hit %d times, want 1", got)
	}
}

func TestSetAuthHeader(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, &hits)

	creds := NewClientCred(Conf{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL})
	req, _ := http.NewRequest(http.MethodPost, "http://authority.example/clearance", nil)
	if err := creds.SetAuthHeader(context.Background(), req); err != nil {
		t.Fatalf("set header: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer token123" {
		t.Fatalf("Authorization = %q", got)
	}
}

func TestConfigured(t *testing.T) {
	if (Conf{}).Configured() {
		t.Fatal("empty conf reported configured")
	}
	if !(Conf{ClientID: "id", TokenURL: "http://x"}).Configured() {
		t.Fatal("complete conf reported unconfigured")
	}
}
