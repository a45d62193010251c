package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCanonicalizeSendURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://api.example/instances/abc/token/xyz", "https://api.example/instances/abc/token/xyz/send-text"},
		{"https://api.example/instances/abc/token/xyz/send-text", "https://api.example/instances/abc/token/xyz/send-text"},
		{"https://api.example/instances/abc/token/xyz/send-message", "https://api.example/instances/abc/token/xyz/send-text"},
		{"https://api.example/instances/abc/token/xyz/send-messages/", "https://api.example/instances/abc/token/xyz/send-text"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		if got := canonicalizeSendURL(tt.in); got != tt.want {
			t.Errorf("canonicalizeSendURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestZAPISendMessage(t *testing.T) {
	var gotPayload map[string]string
	var gotClientToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClientToken = r.Header.Get("Client-Token")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewZAPIService(
		WithZAPIBaseURL(srv.URL),
		WithZAPIClientToken("ct-123"),
		WithZAPIHTTPClient(srv.Client()),
	)

	if err := s.SendMessage(context.Background(), "5511999999999", "Qual seu CPF?"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if gotPayload["phone"] != "5511999999999" || gotPayload["message"] != "Qual seu CPF?" {
		t.Errorf("unexpected payload: %v", gotPayload)
	}
	if gotClientToken != "ct-123" {
		t.Errorf("Client-Token header = %q", gotClientToken)
	}

	// A sent receipt was emitted.
	select {
	case r := <-s.Receipts():
		if r.To != "5511999999999" {
			t.Errorf("receipt to = %q", r.To)
		}
	default:
		t.Error("no receipt emitted")
	}
}

func TestZAPIBearerTokenWhenNoClientToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewZAPIService(
		WithZAPIBaseURL(srv.URL),
		WithZAPIToken("tok-1"),
		WithZAPIHTTPClient(srv.Client()),
	)
	if err := s.SendMessage(context.Background(), "5511999999999", "oi"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestZAPIInstanceNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "Instance not found"}`))
	}))
	defer srv.Close()

	s := NewZAPIService(WithZAPIBaseURL(srv.URL), WithZAPIHTTPClient(srv.Client()))
	err := s.SendMessage(context.Background(), "5511999999999", "oi")
	if err == nil {
		t.Fatal("expected error for instance not found")
	}
}

func TestZAPIStubMode(t *testing.T) {
	s := NewZAPIService()
	if err := s.SendMessage(context.Background(), "5511999999999", "oi"); err != nil {
		t.Fatalf("stub mode send should succeed: %v", err)
	}
}

func TestZAPISendAfterStop(t *testing.T) {
	s := NewZAPIService()
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.SendMessage(context.Background(), "5511999999999", "oi"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestZAPIValidateRecipient(t *testing.T) {
	s := NewZAPIService()
	got, err := s.ValidateAndCanonicalizeRecipient("+55 (11) 99999-9999")
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if got != "5511999999999" {
		t.Errorf("canonical = %q", got)
	}
	if _, err := s.ValidateAndCanonicalizeRecipient("123"); err == nil {
		t.Error("expected error for short number")
	}
}
