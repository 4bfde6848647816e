package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pagemark-labs/pagemark/internal/auth"
	"github.com/pagemark-labs/pagemark/internal/protocol"
	"github.com/pagemark-labs/pagemark/internal/replica"
)

func mustClient(t *testing.T, baseURL string, credentials auth.Credentials) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{BaseURL: baseURL, Credentials: credentials})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return client
}

func testCredentials(t *testing.T) auth.Credentials {
	t.Helper()
	credentials, err := auth.NewCredentials("reader", "secret")
	if err != nil {
		t.Fatalf("failed to build credentials: %v", err)
	}
	return credentials
}

func TestClientSendsCredentialHeaders(t *testing.T) {
	credentials := testCredentials(t)

	var seenUser, seenKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUser = r.Header.Get("x-auth-user")
		seenKey = r.Header.Get("x-auth-key")
		_ = json.NewEncoder(w).Encode(protocol.AuthResponse{Authorized: "OK"})
	}))
	defer server.Close()

	client := mustClient(t, server.URL, credentials)
	if err := client.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if seenUser != "reader" || seenKey != credentials.Secret {
		t.Fatalf("credential headers missing: user=%q key=%q", seenUser, seenKey)
	}
}

func TestClientWithoutCredentialsFailsFast(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("request must not reach the server")
	}))
	defer server.Close()

	client := mustClient(t, server.URL, auth.Credentials{})
	_, err := client.GetAnnotations(context.Background(), "doc")
	if !errors.Is(err, replica.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestClientMapsUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{Code: protocol.CodeUnauthorized, Message: "Unauthorized"})
	}))
	defer server.Close()

	client := mustClient(t, server.URL, testCredentials(t))
	_, err := client.GetAnnotations(context.Background(), "doc")
	if !errors.Is(err, replica.ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
}

func TestClientMapsVersionConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{Code: protocol.CodeVersionConflict, Message: "Version conflict"})
	}))
	defer server.Close()

	client := mustClient(t, server.URL, testCredentials(t))
	base := int64(3)
	_, err := client.PutAnnotations(context.Background(), "doc", protocol.UpdateAnnotationsRequest{BaseVersion: &base})
	if !errors.Is(err, replica.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestClientDefaultsMissingFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := mustClient(t, server.URL, testCredentials(t))
	doc, err := client.GetAnnotations(context.Background(), "doc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Version != 0 || len(doc.Annotations) != 0 {
		t.Fatalf("absent fields should default to zero values, got %#v", doc)
	}

	record, err := client.GetProgress(context.Background(), "doc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !record.IsZero() {
		t.Fatalf("empty object should read as no stored record, got %#v", record)
	}
}

func TestClientEscapesDocumentDigest(t *testing.T) {
	var seenPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := mustClient(t, server.URL, testCredentials(t))
	if _, err := client.GetProgress(context.Background(), "a b/c"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seenPath != "/syncs/progress/a%20b%2Fc" {
		t.Fatalf("document digest should be path-escaped, got %q", seenPath)
	}
}

func TestRegisterSendsDerivedSecret(t *testing.T) {
	credentials := testCredentials(t)

	var received protocol.CreateUserRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(protocol.CreateUserResponse{Username: received.Username})
	}))
	defer server.Close()

	client := mustClient(t, server.URL, credentials)
	if err := client.Register(context.Background()); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if received.Username != "reader" || received.Password != credentials.Secret {
		t.Fatalf("registration should carry the derived secret, got %#v", received)
	}
}
