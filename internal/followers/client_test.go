package followers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestListFetchesAndCachesFollowers(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/users/u1/followers" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"followers":[{"userId":"ana","displayName":"Ana"},{"userId":"","displayName":"ghost"}]}`))
	}))
	defer server.Close()

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	client, err := NewClient(ClientConfig{
		BaseURL: server.URL,
		Tokens:  func(context.Context) (string, error) { return "token-1", nil },
		Clock:   func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}

	followers, err := client.List(context.Background(), "u1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(followers) != 1 || followers[0].UserID != "ana" || followers[0].DisplayName != "Ana" {
		t.Fatalf("unexpected followers: %#v", followers)
	}
	if _, err := client.List(context.Background(), "u1"); err != nil {
		t.Fatalf("cached list failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected cached response, got %d calls", calls.Load())
	}

	now = now.Add(time.Minute)
	if _, err := client.List(context.Background(), "u1"); err != nil {
		t.Fatalf("refetch failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected refetch after ttl, got %d calls", calls.Load())
	}
}

func TestListSurfacesUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	if _, err := client.List(context.Background(), "u1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{BaseURL: "relay"}); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestFollowInvalidatesCache(t *testing.T) {
	var lists atomic.Int32
	var methods []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			lists.Add(1)
			_, _ = w.Write([]byte(`{"followers":[]}`))
			return
		}
		methods = append(methods, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	ctx := context.Background()
	if _, err := client.List(ctx, "owner"); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if err := client.Follow(ctx, "owner"); err != nil {
		t.Fatalf("follow failed: %v", err)
	}
	if _, err := client.List(ctx, "owner"); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if err := client.Unfollow(ctx, "owner"); err != nil {
		t.Fatalf("unfollow failed: %v", err)
	}
	if lists.Load() != 2 {
		t.Fatalf("expected follow to invalidate the cached list, got %d fetches", lists.Load())
	}
	if len(methods) != 2 || methods[0] != http.MethodPut || methods[1] != http.MethodDelete {
		t.Fatalf("unexpected methods: %v", methods)
	}
	if err := client.Follow(ctx, " "); err == nil {
		t.Fatalf("expected empty user id to be rejected")
	}
}
