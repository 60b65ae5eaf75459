package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateKey_Success(t *testing.T) {
	var gotAuth string
	var gotBody KeyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/key/generate" {
			t.Errorf("Expected /key/generate, got %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"key": "sk-new-key"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "master-key")
	key, err := c.GenerateKey(context.Background(), &KeyRequest{
		UserID:    "a@example.com",
		Models:    []string{"gpt-4o", "gpt-4o-mini"},
		MaxBudget: 0.50,
		Duration:  "30d",
	})
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if key != "sk-new-key" {
		t.Errorf("Expected sk-new-key, got %s", key)
	}
	if gotAuth != "Bearer master-key" {
		t.Errorf("Expected master key auth header, got %s", gotAuth)
	}
	if gotBody.UserID != "a@example.com" || gotBody.MaxBudget != 0.50 {
		t.Errorf("Unexpected key request body: %+v", gotBody)
	}
}

func TestGenerateKey_EmptyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "master-key")
	if _, err := c.GenerateKey(context.Background(), &KeyRequest{UserID: "a@example.com"}); err == nil {
		t.Error("Expected error for empty key response")
	}
}

func TestUpdateUserBudget_Success(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user/update" {
			t.Errorf("Expected /user/update, got %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "master-key")
	if err := c.UpdateUserBudget(context.Background(), "t1", 20.50); err != nil {
		t.Fatalf("UpdateUserBudget failed: %v", err)
	}
	if gotBody["user_id"] != "t1" || gotBody["max_budget"] != 20.50 {
		t.Errorf("Unexpected budget payload: %v", gotBody)
	}
}

func TestUpdateUserBudget_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "master-key")
	err := c.UpdateUserBudget(context.Background(), "t1", 20.50)
	if err == nil {
		t.Fatal("Expected error for 500 response")
	}
	if !strings.Contains(err.Error(), "status 500") {
		t.Errorf("Expected status in error, got %v", err)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "master-key")
	for i := 0; i < 3; i++ {
		_ = c.UpdateUserBudget(context.Background(), "t1", 1.0)
	}

	// Breaker is now open; the request must fail without reaching the server.
	err := c.UpdateUserBudget(context.Background(), "t1", 1.0)
	if err == nil {
		t.Fatal("Expected breaker to reject the call")
	}
	if !strings.Contains(err.Error(), "circuit breaker is open") {
		t.Errorf("Expected open breaker error, got %v", err)
	}
}
