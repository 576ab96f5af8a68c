package sagaengine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPExecutorSuccessJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-idempotency-key"); got != "abc" {
			t.Errorf("idempotency header = %q, want abc", got)
		}
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`{"ok":true,"id":"r1"}`))
	}))
	defer srv.Close()

	exec := NewHTTPExecutor()
	res := exec.Execute(context.Background(), HttpRequestSpec{Method: "POST", URL: srv.URL, Body: map[string]any{"a": 1}},
		1000, map[string]string{"x-idempotency-key": "abc"})

	if !res.Ok {
		t.Fatalf("expected Ok, got %+v", res)
	}
	if res.StatusCode == nil || *res.StatusCode != 200 {
		t.Errorf("StatusCode = %v, want 200", res.StatusCode)
	}
	body, ok := res.Body.(map[string]any)
	if !ok {
		t.Fatalf("expected decoded JSON map, got %T", res.Body)
	}
	if body["id"] != "r1" {
		t.Errorf("body[id] = %v, want r1", body["id"])
	}
}

func TestHTTPExecutorNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	exec := NewHTTPExecutor()
	res := exec.Execute(context.Background(), HttpRequestSpec{Method: "GET", URL: srv.URL}, 1000, nil)

	if res.Ok {
		t.Fatal("expected not Ok")
	}
	if res.StatusCode == nil || *res.StatusCode != 500 {
		t.Errorf("StatusCode = %v, want 500", res.StatusCode)
	}
	if res.TimedOut || res.NetworkError {
		t.Error("500 is neither a timeout nor a network error")
	}
}

func TestHTTPExecutorTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	exec := NewHTTPExecutor()
	res := exec.Execute(context.Background(), HttpRequestSpec{Method: "GET", URL: srv.URL}, 10, nil)

	if !res.TimedOut {
		t.Errorf("expected TimedOut, got %+v", res)
	}
	if res.Ok {
		t.Error("expected not Ok on timeout")
	}
}

func TestHTTPExecutorNetworkError(t *testing.T) {
	exec := NewHTTPExecutor()
	res := exec.Execute(context.Background(), HttpRequestSpec{Method: "GET", URL: "http://127.0.0.1:1"}, 1000, nil)

	if !res.NetworkError {
		t.Errorf("expected NetworkError, got %+v", res)
	}
	if res.TimedOut {
		t.Error("connection refused is not a timeout")
	}
}

func TestHTTPExecutorRawTextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain")
		w.WriteHeader(200)
		w.Write([]byte("plain response"))
	}))
	defer srv.Close()

	exec := NewHTTPExecutor()
	res := exec.Execute(context.Background(), HttpRequestSpec{Method: "GET", URL: srv.URL}, 1000, nil)

	s, ok := res.Body.(string)
	if !ok || !strings.Contains(s, "plain response") {
		t.Errorf("Body = %#v, want raw string", res.Body)
	}
}

func TestHTTPExecutorExtraHeadersOverrideSpec(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-correlation-id") != "injected" {
			t.Errorf("x-correlation-id = %q, want injected", r.Header.Get("x-correlation-id"))
		}
		w.WriteHeader(200)
	}))
	defer srv.Close()

	exec := NewHTTPExecutor()
	exec.Execute(context.Background(), HttpRequestSpec{
		Method:  "GET",
		URL:     srv.URL,
		Headers: map[string]string{"x-correlation-id": "from-spec"},
	}, 1000, map[string]string{"x-correlation-id": "injected"})
}
