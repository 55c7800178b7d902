package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFetchHealth_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "pairings": 2, "uploads": 1, "downloads": 1})
	}))
	defer server.Close()

	h, err := FetchHealth(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("FetchHealth() error = %v", err)
	}
	if !h.OK || h.Pairings != 2 || h.Uploads != 1 || h.Downloads != 1 {
		t.Errorf("FetchHealth() = %+v", h)
	}
}

func TestFetchHealth_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("draining"))
	}))
	defer server.Close()

	_, err := FetchHealth(context.Background(), server.URL)
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("FetchHealth() error = %v, want 503", err)
	}
}

func TestFetchHealth_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	if _, err := FetchHealth(context.Background(), server.URL); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestURLs(t *testing.T) {
	if got := opsURL("127.0.0.1:9090/", "/health"); got != "http://127.0.0.1:9090/health" {
		t.Errorf("opsURL() = %s", got)
	}
	if got := EventsURL("http://127.0.0.1:9090"); got != "ws://127.0.0.1:9090/events" {
		t.Errorf("EventsURL() = %s", got)
	}
	if got := EventsURL("https://ops.example"); got != "wss://ops.example/events" {
		t.Errorf("EventsURL() = %s", got)
	}
}
