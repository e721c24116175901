package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"legal-rag-backend/internal/config"
)

func newTestFactChecker(url string) *FactChecker {
	return NewFactChecker(&config.Config{
		VerifierURL:     url,
		VerifierModel:   "test-model",
		VerifierEnabled: true,
		VerifierTimeout: 5 * time.Second,
	})
}

func factCheckServer(t *testing.T, response string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}

		var req factCheckRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Stream {
			t.Error("streaming must be disabled")
		}
		if req.Model != "test-model" {
			t.Errorf("model = %s", req.Model)
		}

		json.NewEncoder(w).Encode(factCheckResponse{Response: response})
	}))
}

func TestFactCheckSupported(t *testing.T) {
	srv := factCheckServer(t, "✓ All statements supported")
	defer srv.Close()

	f := newTestFactChecker(srv.URL)
	result := f.Verify(context.Background(), "answer", "context")

	if !result.IsSupported {
		t.Error("pass marker must yield supported")
	}
}

func TestFactCheckUnsupported(t *testing.T) {
	srv := factCheckServer(t, "Unsupported: Die Kaution beträgt fünf Monatsmieten")
	defer srv.Close()

	f := newTestFactChecker(srv.URL)
	result := f.Verify(context.Background(), "answer", "context")

	if result.IsSupported {
		t.Error("fail marker must yield unsupported")
	}
	if result.Details == "" {
		t.Error("details must carry the model output")
	}
}

func TestFactCheckMixedMarkers(t *testing.T) {
	// A confused model emitting both markers is treated as unsupported.
	srv := factCheckServer(t, "✓ All statements supported\nUnsupported: one claim")
	defer srv.Close()

	f := newTestFactChecker(srv.URL)
	if f.Verify(context.Background(), "answer", "context").IsSupported {
		t.Error("fail marker must win over pass marker")
	}
}

func TestFactCheckFailsOpenWhenUnreachable(t *testing.T) {
	f := newTestFactChecker("http://127.0.0.1:1")

	result := f.Verify(context.Background(), "answer", "context")
	if !result.IsSupported {
		t.Error("unreachable verifier must fail open")
	}
	if result.Details != "verifier unavailable" {
		t.Errorf("details = %q", result.Details)
	}
}

func TestFactCheckFailsOpenOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newTestFactChecker(srv.URL)
	if !f.Verify(context.Background(), "answer", "context").IsSupported {
		t.Error("server errors must fail open")
	}
}

func TestFactCheckDisabled(t *testing.T) {
	f := NewFactChecker(&config.Config{VerifierEnabled: false})

	result := f.Verify(context.Background(), "answer", "context")
	if !result.IsSupported {
		t.Error("disabled verifier must report supported")
	}
	if result.Details != "verifier disabled" {
		t.Errorf("details = %q", result.Details)
	}
}
