package nim

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/savantlabs/savant/providers/vision"
)

func chatReply(content string) []byte {
	reply := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	raw, _ := json.Marshal(reply)
	return raw
}

func TestAnalyzeParsesStructuredFinding(t *testing.T) {
	t.Parallel()

	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer nim-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write(chatReply(`{"injury": "Arterial Bleed", "severity": "CRITICAL", "visual_overlay": "Apply Tourniquet"}`))
	}))
	defer server.Close()

	adapter := NewAdapter(Config{BaseURL: server.URL, APIKey: "nim-key"})
	analysis := adapter.Analyze(context.Background(), []byte("jpeg-bytes"))

	if analysis.Injury != "Arterial Bleed" || analysis.Severity != "CRITICAL" {
		t.Fatalf("unexpected analysis: %+v", analysis)
	}
	if analysis.VisualOverlay != "Apply Tourniquet" {
		t.Fatalf("unexpected overlay %q", analysis.VisualOverlay)
	}
	if captured["model"] != defaultModel {
		t.Fatalf("unexpected model %v", captured["model"])
	}
}

func TestAnalyzeStripsMarkdownFences(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(chatReply("```json\n{\"injury\": \"Burn\", \"severity\": \"MODERATE\", \"visual_overlay\": \"Cool with water\"}\n```"))
	}))
	defer server.Close()

	adapter := NewAdapter(Config{BaseURL: server.URL})
	analysis := adapter.Analyze(context.Background(), []byte("jpeg-bytes"))
	if analysis.Injury != "Burn" {
		t.Fatalf("expected fenced json parsed, got %+v", analysis)
	}
}

func TestAnalyzeFallsBackOnBackendFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model offline", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	adapter := NewAdapter(Config{BaseURL: server.URL})
	analysis := adapter.Analyze(context.Background(), []byte("jpeg-bytes"))
	if analysis != vision.Fallback() {
		t.Fatalf("expected fallback analysis, got %+v", analysis)
	}
}

func TestAnalyzeFallsBackOnUnparseableContent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(chatReply("I cannot analyze this image."))
	}))
	defer server.Close()

	adapter := NewAdapter(Config{BaseURL: server.URL})
	analysis := adapter.Analyze(context.Background(), []byte("jpeg-bytes"))
	if analysis != vision.Fallback() {
		t.Fatalf("expected fallback analysis, got %+v", analysis)
	}
}

func TestAnalyzeFallsBackOnEmptyImage(t *testing.T) {
	t.Parallel()

	adapter := NewAdapter(Config{BaseURL: "http://127.0.0.1:0"})
	if analysis := adapter.Analyze(context.Background(), nil); analysis != vision.Fallback() {
		t.Fatalf("expected fallback for empty image, got %+v", analysis)
	}
}
