package backends

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAIBackend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewOpenAI(OpenAIOptions{APIKey: "sk-test", BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	return p
}

func completionBody(content, refusal, finish string) string {
	msg := map[string]any{"role": "assistant", "content": content}
	if refusal != "" {
		msg["refusal"] = refusal
	}
	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": finish,
		}},
	})
	return string(body)
}

func TestOpenAI_Analyze(t *testing.T) {
	p := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		encoded, _ := json.Marshal(raw["messages"])
		if !strings.Contains(string(encoded), "data:image/png;base64,") {
			t.Error("image data URI not sent")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody("A dog running on a beach.", "", "stop")))
	})

	res, err := p.Analyze(context.Background(), testPNG(t))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Description == nil || res.Description.Text != "A dog running on a beach." {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", res.Model)
	}
}

func TestOpenAI_Refusal(t *testing.T) {
	p := newTestOpenAI(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody("", "I can't help with that.", "stop")))
	})
	_, err := p.Analyze(context.Background(), testPNG(t))
	if be := Classify(err); be == nil || be.Kind != KindContentRejected {
		t.Fatalf("err = %v, want content_rejected", err)
	}
}

func TestOpenAI_ContentPolicyError(t *testing.T) {
	p := newTestOpenAI(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Your request was rejected.","type":"invalid_request_error","code":"content_policy_violation"}}`))
	})
	_, err := p.Analyze(context.Background(), testPNG(t))
	if be := Classify(err); be == nil || be.Kind != KindContentRejected {
		t.Fatalf("err = %v, want content_rejected", err)
	}
}

func TestOpenAI_RateLimited(t *testing.T) {
	calls := 0
	p := newTestOpenAI(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`))
	})
	_, err := p.Analyze(context.Background(), testPNG(t))
	if be := Classify(err); be == nil || be.Kind != KindRateLimited {
		t.Fatalf("err = %v, want rate_limited", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (retries disabled)", calls)
	}
}
