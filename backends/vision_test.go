package backends

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
)

func newTestVision(t *testing.T, handler http.HandlerFunc) *VisionBackend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	v, err := NewVision(context.Background(), VisionOptions{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewVision: %v", err)
	}
	return v
}

func TestVision_Analyze(t *testing.T) {
	v := newTestVision(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images:annotate" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		var req visionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Requests) != 1 || len(req.Requests[0].Features) != 2 {
			t.Errorf("unexpected request %+v", req)
		}
		if req.Requests[0].Image.Content == "" {
			t.Error("image content not sent")
		}
		_, _ = w.Write([]byte(`{"responses":[{
			"labelAnnotations":[
				{"description":"Cat","score":0.9876},
				{"description":"Whiskers","score":0.912},
				{"description":"Carnivore","score":0.851},
				{"description":"Fur","score":0.8}
			],
			"webDetection":{"webEntities":[
				{"entityId":"/m/01","description":"Tabby cat","score":1.234},
				{"entityId":"/m/02","score":0.5},
				{"entityId":"/m/03","description":"Kitten","score":0.7}
			]}
		}]}`))
	})

	res, err := v.Analyze(context.Background(), testPNG(t))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Kind != KindLabels || res.Mode != ModeVision {
		t.Fatalf("unexpected result %+v", res)
	}
	if n := len(res.Labels.Labels); n != 3 {
		t.Fatalf("labels = %d, want top 3", n)
	}
	if got := res.Labels.Labels[0]; got.Name != "Cat" || got.Score != 0.99 {
		t.Errorf("top label = %+v", got)
	}
	if n := len(res.Labels.WebEntities); n != 2 {
		t.Errorf("web entities = %d, want 2 (blank descriptions skipped)", n)
	}
}

func TestVision_RateLimited(t *testing.T) {
	v := newTestVision(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED"}}`))
	})
	_, err := v.Analyze(context.Background(), testPNG(t))
	be := Classify(err)
	if be == nil || be.Kind != KindRateLimited {
		t.Fatalf("err = %v, want rate_limited", err)
	}
	if be.Message != "Quota exceeded" {
		t.Errorf("message = %q", be.Message)
	}
}

func TestVision_PerImageError(t *testing.T) {
	v := newTestVision(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"responses":[{"error":{"code":3,"message":"Bad image data."}}]}`))
	})
	_, err := v.Analyze(context.Background(), testPNG(t))
	if be := Classify(err); be == nil || be.Kind != KindInvalidInput {
		t.Fatalf("err = %v, want invalid_input", err)
	}
}

func TestVision_RejectsNonImage(t *testing.T) {
	called := false
	v := newTestVision(t, func(http.ResponseWriter, *http.Request) { called = true })
	_, err := v.Analyze(context.Background(), []byte("plain text"))
	if be := Classify(err); be == nil || be.Kind != KindInvalidInput {
		t.Fatalf("err = %v, want invalid_input", err)
	}
	if called {
		t.Error("service should not be called for non-image input")
	}
}

func TestVision_ServerError(t *testing.T) {
	v := newTestVision(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})
	_, err := v.Analyze(context.Background(), testPNG(t))
	if be := Classify(err); be == nil || be.Kind != KindUnavailable || be.Status != http.StatusBadGateway {
		t.Fatalf("err = %+v, want unavailable 502", err)
	}
}
